package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantType   ErrorType
		wantCode   Code
		wantStatus int
	}{
		{"access denied", NewAccessDeniedError("denied", nil), ErrorTypeDevice, CodeAccessDenied, http.StatusForbidden},
		{"unavailable", NewUnavailableError("busy", nil), ErrorTypeDevice, CodeUnavailable, http.StatusServiceUnavailable},
		{"no active stream", NewNoActiveStreamError("no frames"), ErrorTypeCapture, CodeNoActiveStream, http.StatusConflict},
		{"encode failed", NewEncodeFailedError("jpeg", nil), ErrorTypeCapture, CodeEncodeFailed, http.StatusUnprocessableEntity},
		{"timeout", NewTimeoutError("slow", context.DeadlineExceeded), ErrorTypeAnalysis, CodeTimeout, http.StatusGatewayTimeout},
		{"rejected", NewServiceRejectedError(500, "boom"), ErrorTypeAnalysis, CodeServiceRejected, http.StatusBadGateway},
		{"unreachable", NewUnreachableError("dial", nil), ErrorTypeAnalysis, CodeUnreachable, http.StatusBadGateway},
		{"in progress", NewAlreadyInProgressError("busy"), ErrorTypeAnalysis, CodeAlreadyInProgress, http.StatusConflict},
		{"illegal", NewIllegalTransitionError("nope"), ErrorTypeWorkflow, CodeIllegalTransition, http.StatusConflict},
		{"validation", NewValidationError("bad", nil), ErrorTypeValidation, CodeInvalidRequest, http.StatusBadRequest},
		{"not found", NewSubjectNotFoundError("who", nil), ErrorTypeNotFound, CodeSubjectNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType {
				t.Errorf("Expected type %s, got %s", tt.wantType, tt.err.Type)
			}
			if !IsCode(tt.err, tt.wantCode) {
				t.Errorf("Expected code %s, got %s", tt.wantCode, tt.err.Code)
			}
			if got := GetStatusCode(tt.err); got != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, got)
			}
		})
	}
}

func TestServiceRejectedCarriesUpstreamStatus(t *testing.T) {
	err := NewServiceRejectedError(http.StatusUnprocessableEntity, "rejected")
	if err.UpstreamStatus != http.StatusUnprocessableEntity {
		t.Errorf("Expected upstream status 422, got %d", err.UpstreamStatus)
	}
}

func TestIsCode_WrappedError(t *testing.T) {
	err := fmt.Errorf("analyze: %w", NewTimeoutError("deadline", context.DeadlineExceeded))

	if !IsCode(err, CodeTimeout) {
		t.Error("Expected wrapped error to match timeout code")
	}
	if !IsType(err, ErrorTypeAnalysis) {
		t.Error("Expected wrapped error to match analysis type")
	}
	if GetStatusCode(err) != http.StatusGatewayTimeout {
		t.Errorf("Expected 504 for wrapped timeout, got %d", GetStatusCode(err))
	}
}

func TestGetStatusCode_PlainError(t *testing.T) {
	if got := GetStatusCode(fmt.Errorf("plain")); got != http.StatusInternalServerError {
		t.Errorf("Expected 500 for plain error, got %d", got)
	}
	if IsCode(fmt.Errorf("plain"), CodeTimeout) {
		t.Error("Plain error must not match any code")
	}
}
