package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeDevice      ErrorType = "device"
	ErrorTypeCapture     ErrorType = "capture"
	ErrorTypeAnalysis    ErrorType = "analysis"
	ErrorTypeWorkflow    ErrorType = "workflow"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypePersistence ErrorType = "persistence"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeInternal    ErrorType = "internal"
)

// Code identifies the concrete failure inside a category
type Code string

const (
	CodeAccessDenied      Code = "access_denied"
	CodeUnavailable       Code = "unavailable"
	CodeNoActiveStream    Code = "no_active_stream"
	CodeEncodeFailed      Code = "encode_failed"
	CodeTimeout           Code = "timeout"
	CodeServiceRejected   Code = "service_rejected"
	CodeUnreachable       Code = "unreachable"
	CodeAlreadyInProgress Code = "already_in_progress"
	CodeIllegalTransition Code = "illegal_transition"
	CodeInvalidRequest    Code = "invalid_request"
	CodeSubjectNotFound   Code = "subject_not_found"
	CodePersistenceFailed Code = "persistence_failed"
	CodeInternal          Code = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType `json:"type"`
	Code    Code      `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	// StatusCode is the status the operator API answers with.
	StatusCode int `json:"status_code"`
	// UpstreamStatus is the remote service status for service_rejected.
	UpstreamStatus int   `json:"upstream_status,omitempty"`
	Cause          error `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s (caused by: %v)", e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

func newError(t ErrorType, code Code, status int, message string, cause error) *AppError {
	return &AppError{
		Type:       t,
		Code:       code,
		Message:    message,
		StatusCode: status,
		Cause:      cause,
	}
}

// NewAccessDeniedError reports that the OS refused access to the camera
func NewAccessDeniedError(message string, cause error) *AppError {
	return newError(ErrorTypeDevice, CodeAccessDenied, http.StatusForbidden, message, cause)
}

// NewUnavailableError reports a missing or busy camera
func NewUnavailableError(message string, cause error) *AppError {
	return newError(ErrorTypeDevice, CodeUnavailable, http.StatusServiceUnavailable, message, cause)
}

// NewNoActiveStreamError reports a capture against a device that is not delivering frames
func NewNoActiveStreamError(message string) *AppError {
	return newError(ErrorTypeCapture, CodeNoActiveStream, http.StatusConflict, message, nil)
}

// NewEncodeFailedError reports a frame that could not be read or encoded
func NewEncodeFailedError(message string, cause error) *AppError {
	return newError(ErrorTypeCapture, CodeEncodeFailed, http.StatusUnprocessableEntity, message, cause)
}

// NewTimeoutError reports a remote call that exceeded its deadline
func NewTimeoutError(message string, cause error) *AppError {
	return newError(ErrorTypeAnalysis, CodeTimeout, http.StatusGatewayTimeout, message, cause)
}

// NewServiceRejectedError reports a non-2xx answer from the analysis service
func NewServiceRejectedError(upstreamStatus int, message string) *AppError {
	e := newError(ErrorTypeAnalysis, CodeServiceRejected, http.StatusBadGateway, message, nil)
	e.UpstreamStatus = upstreamStatus
	e.Details = fmt.Sprintf("upstream status %d", upstreamStatus)
	return e
}

// NewUnreachableError reports a network failure talking to the analysis service
func NewUnreachableError(message string, cause error) *AppError {
	return newError(ErrorTypeAnalysis, CodeUnreachable, http.StatusBadGateway, message, cause)
}

// NewAlreadyInProgressError reports a rejected concurrent attempt
func NewAlreadyInProgressError(message string) *AppError {
	return newError(ErrorTypeAnalysis, CodeAlreadyInProgress, http.StatusConflict, message, nil)
}

// NewIllegalTransitionError reports an operation not permitted in the current workflow state
func NewIllegalTransitionError(message string) *AppError {
	return newError(ErrorTypeWorkflow, CodeIllegalTransition, http.StatusConflict, message, nil)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *AppError {
	return newError(ErrorTypeValidation, CodeInvalidRequest, http.StatusBadRequest, message, cause)
}

// NewSubjectNotFoundError reports an unknown subject identifier
func NewSubjectNotFoundError(message string, cause error) *AppError {
	return newError(ErrorTypeNotFound, CodeSubjectNotFound, http.StatusNotFound, message, cause)
}

// NewPersistenceError reports a failed image upload or record upsert
func NewPersistenceError(message string, cause error) *AppError {
	return newError(ErrorTypePersistence, CodePersistenceFailed, http.StatusBadGateway, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *AppError {
	return newError(ErrorTypeInternal, CodeInternal, http.StatusInternalServerError, message, cause)
}

// As extracts the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := As(err); ok {
		return appErr.Type == errorType
	}
	return false
}

// IsCode checks if the error carries a specific code
func IsCode(err error, code Code) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// GetStatusCode extracts the HTTP status code from an error
func GetStatusCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
