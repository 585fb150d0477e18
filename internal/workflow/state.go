package workflow

import (
	"context"
	"time"

	"github.com/anime-shed/growth-kiosk/internal/calibration"
	"github.com/anime-shed/growth-kiosk/internal/capture"
	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
	"github.com/anime-shed/growth-kiosk/pkg/models"
)

// State of the screening workflow.
type State string

const (
	StatePreview   State = "preview"
	StateCaptured  State = "captured"
	StateAnalyzing State = "analyzing"
	StateResults   State = "results"
	StateSaving    State = "saving"
	StateClosed    State = "closed"
)

// ErrorView is the last failure shown to the operator.
type ErrorView struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeviceView is the camera status shown to the operator.
type DeviceView struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// ResultView is an analysis result ready for display.
type ResultView struct {
	*models.AnalysisResult
	AnnotatedImage string `json:"annotated_image,omitempty"`
}

// View is a point-in-time snapshot of everything the operator sees.
type View struct {
	State       State                 `json:"state"`
	Generation  uint64                `json:"generation"`
	Suspended   bool                  `json:"suspended"`
	Device      DeviceView            `json:"device"`
	Subject     *models.Subject       `json:"subject,omitempty"`
	Frame       *capture.FrameInfo    `json:"frame,omitempty"`
	Result      *ResultView           `json:"result,omitempty"`
	RequestID   string                `json:"request_id,omitempty"`
	Error       *ErrorView            `json:"error,omitempty"`
	Calibration calibration.Indicator `json:"calibration"`
	LastSaved   *models.Examination   `json:"last_saved,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Ticket tracks one background analysis.
type Ticket struct {
	RequestID  string
	Generation uint64
	done       chan struct{}
}

// Done is closed once the analysis has been applied or discarded.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until Done or ctx ends.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorView(err error) *ErrorView {
	if err == nil {
		return nil
	}
	if appErr, ok := apperrors.As(err); ok {
		return &ErrorView{Type: string(appErr.Type), Code: string(appErr.Code), Message: appErr.Message}
	}
	return &ErrorView{Type: string(apperrors.ErrorTypeInternal), Code: string(apperrors.CodeInternal), Message: err.Error()}
}
