package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/anime-shed/growth-kiosk/internal/calibration"
	"github.com/anime-shed/growth-kiosk/internal/capture"
	"github.com/anime-shed/growth-kiosk/internal/config"
	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
	"github.com/anime-shed/growth-kiosk/internal/logger"
	"github.com/anime-shed/growth-kiosk/internal/workflow"
	"github.com/anime-shed/growth-kiosk/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Workflow is the operator-facing surface of the state machine.
type Workflow interface {
	Start(ctx context.Context) error
	RetryCamera(ctx context.Context) error
	Suspend() error
	Resume(ctx context.Context) error
	SelectSubject(ctx context.Context, id string) (*models.Subject, error)
	Capture(ctx context.Context) (*capture.FrameInfo, error)
	Retake(ctx context.Context) error
	Analyze(ctx context.Context) (*workflow.Ticket, error)
	Save(ctx context.Context) (*models.Examination, error)
	Cancel(ctx context.Context) error
	Calibrate(ctx context.Context) (calibration.Outcome, error)
	Snapshot() workflow.View
}

// NewHandler builds the operator API. hub and preview may be nil.
func NewHandler(wf Workflow, hub *Hub, preview http.Handler, cfg *config.Config) http.Handler {
	r := gin.New()

	// Add middleware
	r.Use(
		gin.Recovery(),
		requestLogger(),
		requestSizeLimiter(cfg.MaxRequestBodySize),
		errorHandler(),
	)

	// Configure routes
	r.GET("/health", healthCheck)

	session := r.Group("/session")
	session.GET("", snapshot(wf))
	session.POST("/start", transition(wf, cfg, "start", wf.Start))
	session.POST("/camera/retry", transition(wf, cfg, "retry camera", wf.RetryCamera))
	session.POST("/suspend", transition(wf, cfg, "suspend", func(context.Context) error { return wf.Suspend() }))
	session.POST("/resume", transition(wf, cfg, "resume", wf.Resume))
	session.POST("/subject", selectSubject(wf, cfg))
	session.POST("/capture", captureFrame(wf, cfg))
	session.POST("/retake", transition(wf, cfg, "retake", wf.Retake))
	session.POST("/analyze", analyze(wf, cfg))
	session.POST("/save", save(wf, cfg))
	session.POST("/cancel", transition(wf, cfg, "cancel", wf.Cancel))
	session.POST("/calibrate", calibrate(wf, cfg))

	if hub != nil {
		session.GET("/events", hub.Serve(func() interface{} { return wf.Snapshot() }))
	}
	if preview != nil {
		session.GET("/preview", gin.WrapH(preview))
	}

	return r
}

func snapshot(wf Workflow) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, wf.Snapshot())
	}
}

// transition runs an operation that has no payload of its own and answers
// with the resulting snapshot.
func transition(wf Workflow, cfg *config.Config, name string, op func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		if err := op(ctx); err != nil {
			respondError(c, determineStatusCode(err), name+" failed", err)
			return
		}
		c.JSON(http.StatusOK, wf.Snapshot())
	}
}

func selectSubject(wf Workflow, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		var req models.SelectSubjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request format", apperrors.NewValidationError("subject_id is required", err))
			return
		}

		subject, err := wf.SelectSubject(ctx, req.SubjectID)
		if err != nil {
			respondError(c, determineStatusCode(err), "subject selection failed", err)
			return
		}
		c.JSON(http.StatusOK, subject)
	}
}

func captureFrame(wf Workflow, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		info, err := wf.Capture(ctx)
		if err != nil {
			respondError(c, determineStatusCode(err), "capture failed", err)
			return
		}

		logger.WithFields(logrus.Fields{
			"width":  info.Width,
			"height": info.Height,
			"bytes":  info.EncodedBytes,
			"issues": info.QualityIssues,
		}).Info("Frame captured")

		c.JSON(http.StatusOK, info)
	}
}

// analyze starts the remote analysis and returns at once; the outcome
// arrives on the event stream and in later snapshots.
func analyze(wf Workflow, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		ticket, err := wf.Analyze(ctx)
		if err != nil {
			respondError(c, determineStatusCode(err), "analysis could not start", err)
			return
		}

		if c.Query("wait") == "true" {
			if err := ticket.Wait(ctx); err != nil {
				respondError(c, http.StatusGatewayTimeout, "analysis still running", apperrors.NewTimeoutError("analysis still running", err))
				return
			}
			c.JSON(http.StatusOK, wf.Snapshot())
			return
		}

		c.JSON(http.StatusAccepted, models.AnalyzeResponse{
			RequestID:  ticket.RequestID,
			Generation: ticket.Generation,
		})
	}
}

func save(wf Workflow, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		exam, err := wf.Save(ctx)
		if err != nil {
			respondError(c, determineStatusCode(err), "save failed", err)
			return
		}
		c.JSON(http.StatusOK, exam)
	}
}

func calibrate(wf Workflow, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		outcome, err := wf.Calibrate(ctx)
		if err != nil {
			respondError(c, determineStatusCode(err), "calibration failed", err)
			return
		}
		c.JSON(http.StatusOK, models.CalibrationResponse{
			Succeeded:         outcome.Succeeded,
			ReferenceHeightCm: outcome.ReferenceHeightCm,
		})
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": "1.0.0",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Middleware and helper functions
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
		}).Debug("Request handled")
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last()
			respondError(c, determineStatusCode(err.Err), "request processing failed", err.Err)
		}
	}
}

func determineStatusCode(err error) int {
	// Check if it's a custom app error first
	if appErr, ok := apperrors.As(err); ok {
		return appErr.StatusCode
	}

	// Fallback to context-based errors
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, status int, message string, err error) {
	// Log the error with context
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": status,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	}).Error("Request failed")

	resp := models.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	if appErr, ok := apperrors.As(err); ok {
		resp.Code = string(appErr.Code)
		resp.Message = message + ": " + appErr.Message
	} else if err != nil {
		resp.Message = message + ": " + err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}
