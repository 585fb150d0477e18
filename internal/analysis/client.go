// Package analysis talks to the external vision-analysis service.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anime-shed/growth-kiosk/internal/capture"
	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
	"github.com/anime-shed/growth-kiosk/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	captureFilename     = "capture.jpg"
	calibrationFilename = "aruco.jpg"

	// Annotated images come back base64-encoded inside the JSON body.
	maxResponseBytes = 32 << 20
)

// Client calls the capture and calibration endpoints. It never retries: a
// failed exchange is reported and the operator decides what to do next.
type Client struct {
	captureURL     string
	calibrationURL string
	client         *http.Client
	logger         *logrus.Logger
	now            func() time.Time
}

// NewClient creates a client for the given endpoint URLs.
func NewClient(captureURL, calibrationURL string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	transport := &http.Transport{
		// The service runs next to the kiosk; one warm connection is enough
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,

		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 4096,
	}

	return &Client{
		captureURL:     captureURL,
		calibrationURL: calibrationURL,
		client: &http.Client{
			Transport: transport,
			// Deadlines come from the caller's context
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
		now:    time.Now,
	}
}

// Analyze posts the captured frame with the subject's gender and age.
func (c *Client) Analyze(ctx context.Context, req *capture.AnalysisRequest) (*models.AnalysisResult, error) {
	u, err := url.Parse(c.captureURL)
	if err != nil {
		return nil, apperrors.NewInternalError("invalid capture endpoint", err)
	}
	q := u.Query()
	q.Set("gender", req.Gender)
	q.Set("age", strconv.Itoa(req.AgeYears))
	u.RawQuery = q.Encode()

	var body captureResponse
	if err := c.post(ctx, u.String(), captureFilename, req.Frame, &body); err != nil {
		return nil, err
	}

	annotated, err := decodeImage(body.Image)
	if err != nil {
		return nil, apperrors.NewServiceRejectedError(http.StatusOK, "analysis service returned an unreadable image")
	}

	status := models.NutritionStatus(body.Status.Label)
	if !status.Known() {
		c.logger.WithFields(logrus.Fields{
			"request_id": req.ID,
			"label":      body.Status.Label,
		}).Warn("Analysis service returned an unknown nutrition status")
	}

	return &models.AnalysisResult{
		RequestID:       req.ID,
		SubjectID:       req.SubjectID,
		HeightCm:        body.Height,
		WeightKg:        body.Weight,
		HAZScore:        body.Status.HAZScore,
		NutritionStatus: status,
		Message:         body.Message,
		AnnotatedImage:  annotated,
		CompletedAt:     c.now(),
	}, nil
}

// Calibrate posts a frame of the reference marker and returns the scale the
// service derived from it.
func (c *Client) Calibrate(ctx context.Context, frame *capture.Frame) (float64, error) {
	var body calibrationResponse
	if err := c.post(ctx, c.calibrationURL, calibrationFilename, frame, &body); err != nil {
		return 0, err
	}
	if body.Result == nil {
		return 0, apperrors.NewServiceRejectedError(http.StatusOK, "calibration response has no result")
	}
	return *body.Result, nil
}

func (c *Client) post(ctx context.Context, endpoint, filename string, frame *capture.Frame, out interface{}) error {
	payload := frame.Encoded()
	if err := frame.Verify(payload); err != nil {
		return apperrors.NewEncodeFailedError("captured frame changed before upload", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", frame.ContentType())
	part, err := mw.CreatePart(header)
	if err != nil {
		return apperrors.NewEncodeFailedError("failed to build upload", err)
	}
	if _, err := part.Write(payload); err != nil {
		return apperrors.NewEncodeFailedError("failed to build upload", err)
	}
	if err := mw.Close(); err != nil {
		return apperrors.NewEncodeFailedError("failed to build upload", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return apperrors.NewInternalError("invalid analysis endpoint", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Growth-Kiosk/1.0")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return mapTransportError(ctx, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
			"body":     strings.TrimSpace(string(snippet)),
		}).Warn("Analysis service rejected request")
		return apperrors.NewServiceRejectedError(resp.StatusCode,
			fmt.Sprintf("analysis service answered %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return mapTransportError(ctx, endpoint, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewServiceRejectedError(resp.StatusCode, "analysis service returned a malformed response")
	}
	return nil
}

func mapTransportError(ctx context.Context, endpoint string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperrors.NewTimeoutError("analysis service did not answer in time", err)
	case errors.Is(ctx.Err(), context.Canceled):
		// Abandoned by the caller; nobody is waiting for a classified error
		return ctx.Err()
	default:
		return apperrors.NewUnreachableError(fmt.Sprintf("analysis service unreachable at %s", endpoint), err)
	}
}
