package capture

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"time"

	"github.com/anime-shed/growth-kiosk/pkg/validation"
)

// Frame is an immutable still captured from the camera. Accessors hand out
// copies so nothing downstream can change what was captured.
type Frame struct {
	width      int
	height     int
	pixels     []byte // RGBA, row-major
	encoded    []byte // JPEG
	digest     [sha256.Size]byte
	capturedAt time.Time
	quality    validation.FrameQualityMetrics
	issues     []validation.QualityIssue
}

// FrameInfo is the metadata shown to the operator and logged.
type FrameInfo struct {
	Width           int                       `json:"width"`
	Height          int                       `json:"height"`
	EncodedBytes    int                       `json:"encoded_bytes"`
	Digest          string                    `json:"digest"`
	CapturedAt      time.Time                 `json:"captured_at"`
	LuminanceMean   float64                   `json:"luminance_mean"`
	LuminanceStdDev float64                   `json:"luminance_stddev"`
	QualityIssues   []validation.QualityIssue `json:"quality_issues,omitempty"`
}

func newFrame(rgba *image.RGBA, encoded []byte, capturedAt time.Time, quality validation.FrameQualityMetrics, issues []validation.QualityIssue) *Frame {
	b := rgba.Bounds()
	return &Frame{
		width:      b.Dx(),
		height:     b.Dy(),
		pixels:     append([]byte(nil), rgba.Pix...),
		encoded:    encoded,
		digest:     sha256.Sum256(encoded),
		capturedAt: capturedAt,
		quality:    quality,
		issues:     issues,
	}
}

func (f *Frame) Width() int            { return f.width }
func (f *Frame) Height() int           { return f.height }
func (f *Frame) CapturedAt() time.Time { return f.capturedAt }
func (f *Frame) ContentType() string   { return "image/jpeg" }

// Pixels returns a copy of the raw RGBA buffer.
func (f *Frame) Pixels() []byte {
	return append([]byte(nil), f.pixels...)
}

// Encoded returns a copy of the JPEG blob.
func (f *Frame) Encoded() []byte {
	return append([]byte(nil), f.encoded...)
}

// Digest is the hex SHA-256 of the JPEG blob as captured.
func (f *Frame) Digest() string {
	return hex.EncodeToString(f.digest[:])
}

// Verify checks that blob still hashes to the digest taken at capture time.
func (f *Frame) Verify(blob []byte) error {
	sum := sha256.Sum256(blob)
	if !bytes.Equal(sum[:], f.digest[:]) {
		return fmt.Errorf("frame payload %s does not match captured digest %s",
			hex.EncodeToString(sum[:8]), hex.EncodeToString(f.digest[:8]))
	}
	return nil
}

// Issues returns the quality issues found at capture time.
func (f *Frame) Issues() []validation.QualityIssue {
	return append([]validation.QualityIssue(nil), f.issues...)
}

// Info summarizes the frame.
func (f *Frame) Info() FrameInfo {
	return FrameInfo{
		Width:           f.width,
		Height:          f.height,
		EncodedBytes:    len(f.encoded),
		Digest:          f.Digest(),
		CapturedAt:      f.capturedAt,
		LuminanceMean:   f.quality.LuminanceMean,
		LuminanceStdDev: f.quality.LuminanceStdDev,
		QualityIssues:   f.Issues(),
	}
}
