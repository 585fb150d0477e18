package models

import (
	"encoding/base64"
	"time"
)

// NutritionStatus is the height-for-age classification returned by the analysis service
type NutritionStatus string

const (
	SeverelyStunted NutritionStatus = "Severely Stunted"
	Stunted         NutritionStatus = "Stunted"
	Normal          NutritionStatus = "Normal"
	Tall            NutritionStatus = "Tall"
)

// Known reports whether the label is one the kiosk knows how to display
func (s NutritionStatus) Known() bool {
	switch s {
	case SeverelyStunted, Stunted, Normal, Tall:
		return true
	}
	return false
}

// AnnotatedImage is the image the analysis service draws its measurements on
type AnnotatedImage struct {
	Data []byte `json:"-"`
	Ext  string `json:"ext,omitempty"` // "jpg" or "png"
}

// Empty reports whether the service returned no image
func (a AnnotatedImage) Empty() bool {
	return len(a.Data) == 0
}

// ContentType is the MIME type matching Ext
func (a AnnotatedImage) ContentType() string {
	if a.Ext == "png" {
		return "image/png"
	}
	return "image/jpeg"
}

// DataURI renders the image for direct display in the kiosk UI
func (a AnnotatedImage) DataURI() string {
	if a.Empty() {
		return ""
	}
	return "data:" + a.ContentType() + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// AnalysisResult is the outcome of one successful remote analysis.
// Values are never modified after the analysis client builds them.
type AnalysisResult struct {
	RequestID       string          `json:"request_id"`
	SubjectID       string          `json:"subject_id"`
	HeightCm        float64         `json:"height_cm"`
	WeightKg        float64         `json:"weight_kg"`
	HAZScore        float64         `json:"haz_score"`
	NutritionStatus NutritionStatus `json:"nutrition_status"`
	Message         string          `json:"message,omitempty"`
	AnnotatedImage  AnnotatedImage  `json:"annotated_image"`
	CompletedAt     time.Time       `json:"completed_at"`
}
