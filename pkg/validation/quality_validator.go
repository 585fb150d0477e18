package validation

// QualityThresholds defines configurable thresholds for captured-frame validation.
// Luminance values are normalized to 0..1.
type QualityThresholds struct {
	// A frame whose luminance barely varies is a blank or covered sensor.
	MinLuminanceStdDev float64

	MinLuminance float64
	MaxLuminance float64

	MinWidth  int
	MinHeight int
}

// DefaultQualityThresholds returns the default quality thresholds
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MinLuminanceStdDev: 0.01,
		MinLuminance:       0.08,
		MaxLuminance:       0.95,
		MinWidth:           320,
		MinHeight:          240,
	}
}

// QualityValidator handles captured-frame quality validation logic
type QualityValidator struct {
	thresholds QualityThresholds
}

// NewQualityValidator creates a new quality validator with default thresholds
func NewQualityValidator() *QualityValidator {
	return &QualityValidator{
		thresholds: DefaultQualityThresholds(),
	}
}

// NewQualityValidatorWithThresholds creates a quality validator with custom thresholds
func NewQualityValidatorWithThresholds(thresholds QualityThresholds) *QualityValidator {
	return &QualityValidator{
		thresholds: thresholds,
	}
}

// QualityIssue represents a quality validation issue
type QualityIssue struct {
	Type        string  `json:"type"`
	Message     string  `json:"message"`
	Severity    string  `json:"severity"` // "error", "warning"
	ActualValue float64 `json:"actual_value,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
}

// FrameQualityMetrics represents the metrics needed for frame validation
type FrameQualityMetrics struct {
	Width           int
	Height          int
	LuminanceMean   float64
	LuminanceStdDev float64
}

// ValidateFrame reports issues with a captured frame. Issues never block a
// capture; they are surfaced to the operator so a retake can be chosen.
func (qv *QualityValidator) ValidateFrame(metrics FrameQualityMetrics) []QualityIssue {
	var issues []QualityIssue

	// 1. Blank sensor
	if metrics.LuminanceStdDev < qv.thresholds.MinLuminanceStdDev {
		issues = append(issues, QualityIssue{
			Type:        "blank_frame",
			Message:     "Frame looks blank. Check that the camera is uncovered and delivering video.",
			Severity:    "error",
			ActualValue: metrics.LuminanceStdDev,
			Threshold:   qv.thresholds.MinLuminanceStdDev,
		})
	}

	// 2. Exposure
	if metrics.LuminanceMean <= qv.thresholds.MinLuminance {
		issues = append(issues, QualityIssue{
			Type:        "too_dark",
			Message:     "Frame is very dark. Use more light.",
			Severity:    "warning",
			ActualValue: metrics.LuminanceMean,
			Threshold:   qv.thresholds.MinLuminance,
		})
	} else if metrics.LuminanceMean >= qv.thresholds.MaxLuminance {
		issues = append(issues, QualityIssue{
			Type:        "too_bright",
			Message:     "Frame is overexposed. Reduce direct light on the subject.",
			Severity:    "warning",
			ActualValue: metrics.LuminanceMean,
			Threshold:   qv.thresholds.MaxLuminance,
		})
	}

	// 3. Resolution
	if metrics.Width < qv.thresholds.MinWidth || metrics.Height < qv.thresholds.MinHeight {
		issues = append(issues, QualityIssue{
			Type:        "low_resolution",
			Message:     "Frame resolution is below what the analysis service expects.",
			Severity:    "warning",
			ActualValue: float64(metrics.Width * metrics.Height),
			Threshold:   float64(qv.thresholds.MinWidth * qv.thresholds.MinHeight),
		})
	}

	return issues
}

// HasErrors reports whether any issue is error-severity
func HasErrors(issues []QualityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "error" {
			return true
		}
	}
	return false
}
