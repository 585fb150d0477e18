package models

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SelectSubjectRequest picks the child being screened
type SelectSubjectRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
}

// AnalyzeResponse acknowledges an analysis started in the background
type AnalyzeResponse struct {
	RequestID  string `json:"request_id"`
	Generation uint64 `json:"generation"`
}

// CalibrationResponse reports a finished calibration exchange
type CalibrationResponse struct {
	Succeeded         bool     `json:"succeeded"`
	ReferenceHeightCm *float64 `json:"reference_height_cm,omitempty"`
}
