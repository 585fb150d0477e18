package models

import "time"

// Subject is the child record the kiosk screens
type Subject struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	AgeYears   int    `json:"age_years" yaml:"age_years"`
	Gender     string `json:"gender" yaml:"gender"`
	BirthDate  string `json:"birth_date,omitempty" yaml:"birth_date"` // YYYY-MM-DD
	BirthPlace string `json:"birth_place,omitempty" yaml:"birth_place"`
	Active     bool   `json:"active" yaml:"active"`
}

// Examination is the persisted screening result, one per subject per day
type Examination struct {
	SubjectID       string          `json:"subject_id"`
	ExaminationDate string          `json:"examination_date"` // YYYY-MM-DD
	HeightCm        float64         `json:"height_cm"`
	WeightKg        float64         `json:"weight_kg"`
	HAZScore        float64         `json:"haz_score"`
	NutritionStatus NutritionStatus `json:"nutrition_status"`
	ImageURL        string          `json:"image_url,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DateLayout is the layout of examination and birth dates
const DateLayout = "2006-01-02"
