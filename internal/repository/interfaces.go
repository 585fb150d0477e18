package repository

import (
	"context"

	"github.com/anime-shed/growth-kiosk/pkg/models"
)

// SubjectRepository defines the interface for subject lookups
type SubjectRepository interface {
	// GetSubject retrieves a subject by ID
	GetSubject(ctx context.Context, id string) (*models.Subject, error)

	// PutSubject creates or replaces a subject
	PutSubject(ctx context.Context, subject models.Subject) error
}

// ExaminationRepository defines the interface for examination records
type ExaminationRepository interface {
	// UpsertExamination stores the examination, replacing any record for the
	// same subject and date
	UpsertExamination(ctx context.Context, exam models.Examination) error

	// GetExamination retrieves the examination of a subject on a date
	GetExamination(ctx context.Context, subjectID, date string) (*models.Examination, error)
}

// Repository is the full persistence surface of the kiosk
type Repository interface {
	SubjectRepository
	ExaminationRepository
	Close()
}
