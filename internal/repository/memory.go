package repository

import (
	"context"
	"sync"

	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
	"github.com/anime-shed/growth-kiosk/pkg/models"
)

// MemoryRepository implements Repository in process memory. It backs the
// kiosk when no database is configured.
type MemoryRepository struct {
	mu           sync.RWMutex
	subjects     map[string]models.Subject
	examinations map[examKey]models.Examination
}

type examKey struct {
	subjectID string
	date      string
}

// NewMemoryRepository creates a repository seeded with subjects
func NewMemoryRepository(subjects ...models.Subject) *MemoryRepository {
	r := &MemoryRepository{
		subjects:     make(map[string]models.Subject, len(subjects)),
		examinations: make(map[examKey]models.Examination),
	}
	for _, s := range subjects {
		r.subjects[s.ID] = s
	}
	return r
}

// GetSubject retrieves a subject by ID
func (r *MemoryRepository) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subjects[id]
	if !ok {
		return nil, apperrors.NewSubjectNotFoundError("subject "+id+" not found", ErrSubjectNotFound)
	}
	return &s, nil
}

// PutSubject creates or replaces a subject
func (r *MemoryRepository) PutSubject(ctx context.Context, subject models.Subject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects[subject.ID] = subject
	return nil
}

// UpsertExamination stores the examination, one per subject per day
func (r *MemoryRepository) UpsertExamination(ctx context.Context, exam models.Examination) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewPersistenceError("examination upsert aborted", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.examinations[examKey{exam.SubjectID, exam.ExaminationDate}] = exam
	return nil
}

// GetExamination retrieves the examination of a subject on a date
func (r *MemoryRepository) GetExamination(ctx context.Context, subjectID, date string) (*models.Examination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	exam, ok := r.examinations[examKey{subjectID, date}]
	if !ok {
		return nil, ErrExaminationNotFound
	}
	return &exam, nil
}

// Close is a no-op
func (r *MemoryRepository) Close() {}
