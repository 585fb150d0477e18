package service

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
	"github.com/anime-shed/growth-kiosk/internal/repository"
	"github.com/anime-shed/growth-kiosk/internal/storage"
	"github.com/anime-shed/growth-kiosk/pkg/models"

	"github.com/sirupsen/logrus"
)

// ExaminationService persists finished screenings
type ExaminationService interface {
	// Save uploads the annotated image and records the examination for today.
	// Saving again on the same day replaces the earlier record and image.
	Save(ctx context.Context, subject models.Subject, result *models.AnalysisResult) (*models.Examination, error)

	// ImageKey is the storage key of a subject's image for a date
	ImageKey(subjectID, date, ext string) string
}

// examinationService implements ExaminationService
type examinationService struct {
	exams  repository.ExaminationRepository
	images storage.ImageStore
	logger *logrus.Logger
	now    func() time.Time
}

// NewExaminationService creates a new examination service
func NewExaminationService(
	exams repository.ExaminationRepository,
	images storage.ImageStore,
	logger *logrus.Logger,
) ExaminationService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &examinationService{
		exams:  exams,
		images: images,
		logger: logger,
		now:    time.Now,
	}
}

func (s *examinationService) ImageKey(subjectID, date, ext string) string {
	return fmt.Sprintf("%s/%s-%s.%s", subjectID, subjectID, date, ext)
}

func (s *examinationService) Save(ctx context.Context, subject models.Subject, result *models.AnalysisResult) (*models.Examination, error) {
	if result == nil {
		return nil, apperrors.NewValidationError("no analysis result to save", nil)
	}
	if result.SubjectID != "" && result.SubjectID != subject.ID {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("result belongs to subject %s, not %s", result.SubjectID, subject.ID), nil)
	}

	now := s.now()
	exam := models.Examination{
		SubjectID:       subject.ID,
		ExaminationDate: now.Format(models.DateLayout),
		HeightCm:        result.HeightCm,
		WeightKg:        result.WeightKg,
		HAZScore:        result.HAZScore,
		NutritionStatus: result.NutritionStatus,
		UpdatedAt:       now.UTC(),
	}

	if !result.AnnotatedImage.Empty() {
		key := s.ImageKey(subject.ID, exam.ExaminationDate, result.AnnotatedImage.Ext)
		url, err := s.images.PutImage(ctx, key, result.AnnotatedImage.Data, result.AnnotatedImage.ContentType())
		if err != nil {
			return nil, apperrors.NewPersistenceError("failed to upload result image", err)
		}
		exam.ImageURL = url
	}

	if err := s.exams.UpsertExamination(ctx, exam); err != nil {
		if _, ok := apperrors.As(err); ok {
			return nil, err
		}
		return nil, apperrors.NewPersistenceError("failed to record examination", err)
	}

	s.logger.WithFields(logrus.Fields{
		"subject_id":       exam.SubjectID,
		"examination_date": exam.ExaminationDate,
		"height_cm":        exam.HeightCm,
		"weight_kg":        exam.WeightKg,
		"nutrition_status": exam.NutritionStatus,
		"image_url":        exam.ImageURL,
	}).Info("Examination saved")

	return &exam, nil
}
