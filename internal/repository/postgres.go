package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
	"github.com/anime-shed/growth-kiosk/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Repository on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS subjects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			age_years INT NOT NULL,
			gender TEXT NOT NULL,
			birth_date DATE,
			birth_place TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE
		);
		CREATE TABLE IF NOT EXISTS examinations (
			subject_id TEXT NOT NULL REFERENCES subjects(id),
			examination_date DATE NOT NULL,
			height_cm DOUBLE PRECISION NOT NULL,
			weight_kg DOUBLE PRECISION NOT NULL,
			haz_score DOUBLE PRECISION NOT NULL,
			nutrition_status TEXT NOT NULL,
			image_url TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (subject_id, examination_date)
		);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// GetSubject retrieves a subject by ID.
func (s *PostgresStore) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	var (
		subject   models.Subject
		birthDate pgtype.Date
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, age_years, gender, birth_date, birth_place, active
		FROM subjects WHERE id = $1
	`, id).Scan(&subject.ID, &subject.Name, &subject.AgeYears, &subject.Gender, &birthDate, &subject.BirthPlace, &subject.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewSubjectNotFoundError("subject "+id+" not found", ErrSubjectNotFound)
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("subject lookup failed", err)
	}
	if birthDate.Valid {
		subject.BirthDate = birthDate.Time.Format(models.DateLayout)
	}
	return &subject, nil
}

// PutSubject creates or replaces a subject.
func (s *PostgresStore) PutSubject(ctx context.Context, subject models.Subject) error {
	birthDate, err := parseDate(subject.BirthDate)
	if err != nil {
		return apperrors.NewValidationError("invalid birth date", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO subjects (id, name, age_years, gender, birth_date, birth_place, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			age_years = EXCLUDED.age_years,
			gender = EXCLUDED.gender,
			birth_date = EXCLUDED.birth_date,
			birth_place = EXCLUDED.birth_place,
			active = EXCLUDED.active
	`, subject.ID, subject.Name, subject.AgeYears, subject.Gender, birthDate, subject.BirthPlace, subject.Active)
	if err != nil {
		return apperrors.NewPersistenceError("subject upsert failed", err)
	}
	return nil
}

// UpsertExamination stores the examination. A second save on the same day
// replaces the first.
func (s *PostgresStore) UpsertExamination(ctx context.Context, exam models.Examination) error {
	date, err := parseDate(exam.ExaminationDate)
	if err != nil || !date.Valid {
		return apperrors.NewValidationError("invalid examination date", err)
	}
	updatedAt := exam.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO examinations (subject_id, examination_date, height_cm, weight_kg, haz_score, nutrition_status, image_url, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subject_id, examination_date) DO UPDATE SET
			height_cm = EXCLUDED.height_cm,
			weight_kg = EXCLUDED.weight_kg,
			haz_score = EXCLUDED.haz_score,
			nutrition_status = EXCLUDED.nutrition_status,
			image_url = EXCLUDED.image_url,
			updated_at = EXCLUDED.updated_at
	`, exam.SubjectID, date, exam.HeightCm, exam.WeightKg, exam.HAZScore, string(exam.NutritionStatus), exam.ImageURL, updatedAt)
	if err != nil {
		return apperrors.NewPersistenceError("examination upsert failed", err)
	}
	return nil
}

// GetExamination retrieves the examination of a subject on a date.
func (s *PostgresStore) GetExamination(ctx context.Context, subjectID, date string) (*models.Examination, error) {
	day, err := parseDate(date)
	if err != nil || !day.Valid {
		return nil, apperrors.NewValidationError("invalid examination date", err)
	}

	var (
		exam   models.Examination
		status string
		stored pgtype.Date
	)
	err = s.pool.QueryRow(ctx, `
		SELECT subject_id, examination_date, height_cm, weight_kg, haz_score, nutrition_status, image_url, updated_at
		FROM examinations WHERE subject_id = $1 AND examination_date = $2
	`, subjectID, day).Scan(&exam.SubjectID, &stored, &exam.HeightCm, &exam.WeightKg, &exam.HAZScore, &status, &exam.ImageURL, &exam.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExaminationNotFound
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("examination lookup failed", err)
	}
	exam.ExaminationDate = stored.Time.Format(models.DateLayout)
	exam.NutritionStatus = models.NutritionStatus(status)
	return &exam, nil
}

// parseDate converts YYYY-MM-DD to a nullable date; empty means NULL.
func parseDate(s string) (pgtype.Date, error) {
	if s == "" {
		return pgtype.Date{}, nil
	}
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		return pgtype.Date{}, err
	}
	return pgtype.Date{Time: t, Valid: true}, nil
}
