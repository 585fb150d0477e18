package repository

import "errors"

var (
	// ErrSubjectNotFound indicates no subject has the requested ID
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrExaminationNotFound indicates no examination exists for the subject and date
	ErrExaminationNotFound = errors.New("examination not found")

	// ErrRepositoryUnavailable indicates the repository is unavailable
	ErrRepositoryUnavailable = errors.New("repository unavailable")
)
