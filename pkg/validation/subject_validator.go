package validation

import (
	"strings"

	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
)

// MaxSubjectIDLength bounds a subject identifier (national IDs are 16 digits).
const MaxSubjectIDLength = 32

// ValidateSubjectID accepts a non-empty, digits-only identifier.
func ValidateSubjectID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperrors.NewValidationError("subject ID cannot be empty", nil)
	}
	if len(id) > MaxSubjectIDLength {
		return apperrors.NewValidationError("subject ID is too long", nil)
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return apperrors.NewValidationError("subject ID must contain digits only", nil)
		}
	}
	return nil
}
