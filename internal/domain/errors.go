package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a transaction that could not be scored because a
	// field needed for feature extraction is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLengthMismatch is returned by the evaluator when transactions and
	// labels are not aligned.
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrNotCalibrated is advisory. It is logged when scoring happens before
	// calibration and never returned from the scoring path.
	ErrNotCalibrated = errors.New("engine not calibrated")

	ErrNotFound = errors.New("record not found")
)

// FieldError describes which transaction field failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidInput, e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrInvalidInput) match.
func (e *FieldError) Unwrap() error {
	return ErrInvalidInput
}
