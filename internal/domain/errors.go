package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoAvailableOracle = errors.New("no available oracle")
	ErrInvalidManifest   = errors.New("invalid manifest")
	ErrChainNotSupported = errors.New("chain is not supported")
)

// ValidationError marks a failure that retrying cannot fix. Stages move the job or
// event straight to failed instead of scheduling another attempt.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func NewValidationError(reason string, err error) error {
	return &ValidationError{Reason: reason, Err: err}
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
