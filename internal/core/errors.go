package core

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrNotFound            = errors.New("not_found")
	ErrDuplicate           = errors.New("duplicate")
)

// ValidationError reports a malformed request. It is returned before any
// side effect is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
