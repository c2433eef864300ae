package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrDuplicate   = errors.New("duplicate event")
)

// RateLimitError is returned when a recipient or the global budget is spent.
type RateLimitError struct {
	Key     string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: key %q, retry at %s", ErrRateLimited, e.Key, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
