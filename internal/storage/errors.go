package storage

import (
	"errors"
	"fmt"
)

// Domain errors. Handlers convert these to user-facing messages; anything
// else escaping a Store method is an infrastructure fault.
var (
	ErrNotFound      = errors.New("not found")
	ErrLimitExceeded = errors.New("chat limit exceeded")
)

// ValidationError reports bad input shape, length or range. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// IsDomainError reports whether err is an expected domain error rather
// than an infrastructure fault.
func IsDomainError(err error) bool {
	var ve *ValidationError
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrLimitExceeded) || errors.As(err, &ve)
}
