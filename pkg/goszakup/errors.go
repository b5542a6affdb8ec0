package goszakup

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: network timeouts, rate
// limiting, and server-side errors. Everything else is fatal for the entity
// type's current run.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
