package oracle

import (
	"errors"
	"fmt"
)

var (
	// ErrEventNotFound is returned when the oracle has no event with the
	// requested ID.
	ErrEventNotFound = errors.New("oracle event not found")
)

// TransientError wraps upstream failures that are worth retrying on the
// next tick: rate limits and 5xx responses. The lifecycle engine treats
// these as "try again later" rather than failing the competition.
type TransientError struct {
	Err error
}

// Error returns the underlying message.
func (t *TransientError) Error() string {
	return fmt.Sprintf("oracle temporarily unavailable: %v", t.Err)
}

// Unwrap exposes the wrapped error for errors.Is/As.
func (t *TransientError) Unwrap() error {
	return t.Err
}

// IsTransient reports whether err is a retry-eligible oracle failure.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
