package reliability

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError wraps an error with an explicit retryable classification
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not worth retrying: parse failures, validation
// failures, unknown payload types, handler panics. Returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: false}
}

// Transient explicitly marks err as retryable. Unmarked errors already
// default to transient; this exists for symmetry and for re-marking an error
// that wraps a permanent one.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: true}
}

// IsPermanent reports whether err carries an explicit not-retryable mark
// anywhere in its chain. Unmarked errors are transient: the retry budget
// bounds the damage of misclassifying, while dropping a retryable message
// cannot be undone.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return !r.IsRetryable()
	}
	return false
}

// RetryError reports an operation that kept failing until its retry budget
// ran out.
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d/%d attempts over %v: %v",
		e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
