package contracts

import (
	"errors"
	"fmt"
)

// Common contract errors
var (
	ErrNilPayload        = errors.New("contracts: payload is nil")
	ErrMalformedEnvelope = errors.New("contracts: malformed envelope")
	ErrInvalidEnvelope   = errors.New("contracts: invalid envelope")
	ErrInvalidPayload    = errors.New("contracts: invalid payload")
)

// ValidationError reports a single invalid envelope or payload field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("contracts: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap allows errors.Is checks against ErrInvalidPayload.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

func invalidField(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
