package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/glimte/gridfeed-go/contracts"
)

var (
	// ErrRateLimited marks a fetch the source refused for throughput reasons.
	// The cycle cools down for a fixed interval and tries again.
	ErrRateLimited = errors.New("ingest: source rate limited")

	// ErrAuthFailed marks a fetch rejected for bad credentials. Retrying
	// cannot help until an operator fixes the key, so it is terminal.
	ErrAuthFailed = errors.New("ingest: source authentication failed")
)

// Source is one pollable data feed.
type Source interface {
	// Name identifies the source in logs, metrics, and envelopes.
	Name() string

	// Interval is the nominal poll period between successful fetches.
	Interval() time.Duration

	// Fetch retrieves and maps the current reading. The returned payload is
	// already validated.
	Fetch(ctx context.Context) (contracts.Payload, error)
}

// Outcome classifies one fetch attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeAuthFailed
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate-limited"
	case OutcomeAuthFailed:
		return "auth-failed"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Classify maps a fetch error to its outcome. Anything not explicitly rate
// limited or an auth failure is transient: network errors, timeouts, non-2xx
// statuses, malformed bodies, and an open circuit breaker all back off and
// retry.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrAuthFailed):
		return OutcomeAuthFailed
	default:
		return OutcomeTransient
	}
}

// StatusError reports a non-2xx response. 401/403 unwrap to ErrAuthFailed
// and 429 to ErrRateLimited, so callers classify with errors.Is. The request
// URL never appears here: weather URLs carry the API key.
type StatusError struct {
	Source     string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingest: %s returned HTTP %d", e.Source, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthFailed
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}
