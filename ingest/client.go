package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultFetchTimeout bounds one HTTP round-trip.
	DefaultFetchTimeout = 15 * time.Second

	// DefaultBreakerThreshold is the consecutive-failure count that opens the
	// fetch circuit breaker.
	DefaultBreakerThreshold = 5

	defaultBreakerCooldown = 30 * time.Second
	defaultUserAgent       = "gridfeed/1.0"
)

// defaultPoliteness floors the request rate even when the backoff ladder is
// at its shortest: at most one request every ten seconds per source.
var defaultPoliteness = rate.Every(10 * time.Second)

// Client is the HTTP front door shared by the feed sources. Every request
// passes a politeness rate limiter, then a circuit breaker, then the actual
// round-trip with a bounded timeout.
type Client struct {
	name             string
	httpClient       *http.Client
	limiter          *rate.Limiter
	breaker          *gobreaker.CircuitBreaker
	logger           *slog.Logger
	userAgent        string
	breakerThreshold uint32
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client, timeout included.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRateLimit sets the politeness limit and burst.
func WithRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithClientLogger sets the logger. Defaults to slog.Default().
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithUserAgent sets the User-Agent header sent to the source.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithBreakerThreshold sets how many consecutive failures open the breaker.
func WithBreakerThreshold(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.breakerThreshold = uint32(n)
		}
	}
}

// NewClient creates a fetch client named after its source.
func NewClient(name string, options ...ClientOption) *Client {
	c := &Client{
		name:             name,
		httpClient:       &http.Client{Timeout: DefaultFetchTimeout},
		limiter:          rate.NewLimiter(defaultPoliteness, 1),
		logger:           slog.Default(),
		userAgent:        defaultUserAgent,
		breakerThreshold: DefaultBreakerThreshold,
	}

	for _, opt := range options {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     defaultBreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.breakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("fetch breaker state changed",
				"source", name,
				"from", from.String(),
				"to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Rate limiting and bad credentials are the source answering,
			// not the source being down.
			return err == nil || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrAuthFailed)
		},
	})

	return c
}

// GetJSON fetches url and decodes the response body into out. An open
// breaker surfaces as a transient error without touching the network.
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ingest: %s rate wait: %w", c.name, err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.fetch(ctx, url, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("ingest: %s breaker rejected fetch: %w", c.name, err)
	}
	return err
}

func (c *Client) fetch(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("ingest: %s build request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ingest: %s fetch: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a bounded amount so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Source: c.name, StatusCode: resp.StatusCode}
	}

	if err := codec.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ingest: %s decode response: %w", c.name, err)
	}
	return nil
}
