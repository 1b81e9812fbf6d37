package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/gridfeed-go/contracts"
)

const (
	// DefaultCarbonBaseURL is the public GB carbon intensity API.
	DefaultCarbonBaseURL = "https://api.carbonintensity.org.uk"

	// DefaultCarbonInterval is the nominal poll period for both carbon
	// sources. The API publishes half-hour settlement periods; polling more
	// often only refreshes the forecast.
	DefaultCarbonInterval = 5 * time.Minute
)

// carbonTimeLayout parses the API's minute-precision RFC 3339 variant
// ("2018-01-20T12:00Z").
const carbonTimeLayout = "2006-01-02T15:04Z07:00"

// CarbonOption configures the carbon sources.
type CarbonOption func(*carbonConfig)

type carbonConfig struct {
	baseURL  string
	interval time.Duration
}

// WithCarbonBaseURL points the source at a different API host.
func WithCarbonBaseURL(url string) CarbonOption {
	return func(c *carbonConfig) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithCarbonInterval sets the nominal poll period.
func WithCarbonInterval(d time.Duration) CarbonOption {
	return func(c *carbonConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

func newCarbonConfig(options []CarbonOption) carbonConfig {
	c := carbonConfig{
		baseURL:  DefaultCarbonBaseURL,
		interval: DefaultCarbonInterval,
	}
	for _, opt := range options {
		opt(&c)
	}
	return c
}

type carbonIntensityResponse struct {
	Data []struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Intensity struct {
			Forecast int    `json:"forecast"`
			Actual   int    `json:"actual"`
			Index    string `json:"index"`
		} `json:"intensity"`
	} `json:"data"`
}

// CarbonIntensitySource polls the current half-hour carbon intensity reading.
type CarbonIntensitySource struct {
	client *Client
	config carbonConfig
}

// NewCarbonIntensitySource creates the intensity source on a shared client.
func NewCarbonIntensitySource(client *Client, options ...CarbonOption) *CarbonIntensitySource {
	return &CarbonIntensitySource{client: client, config: newCarbonConfig(options)}
}

// Name implements Source
func (s *CarbonIntensitySource) Name() string { return "carbon-intensity" }

// Interval implements Source
func (s *CarbonIntensitySource) Interval() time.Duration { return s.config.interval }

// Fetch implements Source
func (s *CarbonIntensitySource) Fetch(ctx context.Context) (contracts.Payload, error) {
	var resp carbonIntensityResponse
	if err := s.client.GetJSON(ctx, s.config.baseURL+"/intensity", &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("ingest: carbon-intensity returned no settlement period")
	}

	period := resp.Data[0]
	from, err := time.Parse(carbonTimeLayout, period.From)
	if err != nil {
		return nil, fmt.Errorf("ingest: carbon-intensity period start: %w", err)
	}
	to, err := time.Parse(carbonTimeLayout, period.To)
	if err != nil {
		return nil, fmt.Errorf("ingest: carbon-intensity period end: %w", err)
	}

	payload := contracts.CarbonIntensity{
		From:     from,
		To:       to,
		Forecast: period.Intensity.Forecast,
		Actual:   period.Intensity.Actual,
		Index:    contracts.Severity(period.Intensity.Index),
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: carbon-intensity reading: %w", err)
	}
	return payload, nil
}

type generationMixResponse struct {
	Data struct {
		From          string `json:"from"`
		To            string `json:"to"`
		GenerationMix []struct {
			Fuel string  `json:"fuel"`
			Perc float64 `json:"perc"`
		} `json:"generationmix"`
	} `json:"data"`
}

// GenerationMixSource polls the current fuel breakdown of grid generation.
type GenerationMixSource struct {
	client *Client
	config carbonConfig
}

// NewGenerationMixSource creates the generation mix source on a shared client.
func NewGenerationMixSource(client *Client, options ...CarbonOption) *GenerationMixSource {
	return &GenerationMixSource{client: client, config: newCarbonConfig(options)}
}

// Name implements Source
func (s *GenerationMixSource) Name() string { return "generation-mix" }

// Interval implements Source
func (s *GenerationMixSource) Interval() time.Duration { return s.config.interval }

// Fetch implements Source
func (s *GenerationMixSource) Fetch(ctx context.Context) (contracts.Payload, error) {
	var resp generationMixResponse
	if err := s.client.GetJSON(ctx, s.config.baseURL+"/generation", &resp); err != nil {
		return nil, err
	}

	at, err := time.Parse(carbonTimeLayout, resp.Data.From)
	if err != nil {
		return nil, fmt.Errorf("ingest: generation-mix period start: %w", err)
	}

	mix := make([]contracts.FuelShare, 0, len(resp.Data.GenerationMix))
	for _, share := range resp.Data.GenerationMix {
		mix = append(mix, contracts.FuelShare{Fuel: share.Fuel, Percentage: share.Perc})
	}

	payload := contracts.GenerationMix{At: at, Mix: mix}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: generation-mix reading: %w", err)
	}
	return payload, nil
}
