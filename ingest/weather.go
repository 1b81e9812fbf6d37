package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/glimte/gridfeed-go/contracts"
)

const (
	// DefaultWeatherBaseURL is the OpenWeatherMap current-weather API.
	DefaultWeatherBaseURL = "https://api.openweathermap.org/data/2.5"

	// DefaultWeatherInterval is the nominal poll period for observations.
	DefaultWeatherInterval = 10 * time.Minute
)

// WeatherOption configures a WeatherSource.
type WeatherOption func(*WeatherSource)

// WithWeatherBaseURL points the source at a different API host.
func WithWeatherBaseURL(u string) WeatherOption {
	return func(s *WeatherSource) {
		if u != "" {
			s.baseURL = u
		}
	}
}

// WithWeatherInterval sets the nominal poll period.
func WithWeatherInterval(d time.Duration) WeatherOption {
	return func(s *WeatherSource) {
		if d > 0 {
			s.interval = d
		}
	}
}

type weatherResponse struct {
	Name  string `json:"name"`
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Dt   int64 `json:"dt"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
		Pressure  int     `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
		Deg   int     `json:"deg"`
	} `json:"wind"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
}

// WeatherSource polls current conditions for one coordinate pair. The API
// authenticates with a key query parameter, so a revoked key surfaces as 401
// and classifies as a terminal auth failure.
type WeatherSource struct {
	client   *Client
	apiKey   string
	lat, lon float64
	baseURL  string
	interval time.Duration
}

// NewWeatherSource creates the weather source. The API key is required.
func NewWeatherSource(client *Client, apiKey string, lat, lon float64, options ...WeatherOption) (*WeatherSource, error) {
	if apiKey == "" {
		return nil, errors.New("ingest: weather api key is required")
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("ingest: weather coordinates out of range: %v,%v", lat, lon)
	}

	s := &WeatherSource{
		client:   client,
		apiKey:   apiKey,
		lat:      lat,
		lon:      lon,
		baseURL:  DefaultWeatherBaseURL,
		interval: DefaultWeatherInterval,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Name implements Source
func (s *WeatherSource) Name() string { return "weather-current" }

// Interval implements Source
func (s *WeatherSource) Interval() time.Duration { return s.interval }

// Fetch implements Source
func (s *WeatherSource) Fetch(ctx context.Context) (contracts.Payload, error) {
	var resp weatherResponse
	if err := s.client.GetJSON(ctx, s.endpoint(), &resp); err != nil {
		return nil, err
	}

	payload := contracts.WeatherCurrent{
		Location:    resp.Name,
		Latitude:    resp.Coord.Lat,
		Longitude:   resp.Coord.Lon,
		ObservedAt:  time.Unix(resp.Dt, 0).UTC(),
		Temperature: resp.Main.Temp,
		FeelsLike:   resp.Main.FeelsLike,
		Humidity:    resp.Main.Humidity,
		Pressure:    resp.Main.Pressure,
		WindSpeed:   resp.Wind.Speed,
		WindDeg:     resp.Wind.Deg,
	}
	if len(resp.Weather) > 0 {
		payload.Condition = resp.Weather[0].Main
		payload.Description = resp.Weather[0].Description
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: weather observation: %w", err)
	}
	return payload, nil
}

func (s *WeatherSource) endpoint() string {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(s.lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(s.lon, 'f', -1, 64))
	q.Set("units", "metric")
	q.Set("appid", s.apiKey)
	return s.baseURL + "/weather?" + q.Encode()
}
