package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types carried by the pipeline. Each doubles as the routing key the
// envelope is published under.
const (
	TypeCarbonIntensity = "feed.carbon.intensity"
	TypeGenerationMix   = "feed.carbon.generation"
	TypeWeatherCurrent  = "feed.weather.current"
)

// Payload is the closed union of feed payload variants. Only types in this
// package satisfy it; consumers dispatch with a type switch and handle
// UnknownPayload explicitly instead of falling through on a default case.
type Payload interface {
	// Kind returns the routing-key-shaped event type of the variant.
	Kind() string
	// Validate checks the variant's field constraints.
	Validate() error

	isPayload()
}

// Severity is one of the five ordered carbon intensity index bands.
type Severity string

// Intensity index bands, ordered from cleanest to dirtiest.
const (
	SeverityVeryLow  Severity = "very low"
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityVeryHigh Severity = "very high"
)

var severityRank = map[Severity]int{
	SeverityVeryLow:  0,
	SeverityLow:      1,
	SeverityModerate: 2,
	SeverityHigh:     3,
	SeverityVeryHigh: 4,
}

// Valid reports whether s is one of the five index bands.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the band position, 0 (very low) through 4 (very high), and
// -1 for an unrecognized band.
func (s Severity) Rank() int {
	r, ok := severityRank[s]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether s is the same band as other or a dirtier one.
// Either band being unrecognized yields false.
func (s Severity) AtLeast(other Severity) bool {
	sr, ok := severityRank[s]
	if !ok {
		return false
	}
	or, ok := severityRank[other]
	if !ok {
		return false
	}
	return sr >= or
}

// CarbonIntensity is one half-hour settlement period of grid carbon
// intensity: forecast and measured gCO2/kWh plus the published index band.
type CarbonIntensity struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Forecast int       `json:"forecast"`
	Actual   int       `json:"actual"`
	Index    Severity  `json:"index"`
}

func (CarbonIntensity) Kind() string { return TypeCarbonIntensity }
func (CarbonIntensity) isPayload()   {}

func (p CarbonIntensity) Validate() error {
	if p.From.IsZero() || p.To.IsZero() {
		return invalidField("period", "from and to must be set")
	}
	if !p.To.After(p.From) {
		return invalidField("period", "to must be after from")
	}
	if p.Forecast < 0 || p.Actual < 0 {
		return invalidField("intensity", "readings must not be negative")
	}
	if !p.Index.Valid() {
		return invalidField("index", fmt.Sprintf("unrecognized band %q", string(p.Index)))
	}
	return nil
}

// FuelShare is one fuel's contribution to the generation mix.
type FuelShare struct {
	Fuel       string  `json:"fuel"`
	Percentage float64 `json:"percentage"`
}

// GenerationMix is the fuel breakdown of grid generation at one instant.
type GenerationMix struct {
	At  time.Time   `json:"at"`
	Mix []FuelShare `json:"mix"`
}

func (GenerationMix) Kind() string { return TypeGenerationMix }
func (GenerationMix) isPayload()   {}

func (p GenerationMix) Validate() error {
	if p.At.IsZero() {
		return invalidField("at", "must be set")
	}
	if len(p.Mix) == 0 {
		return invalidField("mix", "must not be empty")
	}
	var total float64
	for _, s := range p.Mix {
		if s.Fuel == "" {
			return invalidField("mix", "fuel name must not be empty")
		}
		if s.Percentage < 0 || s.Percentage > 100 {
			return invalidField("mix", fmt.Sprintf("%s percentage %.1f out of range", s.Fuel, s.Percentage))
		}
		total += s.Percentage
	}
	// Upstream rounds per-fuel shares, so the sum drifts slightly off 100.
	if total < 95 || total > 105 {
		return invalidField("mix", fmt.Sprintf("percentages sum to %.1f", total))
	}
	return nil
}

// WeatherCurrent is a current-conditions observation for one location.
// Temperatures are Celsius, wind speed m/s, pressure hPa.
type WeatherCurrent struct {
	Location    string    `json:"location"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	ObservedAt  time.Time `json:"observedAt"`
	Temperature float64   `json:"temperature"`
	FeelsLike   float64   `json:"feelsLike"`
	Humidity    int       `json:"humidity"`
	Pressure    int       `json:"pressure"`
	WindSpeed   float64   `json:"windSpeed"`
	WindDeg     int       `json:"windDeg"`
	Condition   string    `json:"condition"`
	Description string    `json:"description"`
}

func (WeatherCurrent) Kind() string { return TypeWeatherCurrent }
func (WeatherCurrent) isPayload()   {}

func (p WeatherCurrent) Validate() error {
	if p.Location == "" {
		return invalidField("location", "must not be empty")
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return invalidField("latitude", "out of range")
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return invalidField("longitude", "out of range")
	}
	if p.ObservedAt.IsZero() {
		return invalidField("observedAt", "must be set")
	}
	if p.Humidity < 0 || p.Humidity > 100 {
		return invalidField("humidity", "out of range")
	}
	if p.WindSpeed < 0 {
		return invalidField("windSpeed", "must not be negative")
	}
	return nil
}

// UnknownPayload carries an event type this build does not recognize, with
// the raw data preserved for diagnostics. It never validates: publishing one
// is always a bug, and consuming one is a permanent failure.
type UnknownPayload struct {
	Type string
	Raw  json.RawMessage
}

func (u UnknownPayload) Kind() string { return u.Type }
func (UnknownPayload) isPayload()     {}

func (u UnknownPayload) Validate() error {
	return fmt.Errorf("contracts: unknown payload type %q", u.Type)
}

// DecodePayload decodes data according to the event type tag. Decoding
// dispatches on the tag alone, never on the data shape; an unrecognized tag
// yields UnknownPayload with the raw bytes preserved, and error is reserved
// for data that fails to parse as its declared variant.
func DecodePayload(kind string, data []byte) (Payload, error) {
	switch kind {
	case TypeCarbonIntensity:
		var p CarbonIntensity
		if err := codec.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("contracts: decode %s: %w", kind, err)
		}
		return p, nil
	case TypeGenerationMix:
		var p GenerationMix
		if err := codec.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("contracts: decode %s: %w", kind, err)
		}
		return p, nil
	case TypeWeatherCurrent:
		var p WeatherCurrent
		if err := codec.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("contracts: decode %s: %w", kind, err)
		}
		return p, nil
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownPayload{Type: kind, Raw: raw}, nil
	}
}
