package consume

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/gridfeed-go/contracts"
	"github.com/glimte/gridfeed-go/internal/reliability"
	"github.com/glimte/gridfeed-go/messaging"
)

// DefaultAlertSeverity is the intensity band that starts alert logging.
const DefaultAlertSeverity = contracts.SeverityHigh

// lowCarbonFuels are the generation categories counted toward the low-carbon
// share. Names follow the GB generation mix API.
var lowCarbonFuels = map[string]bool{
	"biomass": true,
	"hydro":   true,
	"nuclear": true,
	"solar":   true,
	"wind":    true,
}

// CarbonIntensityHandler records each intensity period and raises an alert
// log for bands at or above its threshold.
type CarbonIntensityHandler struct {
	alertAt contracts.Severity
	logger  *slog.Logger
}

// NewCarbonIntensityHandler creates the handler. An invalid alertAt falls
// back to DefaultAlertSeverity, a nil logger to slog.Default().
func NewCarbonIntensityHandler(alertAt contracts.Severity, logger *slog.Logger) *CarbonIntensityHandler {
	if !alertAt.Valid() {
		alertAt = DefaultAlertSeverity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CarbonIntensityHandler{alertAt: alertAt, logger: logger}
}

// Handle implements messaging.Handler
func (h *CarbonIntensityHandler) Handle(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error {
	reading, ok := payload.(contracts.CarbonIntensity)
	if !ok {
		return reliability.Permanent(fmt.Errorf("consume: unexpected payload %T for %s", payload, env.Type))
	}
	if err := reading.Validate(); err != nil {
		return reliability.Permanent(err)
	}

	fields := []any{
		"index", string(reading.Index),
		"forecast", reading.Forecast,
		"actual", reading.Actual,
		"from", reading.From,
		"to", reading.To,
	}
	if reading.Index.AtLeast(h.alertAt) {
		h.logger.Warn("carbon intensity alert", fields...)
	} else {
		h.logger.Info("carbon intensity", fields...)
	}
	return nil
}

// GenerationMixHandler records each mix snapshot with its low-carbon share.
type GenerationMixHandler struct {
	logger *slog.Logger
}

// NewGenerationMixHandler creates the handler; nil logger means slog.Default().
func NewGenerationMixHandler(logger *slog.Logger) *GenerationMixHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationMixHandler{logger: logger}
}

// Handle implements messaging.Handler
func (h *GenerationMixHandler) Handle(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error {
	mix, ok := payload.(contracts.GenerationMix)
	if !ok {
		return reliability.Permanent(fmt.Errorf("consume: unexpected payload %T for %s", payload, env.Type))
	}
	if err := mix.Validate(); err != nil {
		return reliability.Permanent(err)
	}

	h.logger.Info("generation mix",
		"at", mix.At,
		"fuels", len(mix.Mix),
		"lowCarbonPct", LowCarbonShare(mix))
	return nil
}

// LowCarbonShare sums the percentage points produced by low-carbon fuels.
func LowCarbonShare(mix contracts.GenerationMix) float64 {
	var share float64
	for _, s := range mix.Mix {
		if lowCarbonFuels[s.Fuel] {
			share += s.Percentage
		}
	}
	return share
}

// WeatherHandler records each weather observation.
type WeatherHandler struct {
	logger *slog.Logger
}

// NewWeatherHandler creates the handler; nil logger means slog.Default().
func NewWeatherHandler(logger *slog.Logger) *WeatherHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeatherHandler{logger: logger}
}

// Handle implements messaging.Handler
func (h *WeatherHandler) Handle(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error {
	obs, ok := payload.(contracts.WeatherCurrent)
	if !ok {
		return reliability.Permanent(fmt.Errorf("consume: unexpected payload %T for %s", payload, env.Type))
	}
	if err := obs.Validate(); err != nil {
		return reliability.Permanent(err)
	}

	h.logger.Info("weather observation",
		"location", obs.Location,
		"observedAt", obs.ObservedAt,
		"temperature", obs.Temperature,
		"feelsLike", obs.FeelsLike,
		"condition", obs.Condition,
		"windSpeed", obs.WindSpeed)
	return nil
}

// RegisterFeedHandlers binds the stock handler for each feed payload kind to
// the dispatcher. alertAt sets the carbon intensity alert band.
func RegisterFeedHandlers(d *messaging.Dispatcher, alertAt contracts.Severity, logger *slog.Logger) error {
	if err := d.Register(contracts.TypeCarbonIntensity, NewCarbonIntensityHandler(alertAt, logger)); err != nil {
		return err
	}
	if err := d.Register(contracts.TypeGenerationMix, NewGenerationMixHandler(logger)); err != nil {
		return err
	}
	return d.Register(contracts.TypeWeatherCurrent, NewWeatherHandler(logger))
}
