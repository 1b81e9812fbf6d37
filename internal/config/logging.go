package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Logging selects the handler every binary installs as slog.Default.
type Logging struct {
	Level  string `env:"FEED_LOG_LEVEL" envDefault:"info"`
	Format string `env:"FEED_LOG_FORMAT" envDefault:"text"`
}

func (l Logging) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: FEED_LOG_LEVEL %q is not a level", ErrInvalidConfig, l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: FEED_LOG_FORMAT %q is not text or json", ErrInvalidConfig, l.Format)
	}
	return nil
}

// NewLogger builds the configured slog handler over stdout.
func (l Logging) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(l.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
