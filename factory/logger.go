package factory

import (
	"fmt"

	"github.com/lychee-technology/couchodm"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the logging section of the config.
// An empty level means info and an empty format means json.
func NewLogger(cfg couchodm.LoggingConfig) (*zap.Logger, error) {
	zc, err := loggerConfig(cfg)
	if err != nil {
		return nil, err
	}
	return zc.Build()
}

func loggerConfig(cfg couchodm.LoggingConfig) (zap.Config, error) {
	zc := zap.NewProductionConfig()

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return zap.Config{}, &couchodm.ConfigError{Field: "logging.level", Message: err.Error()}
		}
		level = parsed
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if level == zapcore.DebugLevel {
		zc.Development = true
	}

	switch cfg.Format {
	case "", "json":
		zc.Encoding = "json"
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return zap.Config{}, &couchodm.ConfigError{
			Field:   "logging.format",
			Message: fmt.Sprintf("must be 'json' or 'console', got %q", cfg.Format),
		}
	}
	return zc, nil
}
