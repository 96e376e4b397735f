package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cadrelabs/cadre/internal/tracing"
)

// BuildLogger constructs a zap logger from the observability settings.
// Level defaults to info and format to json; "console" selects the
// development encoder.
func (f *Features) BuildLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if s := f.Observability.Logging.Level; s != "" {
		if err := level.UnmarshalText([]byte(s)); err != nil {
			return nil, fmt.Errorf("observability.logging.level: %w", err)
		}
	}

	var cfg zap.Config
	switch f.Observability.Logging.Format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "", "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("observability.logging.format must be json or console, got %q", f.Observability.Logging.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	return cfg.Build()
}

// TracingConfig maps the observability tracing block onto the tracing
// initializer's config.
func (f *Features) TracingConfig() tracing.Config {
	t := f.Observability.Tracing
	return tracing.Config{
		Enabled:      t.Enabled,
		ServiceName:  t.ServiceName,
		OTLPEndpoint: t.OTLPEndpoint,
	}
}
