package utils

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the logger built by NewLogger.
type LogConfig struct {
	// Level is a zap level name. Empty means info, or debug when Verbose.
	Level string
	// Format is "json" or "console". Empty follows Verbose.
	Format string
	// Verbose switches to the development preset.
	Verbose bool
}

// NewSugaredLogger creates a development logger when verbose is set and a
// production logger otherwise.
func NewSugaredLogger(verbose bool) (*zap.SugaredLogger, error) {
	return NewLogger(LogConfig{Verbose: verbose})
}

// NewLogger builds a sugared logger from cfg.
func NewLogger(cfg LogConfig) (*zap.SugaredLogger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Verbose {
		zc = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}

	switch strings.ToLower(cfg.Format) {
	case "":
	case "json":
		zc.Encoding = "json"
		zc.EncoderConfig = zap.NewProductionEncoderConfig()
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l.Sugar(), nil
}
