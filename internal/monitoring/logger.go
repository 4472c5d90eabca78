// Package monitoring builds the structured loggers shared by the CLI and the pipeline.
package monitoring

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel overrides Options.Level when set.
const EnvLogLevel = "COVARIATES_LOG_LEVEL"

// Options selects the level and encoding of a logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console or json
}

// NewLogger builds a zap logger writing to stderr. Console output is the
// default; json is intended for batch runs whose logs are collected.
func NewLogger(opts Options) (*zap.Logger, error) {
	levelName := opts.Level
	if env := os.Getenv(EnvLogLevel); env != "" {
		levelName = env
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.DisableStacktrace = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// ParseLevel maps a level name onto a zap level. Empty means info.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}

// StageLogger scopes a logger to one pipeline stage.
func StageLogger(base *zap.Logger, stage string) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.Named("stage").With(zap.String("stage", stage))
}
