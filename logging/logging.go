// Package logging builds zap loggers and installs them as the package
// loggers of the coordinator and preview1 packages.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasi-bridge/coordinator"
	"github.com/wippyai/wasi-bridge/wasi/preview1"
)

// Config defines logger configuration.
type Config struct {
	Level       string   `yaml:"level" toml:"level" split_words:"true" validate:"oneof=debug info warn error"`
	OutputPaths []string `yaml:"output_paths" toml:"output_paths" split_words:"true" validate:"min=1"`
	Development bool     `yaml:"development" toml:"development" split_words:"true"`
}

// DefaultConfig logs JSON at info level to stderr. Stdout belongs to the guest.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		OutputPaths: []string{"stderr"},
	}
}

// New creates a logger. Development loggers use the console encoder and
// include stack traces.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	paths := cfg.OutputPaths
	if len(paths) == 0 {
		paths = []string{"stderr"}
	}

	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		Encoding:          encoding(cfg.Development),
		EncoderConfig:     encoderConfig(cfg.Development),
		OutputPaths:       paths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !cfg.Development,
	}
	return zapCfg.Build()
}

func encoding(development bool) string {
	if development {
		return "console"
	}
	return "json"
}

func encoderConfig(development bool) zapcore.EncoderConfig {
	if development {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		return ec
	}
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder
	return ec
}

// Install makes l the default logger of coordinators and WASI systems
// created afterwards.
func Install(l *zap.Logger) {
	coordinator.SetLogger(l.Named("coordinator"))
	preview1.SetLogger(l.Named("wasi"))
}
