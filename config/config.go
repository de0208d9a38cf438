// Package config loads wasi-run settings from defaults, an optional YAML or
// TOML file, and WASIBRIDGE_* environment variables, in that order.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/time/rate"

	"github.com/wippyai/wasi-bridge/errors"
	"github.com/wippyai/wasi-bridge/fsys"
	"github.com/wippyai/wasi-bridge/logging"
	"github.com/wippyai/wasi-bridge/runtime"
)

// EnvPrefix prefixes every environment variable, e.g. WASIBRIDGE_IO_LATENCY.
const EnvPrefix = "WASIBRIDGE"

// Config holds all wasi-run configuration.
type Config struct {
	Region  RegionConfig   `yaml:"region" toml:"region"`
	IO      IOConfig       `yaml:"io" toml:"io"`
	Logging logging.Config `yaml:"logging" toml:"logging"`
	Trace   TraceConfig    `yaml:"trace" toml:"trace"`
	Metrics MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// RegionConfig holds the fallback reservation for modules without the
// descriptor exports. A zero size means no fallback.
type RegionConfig struct {
	FallbackBase     uint32 `yaml:"fallback_base" toml:"fallback_base" split_words:"true" validate:"required_with=FallbackSize"`
	FallbackSize     uint32 `yaml:"fallback_size" toml:"fallback_size" split_words:"true" validate:"omitempty,min=16"`
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" toml:"memory_limit_pages" split_words:"true" validate:"lte=65536"`
	CompilationCache string `yaml:"compilation_cache" toml:"compilation_cache" split_words:"true"`
}

// IOConfig shapes how the host filesystem is fetched.
type IOConfig struct {
	ChunkSize int      `yaml:"chunk_size" toml:"chunk_size" split_words:"true" validate:"gt=0"`
	Latency   Duration `yaml:"latency" toml:"latency" split_words:"true" validate:"gte=0"`
	RateLimit float64  `yaml:"rate_limit" toml:"rate_limit" split_words:"true" validate:"gte=0"`
	RateBurst int      `yaml:"rate_burst" toml:"rate_burst" split_words:"true" validate:"gte=1"`
	Inline    bool     `yaml:"inline" toml:"inline" split_words:"true"`
	Warm      bool     `yaml:"warm" toml:"warm" split_words:"true"`
	Parallel  int      `yaml:"parallel" toml:"parallel" split_words:"true" validate:"gte=0"`
}

// TraceConfig selects which WASI calls are logged.
type TraceConfig struct {
	Patterns []string `yaml:"patterns" toml:"patterns" split_words:"true" validate:"dive,glob"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr" split_words:"true" validate:"omitempty,hostname_port"`
	Path string `yaml:"path" toml:"path" split_words:"true" validate:"startswith=/"`
}

// Duration is a time.Duration read from strings such as "50ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		IO: IOConfig{
			ChunkSize: fsys.DefaultChunkSize,
			RateBurst: 1,
		},
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load layers path (if non-empty) and the environment over Default and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML (.yaml, .yml) or TOML (.toml) file. Unknown keys
// are rejected.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read config file")
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.UnmarshalWithOptions(data, c, yaml.DisallowUnknownField())
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(c)
	default:
		return errors.InvalidInput(errors.PhaseConfig, "unsupported config format "+ext)
	}
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse "+filepath.Base(path))
	}
	return nil
}

// ApplyEnv overlays WASIBRIDGE_* variables. Unset variables leave fields alone.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "environment")
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("glob", func(fl validator.FieldLevel) bool {
		return doublestar.ValidatePattern(fl.Field().String())
	})
	return v
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "validate config")
	}
	return nil
}

// RuntimeOptions translates the region settings.
func (c *Config) RuntimeOptions() []runtime.Option {
	var opts []runtime.Option
	if c.Region.FallbackSize > 0 {
		opts = append(opts, runtime.WithFallbackRegion(c.Region.FallbackBase, c.Region.FallbackSize))
	}
	if c.Region.MemoryLimitPages > 0 {
		opts = append(opts, runtime.WithMemoryLimitPages(c.Region.MemoryLimitPages))
	}
	if c.Region.CompilationCache != "" {
		opts = append(opts, runtime.WithCompilationCache(c.Region.CompilationCache))
	}
	return opts
}

// AsyncOptions translates the I/O settings.
func (c *Config) AsyncOptions() []fsys.AsyncOption {
	opts := []fsys.AsyncOption{fsys.WithChunkSize(c.IO.ChunkSize)}
	if c.IO.Latency > 0 {
		opts = append(opts, fsys.WithLatency(c.IO.Latency.Std()))
	}
	if c.IO.RateLimit > 0 {
		opts = append(opts, fsys.WithRateLimit(rate.Limit(c.IO.RateLimit), c.IO.RateBurst))
	}
	if c.IO.Inline {
		opts = append(opts, fsys.Inline())
	}
	return opts
}
