package runtime

import (
	"context"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-bridge/coordinator"
	"github.com/wippyai/wasi-bridge/errors"
	"github.com/wippyai/wasi-bridge/reservation"
	"github.com/wippyai/wasi-bridge/wasi/preview1"
)

// Runtime owns a wazero runtime with the preview1 host module registered.
type Runtime struct {
	runtime  wazero.Runtime
	hosts    *HostRegistry
	observer coordinator.Observer
	log      *zap.Logger
	fallback *reservation.Region
	cacheDir string
	pages    uint32
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMemoryLimitPages caps guest memory, in 64 KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(r *Runtime) { r.pages = pages }
}

// WithFallbackRegion sets the unwind region for modules that do not export
// the reservation descriptor.
func WithFallbackRegion(base, size uint32) Option {
	return func(r *Runtime) {
		region := reservation.Fixed(base, size)
		r.fallback = &region
	}
}

// WithObserver receives coordinator events from every instance.
func WithObserver(o coordinator.Observer) Option {
	return func(r *Runtime) { r.observer = o }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithCompilationCache stores compiled modules under dir.
func WithCompilationCache(dir string) Option {
	return func(r *Runtime) { r.cacheDir = dir }
}

func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		hosts: NewHostRegistry(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	cfg := wazero.NewRuntimeConfig()
	if r.pages > 0 {
		cfg = cfg.WithMemoryLimitPages(r.pages)
	}
	if r.cacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(r.cacheDir)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "open compilation cache")
		}
		cfg = cfg.WithCompilationCache(cache)
	}

	r.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := preview1.Register(ctx, r.runtime); err != nil {
		_ = r.runtime.Close(ctx)
		return nil, err
	}
	return r, nil
}

// Close releases all runtime resources.
// All instances must be closed before calling this.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// RegisterFunc registers a custom host import.
// Must be called BEFORE loading modules that import it.
func (r *Runtime) RegisterFunc(namespace, name string, fn HostFunc) error {
	return r.hosts.RegisterFunc(namespace, name, fn)
}

func (r *Runtime) Hosts() *HostRegistry {
	return r.hosts
}

func (r *Runtime) Logger() *zap.Logger {
	return r.log
}
