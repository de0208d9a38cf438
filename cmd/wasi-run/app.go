package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasi-bridge/config"
	"github.com/wippyai/wasi-bridge/fsys"
	"github.com/wippyai/wasi-bridge/logging"
	"github.com/wippyai/wasi-bridge/metrics"
	"github.com/wippyai/wasi-bridge/runtime"
	"github.com/wippyai/wasi-bridge/wasi/preview1"
)

// app holds everything shared by the instances of one wasi-run invocation.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	rt       *runtime.Runtime
	mod      *runtime.Module
	root     *fsys.Async
	wasmPath string
	args     []string
	env      []string
	stdin    []byte
	closers  []func() error
}

// mapping is a guest path bound to a host directory or archive.
type mapping struct {
	guest  string
	source string
}

// parseMappings parses "/guest:/host,..." lists.
func parseMappings(s string) ([]mapping, error) {
	var out []mapping
	for _, item := range splitList(s) {
		guest, source, ok := strings.Cut(item, ":")
		if !ok || guest == "" || source == "" {
			return nil, fmt.Errorf("invalid mapping %q, want /guest:/host", item)
		}
		out = append(out, mapping{guest: guest, source: source})
	}
	return out, nil
}

// parseEnv validates KEY=VAL pairs.
func parseEnv(s string) ([]string, error) {
	pairs := splitList(s)
	for _, kv := range pairs {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return nil, fmt.Errorf("invalid environment entry %q, want KEY=VAL", kv)
		}
	}
	return pairs, nil
}

func newApp(ctx context.Context, o options, cfg *config.Config) (_ *app, err error) {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logging.Install(log)

	a := &app{
		cfg:      cfg,
		log:      log,
		wasmPath: o.wasm,
		args:     append([]string{programName(o.wasm)}, splitList(o.argv)...),
		closers:  []func() error{log.Sync},
	}
	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	if a.env, err = parseEnv(o.env); err != nil {
		return nil, err
	}
	if o.stdin != "" {
		a.stdin = []byte(o.stdin)
	}

	opts := append(cfg.RuntimeOptions(), runtime.WithLogger(log.Named("runtime")))
	var m *metrics.Metrics
	if cfg.Metrics.Addr != "" {
		var stop func() error
		m, stop, err = serveMetrics(cfg.Metrics, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, stop)
		opts = append(opts, runtime.WithObserver(m))
	}

	if a.rt, err = runtime.New(ctx, opts...); err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.rt.Close(context.Background()) })

	data, err := os.ReadFile(o.wasm)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if a.mod, err = a.rt.Load(ctx, data); err != nil {
		return nil, fmt.Errorf("load module: %w", err)
	}

	if err := a.mountRoot(ctx, o); err != nil {
		return nil, err
	}
	if m != nil && a.root != nil {
		if err := m.WatchCache("/", a.root); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// mountRoot joins every -map and -zip source into one tree preopened as "/".
func (a *app) mountRoot(ctx context.Context, o options) error {
	dirs, err := parseMappings(o.maps)
	if err != nil {
		return err
	}
	zips, err := parseMappings(o.zips)
	if err != nil {
		return err
	}
	if len(dirs)+len(zips) == 0 {
		return nil
	}

	mounts := fsys.NewMounts()
	for _, d := range dirs {
		info, err := os.Stat(d.source)
		if err != nil {
			return fmt.Errorf("map %s: %w", d.guest, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("map %s: %s is not a directory", d.guest, d.source)
		}
		mounts.Mount(d.guest, fsys.FromFS(os.DirFS(d.source)))
	}
	for _, z := range zips {
		archive, err := fsys.OpenZip(z.source)
		if err != nil {
			return fmt.Errorf("zip %s: %w", z.guest, err)
		}
		a.closers = append(a.closers, archive.Close)
		mounts.Mount(z.guest, archive)
	}

	opts := append(a.cfg.AsyncOptions(), fsys.WithLogger(a.log.Named("fsys")))
	a.root = fsys.NewAsync(mounts, opts...)

	if a.cfg.IO.Warm {
		for _, d := range dirs {
			n, err := a.root.WarmAt(ctx, d.guest, d.source)
			if err != nil {
				return fmt.Errorf("warm %s: %w", d.source, err)
			}
			a.log.Info("index warmed", zap.String("guest", d.guest), zap.Int("paths", n))
		}
	}
	return nil
}

// newSystem builds the WASI state for one instance. Nil writers discard.
func (a *app) newSystem(stdout, stderr io.Writer, useStdin bool) *preview1.System {
	sys := preview1.NewSystem().
		WithArgs(a.args...).
		WithEnviron(a.env...).
		WithLogger(a.log.Named("wasi"))
	if stdout != nil {
		sys.WithStdout(stdout)
	}
	if stderr != nil {
		sys.WithStderr(stderr)
	}
	switch {
	case a.stdin != nil:
		sys.WithStdin(a.stdin)
	case useStdin && !term.IsTerminal(int(os.Stdin.Fd())):
		sys.WithStdinReader(os.Stdin)
	}
	if len(a.cfg.Trace.Patterns) > 0 {
		sys.WithTrace(a.cfg.Trace.Patterns...)
	}
	if a.root != nil {
		sys.WithPreopen("/", a.root)
	}
	return sys
}

func (a *app) Close(ctx context.Context) {
	if a.mod != nil {
		_ = a.mod.Close(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func serveMetrics(cfg config.MetricsConfig, log *zap.Logger) (*metrics.Metrics, func() error, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", ln.Addr().String()), zap.String("path", cfg.Path))
	return m, srv.Close, nil
}
