package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasi-bridge/config"
	"github.com/wippyai/wasi-bridge/runtime"
)

type options struct {
	wasm        string
	entry       string
	argv        string
	env         string
	maps        string
	zips        string
	stdin       string
	configFile  string
	trace       string
	metricsAddr string
	latency     time.Duration
	repeat      int
	inline      bool
	warm        bool
	list        bool
	interactive bool
	verbose     bool
}

func main() {
	var o options
	flag.StringVar(&o.wasm, "wasm", "", "Path to asyncify-instrumented wasm file")
	flag.StringVar(&o.entry, "entry", runtime.EntryPoint, "Export to call")
	flag.StringVar(&o.argv, "argv", "", "CLI arguments after the program name (comma-separated)")
	flag.StringVar(&o.env, "env", "", "Environment variables (KEY=VAL,KEY2=VAL2)")
	flag.StringVar(&o.maps, "map", "", "Host directories (/guest:/host,/guest2:/host2)")
	flag.StringVar(&o.zips, "zip", "", "Zip archives (/guest:archive.zip,...)")
	flag.StringVar(&o.stdin, "stdin", "", "Stdin data (default: os.Stdin when it is not a terminal)")
	flag.StringVar(&o.configFile, "config", "", "YAML or TOML config file")
	flag.StringVar(&o.trace, "trace", "", "Log WASI calls matching these patterns (fd_*,path_*)")
	flag.StringVar(&o.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address (:9090)")
	flag.DurationVar(&o.latency, "latency", 0, "Simulated latency per host fetch")
	flag.IntVar(&o.repeat, "repeat", 1, "Run N instances concurrently and print a summary")
	flag.BoolVar(&o.inline, "inline", false, "Perform host I/O inline, never suspending")
	flag.BoolVar(&o.warm, "warm", false, "Index mapped directories before running")
	flag.BoolVar(&o.list, "list", false, "List exported functions and exit")
	flag.BoolVar(&o.interactive, "i", false, "Interactive mode: complete each suspension by hand")
	flag.BoolVar(&o.verbose, "v", false, "Debug logging")
	flag.Parse()

	if o.wasm == "" {
		fmt.Fprintln(os.Stderr, "Usage: wasi-run -wasm <file.wasm> [-argv a,b] [-env K=V,...] [-map /guest:/host,...]")
		fmt.Fprintln(os.Stderr, "       wasi-run -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       wasi-run -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code, err := dispatch(ctx, o)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(int(code))
}

func dispatch(ctx context.Context, o options) (uint32, error) {
	cfg, err := loadConfig(o)
	if err != nil {
		return 1, err
	}

	if o.interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return 1, fmt.Errorf("interactive mode needs a terminal on stdout")
		}
		// the TUI owns the terminal, so logs go to a file if anywhere
		if len(cfg.Logging.OutputPaths) == 1 && cfg.Logging.OutputPaths[0] == "stderr" {
			cfg.Logging.Level = "error"
		}
	}

	a, err := newApp(ctx, o, cfg)
	if err != nil {
		return 1, err
	}
	defer a.Close(context.WithoutCancel(ctx))

	switch {
	case o.list:
		return 0, a.listExports()
	case o.interactive:
		return runInteractive(ctx, a, o.entry)
	case o.repeat > 1:
		return a.runMany(ctx, o.repeat)
	default:
		return a.runOnce(ctx, o.entry)
	}
}

// loadConfig layers command-line flags over the config file and environment.
func loadConfig(o options) (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.latency > 0 {
		cfg.IO.Latency = config.Duration(o.latency)
	}
	if o.inline {
		cfg.IO.Inline = true
	}
	if o.warm {
		cfg.IO.Warm = true
	}
	if o.trace != "" {
		cfg.Trace.Patterns = splitList(o.trace)
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *app) listExports() error {
	fmt.Printf("Module: %s\n", a.wasmPath)
	if a.mod.HasDescriptor() {
		fmt.Println("Reservation: exported by module")
	} else {
		fmt.Println("Reservation: fallback region")
	}
	fmt.Printf("\nExported functions:\n")
	for _, name := range a.mod.Exports() {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

func (a *app) runOnce(ctx context.Context, entry string) (uint32, error) {
	inst, err := a.mod.Instantiate(ctx, a.newSystem(os.Stdout, os.Stderr, true))
	if err != nil {
		return 1, fmt.Errorf("instantiate: %w", err)
	}
	defer inst.Close(context.WithoutCancel(ctx))

	var code uint32
	if entry == runtime.EntryPoint {
		code, err = inst.Run(ctx)
	} else {
		var results []uint64
		results, err = inst.Call(ctx, entry)
		if err == nil {
			fmt.Fprintf(os.Stderr, "Result: %s\n", formatResults(results))
		}
	}

	stats := inst.Coordinator().Stats()
	a.log.Info("guest finished",
		zap.String("entry", entry),
		zap.Uint32("exit_code", code),
		zap.Uint64("suspensions", stats.Suspensions),
		zap.Uint64("fast_paths", stats.FastPaths),
		zap.Uint32("max_captured", stats.MaxCaptured),
		zap.Error(err))
	if err != nil {
		return 1, fmt.Errorf("call %s: %w", entry, err)
	}
	return code, nil
}

// runMany runs n instances of the entry point, discarding their output.
func (a *app) runMany(ctx context.Context, n int) (uint32, error) {
	jobs := make([]runtime.Job, n)
	for i := range jobs {
		jobs[i] = runtime.Job{Module: a.mod, System: a.newSystem(nil, nil, false)}
	}

	began := time.Now()
	results, err := runtime.RunAll(ctx, a.cfg.IO.Parallel, jobs...)
	elapsed := time.Since(began)

	var worst uint32
	var suspensions uint64
	for i, r := range results {
		suspensions += r.Stats.Suspensions
		if r.ExitCode > worst {
			worst = r.ExitCode
		}
		if r.Err != nil {
			fmt.Fprintf(os.Stderr, "instance %d: %v\n", i, r.Err)
		}
	}
	fmt.Fprintf(os.Stderr, "%d instances in %s, %d suspensions, highest exit code %d\n",
		n, elapsed.Round(time.Millisecond), suspensions, worst)
	if err != nil {
		return 1, err
	}
	return worst, nil
}

func formatResults(results []uint64) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("%d", api.DecodeI32(r))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func programName(wasm string) string {
	return strings.TrimSuffix(filepath.Base(wasm), filepath.Ext(wasm))
}
