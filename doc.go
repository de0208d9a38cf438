// Package wasibridge runs WASI preview1 programs whose blocking calls are
// served by asynchronous host I/O.
//
// Guests are compiled normally and then instrumented with Binaryen's asyncify
// pass. When a guest calls fd_read, path_open or fd_readdir and the answer is
// not cached, the host unwinds the guest stack into a reserved memory region,
// performs the I/O, and rewinds the guest into the same call, which now
// completes synchronously.
//
// # Architecture Overview
//
//	wasibridge/
//	├── coordinator/        Suspend/resume state machine over the asyncify exports
//	├── reservation/        The unwind region: descriptor exports or a fixed fallback
//	├── wasi/preview1/      wasi_snapshot_preview1 host functions and descriptor table
//	├── fsys/               Read-only backends and the Poll/Fetch cache in front of them
//	├── runtime/            wazero runtime, module loading, instances, sessions
//	├── metrics/            Prometheus observer for coordinator events
//	├── config/             YAML/TOML/environment configuration
//	├── logging/            zap logger construction
//	├── errors/             Structured errors with phase and kind
//	└── cmd/wasi-run/       Command-line runner with an interactive stepping mode
//
// # Quick Start
//
//	rt, _ := runtime.New(ctx)
//	mod, _ := rt.Load(ctx, wasmBytes)
//	root := fsys.NewAsync(fsys.FromFS(os.DirFS("/srv")))
//	inst, _ := mod.Instantiate(ctx, preview1.NewSystem().WithPreopen("/", root))
//	code, err := inst.Run(ctx)
//
// See the runtime package for step-wise execution and custom host imports.
package wasibridge
