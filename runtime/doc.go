// Package runtime loads asyncify-instrumented WASI guests into wazero and
// runs them under a coordinator, so synchronous guest calls can wait on
// asynchronous host I/O.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.Load(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	root := fsys.NewAsync(fsys.FromFS(os.DirFS("/srv/data")))
//	sys := preview1.NewSystem().WithArgs("ls", "/").WithPreopen("/", root)
//
//	inst, err := mod.Instantiate(ctx, sys)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	code, err := inst.Run(ctx)
//
// # Requirements
//
// Modules must be processed with wasm-opt --asyncify. Load rejects modules
// without the five asyncify control exports. The unwind region comes from
// the get_asyncify_stack_space_ptr/size exports when present, otherwise
// from WithFallbackRegion.
//
// # Custom Imports
//
// Host functions outside wasi_snapshot_preview1 are registered with
// RegisterFunc before Load. A function suspends the guest by calling
// coordinator.From(ctx).Begin and returning without touching its results
// when the signal is SignalSuspended.
//
// # Step-wise Execution
//
// Instance.Call and Instance.Run perform pending operations inline.
// Instance.Session hands each pending operation back to the caller, which
// completes it with Session.Complete.
//
// # Thread Safety
//
// Runtime and Module are safe for concurrent use. An Instance runs one entry
// invocation and is not thread-safe; RunAll runs independent instances in
// parallel.
package runtime
