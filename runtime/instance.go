package runtime

import (
	"context"
	stderrors "errors"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-bridge/coordinator"
	"github.com/wippyai/wasi-bridge/errors"
	"github.com/wippyai/wasi-bridge/wasi/preview1"
)

// Instance is one guest with its coordinator and WASI state. A coordinator
// drives a single entry invocation, so an Instance runs once.
//
// Instance is NOT thread-safe.
type Instance struct {
	module *Module
	mod    api.Module
	guest  *coordinator.WazeroGuest
	coord  *coordinator.Coordinator
	sys    *preview1.System
	log    *zap.Logger
}

func (i *Instance) Coordinator() *coordinator.Coordinator { return i.coord }

func (i *Instance) System() *preview1.System { return i.sys }

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module { return i.mod }

func (i *Instance) entry(name string) (api.Function, error) {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	return fn, nil
}

// Call runs the exported function name to completion, performing every
// suspended operation on the host as it comes up.
func (i *Instance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	fn, err := i.entry(name)
	if err != nil {
		return nil, err
	}
	results, err := i.coord.Run(preview1.WithSystem(ctx, i.sys), fn, args...)
	stats := i.coord.Stats()
	i.log.Debug("call finished",
		zap.String("export", name),
		zap.Uint64("suspensions", stats.Suspensions),
		zap.Uint64("fast_paths", stats.FastPaths),
		zap.Uint32("max_captured", stats.MaxCaptured),
		zap.Error(err))
	return results, err
}

// Run calls _start and returns the guest's exit code. proc_exit with any
// code is a normal exit; other failures return an error and exit code 1.
func (i *Instance) Run(ctx context.Context) (uint32, error) {
	_, err := i.Call(ctx, EntryPoint)
	return exitCode(err)
}

func exitCode(err error) (uint32, error) {
	if err == nil {
		return 0, nil
	}
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		return exit.ExitCode(), nil
	}
	return 1, err
}

// Session starts step-wise execution of the exported function name. The
// caller performs each pending operation itself, which lets an external
// event loop own the waiting.
func (i *Instance) Session(ctx context.Context, name string, args ...uint64) (*Session, error) {
	fn, err := i.entry(name)
	if err != nil {
		return nil, err
	}
	return &Session{
		ctx:   preview1.WithSystem(ctx, i.sys),
		coord: i.coord,
		entry: fn,
		args:  args,
	}, nil
}

// Close closes the module and the WASI pipes.
func (i *Instance) Close(ctx context.Context) error {
	err := i.mod.Close(ctx)
	if cerr := i.sys.Close(); err == nil {
		err = cerr
	}
	return err
}
