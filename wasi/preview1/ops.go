package preview1

import (
	"context"
	stderrors "errors"
	"io"
	"io/fs"

	"github.com/wippyai/wasi-bridge/coordinator"
	"github.com/wippyai/wasi-bridge/errors"
	"github.com/wippyai/wasi-bridge/fsys"
)

const dirMode = fs.ModeDir | 0o555

// await runs op through the instance's coordinator. ok is false when the
// guest is unwinding; the caller must then return without side effects.
//
// Without a coordinator in ctx the operation simply blocks.
func await(ctx context.Context, op coordinator.Operation) (res coordinator.Result, ok bool) {
	c := coordinator.From(ctx)
	if c == nil {
		if res, ok := op.Poll(ctx); ok {
			return res, true
		}
		return op.Execute(ctx), true
	}
	res, sig, err := c.Begin(ctx, op)
	if err != nil {
		// Aborts the guest; the coordinator already holds the error.
		panic(err)
	}
	return res, sig == coordinator.SignalCompleted
}

// result carries v, or err wrapped as an operation failure at site. ErrnoOf
// sees through the wrapper.
func result(site string, v any, err error) coordinator.Result {
	if err != nil {
		return coordinator.Result{Err: errors.OperationFailure(site, err)}
	}
	return coordinator.Result{Value: v}
}

func statOp(site string, a *fsys.Async, name string) coordinator.Operation {
	return coordinator.OpFunc{
		Site: site,
		PollFn: func(ctx context.Context) (coordinator.Result, bool) {
			info, ok, err := a.PollStat(ctx, name)
			return result(site, info, err), ok
		},
		ExecFn: func(ctx context.Context) coordinator.Result {
			info, err := a.FetchStat(ctx, name)
			return result(site, info, err)
		},
	}
}

func listOp(site string, a *fsys.Async, name string) coordinator.Operation {
	return coordinator.OpFunc{
		Site: site,
		PollFn: func(ctx context.Context) (coordinator.Result, bool) {
			entries, ok, err := a.PollReadDir(ctx, name)
			return result(site, entries, err), ok
		},
		ExecFn: func(ctx context.Context) coordinator.Result {
			entries, err := a.FetchReadDir(ctx, name)
			return result(site, entries, err)
		},
	}
}

// readOp reads at most n bytes at off. End of file is an empty result.
func readOp(site string, a *fsys.Async, name string, off int64, n int) coordinator.Operation {
	return coordinator.OpFunc{
		Site: site,
		PollFn: func(ctx context.Context) (coordinator.Result, bool) {
			b, ok, err := a.PollRead(ctx, name, off, n)
			return readResult(site, b, err), ok
		},
		ExecFn: func(ctx context.Context) coordinator.Result {
			b, err := a.FetchRead(ctx, name, off, n)
			return readResult(site, b, err)
		},
	}
}

func readResult(site string, b []byte, err error) coordinator.Result {
	if stderrors.Is(err, io.EOF) {
		return coordinator.Result{Value: []byte(nil)}
	}
	return result(site, b, err)
}

func stdinOp(site string, in *Input, n int) coordinator.Operation {
	return coordinator.OpFunc{
		Site: site,
		PollFn: func(context.Context) (coordinator.Result, bool) {
			b, ok := in.take(n)
			return coordinator.Result{Value: b}, ok
		},
		ExecFn: func(context.Context) coordinator.Result {
			for {
				if b, ok := in.take(n); ok {
					return coordinator.Result{Value: b}
				}
				if err := in.fill(n); err != nil {
					return result(site, nil, err)
				}
			}
		},
	}
}
