package runtime_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasi-bridge/coordinator"
	"github.com/wippyai/wasi-bridge/errors"
	"github.com/wippyai/wasi-bridge/fsys"
	"github.com/wippyai/wasi-bridge/internal/wasmbuild"
	"github.com/wippyai/wasi-bridge/runtime"
	"github.com/wippyai/wasi-bridge/wasi/preview1"
)

// fetchFunc is an env.fetch import that always suspends and yields value
// once the host executes the operation.
func fetchFunc(value uint32, calls *atomic.Int32) runtime.HostFunc {
	return runtime.HostFunc{
		Fn: func(ctx context.Context, _ api.Module, stack []uint64) {
			if calls != nil {
				calls.Add(1)
			}
			op := coordinator.OpFunc{
				Site: "fetch",
				ExecFn: func(context.Context) coordinator.Result {
					return coordinator.Result{Value: value}
				},
			}
			res, sig, err := coordinator.From(ctx).Begin(ctx, op)
			if err != nil {
				panic(err)
			}
			if sig != coordinator.SignalCompleted {
				return
			}
			stack[0] = api.EncodeU32(res.Value.(uint32))
		},
		Results: []api.ValueType{api.ValueTypeI32},
	}
}

func newRuntime(t *testing.T, opts ...runtime.Option) *runtime.Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := runtime.New(ctx, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(ctx) })
	return rt
}

func instantiate(t *testing.T, mod *runtime.Module, sys *preview1.System) *runtime.Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := mod.Instantiate(ctx, sys)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close(ctx) })
	return inst
}

func TestInstance_CallSuspendsThroughCustomImport(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	var calls atomic.Int32
	require.NoError(t, rt.RegisterFunc("env", "fetch", fetchFunc(7, &calls)))

	mod, err := rt.Load(ctx, wasmbuild.TwoCallGuest(wasmbuild.GuestConfig{Base: 1024, Size: 64}))
	require.NoError(t, err)
	defer mod.Close(ctx)
	assert.True(t, mod.HasDescriptor())
	assert.Contains(t, mod.Exports(), "run")

	inst := instantiate(t, mod, nil)
	results, err := inst.Call(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, uint32(114), api.DecodeU32(results[0]))

	stats := inst.Coordinator().Stats()
	assert.Equal(t, uint64(2), stats.Suspensions)
	assert.Equal(t, uint64(2), stats.Resumes)
	assert.Equal(t, uint32(12), stats.MaxCaptured)
	// each site is entered once to suspend and once on rewind
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, uint32(1024), inst.Coordinator().Region().RegionBase())
}

func TestInstance_CallTwiceFails(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	require.NoError(t, rt.RegisterFunc("env", "fetch", fetchFunc(1, nil)))
	mod, err := rt.Load(ctx, wasmbuild.TwoCallGuest(wasmbuild.GuestConfig{Base: 1024, Size: 64}))
	require.NoError(t, err)

	inst := instantiate(t, mod, nil)
	_, err = inst.Call(ctx, "run")
	require.NoError(t, err)

	_, err = inst.Call(ctx, "run")
	assert.ErrorIs(t, err, errors.ErrTerminated)
}

func TestInstance_UnknownExport(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	require.NoError(t, rt.RegisterFunc("env", "fetch", fetchFunc(1, nil)))
	mod, err := rt.Load(ctx, wasmbuild.TwoCallGuest(wasmbuild.GuestConfig{Base: 1024, Size: 64}))
	require.NoError(t, err)

	inst := instantiate(t, mod, nil)
	_, err = inst.Call(ctx, "missing")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

	code, err := inst.Run(ctx)
	assert.Error(t, err)
	assert.Equal(t, uint32(1), code)
}

func TestSession_HostDrivesEachSuspension(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	require.NoError(t, rt.RegisterFunc("env", "fetch", fetchFunc(0, nil)))
	mod, err := rt.Load(ctx, wasmbuild.TwoCallGuest(wasmbuild.GuestConfig{Base: 1024, Size: 64, Seed: 10}))
	require.NoError(t, err)

	inst := instantiate(t, mod, nil)
	s, err := inst.Session(ctx, "run")
	require.NoError(t, err)

	step, err := s.Start()
	require.NoError(t, err)
	values := []uint32{5, 6}
	for i := 0; step.Status == coordinator.StepSuspended; i++ {
		require.Less(t, i, len(values))
		assert.Equal(t, "fetch", step.Pending.Site())
		assert.Equal(t, step.Pending.Handle, s.Pending().Handle)
		step, err = s.Complete(step.Pending.Handle, coordinator.Result{Value: values[i]})
		require.NoError(t, err)
	}

	assert.Equal(t, coordinator.StepDone, step.Status)
	assert.Equal(t, uint32(21), api.DecodeU32(step.Results[0]))
	assert.Nil(t, s.Pending())
}

func TestSession_Cancel(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	require.NoError(t, rt.RegisterFunc("env", "fetch", fetchFunc(0, nil)))
	mod, err := rt.Load(ctx, wasmbuild.TwoCallGuest(wasmbuild.GuestConfig{Base: 1024, Size: 64}))
	require.NoError(t, err)

	inst := instantiate(t, mod, nil)
	s, err := inst.Session(ctx, "run")
	require.NoError(t, err)
	step, err := s.Start()
	require.NoError(t, err)
	require.Equal(t, coordinator.StepSuspended, step.Status)

	s.Cancel(context.Canceled)
	_, err = s.Complete(step.Pending.Handle, coordinator.Result{Value: uint32(1)})
	assert.ErrorIs(t, err, errors.ErrTerminated)
	assert.Equal(t, coordinator.StateTerminated, inst.Coordinator().State())
}

func TestLoad_RequiresAsyncifyExports(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	var m wasmbuild.Module
	m.Memory(1)
	m.Export("run", m.Func(nil, []wasmbuild.ValType{wasmbuild.I32}, nil, new(wasmbuild.Code).I32Const(1)))

	_, err := rt.Load(ctx, m.Bytes())
	require.Error(t, err)
	assert.Equal(t, errors.KindMissingExport, errors.KindOf(err))
	assert.Contains(t, err.Error(), coordinator.ExportStartUnwind)
}

func TestLoad_UnknownWASIImport(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	var m wasmbuild.Module
	m.ImportFunc(preview1.ModuleName, "sock_teleport", nil, []wasmbuild.ValType{wasmbuild.I32})
	m.Memory(1)
	wasmbuild.AddAsyncify(&m)

	_, err := rt.Load(ctx, m.Bytes())
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestLoad_InvalidBinary(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.Load(context.Background(), []byte("not wasm"))
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
}

func TestInstantiate_Region(t *testing.T) {
	noDescriptor := wasmbuild.GuestConfig{Base: 1024, Size: 64, NoStackSpace: true}

	t.Run("fallback used without descriptor", func(t *testing.T) {
		ctx := context.Background()
		rt := newRuntime(t, runtime.WithFallbackRegion(4096, 64))
		require.NoError(t, rt.RegisterFunc("env", "fetch", fetchFunc(7, nil)))
		mod, err := rt.Load(ctx, wasmbuild.TwoCallGuest(noDescriptor))
		require.NoError(t, err)
		assert.False(t, mod.HasDescriptor())

		inst := instantiate(t, mod, nil)
		assert.Equal(t, uint32(4096), inst.Coordinator().Region().RegionBase())
		results, err := inst.Call(ctx, "run")
		require.NoError(t, err)
		assert.Equal(t, uint32(114), api.DecodeU32(results[0]))
	})

	t.Run("descriptor wins over fallback", func(t *testing.T) {
		ctx := context.Background()
		rt := newRuntime(t, runtime.WithFallbackRegion(4096, 64))
		require.NoError(t, rt.RegisterFunc("env", "fetch", fetchFunc(7, nil)))
		mod, err := rt.Load(ctx, wasmbuild.TwoCallGuest(wasmbuild.GuestConfig{Base: 2048, Size: 64}))
		require.NoError(t, err)

		inst := instantiate(t, mod, nil)
		assert.Equal(t, uint32(2048), inst.Coordinator().Region().RegionBase())
	})

	t.Run("no region at all", func(t *testing.T) {
		ctx := context.Background()
		rt := newRuntime(t)
		require.NoError(t, rt.RegisterFunc("env", "fetch", fetchFunc(7, nil)))
		mod, err := rt.Load(ctx, wasmbuild.TwoCallGuest(noDescriptor))
		require.NoError(t, err)

		_, err = mod.Instantiate(ctx, nil)
		assert.Equal(t, errors.KindMissingExport, errors.KindOf(err))
	})

	t.Run("descriptor outside memory", func(t *testing.T) {
		ctx := context.Background()
		rt := newRuntime(t)
		require.NoError(t, rt.RegisterFunc("env", "fetch", fetchFunc(7, nil)))
		mod, err := rt.Load(ctx, wasmbuild.TwoCallGuest(wasmbuild.GuestConfig{Base: 65536 - 16, Size: 64}))
		require.NoError(t, err)

		_, err = mod.Instantiate(ctx, nil)
		assert.Error(t, err)
	})
}

func TestInstantiate_RejectsBadTracePattern(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	require.NoError(t, rt.RegisterFunc("env", "fetch", fetchFunc(7, nil)))
	mod, err := rt.Load(ctx, wasmbuild.TwoCallGuest(wasmbuild.GuestConfig{Base: 1024, Size: 64}))
	require.NoError(t, err)

	_, err = mod.Instantiate(ctx, preview1.NewSystem().WithTrace("fd_[read"))
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
}

func statGuest(path string) []byte {
	return wasmbuild.StatExitGuest(wasmbuild.StatGuest{
		Base:   1024,
		Size:   64,
		Path:   path,
		PathAt: 2048,
		StatAt: 3072,
	})
}

func TestInstance_RunWASICommand(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		opts        []fsys.AsyncOption
		code        uint32
		suspensions uint64
	}{
		{"file size becomes exit code", "hello.txt", nil, 14, 1},
		{"nested path", "data/alpha", nil, 1, 1},
		{"missing file", "nope", nil, 100 + uint32(preview1.ErrnoNoent), 1},
		{"escape is not capable", "../etc", nil, 100 + uint32(preview1.ErrnoNotcapable), 0},
		{"inline backend never suspends", "hello.txt", []fsys.AsyncOption{fsys.Inline()}, 14, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rt := newRuntime(t)
			mod, err := rt.Load(ctx, statGuest(tt.path))
			require.NoError(t, err)

			root := fsys.NewAsync(fsys.NewMemory().
				AddFile("hello.txt", []byte("hello, world!!")).
				AddFile("data/alpha", []byte("a")), tt.opts...)
			sys := preview1.NewSystem().WithPreopen("/", root)
			inst := instantiate(t, mod, sys)

			code, err := inst.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
			got, exited := inst.System().ExitCode()
			assert.True(t, exited)
			assert.Equal(t, tt.code, got)
			assert.Equal(t, tt.suspensions, inst.Coordinator().Stats().Suspensions)
		})
	}
}

func TestRunAll(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	mod, err := rt.Load(ctx, statGuest("hello.txt"))
	require.NoError(t, err)

	sizes := []int{3, 0, 250, 17}
	jobs := make([]runtime.Job, len(sizes))
	for i, n := range sizes {
		root := fsys.NewAsync(fsys.NewMemory().AddFile("hello.txt", make([]byte, n)))
		jobs[i] = runtime.Job{Module: mod, System: preview1.NewSystem().WithPreopen("/", root)}
	}
	jobs = append(jobs, runtime.Job{Module: mod, System: preview1.NewSystem().
		WithPreopen("/", fsys.NewAsync(fsys.NewMemory()))})

	results, err := runtime.RunAll(ctx, 2, jobs...)
	require.NoError(t, err)
	require.Len(t, results, len(jobs))
	for i, n := range sizes {
		assert.NoError(t, results[i].Err)
		assert.Equal(t, uint32(n), results[i].ExitCode, "job %d", i)
		assert.Equal(t, uint64(1), results[i].Stats.Suspensions)
	}
	assert.Equal(t, 100+uint32(preview1.ErrnoNoent), results[len(sizes)].ExitCode)
}

func TestRunAll_InstantiateFailure(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	mod, err := rt.Load(ctx, statGuest("hello.txt"))
	require.NoError(t, err)

	results, err := runtime.RunAll(ctx, 0, runtime.Job{Module: mod, System: preview1.NewSystem().WithTrace("[")})
	require.Error(t, err)
	assert.Equal(t, uint32(1), results[0].ExitCode)
}

func TestRegisterFunc_Validation(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	ok := fetchFunc(1, nil)

	tests := []struct {
		name      string
		namespace string
		fn        string
		host      runtime.HostFunc
		kind      errors.Kind
	}{
		{"empty namespace", "", "fetch", ok, errors.KindInvalidInput},
		{"empty name", "env", "", ok, errors.KindInvalidInput},
		{"reserved namespace", preview1.ModuleName, "fd_read", ok, errors.KindRegistration},
		{"nil function", "env", "fetch", runtime.HostFunc{}, errors.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rt.RegisterFunc(tt.namespace, tt.fn, tt.host)
			assert.Equal(t, tt.kind, errors.KindOf(err))
		})
	}

	require.NoError(t, rt.RegisterFunc("env", "fetch", ok))
	assert.True(t, rt.Hosts().Has("env", "fetch"))
	_, err := rt.Load(ctx, wasmbuild.TwoCallGuest(wasmbuild.GuestConfig{Base: 1024, Size: 64}))
	require.NoError(t, err)

	err = rt.RegisterFunc("env", "other", ok)
	assert.Equal(t, errors.KindRegistration, errors.KindOf(err))
}

func TestNew_CompilationCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		rt, err := runtime.New(ctx, runtime.WithCompilationCache(dir), runtime.WithMemoryLimitPages(4))
		require.NoError(t, err)
		mod, err := rt.Load(ctx, statGuest("hello.txt"))
		require.NoError(t, err)

		sys := preview1.NewSystem().WithPreopen("/", fsys.NewAsync(fsys.NewMemory().AddFile("hello.txt", []byte("abc"))))
		inst, err := mod.Instantiate(ctx, sys)
		require.NoError(t, err)
		code, err := inst.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), code)
		require.NoError(t, inst.Close(ctx))
		require.NoError(t, rt.Close(ctx))
	}
}
