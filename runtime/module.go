package runtime

import (
	"context"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-bridge/coordinator"
	"github.com/wippyai/wasi-bridge/errors"
	"github.com/wippyai/wasi-bridge/reservation"
	"github.com/wippyai/wasi-bridge/wasi/preview1"
)

// EntryPoint is the export Instance.Run calls.
const EntryPoint = "_start"

// Module is a compiled, asyncify-instrumented guest.
type Module struct {
	runtime    *Runtime
	compiled   wazero.CompiledModule
	exports    map[string]api.FunctionDefinition
	descriptor bool
}

// Load compiles wasm and checks that it can be driven by a coordinator:
// the five asyncify exports must be present, and every WASI or custom
// import must resolve.
func (r *Runtime) Load(ctx context.Context, wasm []byte) (*Module, error) {
	if err := r.hosts.Bind(ctx, r.runtime); err != nil {
		return nil, errors.Load("bind hosts", err)
	}

	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}

	exports := compiled.ExportedFunctions()
	for _, name := range []string{
		coordinator.ExportStartUnwind,
		coordinator.ExportStopUnwind,
		coordinator.ExportStartRewind,
		coordinator.ExportStopRewind,
		coordinator.ExportGetState,
	} {
		if _, ok := exports[name]; !ok {
			_ = compiled.Close(ctx)
			return nil, errors.MissingExport(name, "instrument the module with wasm-opt --asyncify")
		}
	}

	wasi := make(map[string]bool)
	for _, name := range preview1.Functions() {
		wasi[name] = true
	}
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if module == preview1.ModuleName && !wasi[name] {
			_ = compiled.Close(ctx)
			return nil, errors.NotFound(errors.PhaseLoad, "wasi function", name)
		}
	}

	_, hasBase := exports[reservation.ExportBase]
	_, hasSize := exports[reservation.ExportSize]
	m := &Module{
		runtime:    r,
		compiled:   compiled,
		exports:    exports,
		descriptor: hasBase && hasSize,
	}
	if !m.descriptor && r.fallback == nil {
		r.log.Warn("module has no reservation descriptor and no fallback region is configured")
	}
	return m, nil
}

// HasDescriptor reports whether the module exports its reservation.
func (m *Module) HasDescriptor() bool {
	return m.descriptor
}

// Exports lists the exported function names, sorted.
func (m *Module) Exports() []string {
	names := make([]string, 0, len(m.exports))
	for name := range m.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases the compiled module.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Instantiate creates an instance bound to sys. Start functions are not run;
// Instance.Run calls the entry point through the coordinator.
func (m *Module) Instantiate(ctx context.Context, sys *preview1.System) (*Instance, error) {
	if sys == nil {
		sys = preview1.NewSystem()
	}
	if err := sys.Validate(); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "trace patterns")
	}

	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := m.runtime.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	inst, err := m.bind(ctx, mod, sys)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	return inst, nil
}

func (m *Module) bind(ctx context.Context, mod api.Module, sys *preview1.System) (*Instance, error) {
	guest, err := coordinator.NewWazeroGuest(mod)
	if err != nil {
		return nil, err
	}

	var region reservation.Region
	switch {
	case m.descriptor:
		region, err = reservation.Load(ctx, mod)
		if err != nil {
			return nil, err
		}
	case m.runtime.fallback != nil:
		region = *m.runtime.fallback
	default:
		return nil, errors.MissingExport(reservation.ExportBase, "or configure a fallback region")
	}

	log := m.runtime.log.With(zap.Stringer("region", region))
	opts := []coordinator.Option{coordinator.WithLogger(log)}
	if m.runtime.observer != nil {
		opts = append(opts, coordinator.WithObserver(m.runtime.observer))
	}
	c, err := coordinator.New(guest, region, opts...)
	if err != nil {
		return nil, err
	}

	return &Instance{
		module: m,
		mod:    mod,
		guest:  guest,
		coord:  c,
		sys:    sys,
		log:    log,
	}, nil
}
