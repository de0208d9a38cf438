package runtime

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasi-bridge/errors"
	"github.com/wippyai/wasi-bridge/wasi/preview1"
)

// HostFunc is a custom host import. Fn may call coordinator.From(ctx).Begin
// to suspend the guest.
type HostFunc struct {
	Fn      api.GoModuleFunc
	Params  []api.ValueType
	Results []api.ValueType
}

// HostRegistry holds custom host functions by import module name. Each
// namespace becomes a wazero host module the first time a guest is loaded.
type HostRegistry struct {
	funcs map[string]map[string]HostFunc
	bound map[string]bool
	mu    sync.Mutex
}

func NewHostRegistry() *HostRegistry {
	return &HostRegistry{
		funcs: make(map[string]map[string]HostFunc),
		bound: make(map[string]bool),
	}
}

// RegisterFunc adds fn as namespace.name. It must be called before the
// first Load that imports the namespace.
func (r *HostRegistry) RegisterFunc(namespace, name string, fn HostFunc) error {
	if namespace == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	if name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}
	if namespace == preview1.ModuleName {
		return errors.Registration(namespace, name, errors.InvalidInput(errors.PhaseHost, "namespace is reserved"))
	}
	if fn.Fn == nil {
		return errors.InvalidInput(errors.PhaseHost, "host function cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bound[namespace] {
		return errors.Registration(namespace, name, errors.InvalidInput(errors.PhaseHost, "namespace already instantiated"))
	}
	if r.funcs[namespace] == nil {
		r.funcs[namespace] = make(map[string]HostFunc)
	}
	r.funcs[namespace][name] = fn
	return nil
}

// Has reports whether namespace.name is registered.
func (r *HostRegistry) Has(namespace, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.funcs[namespace][name]
	return ok
}

// Bind instantiates every namespace not yet instantiated in rt.
func (r *HostRegistry) Bind(ctx context.Context, rt wazero.Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for namespace, funcs := range r.funcs {
		if r.bound[namespace] {
			continue
		}
		b := rt.NewHostModuleBuilder(namespace)
		for name, hf := range funcs {
			b.NewFunctionBuilder().
				WithGoModuleFunction(hf.Fn, hf.Params, hf.Results).
				Export(name)
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return errors.Registration(namespace, "*", err)
		}
		r.bound[namespace] = true
	}
	return nil
}
