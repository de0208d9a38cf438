package coordinator

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasi-bridge/errors"
	"github.com/wippyai/wasi-bridge/reservation"
)

// Asyncify export names generated by wasm-opt --asyncify.
const (
	ExportGetState    = "asyncify_get_state"
	ExportStartUnwind = "asyncify_start_unwind"
	ExportStopUnwind  = "asyncify_stop_unwind"
	ExportStartRewind = "asyncify_start_rewind"
	ExportStopRewind  = "asyncify_stop_rewind"
)

// Guest is the control surface of an asyncify-instrumented instance.
type Guest interface {
	Memory() reservation.Memory
	StartUnwind(ctx context.Context, dataAddr uint32) error
	StopUnwind(ctx context.Context) error
	StartRewind(ctx context.Context, dataAddr uint32) error
	StopRewind(ctx context.Context) error
}

// Entry is an exported guest function. api.Function satisfies it.
type Entry interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// WazeroGuest drives the asyncify exports of a wazero module.
type WazeroGuest struct {
	mod     api.Module
	exports struct {
		getState    api.Function
		startUnwind api.Function
		stopUnwind  api.Function
		startRewind api.Function
		stopRewind  api.Function
	}
}

// NewWazeroGuest looks up the asyncify exports. Call after instantiation.
func NewWazeroGuest(mod api.Module) (*WazeroGuest, error) {
	if mod.Memory() == nil {
		return nil, errors.MissingExport("memory", "guest must export its linear memory")
	}

	g := &WazeroGuest{mod: mod}
	lookup := func(name string) (api.Function, error) {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			return nil, errors.MissingExport(name, "run wasm-opt --asyncify")
		}
		return fn, nil
	}

	var err error
	if g.exports.getState, err = lookup(ExportGetState); err != nil {
		return nil, err
	}
	if g.exports.startUnwind, err = lookup(ExportStartUnwind); err != nil {
		return nil, err
	}
	if g.exports.stopUnwind, err = lookup(ExportStopUnwind); err != nil {
		return nil, err
	}
	if g.exports.startRewind, err = lookup(ExportStartRewind); err != nil {
		return nil, err
	}
	if g.exports.stopRewind, err = lookup(ExportStopRewind); err != nil {
		return nil, err
	}
	return g, nil
}

// Memory returns the instance's linear memory.
func (g *WazeroGuest) Memory() reservation.Memory {
	return g.mod.Memory()
}

// Module returns the underlying wazero module.
func (g *WazeroGuest) Module() api.Module {
	return g.mod
}

func (g *WazeroGuest) StartUnwind(ctx context.Context, dataAddr uint32) error {
	_, err := g.exports.startUnwind.Call(ctx, api.EncodeU32(dataAddr))
	return err
}

func (g *WazeroGuest) StopUnwind(ctx context.Context) error {
	_, err := g.exports.stopUnwind.Call(ctx)
	return err
}

func (g *WazeroGuest) StartRewind(ctx context.Context, dataAddr uint32) error {
	_, err := g.exports.startRewind.Call(ctx, api.EncodeU32(dataAddr))
	return err
}

func (g *WazeroGuest) StopRewind(ctx context.Context) error {
	_, err := g.exports.stopRewind.Call(ctx)
	return err
}

// State reads asyncify_get_state from the guest. Allocates; use for debugging.
func (g *WazeroGuest) State(ctx context.Context) (Mode, error) {
	results, err := g.exports.getState.Call(ctx)
	if err != nil {
		return ModeNormal, err
	}
	if len(results) == 0 {
		return ModeNormal, fmt.Errorf("%s returned no results", ExportGetState)
	}
	return Mode(api.DecodeI32(results[0])), nil
}

// IsAsyncified reports whether mod exports the asyncify control functions.
func IsAsyncified(mod api.Module) bool {
	for _, name := range []string{ExportGetState, ExportStartUnwind, ExportStopUnwind, ExportStartRewind, ExportStopRewind} {
		if mod.ExportedFunction(name) == nil {
			return false
		}
	}
	return true
}
