// Package guestsim simulates an asyncify-instrumented guest in Go.
//
// Programs are ordinary Go functions written the way the asyncify pass
// rewrites wasm functions: on unwind each function saves its live locals and
// the index of the call it was in, then returns; on rewind it restores them
// and jumps back to that call. The Machine keeps the asyncify state and the
// data header in a simulated linear memory, so the coordinator drives it
// exactly as it drives a wazero module.
package guestsim

import (
	"context"
	"fmt"

	"github.com/wippyai/wasi-bridge/reservation"
)

const (
	stateNormal int32 = iota
	stateUnwinding
	stateRewinding
)

// Trap aborts a simulated guest, like wasm unreachable.
type Trap struct {
	Reason string
}

func (t *Trap) Error() string { return "wasm error: " + t.Reason }

// Machine is the asyncify runtime state of one simulated instance.
type Machine struct {
	mem      *Memory
	data     uint32
	state    int32
	Unwinds  int
	Rewinds  int
	MaxDepth uint32
}

// New creates a machine with the given number of 64KiB memory pages.
func New(pages uint32) *Machine {
	return &Machine{mem: NewMemory(pages)}
}

func (m *Machine) Memory() reservation.Memory { return m.mem }

// Mem returns the concrete memory for test assertions and WASI handlers.
func (m *Machine) Mem() *Memory { return m.mem }

func (m *Machine) StartUnwind(_ context.Context, dataAddr uint32) error {
	if m.state != stateNormal {
		return fmt.Errorf("start_unwind in state %d", m.state)
	}
	m.state = stateUnwinding
	m.data = dataAddr
	m.Unwinds++
	return nil
}

func (m *Machine) StopUnwind(context.Context) error {
	if m.state != stateUnwinding {
		return fmt.Errorf("stop_unwind in state %d", m.state)
	}
	m.state = stateNormal
	return nil
}

func (m *Machine) StartRewind(_ context.Context, dataAddr uint32) error {
	if m.state != stateNormal {
		return fmt.Errorf("start_rewind in state %d", m.state)
	}
	m.state = stateRewinding
	m.data = dataAddr
	m.Rewinds++
	return nil
}

func (m *Machine) StopRewind(context.Context) error {
	if m.state != stateRewinding {
		return fmt.Errorf("stop_rewind in state %d", m.state)
	}
	m.state = stateNormal
	return nil
}

func (m *Machine) Unwinding() bool { return m.state == stateUnwinding }

func (m *Machine) Rewinding() bool { return m.state == stateRewinding }

// Save pushes one frame of u32 values. A frame that does not fit before
// stack_end traps without writing anything.
func (m *Machine) Save(vals ...uint32) {
	ptr := m.mem.MustU32(m.data)
	end := m.mem.MustU32(m.data + 4)
	n := uint32(len(vals)) * 4
	if uint64(ptr)+uint64(n) > uint64(end) {
		panic(&Trap{Reason: "unreachable"})
	}
	for i, v := range vals {
		m.mem.WriteUint32Le(ptr+uint32(i)*4, v)
	}
	ptr += n
	m.mem.WriteUint32Le(m.data, ptr)
	if used := ptr - m.data - reservation.HeaderSize; used > m.MaxDepth {
		m.MaxDepth = used
	}
}

// Restore pops the frame pushed by the matching Save into dst, in the same
// order the values were saved.
func (m *Machine) Restore(dst ...*uint32) {
	ptr := m.mem.MustU32(m.data)
	n := uint32(len(dst)) * 4
	if ptr < m.data+reservation.HeaderSize+n {
		panic(&Trap{Reason: "asyncify rewind underflow"})
	}
	ptr -= n
	for i, d := range dst {
		*d = m.mem.MustU32(ptr + uint32(i)*4)
	}
	m.mem.WriteUint32Le(m.data, ptr)
}

// Func is a simulated exported function.
type Func func(ctx context.Context, m *Machine, params []uint64) []uint64

// Entry binds a Func to its machine. It satisfies coordinator.Entry.
type Entry struct {
	M  *Machine
	Fn Func
}

// Call runs the function. Panics raised inside it (traps, or host functions
// aborting the guest) come back as errors, as they do from wazero.
func (e Entry) Call(ctx context.Context, params ...uint64) (results []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("guest panic: %v", v)
			}
			results = nil
		}
	}()
	return e.Fn(ctx, e.M, params), nil
}
