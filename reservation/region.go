package reservation

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasi-bridge/errors"
)

const (
	// ExportBase is the guest export reporting the region base address.
	ExportBase = "get_asyncify_stack_space_ptr"
	// ExportSize is the guest export reporting the region size in bytes.
	ExportSize = "get_asyncify_stack_space_size"

	// DefaultSize matches the static buffer linked into guests by default.
	DefaultSize uint32 = 10 * 1024

	// Align is the alignment of both base and size.
	Align uint32 = 4

	// HeaderSize is the asyncify data header: [stack_ptr u32][stack_end u32].
	HeaderSize uint32 = 8
)

// Descriptor reports where the reservation region lives in linear memory.
// Both values are fixed for the lifetime of an instance.
type Descriptor interface {
	RegionBase() uint32
	RegionSize() uint32
}

// Memory is the subset of linear memory the region needs.
// wazero's api.Memory satisfies it.
type Memory interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	WriteUint32Le(offset, v uint32) bool
	ReadUint32Le(offset uint32) (uint32, bool)
}

// Region is a fixed reservation inside guest linear memory.
type Region struct {
	base uint32
	size uint32
}

// Fixed returns a region with the given base and size, used verbatim.
func Fixed(base, size uint32) Region {
	return Region{base: base, size: size}
}

// Static carves an aligned region out of a raw static buffer starting at ptr
// with rawSize bytes. The base is aligned up to Align and the size shrinks by
// the slack, then rounds down to Align, so the region never leaves the buffer.
// An already aligned ptr is used as is; some guest-side helpers skip a full
// Align bytes in that case, which yields a region 4 bytes further in.
func Static(ptr, rawSize uint32) Region {
	base := alignUp(ptr)
	slack := base - ptr
	if slack >= rawSize {
		return Region{base: base}
	}
	size := rawSize - slack
	size -= size % Align
	return Region{base: base, size: size}
}

func alignUp(v uint32) uint32 {
	if r := v % Align; r != 0 {
		return v + Align - r
	}
	return v
}

func (r Region) RegionBase() uint32 { return r.base }

func (r Region) RegionSize() uint32 { return r.size }

// End is one past the last byte of the region.
func (r Region) End() uint32 { return r.base + r.size }

// Start is the first byte available for captured frames.
func (r Region) Start() uint32 { return r.base + HeaderSize }

// Capacity is the number of bytes available for captured frames.
func (r Region) Capacity() uint32 {
	if r.size < HeaderSize {
		return 0
	}
	return r.size - HeaderSize
}

// Contains reports whether [addr, addr+n) lies inside the frame area.
func (r Region) Contains(addr, n uint32) bool {
	return addr >= r.Start() && uint64(addr)+uint64(n) <= uint64(r.End())
}

func (r Region) String() string {
	return fmt.Sprintf("region[0x%x+%d]", r.base, r.size)
}

// Validate checks the region against a memory of memSize bytes.
func (r Region) Validate(memSize uint32) error {
	if r.size < HeaderSize {
		return errors.InvalidInput(errors.PhaseLoad,
			fmt.Sprintf("%s smaller than asyncify header (%d bytes)", r, HeaderSize))
	}
	if r.base%Align != 0 || r.size%Align != 0 {
		return errors.InvalidInput(errors.PhaseLoad,
			fmt.Sprintf("%s not aligned to %d bytes", r, Align))
	}
	if uint64(r.base)+uint64(r.size) > uint64(memSize) {
		return errors.InvalidInput(errors.PhaseLoad,
			fmt.Sprintf("%s exceeds linear memory of %d bytes", r, memSize))
	}
	return nil
}

// Header is the asyncify data header value for an empty capture.
func (r Region) Header() (stackPtr, stackEnd uint32) {
	return r.Start(), r.End()
}

// Reset writes an empty-capture header into mem.
func (r Region) Reset(mem Memory) error {
	ptr, end := r.Header()
	if !mem.WriteUint32Le(r.base, ptr) || !mem.WriteUint32Le(r.base+4, end) {
		return errors.InvalidInput(errors.PhaseSuspend, fmt.Sprintf("%s header out of memory bounds", r))
	}
	return nil
}

// StackPtr reads the current asyncify stack pointer from the header.
func (r Region) StackPtr(mem Memory) (uint32, bool) {
	return mem.ReadUint32Le(r.base)
}

// Zero clears [from, to) inside the frame area.
func (r Region) Zero(mem Memory, from, to uint32) {
	if from < r.Start() {
		from = r.Start()
	}
	if to > r.End() {
		to = r.End()
	}
	if to <= from {
		return
	}
	mem.Write(from, make([]byte, to-from))
}

// Load reads the descriptor exports of an instantiated guest. Both exports
// are called exactly once; the caller caches the returned Region.
func Load(ctx context.Context, mod api.Module) (Region, error) {
	base, err := callU32(ctx, mod, ExportBase)
	if err != nil {
		return Region{}, err
	}
	size, err := callU32(ctx, mod, ExportSize)
	if err != nil {
		return Region{}, err
	}

	r := Region{base: base, size: size}
	mem := mod.Memory()
	if mem == nil {
		return Region{}, errors.MissingExport("memory", "guest must export its linear memory")
	}
	if err := r.Validate(mem.Size()); err != nil {
		return Region{}, err
	}
	return r, nil
}

// Exported reports whether mod exports both descriptor functions.
func Exported(mod api.Module) bool {
	return mod.ExportedFunction(ExportBase) != nil && mod.ExportedFunction(ExportSize) != nil
}

func callU32(ctx context.Context, mod api.Module, name string) (uint32, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return 0, errors.MissingExport(name, "link the asyncify stack reservation exports")
	}
	results, err := fn.Call(ctx)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseLoad, errors.KindTrap, err, "call "+name)
	}
	if len(results) != 1 {
		return 0, errors.InvalidInput(errors.PhaseLoad, fmt.Sprintf("%s returned %d results, want 1", name, len(results)))
	}
	return api.DecodeU32(results[0]), nil
}
