package preview1_test

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasi-bridge/coordinator"
	"github.com/wippyai/wasi-bridge/fsys"
	"github.com/wippyai/wasi-bridge/internal/guestsim"
	"github.com/wippyai/wasi-bridge/reservation"
	"github.com/wippyai/wasi-bridge/wasi/preview1"
)

// Guest memory layout used by the simulated programs. The asyncify region
// sits at 1024 and is kept clear of everything else.
const (
	regionBase uint32 = 1024
	regionSize uint32 = 256
	pathAt     uint32 = 4096
	outAt      uint32 = 4352
	usedAt     uint32 = 4356
	iovAt      uint32 = 4400
	printAt    uint32 = 8192
	bufAt      uint32 = 16384

	rightsRead  = 1<<1 | 1<<2 | 1<<5 | 1<<14 | 1<<21
	oflagDir    = 1 << 1
	preopenRoot = 3
)

// program wraps the restore/save boilerplate of a simulated asyncified
// function. Frame: step, fd, cookie.
type program struct {
	ctx context.Context
	m   *guestsim.Machine
	sys *preview1.System

	step, fd, cookie uint32
}

// call invokes a host function. ok is false when the guest must unwind,
// in which case the frame has already been saved.
func (p *program) call(name string, params ...uint64) (preview1.Errno, bool) {
	errno, _ := p.sys.Invoke(p.ctx, p.m.Mem(), name, params...)
	if p.m.Unwinding() {
		p.m.Save(p.step, p.fd, p.cookie)
		return 0, false
	}
	return errno, true
}

func (p *program) print(s string) {
	mem := p.m.Mem()
	mem.WriteString(printAt, s)
	mem.WriteUint32Le(iovAt, printAt)
	mem.WriteUint32Le(iovAt+4, uint32(len(s)))
	if errno, _ := p.sys.Invoke(p.ctx, mem, "fd_write", 1, uint64(iovAt), 1, uint64(usedAt)); errno != 0 {
		panic(&guestsim.Trap{Reason: "fd_write failed: " + errno.String()})
	}
}

// open runs path_open relative to the root preopen and stores the new fd.
func (p *program) open(name string, oflags uint64) (preview1.Errno, bool) {
	p.m.Mem().WriteString(pathAt, name)
	errno, ok := p.call("path_open", preopenRoot, 0, uint64(pathAt), uint64(len(name)), oflags, rightsRead, 0, 0, uint64(outAt))
	if ok && errno == 0 {
		p.fd = p.m.Mem().MustU32(outAt)
	}
	return errno, ok
}

func newProgram(ctx context.Context, m *guestsim.Machine, sys *preview1.System) *program {
	p := &program{ctx: ctx, m: m, sys: sys}
	if m.Rewinding() {
		m.Restore(&p.step, &p.fd, &p.cookie)
	}
	return p
}

func result(errno preview1.Errno) []uint64 { return []uint64{uint64(errno)} }

// lsProgram prints the entries of dir, one per line, reading the listing
// through a buffer of bufLen bytes.
func lsProgram(sys *preview1.System, dir string, bufLen uint32) guestsim.Func {
	return func(ctx context.Context, m *guestsim.Machine, _ []uint64) []uint64 {
		p := newProgram(ctx, m, sys)
		mem := m.Mem()
		if p.step == 0 {
			errno, ok := p.open(dir, oflagDir)
			if !ok {
				return nil
			}
			if errno != 0 {
				return result(errno)
			}
			p.step = 1
		}
		for {
			errno, ok := p.call("fd_readdir", uint64(p.fd), uint64(bufAt), uint64(bufLen), uint64(p.cookie), uint64(usedAt))
			if !ok {
				return nil
			}
			if errno != 0 {
				return result(errno)
			}
			used := mem.MustU32(usedAt)
			buf := mem.MustRead(bufAt, used)
			parsed := 0
			for pos := uint32(0); pos+24 <= used; {
				namlen := binary.LittleEndian.Uint32(buf[pos+16:])
				if pos+24+namlen > used {
					break
				}
				p.print(string(buf[pos+24:pos+24+namlen]) + "\n")
				p.cookie = uint32(binary.LittleEndian.Uint64(buf[pos:]))
				pos += 24 + namlen
				parsed++
			}
			if used < bufLen {
				break
			}
			if parsed == 0 {
				return result(preview1.ErrnoInval)
			}
		}
		errno, _ := p.call("fd_close", uint64(p.fd))
		return result(errno)
	}
}

// catProgram copies a file to stdout with reads of up to readLen bytes.
func catProgram(sys *preview1.System, name string, readLen uint32) guestsim.Func {
	return func(ctx context.Context, m *guestsim.Machine, _ []uint64) []uint64 {
		p := newProgram(ctx, m, sys)
		mem := m.Mem()
		if p.step == 0 {
			errno, ok := p.open(name, 0)
			if !ok {
				return nil
			}
			if errno != 0 {
				return result(errno)
			}
			p.step = 1
		}
		for {
			mem.WriteUint32Le(iovAt+64, bufAt)
			mem.WriteUint32Le(iovAt+68, readLen)
			errno, ok := p.call("fd_read", uint64(p.fd), uint64(iovAt+64), 1, uint64(usedAt))
			if !ok {
				return nil
			}
			if errno != 0 {
				return result(errno)
			}
			n := mem.MustU32(usedAt)
			if n == 0 {
				break
			}
			p.print(string(mem.MustRead(bufAt, n)))
		}
		errno, _ := p.call("fd_close", uint64(p.fd))
		return result(errno)
	}
}

func runGuest(t *testing.T, sys *preview1.System, fn guestsim.Func) ([]uint64, *coordinator.Coordinator) {
	t.Helper()
	m := guestsim.New(1)
	c, err := coordinator.New(m, reservation.Fixed(regionBase, regionSize))
	require.NoError(t, err)

	ctx := preview1.WithSystem(context.Background(), sys)
	results, err := c.Run(ctx, guestsim.Entry{M: m, Fn: fn})
	require.NoError(t, err)
	return results, c
}

func sampleTree() *fsys.Memory {
	return fsys.NewMemory().
		AddFile("data/zeta", []byte("z")).
		AddFile("data/alpha", []byte("a")).
		AddDir("data/mid").
		AddFile("hello.txt", []byte("hello, world!!"))
}

func TestGuest_ListsDirectoryInHostOrder(t *testing.T) {
	tests := []struct {
		name   string
		bufLen uint32
	}{
		{"large buffer", 1024},
		// 40 bytes holds one dirent and part of the next
		{"truncating buffer", 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			async := fsys.NewAsync(sampleTree())
			sys := preview1.NewSystem().WithPreopen("/", async)

			results, c := runGuest(t, sys, lsProgram(sys, "data", tt.bufLen))
			require.Equal(t, []uint64{0}, results)
			assert.Equal(t, []string{"zeta", "alpha", "mid"}, sys.Stdout().Lines())

			// one suspension for the stat in path_open and one for the listing
			stats := c.Stats()
			assert.Equal(t, uint64(2), stats.Suspensions)
			assert.Equal(t, uint64(2), stats.Resumes)
			assert.Equal(t, 4, sys.OpenFiles(), "fd must be closed")
		})
	}
}

func TestGuest_ReadsFileInChunks(t *testing.T) {
	async := fsys.NewAsync(sampleTree(), fsys.WithChunkSize(8))
	sys := preview1.NewSystem().WithPreopen("/", async)

	results, c := runGuest(t, sys, catProgram(sys, "hello.txt", 64))
	require.Equal(t, []uint64{0}, results)
	assert.Equal(t, "hello, world!!", sys.Stdout().String())

	// stat, then one suspension per 8-byte chunk; EOF is answered from the
	// cached size
	assert.Equal(t, uint64(3), c.Stats().Suspensions)
	assert.Equal(t, uint64(3), async.Stats().Fetches)
}

func TestGuest_MissingFileIsNoent(t *testing.T) {
	async := fsys.NewAsync(sampleTree())
	sys := preview1.NewSystem().WithPreopen("/", async)

	results, c := runGuest(t, sys, catProgram(sys, "nope.txt", 64))
	require.Equal(t, result(preview1.ErrnoNoent), results)
	assert.Equal(t, uint64(1), c.Stats().Suspensions)

	// the failure is cached, so a second guest opens without suspending
	results, c = runGuest(t, sys, catProgram(sys, "nope.txt", 64))
	require.Equal(t, result(preview1.ErrnoNoent), results)
	assert.Equal(t, uint64(0), c.Stats().Suspensions)
	assert.Equal(t, uint64(1), c.Stats().FastPaths)
}

func TestGuest_InlineNeverSuspends(t *testing.T) {
	async := fsys.NewAsync(sampleTree(), fsys.Inline())
	sys := preview1.NewSystem().WithPreopen("/", async)

	results, c := runGuest(t, sys, catProgram(sys, "hello.txt", 5))
	require.Equal(t, []uint64{0}, results)
	assert.Equal(t, "hello, world!!", sys.Stdout().String())
	assert.Zero(t, c.Stats().Suspensions)
}

func TestGuest_StdinReaderSuspends(t *testing.T) {
	r, w := io.Pipe()
	sys := preview1.NewSystem().WithStdinReader(r)

	prog := func(ctx context.Context, m *guestsim.Machine, _ []uint64) []uint64 {
		p := newProgram(ctx, m, sys)
		p.fd = 0
		mem := m.Mem()
		mem.WriteUint32Le(iovAt+64, bufAt)
		mem.WriteUint32Le(iovAt+68, 16)
		errno, ok := p.call("fd_read", 0, uint64(iovAt+64), 1, uint64(usedAt))
		if !ok {
			return nil
		}
		if errno != 0 {
			return result(errno)
		}
		p.print(string(mem.MustRead(bufAt, mem.MustU32(usedAt))))
		return result(0)
	}

	go func() {
		_, _ = w.Write([]byte("typed"))
	}()
	results, c := runGuest(t, sys, prog)
	require.Equal(t, []uint64{0}, results)
	assert.Equal(t, "typed", sys.Stdout().String())
	assert.Equal(t, uint64(1), c.Stats().Suspensions)
}
