package preview1_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasi-bridge/fsys"
	"github.com/wippyai/wasi-bridge/internal/guestsim"
	"github.com/wippyai/wasi-bridge/wasi/preview1"
)

// inline returns a System over sampleTree whose filesystem never suspends,
// so host functions can be called directly.
func inline() (*preview1.System, *guestsim.Memory) {
	s := preview1.NewSystem().WithPreopen("/", fsys.NewAsync(sampleTree(), fsys.Inline()))
	return s, guestsim.NewMemory(1)
}

func invoke(t *testing.T, s *preview1.System, mem *guestsim.Memory, name string, params ...uint64) preview1.Errno {
	t.Helper()
	errno, suspended := s.Invoke(context.Background(), mem, name, params...)
	require.False(t, suspended, "%s suspended", name)
	return errno
}

func openPath(t *testing.T, s *preview1.System, mem *guestsim.Memory, name string) uint32 {
	t.Helper()
	mem.WriteString(pathAt, name)
	errno := invoke(t, s, mem, "path_open", preopenRoot, 0, uint64(pathAt), uint64(len(name)), 0, rightsRead, 0, 0, uint64(outAt))
	require.Equal(t, preview1.ErrnoSuccess, errno)
	return mem.MustU32(outAt)
}

func TestArgsAndEnviron(t *testing.T) {
	s, mem := inline()
	s.WithArgs("prog", "-v", "file").WithEnv(map[string]string{"B": "2", "A": "1"})

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "args_sizes_get", 100, 104))
	assert.Equal(t, uint32(3), mem.MustU32(100))
	assert.Equal(t, uint32(len("prog\x00-v\x00file\x00")), mem.MustU32(104))

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "args_get", 200, 300))
	assert.Equal(t, uint32(300), mem.MustU32(200))
	assert.Equal(t, uint32(305), mem.MustU32(204))
	assert.Equal(t, uint32(308), mem.MustU32(208))
	assert.Equal(t, "prog\x00-v\x00file\x00", string(mem.MustRead(300, 13)))

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "environ_sizes_get", 100, 104))
	assert.Equal(t, uint32(2), mem.MustU32(100))
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "environ_get", 200, 300))
	assert.Equal(t, "A=1\x00B=2\x00", string(mem.MustRead(300, 8)))
}

func TestPrestat(t *testing.T) {
	s, mem := inline()
	s.WithPreopen("/data", fsys.NewAsync(fsys.NewMemory(), fsys.Inline()))

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_prestat_get", 4, 100))
	assert.Equal(t, []byte{0, 0, 0, 0}, mem.MustRead(100, 4))
	assert.Equal(t, uint32(5), mem.MustU32(104))

	assert.Equal(t, preview1.ErrnoNametoolong, invoke(t, s, mem, "fd_prestat_dir_name", 4, 200, 3))
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_prestat_dir_name", 4, 200, 5))
	assert.Equal(t, "/data", string(mem.MustRead(200, 5)))

	// libc scans upward until EBADF
	assert.Equal(t, preview1.ErrnoBadf, invoke(t, s, mem, "fd_prestat_get", 5, 100))
	assert.Equal(t, preview1.ErrnoBadf, invoke(t, s, mem, "fd_prestat_get", 1, 100))
}

func TestPathOpen_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		dirfd  uint64
		oflags uint64
		rights uint64
		want   preview1.Errno
	}{
		{"missing", "nope", preopenRoot, 0, rightsRead, preview1.ErrnoNoent},
		{"escape", "../etc/passwd", preopenRoot, 0, rightsRead, preview1.ErrnoNotcapable},
		{"escape after descent", "data/../../x", preopenRoot, 0, rightsRead, preview1.ErrnoNotcapable},
		{"absolute", "/etc", preopenRoot, 0, rightsRead, preview1.ErrnoNotcapable},
		{"empty", "", preopenRoot, 0, rightsRead, preview1.ErrnoNoent},
		{"bad dirfd", "data", 9, 0, rightsRead, preview1.ErrnoBadf},
		{"stdout as dir", "data", 1, 0, rightsRead, preview1.ErrnoNotdir},
		{"create", "new.txt", preopenRoot, 1, rightsRead, preview1.ErrnoRofs},
		{"write rights", "hello.txt", preopenRoot, 0, 1 << 6, preview1.ErrnoRofs},
		{"directory flag on file", "hello.txt", preopenRoot, oflagDir, rightsRead, preview1.ErrnoNotdir},
		{"file below file", "hello.txt/x", preopenRoot, 0, rightsRead, preview1.ErrnoNoent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mem := inline()
			mem.WriteString(pathAt, tt.path)
			errno := invoke(t, s, mem, "path_open", tt.dirfd, 0, uint64(pathAt), uint64(len(tt.path)), tt.oflags, tt.rights, 0, 0, uint64(outAt))
			assert.Equal(t, tt.want, errno)
			assert.Equal(t, 4, s.OpenFiles())
		})
	}
}

func TestFdTable_ReusesLowestFree(t *testing.T) {
	s, mem := inline()
	a := openPath(t, s, mem, "hello.txt")
	b := openPath(t, s, mem, "data")
	c := openPath(t, s, mem, "data/zeta")
	assert.Equal(t, []uint32{4, 5, 6}, []uint32{a, b, c})

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_close", uint64(c)))
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_close", uint64(a)))
	assert.Equal(t, preview1.ErrnoBadf, invoke(t, s, mem, "fd_close", uint64(a)))

	assert.Equal(t, uint32(4), openPath(t, s, mem, "hello.txt"))
	assert.Equal(t, uint32(6), openPath(t, s, mem, "hello.txt"))

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_renumber", 6, 4))
	assert.Equal(t, preview1.ErrnoBadf, invoke(t, s, mem, "fd_tell", 6, 100))
	assert.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_tell", 4, 100))
}

func TestFdSeekAndPread(t *testing.T) {
	s, mem := inline()
	fd := uint64(openPath(t, s, mem, "hello.txt"))

	seek := func(off int64, whence uint64) (preview1.Errno, uint64) {
		errno := invoke(t, s, mem, "fd_seek", fd, uint64(off), whence, 100)
		v, _ := mem.ReadUint64Le(100)
		return errno, v
	}

	errno, pos := seek(-2, 2)
	require.Equal(t, preview1.ErrnoSuccess, errno)
	assert.Equal(t, uint64(12), pos)

	errno, pos = seek(-5, 1)
	require.Equal(t, preview1.ErrnoSuccess, errno)
	assert.Equal(t, uint64(7), pos)

	errno, _ = seek(-1, 0)
	assert.Equal(t, preview1.ErrnoInval, errno)
	errno, _ = seek(0, 9)
	assert.Equal(t, preview1.ErrnoInval, errno)

	mem.WriteUint32Le(iovAt, bufAt)
	mem.WriteUint32Le(iovAt+4, 64)
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_read", fd, uint64(iovAt), 1, uint64(usedAt)))
	assert.Equal(t, "world!!", string(mem.MustRead(bufAt, mem.MustU32(usedAt))))

	// pread leaves the offset alone
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_pread", fd, uint64(iovAt), 1, 0, uint64(usedAt)))
	assert.Equal(t, "hello, world!!", string(mem.MustRead(bufAt, mem.MustU32(usedAt))))
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_tell", fd, 100))
	v, _ := mem.ReadUint64Le(100)
	assert.Equal(t, uint64(14), v)

	assert.Equal(t, preview1.ErrnoSpipe, invoke(t, s, mem, "fd_seek", 1, 0, 0, 100))
	assert.Equal(t, preview1.ErrnoIsdir, invoke(t, s, mem, "fd_read", preopenRoot, uint64(iovAt), 1, uint64(usedAt)))
}

func TestFilestat(t *testing.T) {
	s, mem := inline()
	fd := uint64(openPath(t, s, mem, "hello.txt"))

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_filestat_get", fd, 512))
	stat := mem.MustRead(512, 64)
	assert.Equal(t, uint8(4), stat[16])
	assert.Equal(t, uint64(14), binary.LittleEndian.Uint64(stat[32:]))
	assert.Equal(t, fsys.Inode("hello.txt"), binary.LittleEndian.Uint64(stat[8:]))

	mem.WriteString(pathAt, "data")
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "path_filestat_get", preopenRoot, 0, uint64(pathAt), 4, 512))
	assert.Equal(t, uint8(3), mem.MustRead(512, 64)[16])

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_fdstat_get", fd, 600))
	fdstat := mem.MustRead(600, 24)
	assert.Equal(t, uint8(4), fdstat[0])
	assert.NotZero(t, binary.LittleEndian.Uint64(fdstat[8:])&(1<<1), "fd_read right")
	assert.Zero(t, binary.LittleEndian.Uint64(fdstat[8:])&(1<<6), "fd_write right")

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_fdstat_get", preopenRoot, 600))
	assert.Equal(t, uint8(3), mem.MustRead(600, 1)[0])
}

func TestReaddir_Cookie(t *testing.T) {
	s, mem := inline()
	fd := uint64(openPath(t, s, mem, "data"))

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_readdir", fd, uint64(bufAt), 1024, 2, uint64(usedAt)))
	used := mem.MustU32(usedAt)
	require.Equal(t, uint32(24+3), used)
	rec := mem.MustRead(bufAt, used)
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(rec[0:]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(rec[16:]))
	assert.Equal(t, uint8(3), rec[20])
	assert.Equal(t, "mid", string(rec[24:]))

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_readdir", fd, uint64(bufAt), 1024, 3, uint64(usedAt)))
	assert.Zero(t, mem.MustU32(usedAt))

	file := uint64(openPath(t, s, mem, "hello.txt"))
	assert.Equal(t, preview1.ErrnoNotdir, invoke(t, s, mem, "fd_readdir", file, uint64(bufAt), 1024, 0, uint64(usedAt)))
}

func TestFdWrite_Pipes(t *testing.T) {
	var tee bytes.Buffer
	s := preview1.NewSystem().WithStdout(&tee)
	mem := guestsim.NewMemory(1)

	write := func(fd uint64, parts ...string) preview1.Errno {
		at := uint32(bufAt)
		for i, p := range parts {
			mem.WriteString(at, p)
			mem.WriteUint32Le(iovAt+uint32(i)*8, at)
			mem.WriteUint32Le(iovAt+uint32(i)*8+4, uint32(len(p)))
			at += uint32(len(p))
		}
		return invoke(t, s, mem, "fd_write", fd, uint64(iovAt), uint64(len(parts)), uint64(usedAt))
	}

	require.Equal(t, preview1.ErrnoSuccess, write(1, "hel", "lo\nwor"))
	assert.Equal(t, uint32(9), mem.MustU32(usedAt))
	require.Equal(t, preview1.ErrnoSuccess, write(2, "oops\n"))
	assert.Equal(t, preview1.ErrnoBadf, write(0, "x"))
	assert.Equal(t, preview1.ErrnoBadf, write(7, "x"))

	ctx := context.Background()
	line, err := s.Stdout().ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", line)

	// the partial line is held back until a newline or Close
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Stdout().ReadLine(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, s.Close())
	line, err = s.Stdout().ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wor", line)
	_, err = s.Stdout().ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, "hello\nwor", tee.String())
	assert.Equal(t, []string{"oops"}, s.Stderr().Lines())
}

func TestStdinBuffer(t *testing.T) {
	s := preview1.NewSystem().WithStdin([]byte("abcdef"))
	mem := guestsim.NewMemory(1)
	mem.WriteUint32Le(iovAt, bufAt)
	mem.WriteUint32Le(iovAt+4, 4)

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_read", 0, uint64(iovAt), 1, uint64(usedAt)))
	assert.Equal(t, "abcd", string(mem.MustRead(bufAt, mem.MustU32(usedAt))))
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_read", 0, uint64(iovAt), 1, uint64(usedAt)))
	assert.Equal(t, "ef", string(mem.MustRead(bufAt, mem.MustU32(usedAt))))
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_read", 0, uint64(iovAt), 1, uint64(usedAt)))
	assert.Zero(t, mem.MustU32(usedAt))
}

func TestClockAndRandom(t *testing.T) {
	base := time.Unix(1700000000, 0)
	now := base
	s := preview1.NewSystem().
		WithClock(func() time.Time { return now }).
		WithRandom(bytes.NewReader([]byte{1, 2, 3, 4}))
	mem := guestsim.NewMemory(1)

	now = base.Add(1500 * time.Nanosecond)
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "clock_time_get", 0, 1, 100))
	v, _ := mem.ReadUint64Le(100)
	assert.Equal(t, uint64(now.UnixNano()), v)

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "clock_time_get", 1, 1, 100))
	v, _ = mem.ReadUint64Le(100)
	assert.Equal(t, uint64(1500), v)

	assert.Equal(t, preview1.ErrnoInval, invoke(t, s, mem, "clock_time_get", 9, 1, 100))
	assert.Equal(t, preview1.ErrnoInval, invoke(t, s, mem, "clock_res_get", 9, 100))

	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "random_get", 200, 4))
	assert.Equal(t, []byte{1, 2, 3, 4}, mem.MustRead(200, 4))
	assert.Equal(t, preview1.ErrnoIo, invoke(t, s, mem, "random_get", 200, 4))
}

func TestGuestLengthsAreBounded(t *testing.T) {
	s := preview1.NewSystem().WithRandom(bytes.NewReader([]byte{7, 7}))
	mem := guestsim.NewMemory(1)
	size := uint64(mem.Size())

	assert.Equal(t, preview1.ErrnoFault, invoke(t, s, mem, "random_get", 0, 0xffffffff))
	assert.Equal(t, preview1.ErrnoFault, invoke(t, s, mem, "random_get", size-1, 2))
	// rejected calls consume no randomness
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "random_get", size-2, 2))
	assert.Equal(t, []byte{7, 7}, mem.MustRead(uint32(size-2), 2))

	assert.Equal(t, preview1.ErrnoFault, invoke(t, s, mem, "fd_write", 1, uint64(iovAt), 0x40000000, uint64(usedAt)))

	mem.WriteUint32Le(iovAt, 0)
	mem.WriteUint32Le(iovAt+4, 0xffffffff)
	assert.Equal(t, preview1.ErrnoFault, invoke(t, s, mem, "fd_write", 1, uint64(iovAt), 1, uint64(usedAt)))

	// overlapping iovecs covering all of memory twice write it once
	for i := uint32(0); i < 2; i++ {
		mem.WriteUint32Le(iovAt+i*8, 0)
		mem.WriteUint32Le(iovAt+i*8+4, uint32(size))
	}
	require.Equal(t, preview1.ErrnoSuccess, invoke(t, s, mem, "fd_write", 1, uint64(iovAt), 2, uint64(usedAt)))
	assert.Equal(t, uint32(size), mem.MustU32(usedAt))
	assert.Len(t, s.Stdout().Bytes(), int(size))
}

func TestProcExit(t *testing.T) {
	s := preview1.NewSystem()
	mem := guestsim.NewMemory(1)

	defer func() {
		r := recover()
		err, ok := r.(error)
		require.True(t, ok, "expected an error panic, got %v", r)
		var exit *sys.ExitError
		require.True(t, errors.As(err, &exit))
		assert.Equal(t, uint32(3), exit.ExitCode())
		code, exited := s.ExitCode()
		assert.True(t, exited)
		assert.Equal(t, uint32(3), code)
	}()
	s.Invoke(context.Background(), mem, "proc_exit", 3)
	t.Fatal("proc_exit returned")
}

func TestStubsAndUnknown(t *testing.T) {
	s, mem := inline()
	for _, name := range []string{"poll_oneoff", "sock_accept", "sock_recv", "sock_send", "sock_shutdown", "proc_raise"} {
		params := make([]uint64, 6)
		assert.Equal(t, preview1.ErrnoNosys, invoke(t, s, mem, name, params...), name)
	}
	assert.Equal(t, preview1.ErrnoNosys, invoke(t, s, mem, "fd_frobnicate"))
	assert.Equal(t, preview1.ErrnoRofs, invoke(t, s, mem, "path_create_directory", preopenRoot, 0, 0))
	assert.Equal(t, preview1.ErrnoRofs, invoke(t, s, mem, "path_symlink", 0, 0, preopenRoot, 0, 0))
}

func TestErrnoOf(t *testing.T) {
	tests := []struct {
		err  error
		want preview1.Errno
	}{
		{nil, preview1.ErrnoSuccess},
		{&fs.PathError{Op: "stat", Path: "x", Err: fs.ErrNotExist}, preview1.ErrnoNoent},
		{fsys.ErrNotDir, preview1.ErrnoNotdir},
		{fsys.ErrIsDir, preview1.ErrnoIsdir},
		{context.Canceled, preview1.ErrnoIo},
		{errors.New("boom"), preview1.ErrnoIo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, preview1.ErrnoOf(tt.err), "%v", tt.err)
	}
	assert.Equal(t, "ENOENT", preview1.ErrnoNoent.String())
	assert.Equal(t, "errno(999)", preview1.Errno(999).String())
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	mod, err := preview1.Register(ctx, r)
	require.NoError(t, err)

	defs := mod.ExportedFunctionDefinitions()
	assert.Len(t, defs, len(preview1.Functions()))
	for _, name := range []string{"path_open", "fd_read", "fd_readdir", "proc_exit"} {
		require.Contains(t, defs, name)
	}
	assert.Empty(t, defs["proc_exit"].ResultTypes())
	assert.Len(t, defs["path_open"].ParamTypes(), 9)
}

func TestTrace(t *testing.T) {
	s := preview1.NewSystem().WithTrace("fd_[", "ok")
	assert.Error(t, s.Validate())
	assert.NoError(t, preview1.NewSystem().WithTrace("fd_*", "path_*").Validate())
}
