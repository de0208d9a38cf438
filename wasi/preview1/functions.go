package preview1

import (
	"context"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-bridge/errors"
)

type hostFunc func(ctx context.Context, s *System, mem Memory, p []uint64) Errno

// function is one wasi_snapshot_preview1 import. params uses 'i' for i32
// and 'I' for i64. Every function returns an errno except proc_exit.
type function struct {
	fn       hostFunc
	name     string
	params   string
	noResult bool
}

var functions = []function{
	{name: "args_get", params: "ii", fn: argsGet},
	{name: "args_sizes_get", params: "ii", fn: argsSizesGet},
	{name: "environ_get", params: "ii", fn: environGet},
	{name: "environ_sizes_get", params: "ii", fn: environSizesGet},
	{name: "clock_res_get", params: "ii", fn: clockResGet},
	{name: "clock_time_get", params: "iIi", fn: clockTimeGet},
	{name: "fd_advise", params: "iIIi", fn: fdOK},
	{name: "fd_allocate", params: "iII", fn: fdReadOnly},
	{name: "fd_close", params: "i", fn: fdClose},
	{name: "fd_datasync", params: "i", fn: fdOK},
	{name: "fd_fdstat_get", params: "ii", fn: fdFdstatGet},
	{name: "fd_fdstat_set_flags", params: "ii", fn: fdOK},
	{name: "fd_fdstat_set_rights", params: "iII", fn: fdOK},
	{name: "fd_filestat_get", params: "ii", fn: fdFilestatGet},
	{name: "fd_filestat_set_size", params: "iI", fn: fdReadOnly},
	{name: "fd_filestat_set_times", params: "iIIi", fn: fdReadOnly},
	{name: "fd_pread", params: "iiiIi", fn: fdPread},
	{name: "fd_prestat_get", params: "ii", fn: fdPrestatGet},
	{name: "fd_prestat_dir_name", params: "iii", fn: fdPrestatDirName},
	{name: "fd_pwrite", params: "iiiIi", fn: fdPwrite},
	{name: "fd_read", params: "iiii", fn: fdRead},
	{name: "fd_readdir", params: "iiiIi", fn: fdReaddir},
	{name: "fd_renumber", params: "ii", fn: fdRenumber},
	{name: "fd_seek", params: "iIii", fn: fdSeek},
	{name: "fd_sync", params: "i", fn: fdOK},
	{name: "fd_tell", params: "ii", fn: fdTell},
	{name: "fd_write", params: "iiii", fn: fdWrite},
	{name: "path_create_directory", params: "iii", fn: pathReadOnly},
	{name: "path_filestat_get", params: "iiiii", fn: pathFilestatGet},
	{name: "path_filestat_set_times", params: "iiiiIIi", fn: pathReadOnly},
	{name: "path_link", params: "iiiiiii", fn: pathReadOnly},
	{name: "path_open", params: "iiiiiIIii", fn: pathOpen},
	{name: "path_readlink", params: "iiiiii", fn: pathReadlink},
	{name: "path_remove_directory", params: "iii", fn: pathReadOnly},
	{name: "path_rename", params: "iiiiii", fn: pathReadOnly},
	{name: "path_symlink", params: "iiiii", fn: pathSymlink},
	{name: "path_unlink_file", params: "iii", fn: pathReadOnly},
	{name: "poll_oneoff", params: "iiii", fn: nosys},
	{name: "proc_exit", params: "i", fn: procExit, noResult: true},
	{name: "proc_raise", params: "i", fn: nosys},
	{name: "random_get", params: "ii", fn: randomGet},
	{name: "sched_yield", params: "", fn: schedYield},
	{name: "sock_accept", params: "iii", fn: nosys},
	{name: "sock_recv", params: "iiiiii", fn: nosys},
	{name: "sock_send", params: "iiiii", fn: nosys},
	{name: "sock_shutdown", params: "ii", fn: nosys},
}

var byName = func() map[string]*function {
	m := make(map[string]*function, len(functions))
	for i := range functions {
		m[functions[i].name] = &functions[i]
	}
	return m
}()

// Functions lists the exported host function names, sorted.
func Functions() []string {
	names := make([]string, 0, len(functions))
	for _, f := range functions {
		names = append(names, f.name)
	}
	sort.Strings(names)
	return names
}

func (f *function) paramTypes() []api.ValueType {
	types := make([]api.ValueType, len(f.params))
	for i, c := range f.params {
		types[i] = api.ValueTypeI32
		if c == 'I' {
			types[i] = api.ValueTypeI64
		}
	}
	return types
}

func (f *function) resultTypes() []api.ValueType {
	if f.noResult {
		return nil
	}
	return []api.ValueType{api.ValueTypeI32}
}

// Invoke calls the named host function as the guest would. suspended is
// true when the call unwound instead of returning an errno.
func (s *System) Invoke(ctx context.Context, mem Memory, name string, params ...uint64) (errno Errno, suspended bool) {
	f, ok := byName[name]
	if !ok {
		return ErrnoNosys, false
	}
	errno = s.call(ctx, f, mem, params)
	return errno, errno == errnoSuspended
}

func (s *System) call(ctx context.Context, f *function, mem Memory, params []uint64) Errno {
	if !s.shouldTrace(f.name) {
		return f.fn(ctx, s, mem, params)
	}
	errno := f.fn(ctx, s, mem, params)
	s.log.Info("wasi call",
		zap.String("func", f.name),
		zap.Uint64s("params", params),
		zap.Stringer("errno", errno))
	return errno
}

func (f *function) goModuleFunc() api.GoModuleFunc {
	n := len(f.params)
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		s := SystemFrom(ctx)
		if s == nil {
			panic(errors.NotInitialized(errors.PhaseHost, "wasi system for "+f.name))
		}
		var mem Memory
		if m := mod.Memory(); m != nil {
			mem = m
		} else {
			mem = emptyMemory{}
		}
		params := make([]uint64, n)
		copy(params, stack[:n])
		errno := s.call(ctx, f, mem, params)
		if !f.noResult && errno != errnoSuspended {
			stack[0] = uint64(errno)
		}
	}
}

// Register instantiates the wasi_snapshot_preview1 host module in r. The
// functions find their System through the call context, so one
// registration serves every instance in the runtime.
func Register(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	b := r.NewHostModuleBuilder(ModuleName)
	for i := range functions {
		f := &functions[i]
		b.NewFunctionBuilder().
			WithGoModuleFunction(f.goModuleFunc(), f.paramTypes(), f.resultTypes()).
			Export(f.name)
	}
	mod, err := b.Instantiate(ctx)
	if err != nil {
		return nil, errors.Registration(ModuleName, "*", err)
	}
	return mod, nil
}

type emptyMemory struct{}

func (emptyMemory) Size() uint32                       { return 0 }
func (emptyMemory) Read(uint32, uint32) ([]byte, bool) { return nil, false }
func (emptyMemory) Write(uint32, []byte) bool          { return false }
func (emptyMemory) ReadUint32Le(uint32) (uint32, bool) { return 0, false }
func (emptyMemory) WriteUint32Le(uint32, uint32) bool  { return false }
func (emptyMemory) WriteByte(uint32, byte) bool        { return false }
func (emptyMemory) WriteUint16Le(uint32, uint16) bool  { return false }
func (emptyMemory) WriteUint64Le(uint32, uint64) bool  { return false }
