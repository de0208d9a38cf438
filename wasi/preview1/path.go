package preview1

import (
	"context"
	"path"
	"strings"

	"github.com/wippyai/wasi-bridge/fsys"
)

// resolve reads a guest path relative to the directory dirfd and returns
// the backend path. Paths may not climb out of the directory's filesystem.
func (s *System) resolve(mem Memory, dirfd, ptr, n uint32) (*openFile, string, Errno) {
	dir, ok := s.fds.Get(dirfd)
	if !ok {
		return nil, "", ErrnoBadf
	}
	if dir.kind != kindDir {
		return nil, "", ErrnoNotdir
	}
	b, ok := mem.Read(ptr, n)
	if !ok {
		return nil, "", ErrnoFault
	}
	rel := string(b)
	switch {
	case rel == "":
		return nil, "", ErrnoNoent
	case strings.HasPrefix(rel, "/"), strings.IndexByte(rel, 0) >= 0:
		return nil, "", ErrnoNotcapable
	}
	joined := path.Join(dir.path, rel)
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return nil, "", ErrnoNotcapable
	}
	return dir, fsys.Clean(joined), ErrnoSuccess
}

// pathOpen stats the target through the coordinator and, once the metadata
// is known, allocates a descriptor. Nothing is allocated on the unwinding
// pass, so the rewound call does the work exactly once.
func pathOpen(ctx context.Context, s *System, mem Memory, p []uint64) Errno {
	oflags, rights, fdflags, out := u32(p[4]), p[5], u32(p[7]), u32(p[8])
	dir, name, errno := s.resolve(mem, u32(p[0]), u32(p[2]), u32(p[3]))
	if errno != ErrnoSuccess {
		return errno
	}
	if oflags&(oflagCreat|oflagTrunc|oflagExcl) != 0 || fdflags&fdflagAppend != 0 || rights&rightFdWrite != 0 {
		return ErrnoRofs
	}

	r, ok := await(ctx, statOp("path_open", dir.fs, name))
	if !ok {
		return errnoSuspended
	}
	if r.Err != nil {
		return ErrnoOf(r.Err)
	}
	info := r.Value.(fsys.FileInfo)
	if oflags&oflagDirectory != 0 && !info.IsDir() {
		return ErrnoNotdir
	}

	f := &openFile{fs: dir.fs, path: name, info: info, kind: kindFile}
	if info.IsDir() {
		f.kind = kindDir
	}
	fd := s.fds.Insert(f)
	if !mem.WriteUint32Le(out, fd) {
		s.fds.Remove(fd)
		return ErrnoFault
	}
	return ErrnoSuccess
}

func pathFilestatGet(ctx context.Context, s *System, mem Memory, p []uint64) Errno {
	dir, name, errno := s.resolve(mem, u32(p[0]), u32(p[2]), u32(p[3]))
	if errno != ErrnoSuccess {
		return errno
	}
	r, ok := await(ctx, statOp("path_filestat_get", dir.fs, name))
	if !ok {
		return errnoSuspended
	}
	if r.Err != nil {
		return ErrnoOf(r.Err)
	}
	info := r.Value.(fsys.FileInfo)
	return writeFilestat(mem, u32(p[4]), info, filetypeOf(info))
}

func pathReadlink(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	if _, _, errno := s.resolve(mem, u32(p[0]), u32(p[1]), u32(p[2])); errno != ErrnoSuccess {
		return errno
	}
	return ErrnoInval
}

// pathReadOnly answers path calls that would modify the filesystem.
func pathReadOnly(_ context.Context, s *System, _ Memory, p []uint64) Errno {
	f, ok := s.fds.Get(u32(p[0]))
	if !ok {
		return ErrnoBadf
	}
	if f.kind != kindDir {
		return ErrnoNotdir
	}
	return ErrnoRofs
}

// pathSymlink takes the directory fd as its third parameter.
func pathSymlink(ctx context.Context, s *System, mem Memory, p []uint64) Errno {
	return pathReadOnly(ctx, s, mem, p[2:])
}
