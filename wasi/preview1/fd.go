package preview1

import (
	"context"
	"encoding/binary"

	"github.com/wippyai/wasi-bridge/fsys"
)

type iovec struct {
	buf uint32
	len uint32
}

// inBounds reports whether [ptr, ptr+n) lies inside mem.
func inBounds(mem Memory, ptr, n uint32) bool {
	return uint64(ptr)+uint64(n) <= uint64(mem.Size())
}

// readIovecs decodes count iovecs at iovs. The returned total is capped at
// the memory size so a guest cannot make the host allocate past it.
func readIovecs(mem Memory, iovs, count uint32) ([]iovec, uint32, bool) {
	if uint64(count)*8 > uint64(mem.Size()) || !inBounds(mem, iovs, count*8) {
		return nil, 0, false
	}
	vecs := make([]iovec, 0, count)
	total := uint64(0)
	for i := uint32(0); i < count; i++ {
		buf, _ := mem.ReadUint32Le(iovs + i*8)
		n, _ := mem.ReadUint32Le(iovs + i*8 + 4)
		if !inBounds(mem, buf, n) {
			return nil, 0, false
		}
		vecs = append(vecs, iovec{buf: buf, len: n})
		total += uint64(n)
	}
	return vecs, uint32(min(total, uint64(mem.Size()))), true
}

// scatter copies data across vecs and returns the bytes written.
func scatter(mem Memory, vecs []iovec, data []byte) (uint32, bool) {
	n := uint32(0)
	for _, v := range vecs {
		if len(data) == 0 {
			break
		}
		m := v.len
		if m > uint32(len(data)) {
			m = uint32(len(data))
		}
		if !mem.Write(v.buf, data[:m]) {
			return n, false
		}
		data = data[m:]
		n += m
	}
	return n, true
}

// gather concatenates vecs, stopping after limit bytes. A short result is
// reported to the guest as a short write.
func gather(mem Memory, vecs []iovec, limit uint32) ([]byte, bool) {
	var out []byte
	for _, v := range vecs {
		left := limit - uint32(len(out))
		if left == 0 {
			break
		}
		b, ok := mem.Read(v.buf, min(v.len, left))
		if !ok {
			return nil, false
		}
		out = append(out, b...)
	}
	return out, true
}

func fdRead(ctx context.Context, s *System, mem Memory, p []uint64) Errno {
	return s.read(ctx, mem, "fd_read", u32(p[0]), u32(p[1]), u32(p[2]), -1, u32(p[3]))
}

func fdPread(ctx context.Context, s *System, mem Memory, p []uint64) Errno {
	off := int64(p[3])
	if off < 0 {
		return ErrnoInval
	}
	return s.read(ctx, mem, "fd_pread", u32(p[0]), u32(p[1]), u32(p[2]), off, u32(p[4]))
}

// read serves fd_read (off < 0, uses and advances the file offset) and
// fd_pread. A single call returns at most one cached chunk.
func (s *System) read(ctx context.Context, mem Memory, site string, fd, iovs, count uint32, off int64, out uint32) Errno {
	f, ok := s.fds.Get(fd)
	if !ok {
		return ErrnoBadf
	}
	vecs, total, ok := readIovecs(mem, iovs, count)
	if !ok {
		return ErrnoFault
	}

	var res []byte
	switch f.kind {
	case kindStdin:
		if off >= 0 {
			return ErrnoSpipe
		}
		r, ok := await(ctx, stdinOp(site, s.stdin, int(total)))
		if !ok {
			return errnoSuspended
		}
		if r.Err != nil {
			return ErrnoOf(r.Err)
		}
		res, _ = r.Value.([]byte)
	case kindFile:
		if total == 0 {
			break
		}
		at := off
		if at < 0 {
			at = f.offset
		}
		r, ok := await(ctx, readOp(site, f.fs, f.path, at, int(total)))
		if !ok {
			return errnoSuspended
		}
		if r.Err != nil {
			return ErrnoOf(r.Err)
		}
		res, _ = r.Value.([]byte)
	case kindDir:
		return ErrnoIsdir
	default:
		return ErrnoBadf
	}

	n, ok := scatter(mem, vecs, res)
	if !ok {
		return ErrnoFault
	}
	if f.kind == kindFile && off < 0 {
		f.offset += int64(n)
	}
	if !mem.WriteUint32Le(out, n) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func fdWrite(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	f, ok := s.fds.Get(u32(p[0]))
	if !ok {
		return ErrnoBadf
	}
	var pipe *Pipe
	switch f.kind {
	case kindStdout:
		pipe = s.stdout
	case kindStderr:
		pipe = s.stderr
	case kindFile:
		return ErrnoNotcapable
	default:
		return ErrnoBadf
	}
	vecs, total, ok := readIovecs(mem, u32(p[1]), u32(p[2]))
	if !ok {
		return ErrnoFault
	}
	data, ok := gather(mem, vecs, total)
	if !ok {
		return ErrnoFault
	}
	n, err := pipe.Write(data)
	if err != nil {
		return ErrnoIo
	}
	if !mem.WriteUint32Le(u32(p[3]), uint32(n)) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func fdPwrite(_ context.Context, s *System, _ Memory, p []uint64) Errno {
	f, ok := s.fds.Get(u32(p[0]))
	switch {
	case !ok:
		return ErrnoBadf
	case f.kind == kindFile:
		return ErrnoNotcapable
	case f.kind == kindDir:
		return ErrnoIsdir
	}
	return ErrnoSpipe
}

func fdClose(_ context.Context, s *System, _ Memory, p []uint64) Errno {
	if !s.fds.Remove(u32(p[0])) {
		return ErrnoBadf
	}
	return ErrnoSuccess
}

func fdRenumber(_ context.Context, s *System, _ Memory, p []uint64) Errno {
	if !s.fds.Renumber(u32(p[0]), u32(p[1])) {
		return ErrnoBadf
	}
	return ErrnoSuccess
}

func fdPrestatGet(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	f, ok := s.fds.Get(u32(p[0]))
	if !ok || f.preopen == "" {
		return ErrnoBadf
	}
	var rec [8]byte
	binary.LittleEndian.PutUint32(rec[4:], uint32(len(f.preopen)))
	if !mem.Write(u32(p[1]), rec[:]) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func fdPrestatDirName(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	f, ok := s.fds.Get(u32(p[0]))
	if !ok || f.preopen == "" {
		return ErrnoBadf
	}
	if u32(p[2]) < uint32(len(f.preopen)) {
		return ErrnoNametoolong
	}
	if !mem.Write(u32(p[1]), []byte(f.preopen)) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func fdFdstatGet(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	f, ok := s.fds.Get(u32(p[0]))
	if !ok {
		return ErrnoBadf
	}
	var (
		filetype      = f.filetype()
		base, inherit uint64
	)
	switch f.kind {
	case kindStdin:
		base = rightsStdin
		if s.stdin.isTerminal() {
			filetype = filetypeCharacterDevice
		}
	case kindStdout, kindStderr:
		base = rightsStdout
		pipe := s.stdout
		if f.kind == kindStderr {
			pipe = s.stderr
		}
		if pipe.IsTerminal() {
			filetype = filetypeCharacterDevice
		}
	case kindFile:
		base = rightsFile
	case kindDir:
		base, inherit = rightsDir, rightsDir|rightsFile
	}

	var rec [fdstatSize]byte
	rec[0] = filetype
	binary.LittleEndian.PutUint64(rec[8:], base)
	binary.LittleEndian.PutUint64(rec[16:], inherit)
	if !mem.Write(u32(p[1]), rec[:]) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func fdFilestatGet(ctx context.Context, s *System, mem Memory, p []uint64) Errno {
	f, ok := s.fds.Get(u32(p[0]))
	if !ok {
		return ErrnoBadf
	}
	out := u32(p[1])
	if f.fs == nil {
		return writeFilestat(mem, out, fsys.FileInfo{}, f.filetype())
	}
	r, ok := await(ctx, statOp("fd_filestat_get", f.fs, f.path))
	if !ok {
		return errnoSuspended
	}
	if r.Err != nil {
		return ErrnoOf(r.Err)
	}
	info := r.Value.(fsys.FileInfo)
	return writeFilestat(mem, out, info, filetypeOf(info))
}

func filetypeOf(info fsys.FileInfo) uint8 {
	if info.IsDir() {
		return filetypeDirectory
	}
	return filetypeRegularFile
}

func writeFilestat(mem Memory, out uint32, info fsys.FileInfo, filetype uint8) Errno {
	var rec [filestatSize]byte
	binary.LittleEndian.PutUint64(rec[8:], info.Ino)
	rec[16] = filetype
	binary.LittleEndian.PutUint64(rec[24:], 1)
	if info.Size > 0 {
		binary.LittleEndian.PutUint64(rec[32:], uint64(info.Size))
	}
	if !info.ModTime.IsZero() {
		t := uint64(info.ModTime.UnixNano())
		binary.LittleEndian.PutUint64(rec[40:], t)
		binary.LittleEndian.PutUint64(rec[48:], t)
		binary.LittleEndian.PutUint64(rec[56:], t)
	}
	if !mem.Write(out, rec[:]) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func fdSeek(ctx context.Context, s *System, mem Memory, p []uint64) Errno {
	f, ok := s.fds.Get(u32(p[0]))
	if !ok {
		return ErrnoBadf
	}
	switch f.kind {
	case kindFile:
	case kindDir:
		return ErrnoIsdir
	default:
		return ErrnoSpipe
	}

	delta := int64(p[1])
	var pos int64
	switch u32(p[2]) {
	case whenceSet:
		pos = delta
	case whenceCur:
		pos = f.offset + delta
	case whenceEnd:
		r, ok := await(ctx, statOp("fd_seek", f.fs, f.path))
		if !ok {
			return errnoSuspended
		}
		if r.Err != nil {
			return ErrnoOf(r.Err)
		}
		pos = r.Value.(fsys.FileInfo).Size + delta
	default:
		return ErrnoInval
	}
	if pos < 0 {
		return ErrnoInval
	}
	f.offset = pos
	if !mem.WriteUint64Le(u32(p[3]), uint64(pos)) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func fdTell(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	f, ok := s.fds.Get(u32(p[0]))
	if !ok {
		return ErrnoBadf
	}
	if f.kind != kindFile {
		return ErrnoSpipe
	}
	if !mem.WriteUint64Le(u32(p[1]), uint64(f.offset)) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

// fdReaddir writes dirents from index cookie onward. When the last entry
// does not fit, the buffer is filled with its prefix so bufused equals
// buf_len and the guest asks again.
func fdReaddir(ctx context.Context, s *System, mem Memory, p []uint64) Errno {
	f, ok := s.fds.Get(u32(p[0]))
	if !ok {
		return ErrnoBadf
	}
	if f.kind != kindDir {
		return ErrnoNotdir
	}
	buf, bufLen, cookie, out := u32(p[1]), u32(p[2]), p[3], u32(p[4])

	r, ok := await(ctx, listOp("fd_readdir", f.fs, f.path))
	if !ok {
		return errnoSuspended
	}
	if r.Err != nil {
		return ErrnoOf(r.Err)
	}
	entries, _ := r.Value.([]fsys.DirEntry)

	used := uint32(0)
	for i := cookie; i < uint64(len(entries)) && used < bufLen; i++ {
		rec := dirent(entries[i], f.path, i+1)
		n := uint32(len(rec))
		if n > bufLen-used {
			n = bufLen - used
		}
		if !mem.Write(buf+used, rec[:n]) {
			return ErrnoFault
		}
		used += n
	}
	if !mem.WriteUint32Le(out, used) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func dirent(e fsys.DirEntry, dir string, next uint64) []byte {
	rec := make([]byte, direntSize+len(e.Name))
	ino := e.Ino
	if ino == 0 {
		ino = fsys.Inode(fsys.Join(dir, e.Name))
	}
	binary.LittleEndian.PutUint64(rec[0:], next)
	binary.LittleEndian.PutUint64(rec[8:], ino)
	binary.LittleEndian.PutUint32(rec[16:], uint32(len(e.Name)))
	rec[20] = filetypeRegularFile
	if e.Dir {
		rec[20] = filetypeDirectory
	}
	copy(rec[direntSize:], e.Name)
	return rec
}

// fdOK answers calls that are no-ops on a read-only filesystem.
func fdOK(_ context.Context, s *System, _ Memory, p []uint64) Errno {
	if _, ok := s.fds.Get(u32(p[0])); !ok {
		return ErrnoBadf
	}
	return ErrnoSuccess
}

// fdReadOnly answers calls that would modify a file.
func fdReadOnly(_ context.Context, s *System, _ Memory, p []uint64) Errno {
	f, ok := s.fds.Get(u32(p[0]))
	if !ok {
		return ErrnoBadf
	}
	if f.kind == kindFile || f.kind == kindDir {
		return ErrnoRofs
	}
	return ErrnoInval
}
