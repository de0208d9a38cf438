package fsys

import (
	"context"
	"errors"
	"io"
	"io/fs"
)

// FS adapts an io/fs filesystem, such as os.DirFS, to Backend.
// Listings come back sorted by name.
type FS struct {
	fsys fs.FS
}

func FromFS(fsys fs.FS) *FS {
	return &FS{fsys: fsys}
}

func (f *FS) Stat(_ context.Context, name string) (FileInfo, error) {
	name = Clean(name)
	info, err := fs.Stat(f.fsys, name)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		Ino:     Inode(name),
	}, nil
}

func (f *FS) ReadDir(_ context.Context, name string) ([]DirEntry, error) {
	name = Clean(name)
	entries, err := fs.ReadDir(f.fsys, name)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, len(entries))
	for i, e := range entries {
		out[i] = DirEntry{Name: e.Name(), Dir: e.IsDir(), Ino: Inode(Join(name, e.Name()))}
	}
	return out, nil
}

func (f *FS) ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, pathErr("read", name, fs.ErrInvalid)
	}
	file, err := f.fsys.Open(Clean(name))
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, pathErr("read", name, ErrIsDir)
	}

	if ra, ok := file.(io.ReaderAt); ok {
		return ra.ReadAt(p, off)
	}
	if s, ok := file.(io.Seeker); ok {
		if _, err := s.Seek(off, io.SeekStart); err != nil {
			return 0, err
		}
	} else if _, err := io.CopyN(io.Discard, file, off); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(file, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}
