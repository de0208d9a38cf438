package fsys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

type zipNode struct {
	file     *zip.File
	children []string
	dir      bool
}

// Zip serves the contents of a zip archive. Listings follow archive order.
// Directories missing from the archive are synthesized from file paths.
type Zip struct {
	closer io.Closer
	nodes  map[string]*zipNode
}

// OpenZip opens an archive on the host filesystem.
func OpenZip(name string) (*Zip, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	z, err := NewZip(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open zip %s: %w", name, err)
	}
	z.closer = f
	return z, nil
}

// NewZip indexes the archive in r.
func NewZip(r io.ReaderAt, size int64) (*Zip, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}
	z := &Zip{nodes: map[string]*zipNode{".": {dir: true}}}
	for _, f := range zr.File {
		name := Clean(f.Name)
		if name == "." {
			continue
		}
		isDir := strings.HasSuffix(f.Name, "/") || f.Mode().IsDir()
		n := z.node(name, isDir)
		if !isDir {
			n.file = f
		}
	}
	return z, nil
}

func (z *Zip) node(name string, dir bool) *zipNode {
	if n, ok := z.nodes[name]; ok {
		return n
	}
	parent := z.node(path.Dir(name), true)
	n := &zipNode{dir: dir}
	z.nodes[name] = n
	parent.children = append(parent.children, path.Base(name))
	return n
}

// Close releases the archive file opened by OpenZip.
func (z *Zip) Close() error {
	if z.closer == nil {
		return nil
	}
	return z.closer.Close()
}

func (z *Zip) Stat(_ context.Context, name string) (FileInfo, error) {
	name = Clean(name)
	n, ok := z.nodes[name]
	if !ok {
		return FileInfo{}, pathErr("stat", name, fs.ErrNotExist)
	}
	fi := FileInfo{Name: path.Base(name), Ino: Inode(name), Mode: fs.ModeDir | 0o555}
	if !n.dir {
		fi.Mode = 0o444
		fi.Size = int64(n.file.UncompressedSize64)
		fi.ModTime = n.file.Modified
	}
	return fi, nil
}

func (z *Zip) ReadDir(_ context.Context, name string) ([]DirEntry, error) {
	name = Clean(name)
	n, ok := z.nodes[name]
	if !ok {
		return nil, pathErr("readdir", name, fs.ErrNotExist)
	}
	if !n.dir {
		return nil, pathErr("readdir", name, ErrNotDir)
	}
	out := make([]DirEntry, len(n.children))
	for i, child := range n.children {
		full := Join(name, child)
		out[i] = DirEntry{Name: child, Dir: z.nodes[full].dir, Ino: Inode(full)}
	}
	return out, nil
}

// ReadAt decompresses from the start of the entry up to off; entries are
// compressed streams without random access.
func (z *Zip) ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error) {
	name = Clean(name)
	n, ok := z.nodes[name]
	if !ok {
		return 0, pathErr("read", name, fs.ErrNotExist)
	}
	if n.dir {
		return 0, pathErr("read", name, ErrIsDir)
	}
	if off < 0 {
		return 0, pathErr("read", name, fs.ErrInvalid)
	}
	if off >= int64(n.file.UncompressedSize64) {
		return 0, io.EOF
	}

	rc, err := n.file.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	if _, err := io.CopyN(io.Discard, rc, off); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	read, err := io.ReadFull(rc, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return read, err
}
