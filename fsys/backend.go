// Package fsys provides the host filesystems behind a guest's preopened
// directories.
//
// A Backend answers metadata, listing and ranged-read requests. Backends may
// be slow or remote; Async wraps one with the caches that let most guest
// calls complete synchronously and turns every miss into one asynchronous
// fetch.
package fsys

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrNotDir = errors.New("not a directory")
	ErrIsDir  = errors.New("is a directory")
)

// Backend is a read-only filesystem. Names are slash-separated and relative
// to the backend root; "." is the root.
type Backend interface {
	Stat(ctx context.Context, name string) (FileInfo, error)
	// ReadDir lists a directory in the backend's native order.
	ReadDir(ctx context.Context, name string) ([]DirEntry, error)
	// ReadAt reads from a regular file. It returns io.EOF when fewer than
	// len(p) bytes remain.
	ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error)
}

// FileInfo describes a file or directory.
type FileInfo struct {
	ModTime time.Time
	Name    string
	Size    int64
	Ino     uint64
	Mode    fs.FileMode
}

func (fi FileInfo) IsDir() bool { return fi.Mode.IsDir() }

// DirEntry is one directory listing entry.
type DirEntry struct {
	Name string
	Ino  uint64
	Dir  bool
}

// Clean normalizes a guest path into backend form. Leading slashes are
// dropped, so "/a/../b" and "b" name the same file.
func Clean(name string) string {
	name = path.Clean("/" + name)
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return "."
	}
	return name
}

// Join joins a directory and a child name in backend form.
func Join(dir, name string) string {
	if dir == "." {
		return Clean(name)
	}
	return Clean(dir + "/" + name)
}

// Inode derives a stable inode number from a backend path.
func Inode(name string) uint64 {
	return xxhash.Sum64String(Clean(name))
}

func pathErr(op, name string, err error) error {
	return &fs.PathError{Op: op, Path: name, Err: err}
}
