package fsys

import (
	"context"
	"io"
	"io/fs"
	"path"
	"sync"
	"time"
)

type memNode struct {
	mod      time.Time
	data     []byte
	children []string
	dir      bool
}

// Memory is an in-memory Backend. Directory listings keep insertion order.
type Memory struct {
	nodes map[string]*memNode
	mu    sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{nodes: map[string]*memNode{".": {dir: true}}}
}

// AddDir creates a directory and any missing parents.
func (m *Memory) AddDir(name string) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirLocked(Clean(name))
	return m
}

// AddFile creates or replaces a file, creating missing parents.
func (m *Memory) AddFile(name string, data []byte) *Memory {
	name = Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok && !n.dir {
		n.data = data
		return m
	}
	m.mkdirLocked(path.Dir(name))
	m.nodes[name] = &memNode{data: data}
	m.link(name)
	return m
}

func (m *Memory) mkdirLocked(name string) {
	if _, ok := m.nodes[name]; ok {
		return
	}
	m.mkdirLocked(path.Dir(name))
	m.nodes[name] = &memNode{dir: true}
	m.link(name)
}

func (m *Memory) link(name string) {
	parent := m.nodes[path.Dir(name)]
	parent.children = append(parent.children, path.Base(name))
}

func (m *Memory) lookup(name string) (*memNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[Clean(name)]
	return n, ok
}

func (m *Memory) Stat(_ context.Context, name string) (FileInfo, error) {
	n, ok := m.lookup(name)
	if !ok {
		return FileInfo{}, pathErr("stat", name, fs.ErrNotExist)
	}
	fi := FileInfo{
		Name:    path.Base(Clean(name)),
		ModTime: n.mod,
		Ino:     Inode(name),
		Mode:    0o444,
	}
	if n.dir {
		fi.Mode = fs.ModeDir | 0o555
	} else {
		fi.Size = int64(len(n.data))
	}
	return fi, nil
}

func (m *Memory) ReadDir(_ context.Context, name string) ([]DirEntry, error) {
	n, ok := m.lookup(name)
	if !ok {
		return nil, pathErr("readdir", name, fs.ErrNotExist)
	}
	if !n.dir {
		return nil, pathErr("readdir", name, ErrNotDir)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	dir := Clean(name)
	out := make([]DirEntry, 0, len(n.children))
	for _, child := range n.children {
		full := Join(dir, child)
		out = append(out, DirEntry{Name: child, Dir: m.nodes[full].dir, Ino: Inode(full)})
	}
	return out, nil
}

func (m *Memory) ReadAt(_ context.Context, name string, p []byte, off int64) (int, error) {
	n, ok := m.lookup(name)
	if !ok {
		return 0, pathErr("read", name, fs.ErrNotExist)
	}
	if n.dir {
		return 0, pathErr("read", name, ErrIsDir)
	}
	if off < 0 {
		return 0, pathErr("read", name, fs.ErrInvalid)
	}
	if off >= int64(len(n.data)) {
		return 0, io.EOF
	}
	c := copy(p, n.data[off:])
	if c < len(p) {
		return c, io.EOF
	}
	return c, nil
}
