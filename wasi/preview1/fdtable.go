package preview1

import (
	"sort"
	"sync"

	"github.com/wippyai/wasi-bridge/fsys"
)

type fdKind uint8

const (
	kindStdin fdKind = iota
	kindStdout
	kindStderr
	kindFile
	kindDir
)

// openFile is one entry of the descriptor table.
type openFile struct {
	fs      *fsys.Async
	info    fsys.FileInfo
	path    string // backend path
	preopen string // guest path, set for preopened directories
	offset  int64
	kind    fdKind
}

func (f *openFile) filetype() uint8 {
	switch f.kind {
	case kindDir:
		return filetypeDirectory
	case kindFile:
		return filetypeRegularFile
	}
	return filetypeUnknown
}

// fdTable hands out the lowest free descriptor, as POSIX does.
type fdTable struct {
	entries []*openFile
	free    []uint32
	mu      sync.RWMutex
}

func newFDTable() *fdTable {
	return &fdTable{entries: make([]*openFile, 0, 16)}
}

// Insert stores f and returns its descriptor.
func (t *fdTable) Insert(f *openFile) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) > 0 {
		fd := t.free[0]
		t.free = t.free[1:]
		t.entries[fd] = f
		return fd
	}
	t.entries = append(t.entries, f)
	return uint32(len(t.entries) - 1)
}

func (t *fdTable) Get(fd uint32) (*openFile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(fd) >= len(t.entries) || t.entries[fd] == nil {
		return nil, false
	}
	return t.entries[fd], true
}

// Remove closes fd. It reports false when fd was not open.
func (t *fdTable) Remove(fd uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(fd) >= len(t.entries) || t.entries[fd] == nil {
		return false
	}
	t.entries[fd] = nil
	t.release(fd)
	return true
}

func (t *fdTable) release(fd uint32) {
	i := sort.Search(len(t.free), func(i int) bool { return t.free[i] >= fd })
	t.free = append(t.free, 0)
	copy(t.free[i+1:], t.free[i:])
	t.free[i] = fd
}

// Renumber moves from onto to, closing whatever to held.
func (t *fdTable) Renumber(from, to uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := uint32(len(t.entries))
	if from >= n || to >= n || t.entries[from] == nil || t.entries[to] == nil {
		return false
	}
	if from == to {
		return true
	}
	t.entries[to] = t.entries[from]
	t.entries[from] = nil
	t.release(from)
	return true
}

// Len returns the number of open descriptors.
func (t *fdTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries) - len(t.free)
}
