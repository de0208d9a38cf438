package fsys

import (
	"context"
	"io/fs"
	"path"
	"sort"
	"strings"
)

type mount struct {
	backend Backend
	prefix  string
}

// Mounts joins several backends into one tree. Each backend is mounted at a
// prefix; the deepest matching prefix wins. Directories above mount points
// exist implicitly.
type Mounts struct {
	mounts []mount
}

func NewMounts() *Mounts {
	return &Mounts{}
}

// Mount attaches b at prefix, replacing any backend already mounted there.
func (m *Mounts) Mount(prefix string, b Backend) *Mounts {
	prefix = Clean(prefix)
	for i := range m.mounts {
		if m.mounts[i].prefix == prefix {
			m.mounts[i].backend = b
			return m
		}
	}
	m.mounts = append(m.mounts, mount{prefix: prefix, backend: b})
	sort.SliceStable(m.mounts, func(i, j int) bool {
		return depth(m.mounts[i].prefix) > depth(m.mounts[j].prefix)
	})
	return m
}

// depth counts path elements; the root "." has none and sorts last.
func depth(prefix string) int {
	if prefix == "." {
		return 0
	}
	return strings.Count(prefix, "/") + 1
}

// Resolve returns the backend serving name and the name inside it.
func (m *Mounts) Resolve(name string) (Backend, string, bool) {
	name = Clean(name)
	for _, mt := range m.mounts {
		switch {
		case mt.prefix == ".":
			return mt.backend, name, true
		case name == mt.prefix:
			return mt.backend, ".", true
		case strings.HasPrefix(name, mt.prefix+"/"):
			return mt.backend, name[len(mt.prefix)+1:], true
		}
	}
	return nil, "", false
}

// children returns the first path element of every mount point below dir.
func (m *Mounts) children(dir string) []string {
	var out []string
	seen := map[string]bool{}
	for i := len(m.mounts) - 1; i >= 0; i-- {
		p := m.mounts[i].prefix
		var rest string
		switch {
		case p == "." || p == dir:
			continue
		case dir == ".":
			rest = p
		case strings.HasPrefix(p, dir+"/"):
			rest = p[len(dir)+1:]
		default:
			continue
		}
		child, _, _ := strings.Cut(rest, "/")
		if !seen[child] {
			seen[child] = true
			out = append(out, child)
		}
	}
	return out
}

func (m *Mounts) Stat(ctx context.Context, name string) (FileInfo, error) {
	name = Clean(name)
	if b, rel, ok := m.Resolve(name); ok {
		fi, err := b.Stat(ctx, rel)
		if err == nil || len(m.children(name)) == 0 {
			if err == nil {
				fi.Ino = Inode(name)
				fi.Name = path.Base(name)
			}
			return fi, err
		}
	}
	if name == "." || len(m.children(name)) > 0 {
		return FileInfo{Name: path.Base(name), Mode: fs.ModeDir | 0o555, Ino: Inode(name)}, nil
	}
	return FileInfo{}, pathErr("stat", name, fs.ErrNotExist)
}

func (m *Mounts) ReadDir(ctx context.Context, name string) ([]DirEntry, error) {
	name = Clean(name)
	synthetic := m.children(name)

	var out []DirEntry
	if b, rel, ok := m.Resolve(name); ok {
		entries, err := b.ReadDir(ctx, rel)
		if err != nil && len(synthetic) == 0 {
			return nil, err
		}
		out = make([]DirEntry, 0, len(entries)+len(synthetic))
		for _, e := range entries {
			e.Ino = Inode(Join(name, e.Name))
			out = append(out, e)
		}
	} else if name != "." && len(synthetic) == 0 {
		return nil, pathErr("readdir", name, fs.ErrNotExist)
	}

	for _, child := range synthetic {
		dup := false
		for _, e := range out {
			if e.Name == child {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, DirEntry{Name: child, Dir: true, Ino: Inode(Join(name, child))})
		}
	}
	return out, nil
}

func (m *Mounts) ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error) {
	b, rel, ok := m.Resolve(name)
	if !ok {
		if len(m.children(Clean(name))) > 0 {
			return 0, pathErr("read", name, ErrIsDir)
		}
		return 0, pathErr("read", name, fs.ErrNotExist)
	}
	return b.ReadAt(ctx, rel, p, off)
}
