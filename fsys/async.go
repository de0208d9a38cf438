package fsys

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultChunkSize is the unit in which Async fetches file contents.
const DefaultChunkSize = 64 * 1024

type statEntry struct {
	err  error
	info FileInfo
}

type listEntry struct {
	err     error
	entries []DirEntry
}

type chunkKey struct {
	name  string
	index int64
}

type chunkEntry struct {
	err  error
	data []byte
}

// CacheStats counts Async cache lookups.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Fetches uint64
}

// Async puts a cache in front of a Backend and splits host I/O into a
// non-blocking Poll half and a blocking Fetch half.
//
// Poll methods never touch the backend (unless Inline is set): they answer
// from cache or report a miss. Fetch methods call the backend, honoring the
// configured latency and rate limit, and fill the cache. Failures are cached
// too, so a repeated lookup of a missing file is a hit.
type Async struct {
	backend Backend
	limiter *rate.Limiter
	log     *zap.Logger
	stats   map[string]statEntry
	lists   map[string]listEntry
	chunks  map[chunkKey]chunkEntry
	chunk   int64
	latency time.Duration
	hits    atomic.Uint64
	misses  atomic.Uint64
	fetches atomic.Uint64
	mu      sync.RWMutex
	inline  bool
}

// AsyncOption configures Async.
type AsyncOption func(*Async)

// WithChunkSize sets the read granularity. Each uncached chunk costs one fetch.
func WithChunkSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.chunk = int64(n)
		}
	}
}

// WithLatency delays every fetch by d.
func WithLatency(d time.Duration) AsyncOption {
	return func(a *Async) { a.latency = d }
}

// WithRateLimit caps backend fetches per second.
func WithRateLimit(limit rate.Limit, burst int) AsyncOption {
	return func(a *Async) {
		if limit > 0 {
			a.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// Inline makes Poll methods call the backend directly, so nothing ever
// suspends. Use for local backends.
func Inline() AsyncOption {
	return func(a *Async) { a.inline = true }
}

// WithLogger sets the logger for fetch tracing.
func WithLogger(l *zap.Logger) AsyncOption {
	return func(a *Async) {
		if l != nil {
			a.log = l
		}
	}
}

func NewAsync(b Backend, opts ...AsyncOption) *Async {
	a := &Async{
		backend: b,
		chunk:   DefaultChunkSize,
		log:     zap.NewNop(),
		stats:   make(map[string]statEntry),
		lists:   make(map[string]listEntry),
		chunks:  make(map[chunkKey]chunkEntry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Async) Backend() Backend { return a.backend }

func (a *Async) ChunkSize() int64 { return a.chunk }

func (a *Async) Stats() CacheStats {
	return CacheStats{Hits: a.hits.Load(), Misses: a.misses.Load(), Fetches: a.fetches.Load()}
}

func (a *Async) hit(ok bool) bool {
	if ok {
		a.hits.Add(1)
	} else {
		a.misses.Add(1)
	}
	return ok
}

// wait applies latency and the rate limit before a backend call.
func (a *Async) wait(ctx context.Context) error {
	a.fetches.Add(1)
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if a.latency <= 0 {
		return nil
	}
	t := time.NewTimer(a.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollStat returns cached metadata for name.
func (a *Async) PollStat(ctx context.Context, name string) (FileInfo, bool, error) {
	name = Clean(name)
	a.mu.RLock()
	e, ok := a.stats[name]
	a.mu.RUnlock()
	if a.hit(ok) {
		return e.info, true, e.err
	}
	if a.inline {
		info, err := a.fetchStat(ctx, name, false)
		return info, true, err
	}
	return FileInfo{}, false, nil
}

// FetchStat reads metadata from the backend and caches it.
func (a *Async) FetchStat(ctx context.Context, name string) (FileInfo, error) {
	return a.fetchStat(ctx, Clean(name), true)
}

func (a *Async) fetchStat(ctx context.Context, name string, delay bool) (FileInfo, error) {
	if delay {
		if err := a.wait(ctx); err != nil {
			return FileInfo{}, err
		}
	}
	info, err := a.backend.Stat(ctx, name)
	if isContextErr(err) {
		return info, err
	}
	a.mu.Lock()
	a.stats[name] = statEntry{info: info, err: err}
	a.mu.Unlock()
	a.log.Debug("stat fetched", zap.String("name", name), zap.Error(err))
	return info, err
}

// PollReadDir returns the cached listing of name.
func (a *Async) PollReadDir(ctx context.Context, name string) ([]DirEntry, bool, error) {
	name = Clean(name)
	a.mu.RLock()
	e, ok := a.lists[name]
	a.mu.RUnlock()
	if a.hit(ok) {
		return e.entries, true, e.err
	}
	if a.inline {
		entries, err := a.fetchReadDir(ctx, name, false)
		return entries, true, err
	}
	return nil, false, nil
}

// FetchReadDir lists name from the backend and caches the listing.
func (a *Async) FetchReadDir(ctx context.Context, name string) ([]DirEntry, error) {
	return a.fetchReadDir(ctx, Clean(name), true)
}

func (a *Async) fetchReadDir(ctx context.Context, name string, delay bool) ([]DirEntry, error) {
	if delay {
		if err := a.wait(ctx); err != nil {
			return nil, err
		}
	}
	entries, err := a.backend.ReadDir(ctx, name)
	if isContextErr(err) {
		return nil, err
	}
	a.mu.Lock()
	a.lists[name] = listEntry{entries: entries, err: err}
	a.mu.Unlock()
	a.log.Debug("listing fetched", zap.String("name", name), zap.Int("entries", len(entries)), zap.Error(err))
	return entries, err
}

// PollRead returns up to n bytes at off from the cached chunk containing
// off. Reads never span chunks. A read at or past the end of a file whose
// size is cached returns io.EOF without touching the backend.
func (a *Async) PollRead(ctx context.Context, name string, off int64, n int) ([]byte, bool, error) {
	name = Clean(name)
	if off < 0 {
		return nil, true, pathErr("read", name, fs.ErrInvalid)
	}

	a.mu.RLock()
	st, statOK := a.stats[name]
	c, ok := a.chunks[chunkKey{name, off / a.chunk}]
	a.mu.RUnlock()

	if statOK && st.err == nil && !st.info.IsDir() && off >= st.info.Size {
		a.hits.Add(1)
		return nil, true, io.EOF
	}
	if a.hit(ok) {
		b, err := a.slice(c, off, n)
		return b, true, err
	}
	if a.inline {
		b, err := a.fetchRead(ctx, name, off, n, false)
		return b, true, err
	}
	return nil, false, nil
}

// FetchRead loads the chunk containing off and returns up to n bytes from it.
func (a *Async) FetchRead(ctx context.Context, name string, off int64, n int) ([]byte, error) {
	if off < 0 {
		return nil, pathErr("read", name, fs.ErrInvalid)
	}
	return a.fetchRead(ctx, Clean(name), off, n, true)
}

func (a *Async) fetchRead(ctx context.Context, name string, off int64, n int, delay bool) ([]byte, error) {
	if delay {
		if err := a.wait(ctx); err != nil {
			return nil, err
		}
	}
	index := off / a.chunk
	buf := make([]byte, a.chunk)
	read, err := a.backend.ReadAt(ctx, name, buf, index*a.chunk)
	if isContextErr(err) {
		return nil, err
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	c := chunkEntry{data: buf[:read], err: err}

	a.mu.Lock()
	a.chunks[chunkKey{name, index}] = c
	a.mu.Unlock()
	a.log.Debug("chunk fetched",
		zap.String("name", name),
		zap.Int64("chunk", index),
		zap.Int("bytes", read),
		zap.Error(err))
	return a.slice(c, off, n)
}

func (a *Async) slice(c chunkEntry, off int64, n int) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	start := off % a.chunk
	if start >= int64(len(c.data)) {
		return nil, io.EOF
	}
	end := start + int64(n)
	if end > int64(len(c.data)) {
		end = int64(len(c.data))
	}
	return c.data[start:end], nil
}

// Invalidate drops every cached entry for name.
func (a *Async) Invalidate(name string) {
	name = Clean(name)
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.stats, name)
	delete(a.lists, name)
	for k := range a.chunks {
		if k.name == name {
			delete(a.chunks, k)
		}
	}
}

// Warm walks hostRoot, which must be the directory the backend serves, and
// caches metadata and listings for everything under it. It returns the
// number of paths indexed.
func (a *Async) Warm(ctx context.Context, hostRoot string) (int, error) {
	return a.WarmAt(ctx, ".", hostRoot)
}

// WarmAt is Warm for a host directory mounted at prefix inside the backend,
// as with Mounts. The listing of the directory containing prefix is left
// alone since other mounts may share it.
func (a *Async) WarmAt(ctx context.Context, prefix, hostRoot string) (int, error) {
	prefix = Clean(prefix)
	type walked struct {
		name string
		info FileInfo
	}
	var (
		mu    sync.Mutex
		found []walked
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, hostRoot, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(hostRoot, p)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		name := Join(prefix, filepath.ToSlash(rel))
		base := info.Name()
		if name == prefix && prefix != "." {
			base = path.Base(prefix)
		}
		mu.Lock()
		found = append(found, walked{name: name, info: FileInfo{
			Name:    base,
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
			Ino:     Inode(name),
		}})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, err
	}

	lists := make(map[string][]DirEntry)
	for _, w := range found {
		if w.info.IsDir() {
			if _, ok := lists[w.name]; !ok {
				lists[w.name] = []DirEntry{}
			}
		}
		if w.name == prefix {
			continue
		}
		parent := Clean(filepath.ToSlash(filepath.Dir(w.name)))
		lists[parent] = append(lists[parent], DirEntry{Name: w.info.Name, Dir: w.info.IsDir(), Ino: w.info.Ino})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, w := range found {
		a.stats[w.name] = statEntry{info: w.info}
	}
	for dir, entries := range lists {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		a.lists[dir] = listEntry{entries: entries}
	}
	a.log.Debug("index warmed", zap.String("root", hostRoot), zap.String("prefix", prefix), zap.Int("paths", len(found)))
	return len(found), nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
