package preview1

import (
	"context"
	"crypto/rand"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-bridge/fsys"
	"github.com/wippyai/wasi-bridge/reservation"
)

// Memory is the slice of guest memory the host functions use. wazero's
// api.Memory satisfies it.
type Memory interface {
	reservation.Memory
	WriteByte(offset uint32, v byte) bool
	WriteUint16Le(offset uint32, v uint16) bool
	WriteUint64Le(offset uint32, v uint64) bool
}

// System is the per-instance WASI state. Use builder methods to set up.
type System struct {
	start    time.Time
	rand     io.Reader
	now      func() time.Time
	log      *zap.Logger
	fds      *fdTable
	stdin    *Input
	stdout   *Pipe
	stderr   *Pipe
	traced   map[string]bool
	args     []string
	env      []string
	trace    []string
	exitCode uint32
	mu       sync.Mutex
	exited   bool
}

// NewSystem creates a System with empty stdin and fds 0, 1 and 2 open.
func NewSystem() *System {
	s := &System{
		start:  time.Now(),
		rand:   rand.Reader,
		now:    time.Now,
		log:    Logger(),
		fds:    newFDTable(),
		stdin:  NewInput(nil),
		stdout: NewPipe(nil),
		stderr: NewPipe(nil),
		traced: make(map[string]bool),
	}
	s.fds.Insert(&openFile{kind: kindStdin})
	s.fds.Insert(&openFile{kind: kindStdout})
	s.fds.Insert(&openFile{kind: kindStderr})
	return s
}

// WithArgs sets command-line arguments, program name first.
func (s *System) WithArgs(args ...string) *System {
	s.args = args
	return s
}

// WithEnv sets environment variables. They are presented sorted by key.
func (s *System) WithEnv(env map[string]string) *System {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.env = s.env[:0]
	for _, k := range keys {
		s.env = append(s.env, k+"="+env[k])
	}
	return s
}

// WithEnviron sets the environment as KEY=VALUE pairs, in order.
func (s *System) WithEnviron(pairs ...string) *System {
	s.env = pairs
	return s
}

// WithStdin serves data on fd 0.
func (s *System) WithStdin(data []byte) *System {
	s.stdin = NewInput(data)
	return s
}

// WithStdinReader serves r on fd 0. Reads that find no buffered data suspend
// the guest.
func (s *System) WithStdinReader(r io.Reader) *System {
	s.stdin = NewReaderInput(r)
	return s
}

// WithStdout copies guest stdout to w.
func (s *System) WithStdout(w io.Writer) *System {
	s.stdout = NewPipe(w)
	return s
}

// WithStderr copies guest stderr to w.
func (s *System) WithStderr(w io.Writer) *System {
	s.stderr = NewPipe(w)
	return s
}

// WithPreopen exposes fs to the guest as the directory guestPath. Preopens
// get descriptors from 3 upward in the order they are added.
func (s *System) WithPreopen(guestPath string, fs *fsys.Async) *System {
	s.fds.Insert(&openFile{
		fs:      fs,
		path:    ".",
		preopen: guestPath,
		kind:    kindDir,
		info:    fsys.FileInfo{Name: guestPath, Mode: dirMode, Ino: fsys.Inode(".")},
	})
	return s
}

// WithTrace logs calls whose names match any of the doublestar patterns.
func (s *System) WithTrace(patterns ...string) *System {
	s.trace = patterns
	s.traced = make(map[string]bool)
	return s
}

func (s *System) WithLogger(l *zap.Logger) *System {
	if l != nil {
		s.log = l
	}
	return s
}

// WithClock replaces the wall clock.
func (s *System) WithClock(now func() time.Time) *System {
	s.now = now
	s.start = now()
	return s
}

// WithRandom replaces the source for random_get.
func (s *System) WithRandom(r io.Reader) *System {
	s.rand = r
	return s
}

func (s *System) Stdout() *Pipe { return s.stdout }

func (s *System) Stderr() *Pipe { return s.stderr }

func (s *System) Args() []string { return s.args }

// Environ returns the environment as KEY=VALUE pairs.
func (s *System) Environ() []string { return s.env }

// OpenFiles returns the number of open descriptors, stdio included.
func (s *System) OpenFiles() int { return s.fds.Len() }

// ExitCode returns the code passed to proc_exit, if the guest called it.
func (s *System) ExitCode() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exited
}

func (s *System) setExit(code uint32) {
	s.mu.Lock()
	s.exitCode, s.exited = code, true
	s.mu.Unlock()
}

// Close closes the output pipes.
func (s *System) Close() error {
	_ = s.stdout.Close()
	return s.stderr.Close()
}

// Validate checks the trace patterns.
func (s *System) Validate() error {
	for _, p := range s.trace {
		if !doublestar.ValidatePattern(p) {
			return doublestar.ErrBadPattern
		}
	}
	return nil
}

func (s *System) shouldTrace(name string) bool {
	if len(s.trace) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.traced[name]; ok {
		return v
	}
	v := false
	for _, p := range s.trace {
		if ok, _ := doublestar.Match(p, name); ok {
			v = true
			break
		}
	}
	s.traced[name] = v
	return v
}

type systemKey struct{}

// WithSystem attaches s to ctx. Host functions look it up on every call.
func WithSystem(ctx context.Context, s *System) context.Context {
	return context.WithValue(ctx, systemKey{}, s)
}

// SystemFrom returns the System attached to ctx, or nil.
func SystemFrom(ctx context.Context) *System {
	s, _ := ctx.Value(systemKey{}).(*System)
	return s
}
