package preview1

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
)

// Pipe collects what the guest writes to stdout or stderr. Writes are
// optionally copied to a tee writer as they arrive.
type Pipe struct {
	tee    io.Writer
	notify chan struct{}
	buf    []byte
	cursor int
	mu     sync.Mutex
	closed bool
}

// NewPipe creates a pipe. tee may be nil.
func NewPipe(tee io.Writer) *Pipe {
	return &Pipe{tee: tee, notify: make(chan struct{})}
}

func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, b...)
	p.wakeLocked()
	p.mu.Unlock()

	if p.tee != nil {
		_, _ = p.tee.Write(b)
	}
	return len(b), nil
}

func (p *Pipe) wakeLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Bytes returns a copy of everything written so far.
func (p *Pipe) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.buf)
}

func (p *Pipe) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.buf)
}

// Lines splits everything written so far into lines. A trailing partial
// line is included.
func (p *Pipe) Lines() []string {
	s := strings.TrimSuffix(p.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// ReadLine blocks until the next unread line is complete and returns it
// without the newline. After Close it returns the remaining partial line,
// then io.EOF.
func (p *Pipe) ReadLine(ctx context.Context) (string, error) {
	for {
		p.mu.Lock()
		rest := p.buf[p.cursor:]
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			p.cursor += i + 1
			p.mu.Unlock()
			return string(rest[:i]), nil
		}
		if p.closed {
			p.cursor = len(p.buf)
			p.mu.Unlock()
			if len(rest) > 0 {
				return string(rest), nil
			}
			return "", io.EOF
		}
		wait := p.notify
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Close wakes blocked readers. Later writes fail.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.wakeLocked()
	}
	return nil
}

// IsTerminal reports whether the tee writer is a terminal.
func (p *Pipe) IsTerminal() bool {
	return isTerminal(p.tee)
}

var termCache sync.Map // uintptr -> *atomic.Bool

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok || f == nil {
		return false
	}
	fd := f.Fd()
	if cached, ok := termCache.Load(fd); ok {
		return cached.(*atomic.Bool).Load()
	}
	b := new(atomic.Bool)
	b.Store(term.IsTerminal(int(fd)))
	termCache.Store(fd, b)
	return b.Load()
}

// Input is the guest's stdin. In-memory input is always ready; input backed
// by a reader suspends the guest while the host waits for data.
type Input struct {
	r   io.Reader
	buf []byte
	mu  sync.Mutex
	eof bool
}

// NewInput serves data and then EOF.
func NewInput(data []byte) *Input {
	return &Input{buf: bytes.Clone(data), eof: true}
}

// NewReaderInput serves whatever r produces.
func NewReaderInput(r io.Reader) *Input {
	if r == nil {
		return NewInput(nil)
	}
	return &Input{r: r}
}

// take consumes up to n buffered bytes. ok is false when nothing is
// buffered and the reader has not hit EOF.
func (in *Input) take(n int) ([]byte, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.buf) == 0 {
		return nil, in.eof
	}
	if n > len(in.buf) {
		n = len(in.buf)
	}
	out := bytes.Clone(in.buf[:n])
	in.buf = in.buf[n:]
	return out, true
}

// fill blocks on the reader until some data or EOF arrives.
func (in *Input) fill(n int) error {
	if n <= 0 {
		n = 4096
	}
	chunk := make([]byte, n)
	read, err := in.r.Read(chunk)

	in.mu.Lock()
	defer in.mu.Unlock()
	in.buf = append(in.buf, chunk[:read]...)
	if err == io.EOF {
		in.eof = true
		return nil
	}
	return err
}

func (in *Input) isTerminal() bool {
	return isTerminal(in.r)
}
