package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-bridge/errors"
	"github.com/wippyai/wasi-bridge/reservation"
)

// record describes what one suspension captured. It lives from the moment a
// call suspends until the matching rewind reaches the call site again.
type record struct {
	since  time.Time
	op     Operation
	site   string
	handle Handle
	base   uint32
	length uint32
	sum    uint64
}

// Coordinator drives one guest instance through suspend/resume cycles.
//
// A host function calls Begin. When the operation is not ready the guest
// unwinds into the reservation region and Start (or HostComplete) returns a
// Pending operation. The host executes it and calls HostComplete, which
// rewinds the guest back into the same host function where Begin hands out
// the result.
type Coordinator struct {
	guest    Guest
	observer Observer
	log      *zap.Logger
	entry    Entry
	rec      *record
	injected *Result
	err      error
	args     []uint64
	region   reservation.Region
	stats    Stats
	mu       sync.Mutex
	state    State
	mode     Mode
	started  bool
	active   bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the coordinator's logger. Defaults to the package Logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a coordinator for guest using region as the unwind buffer.
func New(guest Guest, region reservation.Region, opts ...Option) (*Coordinator, error) {
	if guest == nil {
		return nil, errors.NotInitialized(errors.PhaseRuntime, "guest")
	}
	if err := region.Validate(guest.Memory().Size()); err != nil {
		return nil, err
	}
	c := &Coordinator{
		guest:    guest,
		region:   region,
		observer: nopObserver{},
		log:      Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.Stringer("region", region))
	return c, nil
}

// Region returns the reservation region the coordinator unwinds into.
func (c *Coordinator) Region() reservation.Region { return c.region }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Err returns the error that terminated the instance, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the outstanding operation, or nil when not suspended.
func (c *Coordinator) Pending() *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSuspended || c.rec == nil {
		return nil
	}
	return &Pending{Op: c.rec.op, Handle: c.rec.handle}
}

// Terminate moves the coordinator to StateTerminated. The first non-nil err
// is kept as the cause. Terminating twice is a no-op.
func (c *Coordinator) Terminate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateLocked(err)
}

func (c *Coordinator) terminateLocked(err error) {
	if c.state == StateTerminated {
		return
	}
	site := ""
	if c.rec != nil {
		site = c.rec.site
	}
	c.state = StateTerminated
	c.mode = ModeNormal
	c.rec = nil
	c.injected = nil
	c.err = err
	if err != nil {
		c.log.Error("instance terminated", zap.String("site", site), zap.Error(err))
		c.observer.Failed(site, err)
	}
}

// fail terminates the instance with err and returns it.
func (c *Coordinator) fail(err error) error {
	c.Terminate(err)
	return err
}

// Begin is called by a host function at a suspendable call site.
//
// With SignalCompleted the returned Result is the outcome of op and the host
// function writes it back to the guest. With SignalSuspended the guest is
// unwinding and the host function must return at once, leaving its results
// untouched. A non-nil error is a bridge failure; the instance is terminated
// (or, for a call outside any entry, nothing happened) and the host function
// should abort the guest with it.
func (c *Coordinator) Begin(ctx context.Context, op Operation) (Result, Signal, error) {
	site := op.Name()

	c.mu.Lock()
	switch {
	case c.state == StateTerminated:
		err := errors.Terminated(errors.PhaseSuspend, c.err)
		c.mu.Unlock()
		return Result{}, SignalCompleted, err
	case c.state == StateSuspended || c.mode == ModeUnwinding:
		c.mu.Unlock()
		return Result{}, SignalCompleted, c.fail(errors.ProtocolViolation(errors.PhaseSuspend, site,
			"suspend while a suspension is outstanding"))
	case !c.active:
		c.mu.Unlock()
		return Result{}, SignalCompleted, errors.ProtocolViolation(errors.PhaseSuspend, site, "call outside a running entry point")
	case c.mode == ModeRewinding:
		c.mu.Unlock()
		return c.resume(ctx, site)
	}
	c.mu.Unlock()

	if res, ok := op.Poll(ctx); ok {
		c.mu.Lock()
		c.stats.FastPaths++
		c.mu.Unlock()
		c.observer.FastPath(site)
		return res, SignalCompleted, nil
	}

	if err := c.suspend(ctx, op); err != nil {
		return Result{}, SignalCompleted, err
	}
	return Result{}, SignalSuspended, nil
}

func (c *Coordinator) suspend(ctx context.Context, op Operation) error {
	if err := c.region.Reset(c.guest.Memory()); err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.rec = &record{
		handle: newHandle(),
		op:     op,
		site:   op.Name(),
		base:   c.region.RegionBase(),
		since:  time.Now(),
	}
	c.state = StateSuspended
	c.mode = ModeUnwinding
	c.mu.Unlock()

	if err := c.guest.StartUnwind(ctx, c.region.RegionBase()); err != nil {
		return c.fail(errors.Trap(errors.PhaseSuspend, err))
	}
	return nil
}

// resume runs when the rewind re-enters the suspended host function.
func (c *Coordinator) resume(ctx context.Context, site string) (Result, Signal, error) {
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()

	if rec == nil {
		return Result{}, SignalCompleted, c.fail(errors.ProtocolViolation(errors.PhaseResume, site,
			"rewinding without a suspension record"))
	}
	if rec.site != site {
		return Result{}, SignalCompleted, c.fail(errors.ProtocolViolation(errors.PhaseResume, site,
			fmt.Sprintf("rewind reached %q, suspended at %q", site, rec.site)))
	}

	if err := c.guest.StopRewind(ctx); err != nil {
		return Result{}, SignalCompleted, c.fail(errors.Trap(errors.PhaseResume, err))
	}

	mem := c.guest.Memory()
	ptr, ok := c.region.StackPtr(mem)
	if !ok || ptr != c.region.Start() {
		return Result{}, SignalCompleted, c.fail(errors.New(errors.PhaseResume, errors.KindProtocolViolation).
			Site(site).
			Handle(rec.handle).
			Detail("rewind consumed %d of %d captured bytes", int64(rec.base+reservation.HeaderSize+rec.length)-int64(ptr), rec.length).
			Build())
	}
	c.region.Zero(mem, c.region.Start(), c.region.Start()+rec.length)

	c.mu.Lock()
	res := Result{}
	if c.injected != nil {
		res = *c.injected
	}
	c.injected = nil
	c.rec = nil
	c.mode = ModeNormal
	c.stats.Resumes++
	c.mu.Unlock()

	waited := time.Since(rec.since)
	c.observer.Resumed(site, waited)
	c.log.Debug("resumed",
		zap.String("site", site),
		zap.Stringer("handle", rec.handle),
		zap.Duration("waited", waited))
	return res, SignalCompleted, nil
}

// Start invokes entry with args. It returns StepSuspended with the pending
// operation when the guest suspends, or StepDone with the entry's results.
// A coordinator runs one entry invocation over its lifetime.
func (c *Coordinator) Start(ctx context.Context, entry Entry, args ...uint64) (Step, error) {
	c.mu.Lock()
	switch {
	case c.state == StateTerminated:
		err := errors.Terminated(errors.PhaseRuntime, c.err)
		c.mu.Unlock()
		return Step{}, err
	case c.started:
		c.mu.Unlock()
		return Step{}, errors.ProtocolViolation(errors.PhaseRuntime, "", "entry point already started")
	}
	c.started = true
	c.entry = entry
	c.args = args
	c.mu.Unlock()

	return c.invoke(ctx)
}

// HostComplete delivers the result of the pending operation identified by h
// and rewinds the guest. It returns the next Step.
func (c *Coordinator) HostComplete(ctx context.Context, h Handle, res Result) (Step, error) {
	c.mu.Lock()
	if c.state == StateTerminated {
		err := errors.Terminated(errors.PhaseResume, c.err)
		c.mu.Unlock()
		return Step{}, err
	}
	if c.state != StateSuspended || c.rec == nil {
		err := errors.New(errors.PhaseResume, errors.KindProtocolViolation).
			Handle(h).
			Detail("no live suspension (state %s)", c.state).
			Build()
		c.mu.Unlock()
		return Step{}, err
	}
	rec := c.rec
	if rec.handle != h {
		c.mu.Unlock()
		return Step{}, errors.New(errors.PhaseResume, errors.KindProtocolViolation).
			Site(rec.site).
			Handle(h).
			Detail("handle does not match live suspension %s", rec.handle).
			Build()
	}
	c.mu.Unlock()

	if sum, ok := c.fingerprint(rec.length); !ok || sum != rec.sum {
		return Step{}, c.fail(errors.New(errors.PhaseResume, errors.KindProtocolViolation).
			Site(rec.site).
			Handle(h).
			Detail("reservation region modified while suspended").
			Build())
	}

	if res.Err != nil {
		c.log.Debug("operation failed", zap.String("site", rec.site), zap.Error(res.Err))
	}

	c.mu.Lock()
	c.injected = &res
	c.state = StateRunning
	c.mode = ModeRewinding
	c.mu.Unlock()

	if err := c.guest.StartRewind(ctx, rec.base); err != nil {
		return Step{}, c.fail(errors.Trap(errors.PhaseResume, err))
	}
	return c.invoke(ctx)
}

func (c *Coordinator) invoke(ctx context.Context) (Step, error) {
	c.mu.Lock()
	c.active = true
	entry, args := c.entry, c.args
	c.mu.Unlock()

	results, callErr := entry.Call(WithCoordinator(ctx, c), args...)

	c.mu.Lock()
	c.active = false
	state, mode, fatal := c.state, c.mode, c.err
	c.mu.Unlock()

	switch {
	case state == StateTerminated:
		if fatal == nil {
			fatal = errors.Terminated(errors.PhaseRuntime, callErr)
		}
		return Step{}, fatal
	case mode == ModeUnwinding:
		return c.finishUnwind(ctx, callErr)
	case mode == ModeRewinding:
		site := ""
		c.mu.Lock()
		if c.rec != nil {
			site = c.rec.site
		}
		c.mu.Unlock()
		return Step{}, c.fail(errors.ProtocolViolation(errors.PhaseResume, site,
			"entry returned before the rewind reached the suspended call site"))
	case callErr != nil:
		// guest traps and proc_exit end the instance with the guest's own error
		c.mu.Lock()
		c.terminateLocked(nil)
		c.err = callErr
		c.mu.Unlock()
		return Step{}, callErr
	}

	c.Terminate(nil)
	return Step{Status: StepDone, Results: results}, nil
}

func (c *Coordinator) finishUnwind(ctx context.Context, callErr error) (Step, error) {
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()

	if callErr != nil {
		return Step{}, c.fail(errors.RegionOverflow(rec.site, c.region.Capacity(), callErr))
	}
	if err := c.guest.StopUnwind(ctx); err != nil {
		return Step{}, c.fail(errors.Trap(errors.PhaseSuspend, err))
	}

	ptr, ok := c.region.StackPtr(c.guest.Memory())
	if !ok || ptr < c.region.Start() || ptr > c.region.End() {
		return Step{}, c.fail(errors.RegionOverflow(rec.site, c.region.Capacity(),
			fmt.Errorf("stack pointer 0x%x outside %s", ptr, c.region)))
	}

	length := ptr - c.region.Start()
	sum, _ := c.fingerprint(length)

	c.mu.Lock()
	rec.length = length
	rec.sum = sum
	c.mode = ModeNormal
	c.stats.Suspensions++
	if length > c.stats.MaxCaptured {
		c.stats.MaxCaptured = length
	}
	c.mu.Unlock()

	c.observer.Suspended(rec.site, length)
	c.log.Debug("suspended",
		zap.String("site", rec.site),
		zap.Stringer("handle", rec.handle),
		zap.Uint32("captured", length))

	return Step{
		Status:  StepSuspended,
		Pending: &Pending{Op: rec.op, Handle: rec.handle},
	}, nil
}

func (c *Coordinator) fingerprint(length uint32) (uint64, bool) {
	if length == 0 {
		return xxhash.Sum64(nil), true
	}
	b, ok := c.guest.Memory().Read(c.region.Start(), length)
	if !ok {
		return 0, false
	}
	return xxhash.Sum64(b), true
}

// Run drives entry to completion, executing every pending operation on a
// separate goroutine. Cancelling ctx while an operation is outstanding
// terminates the instance.
func (c *Coordinator) Run(ctx context.Context, entry Entry, args ...uint64) ([]uint64, error) {
	step, err := c.Start(ctx, entry, args...)
	for err == nil && step.Status == StepSuspended {
		p := step.Pending
		done := make(chan Result, 1)
		go func() { done <- p.Execute(ctx) }()

		select {
		case res := <-done:
			step, err = c.HostComplete(ctx, p.Handle, res)
		case <-ctx.Done():
			cause := ctx.Err()
			c.Terminate(errors.Terminated(errors.PhaseRuntime, cause))
			return nil, errors.Terminated(errors.PhaseRuntime, cause)
		}
	}
	if err != nil {
		return nil, err
	}
	return step.Results, nil
}
