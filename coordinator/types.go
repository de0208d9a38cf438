package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is the coordinator's lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateSuspended
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Mode mirrors asyncify_get_state: 0=Normal, 1=Unwinding, 2=Rewinding.
type Mode int32

const (
	ModeNormal Mode = iota
	ModeUnwinding
	ModeRewinding
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeUnwinding:
		return "unwinding"
	case ModeRewinding:
		return "rewinding"
	}
	return "unknown"
}

// Signal tells a host function what Begin did.
type Signal int

const (
	// SignalCompleted means the Result is valid and the host function
	// should write it back to the guest.
	SignalCompleted Signal = iota
	// SignalSuspended means the guest is unwinding; the host function must
	// return immediately without touching its results.
	SignalSuspended
)

// Result is the outcome of an operation. A non-nil Err is an operation
// failure and is delivered to the guest like any other result.
type Result struct {
	Value any
	Err   error
}

// Operation is a host call that may need to wait for asynchronous work.
//
// On rewind the host function is re-entered with the same arguments and
// builds a fresh Operation; Name must match the one that suspended.
type Operation interface {
	// Name identifies the call site, e.g. "fd_read".
	Name() string
	// Poll returns the result when it is available without waiting.
	Poll(ctx context.Context) (Result, bool)
	// Execute performs the work. The host calls it outside the guest.
	Execute(ctx context.Context) Result
}

// OpFunc adapts plain functions to Operation. A nil PollFn never completes synchronously.
type OpFunc struct {
	Site   string
	PollFn func(ctx context.Context) (Result, bool)
	ExecFn func(ctx context.Context) Result
}

func (o OpFunc) Name() string { return o.Site }

func (o OpFunc) Poll(ctx context.Context) (Result, bool) {
	if o.PollFn == nil {
		return Result{}, false
	}
	return o.PollFn(ctx)
}

func (o OpFunc) Execute(ctx context.Context) Result {
	if o.ExecFn == nil {
		return Result{}
	}
	return o.ExecFn(ctx)
}

// Handle identifies a pending operation to the host.
type Handle uuid.UUID

func newHandle() Handle { return Handle(uuid.New()) }

func (h Handle) String() string { return uuid.UUID(h).String() }

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h == Handle{} }

// Pending is handed to the host when the guest suspends.
type Pending struct {
	Op     Operation
	Handle Handle
}

// Site returns the call site that suspended.
func (p *Pending) Site() string { return p.Op.Name() }

// Execute runs the operation. Call it off the guest goroutine.
func (p *Pending) Execute(ctx context.Context) Result {
	return p.Op.Execute(ctx)
}

// StepStatus reports how an entry invocation ended.
type StepStatus int

const (
	StepSuspended StepStatus = iota // guest unwound; complete Pending to continue
	StepDone                        // entry returned
)

func (s StepStatus) String() string {
	if s == StepDone {
		return "done"
	}
	return "suspended"
}

// Step is the result of Start or HostComplete.
type Step struct {
	Pending *Pending
	Results []uint64
	Status  StepStatus
}

// Stats counts coordinator events over an instance's lifetime.
type Stats struct {
	FastPaths   uint64
	Suspensions uint64
	Resumes     uint64
	MaxCaptured uint32
}

// Observer receives coordinator events. Implementations must be cheap and
// must not call back into the coordinator.
type Observer interface {
	FastPath(site string)
	Suspended(site string, captured uint32)
	Resumed(site string, waited time.Duration)
	Failed(site string, err error)
}

type nopObserver struct{}

func (nopObserver) FastPath(string)               {}
func (nopObserver) Suspended(string, uint32)      {}
func (nopObserver) Resumed(string, time.Duration) {}
func (nopObserver) Failed(string, error)          {}
