package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the bridge the error occurred
type Phase string

const (
	PhaseSuspend Phase = "suspend" // begin_suspendable_call, unwinding
	PhaseResume  Phase = "resume"  // host_complete, rewinding
	PhaseLoad    Phase = "load"    // module compilation, descriptor lookup
	PhaseHost    Phase = "host"    // host function registration and dispatch
	PhaseConfig  Phase = "config"  // configuration loading
	PhaseRuntime Phase = "runtime" // instance execution
)

// Kind categorizes the error
type Kind string

const (
	// KindProtocolViolation is a broken host/coordinator contract: resume
	// without a live suspension, suspend while suspended, handle mismatch.
	KindProtocolViolation Kind = "protocol_violation"
	// KindRegionOverflow means the captured stack did not fit the reservation region.
	KindRegionOverflow Kind = "region_overflow"
	// KindOperationFailure is a failed host operation delivered to the guest as a result.
	KindOperationFailure Kind = "operation_failure"
	// KindTerminated is returned by any call on a terminated instance.
	KindTerminated     Kind = "terminated"
	KindMissingExport  Kind = "missing_export"
	KindInvalidInput   Kind = "invalid_input"
	KindInstantiation  Kind = "instantiation"
	KindTrap           Kind = "trap"
	KindNotFound       Kind = "not_found"
	KindRegistration   Kind = "registration"
	KindNotInitialized Kind = "not_initialized"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Site   string // host call site, e.g. "fd_read"
	Handle string // pending operation handle, if any
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Site != "" {
		b.WriteString(" at ")
		b.WriteString(e.Site)
	}

	if e.Handle != "" {
		b.WriteString(" (handle ")
		b.WriteString(e.Handle)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase == "" {
			return e.Kind == t.Kind
		}
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Fatal reports whether the error terminates the instance.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindProtocolViolation, KindRegionOverflow, KindTerminated, KindTrap:
		return true
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Site sets the call site
func (b *Builder) Site(site string) *Builder {
	b.err.Site = site
	return b
}

// Handle sets the pending operation handle
func (b *Builder) Handle(h fmt.Stringer) *Builder {
	b.err.Handle = h.String()
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is matching by kind alone.
var (
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation}
	ErrRegionOverflow    = &Error{Kind: KindRegionOverflow}
	ErrOperationFailure  = &Error{Kind: KindOperationFailure}
	ErrTerminated        = &Error{Kind: KindTerminated}
)

// ProtocolViolation creates a protocol violation error
func ProtocolViolation(phase Phase, site, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindProtocolViolation,
		Site:   site,
		Detail: detail,
	}
}

// RegionOverflow creates an overflow error for a stack that did not fit
func RegionOverflow(site string, capacity uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseSuspend,
		Kind:   KindRegionOverflow,
		Site:   site,
		Detail: fmt.Sprintf("captured stack exceeds reservation capacity of %d bytes", capacity),
		Value:  capacity,
		Cause:  cause,
	}
}

// OperationFailure wraps the error of a failed host operation
func OperationFailure(site string, cause error) *Error {
	return &Error{
		Phase: PhaseHost,
		Kind:  KindOperationFailure,
		Site:  site,
		Cause: cause,
	}
}

// Terminated creates the error returned by a terminated instance
func Terminated(phase Phase, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTerminated,
		Detail: "instance terminated",
		Cause:  cause,
	}
}

// MissingExport creates an error for a guest lacking a required export
func MissingExport(name, hint string) *Error {
	detail := fmt.Sprintf("module does not export %q", name)
	if hint != "" {
		detail += " (" + hint + ")"
	}
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindMissingExport,
		Site:   name,
		Detail: detail,
	}
}

// Trap wraps a guest trap
func Trap(phase Phase, cause error) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindTrap,
		Cause: cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotInitialized creates a not-initialized error for missing module/instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a host registration error
func Registration(namespace, name string, cause error) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s.%s", namespace, name),
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidInput,
		Detail: detail,
		Cause:  cause,
	}
}

// IsFatal reports whether err (or anything it wraps) terminated an instance.
func IsFatal(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Fatal() {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
