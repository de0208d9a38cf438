package runtime

import (
	"context"

	"github.com/wippyai/wasi-bridge/coordinator"
	"github.com/wippyai/wasi-bridge/errors"
)

// Session wraps a coordinator for step-based execution.
//
//	step, err := s.Start()
//	for err == nil && step.Status == coordinator.StepSuspended {
//		res := step.Pending.Execute(ctx) // or hand it to an event loop
//		step, err = s.Complete(step.Pending.Handle, res)
//	}
type Session struct {
	ctx   context.Context
	coord *coordinator.Coordinator
	entry coordinator.Entry
	args  []uint64
}

// Start invokes the entry function. It returns when the guest either
// finishes or suspends.
func (s *Session) Start() (coordinator.Step, error) {
	if s == nil || s.coord == nil {
		return coordinator.Step{}, errors.NotInitialized(errors.PhaseRuntime, "session")
	}
	return s.coord.Start(s.ctx, s.entry, s.args...)
}

// Complete delivers the result of the pending operation identified by h
// and continues the guest.
func (s *Session) Complete(h coordinator.Handle, res coordinator.Result) (coordinator.Step, error) {
	if s == nil || s.coord == nil {
		return coordinator.Step{}, errors.NotInitialized(errors.PhaseRuntime, "session")
	}
	return s.coord.HostComplete(s.ctx, h, res)
}

// Pending returns the outstanding operation, or nil.
func (s *Session) Pending() *coordinator.Pending {
	return s.coord.Pending()
}

// Cancel terminates the guest. It cannot be continued afterwards.
func (s *Session) Cancel(cause error) {
	s.coord.Terminate(errors.Terminated(errors.PhaseRuntime, cause))
}
