// Package errors provides structured error types for the suspend/resume bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Bridge-level kinds (protocol_violation, region_overflow) terminate the instance
// and are reported to the host. Operation failures travel back to the guest as
// ordinary results and never terminate anything.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseResume, errors.KindProtocolViolation).
//		Site("fd_read").
//		Handle(h).
//		Detail("handle does not match live suspension").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.RegionOverflow("fd_readdir", region.Capacity(), trap)
//	err := errors.OperationFailure("path_open", fs.ErrNotExist)
//
// All errors implement the standard error interface and support errors.Is/As.
// The Err* sentinels match by Kind regardless of Phase.
package errors
