// Package coordinator suspends and resumes asyncify-instrumented guests.
//
// A guest compiled against a synchronous interface calls into the host, and
// the host cannot block. The coordinator lets a host function park the call:
//
//	Begin(op)     fast path: op.Poll has the result, return it
//	              slow path: reset the region header, start unwinding
//	Start/HostComplete
//	              entry returns while unwinding: stop unwinding, hand the
//	              Pending operation to the host
//	HostComplete  start rewinding, re-invoke the entry; the guest re-enters
//	              the same host function, Begin stops the rewind and returns
//	              the injected result
//
// Only one suspension may be outstanding per instance. Protocol violations
// and region overflows terminate the instance; operation failures are
// delivered to the guest through Result.Err.
//
// Host functions find their coordinator through From(ctx):
//
//	c := coordinator.From(ctx)
//	res, sig, err := c.Begin(ctx, op)
//	if err != nil {
//		panic(err)
//	}
//	if sig == coordinator.SignalSuspended {
//		return
//	}
//	// write res to the guest
package coordinator
