package coordinator

import "context"

type ctxKeyCoordinator struct{}

// WithCoordinator attaches c to ctx. The coordinator does this itself for
// every entry invocation, so host functions can call From.
func WithCoordinator(ctx context.Context, c *Coordinator) context.Context {
	return context.WithValue(ctx, ctxKeyCoordinator{}, c)
}

// From returns the coordinator of the instance whose host call is running, or nil.
func From(ctx context.Context) *Coordinator {
	if v := ctx.Value(ctxKeyCoordinator{}); v != nil {
		return v.(*Coordinator)
	}
	return nil
}
