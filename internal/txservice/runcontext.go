package txservice

import "context"

// Run-context binding lets a handler append compensation entries via
// LogCompensation without threading the run identity through its own
// signature, while avoiding a process-wide global: the run ID travels as
// an ordinary context.Context value, set by the engine immediately before
// invoking the handler and scoped to that call's context tree.

type runIDKey struct{}

// WithRunID returns a copy of ctx carrying runID. The engine calls this
// once per handler invocation; the derived context is what the handler
// (and anything it calls, including LogCompensation) receives.
func WithRunID(ctx context.Context, runID int64) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext extracts the run ID bound by WithRunID. ok is false
// outside a handler invocation.
func RunIDFromContext(ctx context.Context) (id int64, ok bool) {
	id, ok = ctx.Value(runIDKey{}).(int64)
	return id, ok
}
