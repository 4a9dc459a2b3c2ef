package graphpipe

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ---------------------------------------------------------------------------
// Query Governor: resource limits on statement execution.
//
// MaxResultRows bounds the rows a single Query call may materialize before it
// fails with ErrResultTooLarge. DefaultQueryTimeout puts a deadline on the
// caller's context when it has none; the planner also turns it into a
// TIMEOUT step so the pipeline itself stops pulling.
// ---------------------------------------------------------------------------

// Sentinel errors returned by the governor and panic recovery.
var (
	// ErrResultTooLarge is returned when a statement's result exceeds
	// Options.MaxResultRows. Add a LIMIT or use Stream.
	ErrResultTooLarge = errors.New("graphpipe: result set exceeds MaxResultRows limit")

	// ErrQueryPanic is returned when plan execution panics. The panic value
	// and stack trace are included in the message.
	ErrQueryPanic = errors.New("graphpipe: query panicked")
)

// queryGovernor is created once in Open and read-only afterwards.
type queryGovernor struct {
	maxRows        int           // 0 = unlimited
	defaultTimeout time.Duration // 0 = no default timeout
}

// wrapContext applies the default timeout when ctx has no deadline. The
// caller's deadline always wins. The returned cancel must be called.
func (g *queryGovernor) wrapContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.defaultTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		return context.WithTimeout(ctx, g.defaultTimeout)
	}
	return ctx, func() {}
}

// checkRowCount fails once n rows exceed the limit.
func (g *queryGovernor) checkRowCount(n int) error {
	if g.maxRows > 0 && n > g.maxRows {
		return fmt.Errorf("%w (%d)", ErrResultTooLarge, g.maxRows)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Panic Recovery
// ---------------------------------------------------------------------------

// safeExecute runs fn and converts a panic into an error wrapping
// ErrQueryPanic. Applied at every public statement entry point.
func safeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn()
}

// safeExecuteResult is safeExecute for functions returning a value.
func safeExecuteResult[T any](fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = panicError(r)
		}
	}()
	return fn()
}

func panicError(r any) error {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return fmt.Errorf("%w: %v\n\nstack trace:\n%s", ErrQueryPanic, r, buf[:n])
}
