package exec

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMoreResults is returned by ResultSet.Next after HasNext reported
	// false. It is a protocol violation, not an end-of-stream signal for
	// callers that check HasNext first.
	ErrNoMoreResults = errors.New("exec: next called on exhausted result set")

	// ErrNoUpstream is returned when a step that needs input has none.
	ErrNoUpstream = errors.New("exec: step has no previous step")

	// ErrTimeout is returned when a statement exceeds its time budget under
	// the EXCEPTION strategy.
	ErrTimeout = errors.New("exec: statement timed out")

	// ErrUnsupportedCondition is returned when a condition cannot drive an
	// index scan.
	ErrUnsupportedCondition = errors.New("exec: condition not supported for index execution")

	// ErrNotSerializable is returned when a plan contains steps that cannot
	// be serialized.
	ErrNotSerializable = errors.New("exec: step cannot be serialized")

	// ErrNotUpdatable is returned by mutation steps given read-only rows.
	ErrNotUpdatable = errors.New("exec: row is not updatable")
)

// CommandError is a semantic failure of a statement: a missing type or
// index, a wrong record kind, an unusable condition. Kind is matched by
// errors.Is.
type CommandError struct {
	Op     string // step or planner that failed
	Detail string
	Kind   error
}

func (e *CommandError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("exec: %s: %s: %v", e.Op, e.Detail, e.Kind)
	}
	return fmt.Sprintf("exec: %s: %s", e.Op, e.Detail)
}

func (e *CommandError) Unwrap() error { return e.Kind }

func commandErr(op string, kind error, format string, args ...any) error {
	return &CommandError{Op: op, Detail: fmt.Sprintf(format, args...), Kind: kind}
}
