package exec

import (
	"fmt"
	"time"
)

func init() {
	registerStep("AccumulatingTimeout", func() Step { return &AccumulatingTimeoutStep{} })
	registerStep("Timeout", func() Step { return &TimeoutStep{} })
}

// timeoutState is the fail path shared by both timeout flavours.
type timeoutState struct {
	Timeout  time.Duration
	Strategy TimeoutStrategy
	failed   bool
}

// fail marks the chain timed out and returns what produce should return.
func (t *timeoutState) fail(ctx *CommandContext, self Step, spent time.Duration) (*Result, bool, error) {
	if !t.failed {
		t.failed = true
		self.SendTimeout()
		ctx.AddStat(StatTimeouts, 1)
		ctx.Logger().Debug("statement timed out",
			"exec_id", ctx.ID(), "budget", t.Timeout, "spent", spent, "strategy", t.Strategy.String())
	}
	if t.Strategy == TimeoutReturn {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("%w: budget of %s exceeded", ErrTimeout, t.Timeout)
}

func (t *timeoutState) reset() { t.failed = false }

func (t *timeoutState) serialize() map[string]any {
	return map[string]any{"timeout": int64(t.Timeout), "strategy": int64(t.Strategy)}
}

func (t *timeoutState) deserialize(m map[string]any) {
	t.Timeout = time.Duration(getInt(m, "timeout"))
	t.Strategy = TimeoutStrategy(getInt(m, "strategy"))
}

// AccumulatingTimeoutStep charges only the time spent inside upstream calls
// made through it. Once the total passes Timeout it takes the fail path
// before serving another row.
type AccumulatingTimeoutStep struct {
	stepBase
	timeoutState
	spent time.Duration
	in    input
}

func NewAccumulatingTimeoutStep(timeout time.Duration, strategy TimeoutStrategy) *AccumulatingTimeoutStep {
	return &AccumulatingTimeoutStep{timeoutState: timeoutState{Timeout: timeout, Strategy: strategy}}
}

func (s *AccumulatingTimeoutStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	s.ownsDeadline = true
	return s.pull(s, ctx, n)
}

func (s *AccumulatingTimeoutStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	if s.failed {
		return s.fail(ctx, s, s.spent)
	}
	start := time.Now()
	row, ok, err := s.in.next(ctx, s.prev, want)
	s.spent += time.Since(start)
	if err != nil {
		return nil, false, err
	}
	if s.spent > s.Timeout {
		return s.fail(ctx, s, s.spent)
	}
	return row, ok, nil
}

func (s *AccumulatingTimeoutStep) Reset() {
	s.stepBase.Reset()
	s.timeoutState.reset()
	s.spent = 0
	s.in.reset()
}

func (s *AccumulatingTimeoutStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "TIMEOUT (%dms, %s)", s.Timeout.Milliseconds(), s.Strategy)
}

func (s *AccumulatingTimeoutStep) stepKind() string { return "AccumulatingTimeout" }

func (s *AccumulatingTimeoutStep) serialize() (map[string]any, error) {
	return s.timeoutState.serialize(), nil
}

func (s *AccumulatingTimeoutStep) deserialize(m map[string]any) error {
	s.timeoutState.deserialize(m)
	return nil
}

// TimeoutStep fixes its deadline at the first pull and fails once the wall
// clock passes it.
type TimeoutStep struct {
	stepBase
	timeoutState
	started  time.Time
	deadline time.Time
	in       input
}

func NewTimeoutStep(timeout time.Duration, strategy TimeoutStrategy) *TimeoutStep {
	return &TimeoutStep{timeoutState: timeoutState{Timeout: timeout, Strategy: strategy}}
}

func (s *TimeoutStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	s.ownsDeadline = true
	if s.deadline.IsZero() {
		s.started = time.Now()
		s.deadline = s.started.Add(s.Timeout)
	}
	return s.pull(s, ctx, n)
}

func (s *TimeoutStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	if s.failed || time.Now().After(s.deadline) {
		return s.fail(ctx, s, time.Since(s.started))
	}
	return s.in.next(ctx, s.prev, want)
}

func (s *TimeoutStep) Reset() {
	s.stepBase.Reset()
	s.timeoutState.reset()
	s.started = time.Time{}
	s.deadline = time.Time{}
	s.in.reset()
}

func (s *TimeoutStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "TIMEOUT (deadline %dms, %s)", s.Timeout.Milliseconds(), s.Strategy)
}

func (s *TimeoutStep) stepKind() string { return "Timeout" }

func (s *TimeoutStep) serialize() (map[string]any, error) {
	return s.timeoutState.serialize(), nil
}

func (s *TimeoutStep) deserialize(m map[string]any) error {
	s.timeoutState.deserialize(m)
	return nil
}
