package exec

import (
	"fmt"
	"strings"
	"time"
)

// DefaultBatchSize is used when a caller pulls with a non-positive size.
const DefaultBatchSize = 100

// Step is one node of an execution chain. A consumer pulls at most n rows at
// a time; a step pulls its predecessor only when it needs more input.
type Step interface {
	// Pull returns the next batch of at most n rows. A batch with zero rows
	// means the stream is exhausted.
	Pull(ctx *CommandContext, n int) (ResultSet, error)

	Prev() Step
	SetPrev(Step)
	Next() Step
	SetNext(Step)

	// SendTimeout marks the step and every step upstream of it as timed out;
	// they stop producing rows.
	SendTimeout()
	TimedOut() bool

	// Close releases cursors. It is safe after an error and propagates
	// upstream once.
	Close()

	// Reset prepares the step for another execution.
	Reset()

	PrettyPrint(depth, indent int) string

	// CanBeCached reports whether the step depends only on its serialized
	// fields.
	CanBeCached() bool

	// Cost and Rows are the profiling counters.
	Cost() time.Duration
	Rows() int64

	base() *stepBase
}

// producer is implemented by every step: produce returns the step's next
// output row, or ok=false at end of stream. want is how many rows the
// current consumer batch still has room for.
type producer interface {
	produce(ctx *CommandContext, want int) (*Result, bool, error)
}

// stepBase carries the links, flags and output cursor state shared by every
// step.
type stepBase struct {
	prev Step
	next Step

	timedOut bool
	// ownsDeadline steps keep producing (and reporting) after their own
	// timeout fired.
	ownsDeadline bool
	closed       bool

	profiling bool
	cost      time.Duration
	rows      int64

	peeked *Result
	eof    bool
}

func (b *stepBase) base() *stepBase { return b }

func (b *stepBase) Prev() Step     { return b.prev }
func (b *stepBase) SetPrev(s Step) { b.prev = s }
func (b *stepBase) Next() Step     { return b.next }
func (b *stepBase) SetNext(s Step) { b.next = s }
func (b *stepBase) TimedOut() bool { return b.timedOut }

func (b *stepBase) CanBeCached() bool { return true }

func (b *stepBase) Cost() time.Duration { return b.cost }
func (b *stepBase) Rows() int64         { return b.rows }

func (b *stepBase) SendTimeout() {
	b.timedOut = true
	if b.prev != nil {
		b.prev.SendTimeout()
	}
}

func (b *stepBase) Close() {
	if b.closed {
		return
	}
	b.closed = true
	if b.prev != nil {
		b.prev.Close()
	}
}

func (b *stepBase) Reset() {
	b.timedOut = false
	b.closed = false
	b.cost = 0
	b.rows = 0
	b.peeked = nil
	b.eof = false
}

// pull is the shared Pull implementation.
func (b *stepBase) pull(p producer, ctx *CommandContext, n int) (ResultSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = DefaultBatchSize
	}
	b.profiling = ctx.Profiling()
	return &batchSet{b: b, p: p, ctx: ctx, left: n}, nil
}

// batchSet serves one pull of a step. The look-ahead row lives in the step,
// so a row peeked by HasNext at the end of a full batch is served by the
// next pull.
type batchSet struct {
	b    *stepBase
	p    producer
	ctx  *CommandContext
	left int
}

func (s *batchSet) HasNext() (bool, error) {
	b := s.b
	if s.left <= 0 {
		return false, nil
	}
	if b.peeked != nil {
		return true, nil
	}
	if b.eof || (b.timedOut && !b.ownsDeadline) {
		return false, nil
	}
	if err := s.ctx.Err(); err != nil {
		return false, err
	}
	var start time.Time
	if b.profiling {
		start = time.Now()
	}
	r, ok, err := s.p.produce(s.ctx, s.left)
	if b.profiling {
		b.cost += time.Since(start)
	}
	if err != nil {
		return false, err
	}
	if !ok {
		b.eof = true
		return false, nil
	}
	b.peeked = r
	return true, nil
}

func (s *batchSet) Next() (*Result, error) {
	ok, err := s.HasNext()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoMoreResults
	}
	r := s.b.peeked
	s.b.peeked = nil
	s.left--
	s.b.rows++
	return r, nil
}

func (s *batchSet) Close() error { return nil }

// ---------------------------------------------------------------------------
// Upstream reading
// ---------------------------------------------------------------------------

// input reads the previous step row by row across as many upstream batches
// as needed. The upstream is exhausted when a pull returns no rows.
type input struct {
	rs  ResultSet
	got int
	eof bool
}

func (in *input) next(ctx *CommandContext, prev Step, want int) (*Result, bool, error) {
	if prev == nil {
		return nil, false, ErrNoUpstream
	}
	if want <= 0 {
		want = DefaultBatchSize
	}
	for !in.eof {
		if in.rs == nil {
			rs, err := prev.Pull(ctx, want)
			if err != nil {
				return nil, false, err
			}
			in.rs, in.got = rs, 0
		}
		ok, err := in.rs.HasNext()
		if err != nil {
			return nil, false, err
		}
		if ok {
			r, err := in.rs.Next()
			if err != nil {
				return nil, false, err
			}
			in.got++
			return r, true, nil
		}
		in.rs.Close()
		in.rs = nil
		if in.got == 0 {
			in.eof = true
		}
	}
	return nil, false, nil
}

func (in *input) reset() { *in = input{} }

// drainPrev runs a preceding chain (global LETs ahead of a source step) for
// its effects.
func (b *stepBase) drainPrev(ctx *CommandContext) error {
	if b.prev == nil {
		return nil
	}
	_, err := PullAll(ctx, b.prev, DefaultBatchSize)
	return err
}

// pullBatch drains one upstream batch into a slice.
func pullBatch(ctx *CommandContext, prev Step, n int) ([]*Result, error) {
	if prev == nil {
		return nil, ErrNoUpstream
	}
	rs, err := prev.Pull(ctx, n)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return Drain(rs)
}

// ---------------------------------------------------------------------------
// Chains
// ---------------------------------------------------------------------------

// chain links steps in order and returns the last one.
func chain(steps ...Step) Step {
	var last Step
	for _, s := range steps {
		if s == nil {
			continue
		}
		if last != nil {
			s.SetPrev(last)
			last.SetNext(s)
		}
		last = s
	}
	return last
}

// ---------------------------------------------------------------------------
// Pretty printing
// ---------------------------------------------------------------------------

func spaces(depth, indent int) string {
	return strings.Repeat(" ", depth*indent)
}

// header renders "+ TITLE" at the step's indentation, with the profiling
// cost when it was collected.
func (b *stepBase) header(depth, indent int, format string, args ...any) string {
	s := spaces(depth, indent) + "+ " + fmt.Sprintf(format, args...)
	if b.profiling {
		s += fmt.Sprintf(" (%dμs, %d rows)", b.cost.Microseconds(), b.rows)
	}
	return s
}

// body renders extra lines two columns right of the header.
func body(depth, indent int, lines ...string) string {
	pad := spaces(depth, indent) + "  "
	var sb strings.Builder
	for _, l := range lines {
		for _, part := range strings.Split(l, "\n") {
			sb.WriteString("\n")
			sb.WriteString(pad)
			sb.WriteString(part)
		}
	}
	return sb.String()
}
