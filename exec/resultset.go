package exec

// ResultSet is a forward-only cursor over one batch of rows. HasNext may be
// called any number of times; Next after HasNext reported false returns
// ErrNoMoreResults.
type ResultSet interface {
	HasNext() (bool, error)
	Next() (*Result, error)
	Close() error
}

// ListResultSet serves rows from memory and can be rewound.
type ListResultSet struct {
	rows []*Result
	pos  int
}

// NewListResultSet wraps rows.
func NewListResultSet(rows []*Result) *ListResultSet {
	return &ListResultSet{rows: rows}
}

func (l *ListResultSet) HasNext() (bool, error) { return l.pos < len(l.rows), nil }

func (l *ListResultSet) Next() (*Result, error) {
	if l.pos >= len(l.rows) {
		return nil, ErrNoMoreResults
	}
	r := l.rows[l.pos]
	l.pos++
	return r, nil
}

func (l *ListResultSet) Close() error { return nil }

// Reset rewinds to the first row.
func (l *ListResultSet) Reset() { l.pos = 0 }

// Len returns the number of rows.
func (l *ListResultSet) Len() int { return len(l.rows) }

// EmptyResultSet has no rows.
type EmptyResultSet struct{}

func (EmptyResultSet) HasNext() (bool, error) { return false, nil }
func (EmptyResultSet) Next() (*Result, error) { return nil, ErrNoMoreResults }
func (EmptyResultSet) Close() error           { return nil }

// Drain reads every remaining row of rs.
func Drain(rs ResultSet) ([]*Result, error) {
	var out []*Result
	for {
		ok, err := rs.HasNext()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		r, err := rs.Next()
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
}

// PullAll pulls s in batches of n until a batch comes back empty.
func PullAll(ctx *CommandContext, s Step, n int) ([]*Result, error) {
	var out []*Result
	for {
		batch, err := pullBatch(ctx, s, n)
		out = append(out, batch...)
		if err != nil {
			return out, err
		}
		if len(batch) == 0 {
			return out, nil
		}
	}
}

// Stream is the pull-driven ResultSet over a whole plan: it pulls the last
// step in batches and hides the batch boundaries.
type Stream struct {
	ctx    *CommandContext
	step   Step
	batch  int
	in     input
	peeked *Result
	done   bool
	onDone func()
}

// NewStream streams every row of s, pulling batch rows at a time.
func NewStream(ctx *CommandContext, s Step, batch int) *Stream {
	return &Stream{ctx: ctx, step: s, batch: batch}
}

func (s *Stream) HasNext() (bool, error) {
	if s.peeked != nil {
		return true, nil
	}
	if s.done {
		return false, nil
	}
	r, ok, err := s.in.next(s.ctx, s.step, s.batch)
	if err != nil {
		return false, err
	}
	if !ok {
		s.finish()
		return false, nil
	}
	s.peeked = r
	return true, nil
}

func (s *Stream) Next() (*Result, error) {
	ok, err := s.HasNext()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoMoreResults
	}
	r := s.peeked
	s.peeked = nil
	return r, nil
}

// Close closes the underlying chain.
func (s *Stream) Close() error {
	s.finish()
	s.step.Close()
	return nil
}

// OnDone registers a callback run once, when the stream ends or is closed.
func (s *Stream) OnDone(fn func()) { s.onDone = fn }

func (s *Stream) finish() {
	s.done = true
	if s.onDone != nil {
		fn := s.onDone
		s.onDone = nil
		fn()
	}
}
