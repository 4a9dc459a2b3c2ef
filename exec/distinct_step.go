package exec

import "github.com/mstrYoda/graphpipe/storage"

func init() {
	registerStep("Distinct", func() Step { return &DistinctStep{} })
}

// DistinctStep drops rows equal to one already served. Persistent elements
// are remembered by identity only; every other row by content hash, with
// Equal resolving hash collisions. First occurrences keep their order.
type DistinctStep struct {
	stepBase
	rids map[storage.RID]struct{}
	rows map[uint64][]*Result
	in   input
}

func NewDistinctStep() *DistinctStep { return &DistinctStep{} }

func (s *DistinctStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *DistinctStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	if s.rids == nil {
		s.rids = make(map[storage.RID]struct{})
		s.rows = make(map[uint64][]*Result)
	}
	for {
		row, ok, err := s.in.next(ctx, s.prev, want)
		if err != nil || !ok {
			return nil, false, err
		}
		if !s.seen(row) {
			return row, true, nil
		}
	}
}

// seen records row and reports whether an equal row was recorded before.
func (s *DistinctStep) seen(row *Result) bool {
	if rid := row.Identity(); row.IsElement() && rid.IsPersistent() {
		if _, ok := s.rids[rid]; ok {
			return true
		}
		s.rids[rid] = struct{}{}
		return false
	}
	h := row.Hash()
	for _, prior := range s.rows[h] {
		if prior.Equal(row) {
			return true
		}
	}
	s.rows[h] = append(s.rows[h], row)
	return false
}

func (s *DistinctStep) Reset() {
	s.stepBase.Reset()
	s.rids = nil
	s.rows = nil
	s.in.reset()
}

func (s *DistinctStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "DISTINCT")
}

func (s *DistinctStep) stepKind() string                   { return "Distinct" }
func (s *DistinctStep) serialize() (map[string]any, error) { return nil, nil }
func (s *DistinctStep) deserialize(map[string]any) error   { return nil }
