package exec

import (
	"sort"
	"strings"

	"github.com/mstrYoda/graphpipe/expr"
)

func init() {
	registerStep("OrderBy", func() Step { return &OrderByStep{} })
}

// OrderItem is one sort key.
type OrderItem struct {
	Expr expr.Expression
	Desc bool
}

func (o OrderItem) String() string {
	if o.Desc {
		return o.Expr.String() + " DESC"
	}
	return o.Expr.String() + " ASC"
}

// OrderByStep sorts its input. When Limit is known the buffer is cut back to
// skip+limit rows whenever it grows past twice that, so memory stays
// bounded; otherwise the whole input is buffered and sorted once. Equal keys
// keep their input order.
type OrderByStep struct {
	stepBase
	Items []OrderItem
	// Skip and Limit of the enclosing statement; only their sum matters here.
	Skip  expr.Expression
	Limit expr.Expression

	buf    []sortEntry
	seq    int
	served int
	done   bool
}

type sortEntry struct {
	row  *Result
	keys []any
	seq  int
}

func NewOrderByStep(items []OrderItem, skip, limit expr.Expression) *OrderByStep {
	return &OrderByStep{Items: items, Skip: skip, Limit: limit}
}

func (s *OrderByStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *OrderByStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.done {
		s.done = true
		if err := s.fill(ctx); err != nil {
			return nil, false, err
		}
	}
	if s.served >= len(s.buf) {
		return nil, false, nil
	}
	r := s.buf[s.served].row
	s.served++
	return r, true, nil
}

// maxResults is skip+limit, or -1 without a limit.
func (s *OrderByStep) maxResults(ctx *CommandContext) (int, error) {
	limit, err := evalCount(ctx, s.Limit)
	if err != nil || limit < 0 {
		return -1, err
	}
	skip, err := evalCount(ctx, s.Skip)
	if err != nil {
		return -1, err
	}
	if skip < 0 {
		skip = 0
	}
	return int(skip + limit), nil
}

func (s *OrderByStep) fill(ctx *CommandContext) error {
	keep, err := s.maxResults(ctx)
	if err != nil {
		return err
	}
	for !s.timedOut {
		batch, err := pullBatch(ctx, s.prev, DefaultBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		for _, row := range batch {
			ctx.SetVariable(VarCurrent, row)
			keys := make([]any, len(s.Items))
			for i, it := range s.Items {
				if keys[i], err = it.Expr.Eval(row, ctx); err != nil {
					return err
				}
			}
			s.buf = append(s.buf, sortEntry{row: row, keys: keys, seq: s.seq})
			s.seq++
		}
		if keep >= 0 && len(s.buf) > 2*keep {
			s.compact(keep)
		}
	}
	s.compact(keep)
	return nil
}

func (s *OrderByStep) compact(keep int) {
	sort.SliceStable(s.buf, func(i, j int) bool { return s.less(s.buf[i], s.buf[j]) })
	if keep >= 0 && len(s.buf) > keep {
		clear(s.buf[keep:])
		s.buf = s.buf[:keep]
	}
}

func (s *OrderByStep) less(a, b sortEntry) bool {
	for i, it := range s.Items {
		c, _ := expr.Compare(a.keys[i], b.keys[i])
		if c == 0 {
			continue
		}
		if it.Desc {
			return c > 0
		}
		return c < 0
	}
	return a.seq < b.seq
}

func (s *OrderByStep) Reset() {
	s.stepBase.Reset()
	s.buf = nil
	s.seq = 0
	s.served = 0
	s.done = false
}

func (s *OrderByStep) PrettyPrint(depth, indent int) string {
	parts := make([]string, len(s.Items))
	for i, it := range s.Items {
		parts[i] = it.String()
	}
	out := s.header(depth, indent, "ORDER BY %s", strings.Join(parts, ", "))
	if s.Limit != nil {
		if s.Skip != nil {
			out += body(depth, indent, "(buffer size: "+s.Skip.String()+" + "+s.Limit.String()+")")
		} else {
			out += body(depth, indent, "(buffer size: "+s.Limit.String()+")")
		}
	}
	return out
}

func (s *OrderByStep) stepKind() string { return "OrderBy" }

func (s *OrderByStep) serialize() (map[string]any, error) {
	items := make([]any, len(s.Items))
	for i, it := range s.Items {
		items[i] = map[string]any{"expr": expr.Marshal(it.Expr), "desc": it.Desc}
	}
	return map[string]any{"items": items, "skip": expr.Marshal(s.Skip), "limit": expr.Marshal(s.Limit)}, nil
}

func (s *OrderByStep) deserialize(m map[string]any) error {
	for _, sub := range getMaps(m, "items") {
		e, err := getExpr(sub, "expr")
		if err != nil {
			return err
		}
		s.Items = append(s.Items, OrderItem{Expr: e, Desc: getBool(sub, "desc")})
	}
	var err error
	if s.Skip, err = getExpr(m, "skip"); err != nil {
		return err
	}
	s.Limit, err = getExpr(m, "limit")
	return err
}
