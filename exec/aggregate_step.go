package exec

import (
	"github.com/mstrYoda/graphpipe/expr"
)

func init() {
	registerStep("AggregateProjection", func() Step { return &AggregateProjectionStep{} })
}

// AggregateProjectionStep groups its whole input by GroupBy and computes
// Items per group. Plain items keep the value of the group's last row;
// aggregate calls accumulate. It serves nothing until upstream is drained,
// and keeps one row per group.
type AggregateProjectionStep struct {
	stepBase
	Items   []ProjectionItem
	GroupBy []expr.Expression

	groups []*group
	served int
	done   bool
	in     input
}

type group struct {
	key  []any
	row  *Result
	aggs []expr.AggregationContext
}

func NewAggregateProjectionStep(items []ProjectionItem, groupBy []expr.Expression) *AggregateProjectionStep {
	return &AggregateProjectionStep{Items: items, GroupBy: groupBy}
}

func (s *AggregateProjectionStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *AggregateProjectionStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.done {
		s.done = true
		if err := s.aggregate(ctx); err != nil {
			return nil, false, err
		}
	}
	if s.served >= len(s.groups) {
		return nil, false, nil
	}
	g := s.groups[s.served]
	s.served++
	return g.row, true, nil
}

func (s *AggregateProjectionStep) aggregate(ctx *CommandContext) error {
	index := make(map[uint64][]*group)
	for !s.timedOut {
		row, ok, err := s.in.next(ctx, s.prev, DefaultBatchSize)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		ctx.SetVariable(VarCurrent, row)
		key := make([]any, len(s.GroupBy))
		for i, e := range s.GroupBy {
			if key[i], err = e.Eval(row, ctx); err != nil {
				return err
			}
		}
		h := HashValues(key)
		var g *group
		for _, cand := range index[h] {
			if expr.Equal(cand.key, key) {
				g = cand
				break
			}
		}
		if g == nil {
			if g, err = s.newGroup(key); err != nil {
				return err
			}
			index[h] = append(index[h], g)
		}
		if err := s.apply(ctx, g, row); err != nil {
			return err
		}
	}
	if len(s.groups) == 0 && len(s.GroupBy) == 0 {
		if _, err := s.newGroup(nil); err != nil {
			return err
		}
	}
	for _, g := range s.groups {
		for i, it := range s.Items {
			if g.aggs[i] != nil {
				g.row.Set(it.Name(), g.aggs[i].FinalValue())
			}
		}
	}
	return nil
}

func (s *AggregateProjectionStep) newGroup(key []any) (*group, error) {
	g := &group{key: key, row: NewResult(), aggs: make([]expr.AggregationContext, len(s.Items))}
	for i, it := range s.Items {
		if it.All {
			continue
		}
		if call, ok := it.Expr.(*expr.Call); ok && call.IsAggregate() {
			agg, err := call.NewAggregationContext()
			if err != nil {
				return nil, err
			}
			g.aggs[i] = agg
		} else if expr.ContainsAggregate(it.Expr) {
			return nil, commandErr("group by", ErrUnsupportedCondition, "aggregate nested inside %s", it.Expr)
		}
		g.row.Set(it.Name(), nil)
	}
	s.groups = append(s.groups, g)
	return g, nil
}

func (s *AggregateProjectionStep) apply(ctx *CommandContext, g *group, row *Result) error {
	for i, it := range s.Items {
		switch {
		case it.All:
			copyProperties(g.row, row)
		case g.aggs[i] != nil:
			if err := g.aggs[i].Apply(row, ctx); err != nil {
				return err
			}
		default:
			v, err := it.Expr.Eval(row, ctx)
			if err != nil {
				return err
			}
			g.row.Set(it.Name(), v)
		}
	}
	return nil
}

func (s *AggregateProjectionStep) Reset() {
	s.stepBase.Reset()
	s.groups = nil
	s.served = 0
	s.done = false
	s.in.reset()
}

func (s *AggregateProjectionStep) PrettyPrint(depth, indent int) string {
	out := s.header(depth, indent, "CALCULATE AGGREGATE PROJECTIONS") + body(depth, indent, itemsString(s.Items))
	if len(s.GroupBy) > 0 {
		out += body(depth, indent, "GROUP BY "+exprsString(s.GroupBy))
	}
	return out
}

func (s *AggregateProjectionStep) stepKind() string { return "AggregateProjection" }

func (s *AggregateProjectionStep) serialize() (map[string]any, error) {
	return map[string]any{"items": marshalItems(s.Items), "groupBy": putExprs(s.GroupBy)}, nil
}

func (s *AggregateProjectionStep) deserialize(m map[string]any) (err error) {
	if s.Items, err = unmarshalItems(m, "items"); err != nil {
		return err
	}
	s.GroupBy, err = getExprs(m, "groupBy")
	return err
}

func exprsString(list []expr.Expression) string {
	out := ""
	for i, e := range list {
		if i > 0 {
			out += ", "
		}
		out += e.String()
	}
	return out
}
