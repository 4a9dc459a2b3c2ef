package exec

import (
	"fmt"

	"github.com/mstrYoda/graphpipe/storage"
)

func init() {
	registerStep("MatchPrefetch", func() Step { return &MatchPrefetchStep{} })
	registerStep("MatchFirst", func() Step { return &MatchFirstStep{} })
	registerStep("Match", func() Step { return &MatchStep{} })
	registerStep("OptionalMatch", func() Step { return &OptionalMatchStep{} })
	registerStep("FilterNotMatchPattern", func() Step { return &FilterNotMatchPatternStep{} })
	registerStep("RemoveEmptyOptionals", func() Step { return &RemoveEmptyOptionalsStep{} })
	registerStep("ReturnMatchPatterns", func() Step { return &ReturnMatchPatternsStep{} })
	registerStep("ReturnMatchPaths", func() Step { return &ReturnMatchPathsStep{} })
	registerStep("ReturnMatchElements", func() Step { return &ReturnMatchElementsStep{} })
}

// emptyOptional marks an optional alias that matched nothing. It is replaced
// by nil before rows leave the pattern steps.
type emptyOptional struct{}

func (emptyOptional) String() string { return "<empty optional>" }

func isEmptyOptional(v any) bool {
	_, ok := v.(emptyOptional)
	return ok
}

func prefetchVar(alias string) string { return "prefetched_" + alias }

// boundRecord returns the element a row binds alias to.
func boundRecord(ctx *CommandContext, row *Result, alias string) (storage.Record, bool, error) {
	v, ok := row.Property(alias)
	if !ok || v == nil || isEmptyOptional(v) {
		return nil, false, nil
	}
	switch t := v.(type) {
	case storage.Record:
		return t, true, nil
	case *Result:
		if el := t.Element(); el != nil {
			return el, true, nil
		}
	case storage.RID:
		rec, err := ctx.Tx().Load(t)
		if storage.IsNotFound(err) {
			return nil, false, nil
		}
		return rec, err == nil, err
	}
	return nil, false, commandErr("match", storage.ErrWrongKind, "alias %s is bound to %v, not a record", alias, v)
}

// ---------------------------------------------------------------------------
// Prefetch and first alias
// ---------------------------------------------------------------------------

// MatchPrefetchStep runs the candidate query of a small alias once and
// keeps its rows in the context for every step that starts from that alias.
// It produces no rows.
type MatchPrefetchStep struct {
	stepBase
	Alias string
	Sub   Plan
}

func NewMatchPrefetchStep(alias string, sub Plan) *MatchPrefetchStep {
	return &MatchPrefetchStep{Alias: alias, Sub: sub}
}

func (s *MatchPrefetchStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *MatchPrefetchStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if err := s.drainPrev(ctx); err != nil {
		return nil, false, err
	}
	rows, err := runSubPlan(ctx.Child(), s.Sub)
	if err != nil {
		return nil, false, err
	}
	ctx.SetVariable(prefetchVar(s.Alias), rows)
	ctx.Logger().Debug("match alias prefetched", "exec_id", ctx.ID(), "alias", s.Alias, "rows", len(rows))
	return nil, false, nil
}

func (s *MatchPrefetchStep) Close() {
	s.Sub.Close()
	s.stepBase.Close()
}

func (s *MatchPrefetchStep) CanBeCached() bool { return s.Sub.CanBeCached() }

func (s *MatchPrefetchStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "PREFETCH %s", s.Alias) + "\n" + s.Sub.PrettyPrint(depth+1, indent)
}

func (s *MatchPrefetchStep) stepKind() string { return "MatchPrefetch" }

func (s *MatchPrefetchStep) serialize() (map[string]any, error) {
	sub, err := subPlanMap(s.Sub)
	if err != nil {
		return nil, err
	}
	return map[string]any{"alias": s.Alias, "sub": sub}, nil
}

func (s *MatchPrefetchStep) deserialize(m map[string]any) (err error) {
	s.Alias = getString(m, "alias")
	if s.Sub, err = subPlanFrom(m, "sub"); err == nil && s.Sub == nil {
		err = fmt.Errorf("missing prefetch plan")
	}
	return err
}

// MatchFirstStep binds the root alias of a pattern: one row {Alias: element}
// per candidate, read from the prefetched rows when there are any, else from
// Sub. With Join set it binds the root of a further, disconnected part of
// the pattern instead: every upstream row is crossed with every candidate.
type MatchFirstStep struct {
	stepBase
	Alias string
	Sub   Plan
	Join  bool

	cands   []*Result
	rs      ResultSet
	pos     int
	started bool
	cur     *Result
	in      input
}

func NewMatchFirstStep(alias string, sub Plan) *MatchFirstStep {
	return &MatchFirstStep{Alias: alias, Sub: sub}
}

func (s *MatchFirstStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *MatchFirstStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	if s.Join {
		return s.produceJoin(ctx, want)
	}
	if !s.started {
		s.started = true
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
		if rows, ok := s.prefetched(ctx); ok {
			s.cands = rows
		} else {
			if s.Sub == nil {
				return nil, false, commandErr("match", ErrNoUpstream, "alias %s has no candidates", s.Alias)
			}
			rs, err := s.Sub.Execute(ctx.Child())
			if err != nil {
				return nil, false, err
			}
			s.rs = rs
		}
	}
	if s.rs == nil {
		if s.pos >= len(s.cands) {
			return nil, false, nil
		}
		s.pos++
		return s.bind(nil, s.cands[s.pos-1]), true, nil
	}
	ok, err := s.rs.HasNext()
	if err != nil || !ok {
		return nil, false, err
	}
	cand, err := s.rs.Next()
	if err != nil {
		return nil, false, err
	}
	return s.bind(nil, cand), true, nil
}

// produceJoin reads the candidates only after the first upstream row, so the
// prefetch steps at the head of the chain have run.
func (s *MatchFirstStep) produceJoin(ctx *CommandContext, want int) (*Result, bool, error) {
	for {
		if s.cur != nil && s.pos < len(s.cands) {
			s.pos++
			return s.bind(s.cur, s.cands[s.pos-1]), true, nil
		}
		row, ok, err := s.in.next(ctx, s.prev, want)
		if err != nil || !ok {
			return nil, false, err
		}
		if !s.started {
			s.started = true
			if rows, ok := s.prefetched(ctx); ok {
				s.cands = rows
			} else if s.Sub != nil {
				if s.cands, err = runSubPlan(ctx.Child(), s.Sub); err != nil {
					return nil, false, err
				}
			}
		}
		s.cur, s.pos = row, 0
	}
}

func (s *MatchFirstStep) prefetched(ctx *CommandContext) ([]*Result, bool) {
	v, ok := ctx.Variable(prefetchVar(s.Alias))
	if !ok {
		return nil, false
	}
	rows, ok := v.([]*Result)
	return rows, ok
}

func (s *MatchFirstStep) bind(base, cand *Result) *Result {
	row := NewResult()
	if base != nil {
		row = base.Copy()
	}
	if el := cand.Element(); el != nil {
		row.Set(s.Alias, el)
	} else {
		row.Set(s.Alias, cand)
	}
	return row
}

func (s *MatchFirstStep) Close() {
	if s.rs != nil {
		s.rs.Close()
	}
	if s.Sub != nil {
		s.Sub.Close()
	}
	s.stepBase.Close()
}

func (s *MatchFirstStep) Reset() {
	s.stepBase.Reset()
	s.cands = nil
	s.rs = nil
	s.pos = 0
	s.started = false
	s.cur = nil
	s.in.reset()
	if s.Sub != nil {
		s.Sub.Reset()
	}
}

func (s *MatchFirstStep) CanBeCached() bool { return s.Sub == nil || s.Sub.CanBeCached() }

func (s *MatchFirstStep) PrettyPrint(depth, indent int) string {
	title := "SET"
	if s.Join {
		title = "CARTESIAN PRODUCT WITH"
	}
	out := s.header(depth, indent, "%s", title) + body(depth, indent, "{"+s.Alias+"}")
	if s.Sub != nil {
		out += "\n" + s.Sub.PrettyPrint(depth+1, indent)
	}
	return out
}

func (s *MatchFirstStep) stepKind() string { return "MatchFirst" }

func (s *MatchFirstStep) serialize() (map[string]any, error) {
	sub, err := subPlanMap(s.Sub)
	if err != nil {
		return nil, err
	}
	return map[string]any{"alias": s.Alias, "sub": sub, "join": s.Join}, nil
}

func (s *MatchFirstStep) deserialize(m map[string]any) (err error) {
	s.Alias = getString(m, "alias")
	s.Join = getBool(m, "join")
	s.Sub, err = subPlanFrom(m, "sub")
	return err
}

// ---------------------------------------------------------------------------
// Edge traversal
// ---------------------------------------------------------------------------

// MatchStep extends each partial match along one pattern edge. A candidate
// whose alias is already bound to a different element is dropped.
type MatchStep struct {
	stepBase
	Edge EdgeTraversal

	optional bool
	pending  []*Result
	in       input
}

func NewMatchStep(edge EdgeTraversal) *MatchStep { return &MatchStep{Edge: edge} }

func (s *MatchStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *MatchStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	for len(s.pending) == 0 {
		row, ok, err := s.in.next(ctx, s.prev, want)
		if err != nil || !ok {
			return nil, false, err
		}
		if s.pending, err = s.extend(ctx, row); err != nil {
			return nil, false, err
		}
	}
	r := s.pending[0]
	s.pending = s.pending[1:]
	return r, true, nil
}

func (s *MatchStep) extend(ctx *CommandContext, row *Result) ([]*Result, error) {
	e := s.Edge
	start, ok, err := boundRecord(ctx, row, e.From)
	if err != nil {
		return nil, err
	}
	if !ok {
		if s.optional {
			return []*Result{s.emptyMatch(row)}, nil
		}
		return nil, nil
	}
	ctx.SetVariable(VarMatched, row)
	hits, err := traverse(ctx, start, e.Item, e.TargetFilter)
	if err != nil {
		return nil, err
	}
	var out []*Result
	for _, h := range hits {
		if prior, bound, err := boundRecord(ctx, row, e.To); err != nil {
			return nil, err
		} else if bound && prior.Identity() != h.rec.Identity() {
			continue
		}
		next := row.Copy()
		next.Set(e.To, h.rec)
		if e.Item.IsRecursive() {
			next.SetMetadata(MetaDepth, int64(h.depth))
			next.SetMetadata(MetaMatchPath, ridList(h.path))
			next.SetMetadata(MetaStack, reversedRIDs(h.path))
		}
		if e.Item.DepthAlias != "" {
			next.Set(e.Item.DepthAlias, int64(h.depth))
		}
		if e.Item.PathAlias != "" {
			next.Set(e.Item.PathAlias, ridList(h.path))
		}
		out = append(out, next)
	}
	if len(out) == 0 && s.optional {
		out = append(out, s.emptyMatch(row))
	}
	return out, nil
}

func (s *MatchStep) emptyMatch(row *Result) *Result {
	next := row.Copy()
	if v, ok := next.Property(s.Edge.To); !ok || v == nil {
		next.Set(s.Edge.To, emptyOptional{})
	}
	return next
}

func (s *MatchStep) Reset() {
	s.stepBase.Reset()
	s.pending = nil
	s.in.reset()
}

func (s *MatchStep) PrettyPrint(depth, indent int) string {
	title := "MATCH"
	if s.optional {
		title = "OPTIONAL MATCH"
	}
	arrow := "---->"
	if s.Edge.Reverse {
		arrow = "<----"
	}
	return s.header(depth, indent, "%s %s", title, arrow) + body(depth, indent, s.Edge.String())
}

func (s *MatchStep) stepKind() string { return "Match" }

func (s *MatchStep) serialize() (map[string]any, error) {
	return map[string]any{"edge": s.Edge.marshal()}, nil
}

func (s *MatchStep) deserialize(m map[string]any) (err error) {
	sub, _ := m["edge"].(map[string]any)
	s.Edge, err = unmarshalEdgeTraversal(sub)
	return err
}

// OptionalMatchStep is a MatchStep that keeps rows without a match, with
// the target alias left empty.
type OptionalMatchStep struct{ MatchStep }

func NewOptionalMatchStep(edge EdgeTraversal) *OptionalMatchStep {
	return &OptionalMatchStep{MatchStep{Edge: edge, optional: true}}
}

func (s *OptionalMatchStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	s.optional = true
	return s.pull(s, ctx, n)
}

func (s *OptionalMatchStep) PrettyPrint(depth, indent int) string {
	s.optional = true
	return s.MatchStep.PrettyPrint(depth, indent)
}

func (s *OptionalMatchStep) stepKind() string { return "OptionalMatch" }

// ---------------------------------------------------------------------------
// NOT patterns
// ---------------------------------------------------------------------------

// FilterNotMatchPatternStep drops every row for which the negative pattern
// Edges can be matched starting from the row's bindings.
type FilterNotMatchPatternStep struct {
	stepBase
	Edges       []EdgeTraversal
	StartAlias  string
	StartFilter *NodeFilter
	in          input
}

func NewFilterNotMatchPatternStep(start string, startFilter *NodeFilter, edges []EdgeTraversal) *FilterNotMatchPatternStep {
	return &FilterNotMatchPatternStep{StartAlias: start, StartFilter: startFilter, Edges: edges}
}

func (s *FilterNotMatchPatternStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *FilterNotMatchPatternStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	for {
		row, ok, err := s.in.next(ctx, s.prev, want)
		if err != nil || !ok {
			return nil, false, err
		}
		matched, err := s.matches(ctx, row)
		if err != nil {
			return nil, false, err
		}
		if !matched {
			return row, true, nil
		}
	}
}

func (s *FilterNotMatchPatternStep) matches(ctx *CommandContext, row *Result) (bool, error) {
	child := ctx.Child()
	if s.StartAlias != "" && !s.StartFilter.IsEmpty() {
		rec, ok, err := boundRecord(child, row, s.StartAlias)
		if err != nil || !ok {
			return false, err
		}
		child.SetVariable(VarMatched, row)
		if ok, err := s.StartFilter.matches(child, rec, nil); err != nil || !ok {
			return false, err
		}
	}
	rows := []*Result{row}
	for _, e := range s.Edges {
		step := &MatchStep{Edge: e}
		var next []*Result
		for _, r := range rows {
			ext, err := step.extend(child, r)
			if err != nil {
				return false, err
			}
			next = append(next, ext...)
		}
		if len(next) == 0 {
			return false, nil
		}
		rows = next
	}
	return true, nil
}

func (s *FilterNotMatchPatternStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *FilterNotMatchPatternStep) PrettyPrint(depth, indent int) string {
	lines := make([]string, len(s.Edges))
	for i, e := range s.Edges {
		lines[i] = e.String()
	}
	return s.header(depth, indent, "NOT") + body(depth, indent, lines...)
}

func (s *FilterNotMatchPatternStep) stepKind() string { return "FilterNotMatchPattern" }

func (s *FilterNotMatchPatternStep) serialize() (map[string]any, error) {
	edges := make([]any, len(s.Edges))
	for i, e := range s.Edges {
		edges[i] = e.marshal()
	}
	return map[string]any{"edges": edges, "start": s.StartAlias, "startFilter": s.StartFilter.marshal()}, nil
}

func (s *FilterNotMatchPatternStep) deserialize(m map[string]any) (err error) {
	s.StartAlias = getString(m, "start")
	if s.StartFilter, err = filterFrom(m, "startFilter"); err != nil {
		return err
	}
	for _, sub := range getMaps(m, "edges") {
		e, err := unmarshalEdgeTraversal(sub)
		if err != nil {
			return err
		}
		s.Edges = append(s.Edges, e)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Result shaping
// ---------------------------------------------------------------------------

// RemoveEmptyOptionalsStep replaces the empty-optional marker with nil.
type RemoveEmptyOptionalsStep struct {
	stepBase
	in input
}

func NewRemoveEmptyOptionalsStep() *RemoveEmptyOptionalsStep { return &RemoveEmptyOptionalsStep{} }

func (s *RemoveEmptyOptionalsStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *RemoveEmptyOptionalsStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	for _, k := range row.PropertyNames() {
		if v, _ := row.Property(k); isEmptyOptional(v) {
			row.Set(k, nil)
		}
	}
	return row, true, nil
}

func (s *RemoveEmptyOptionalsStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *RemoveEmptyOptionalsStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "REMOVE EMPTY OPTIONALS")
}

func (s *RemoveEmptyOptionalsStep) stepKind() string                   { return "RemoveEmptyOptionals" }
func (s *RemoveEmptyOptionalsStep) serialize() (map[string]any, error) { return nil, nil }
func (s *RemoveEmptyOptionalsStep) deserialize(map[string]any) error   { return nil }

// ReturnMatchPatternsStep returns the named aliases of each match.
type ReturnMatchPatternsStep struct {
	stepBase
	in input
}

func NewReturnMatchPatternsStep() *ReturnMatchPatternsStep { return &ReturnMatchPatternsStep{} }

func (s *ReturnMatchPatternsStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *ReturnMatchPatternsStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	for _, k := range row.PropertyNames() {
		if IsAnonymousAlias(k) {
			row.Remove(k)
		}
	}
	return row, true, nil
}

func (s *ReturnMatchPatternsStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *ReturnMatchPatternsStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "RETURN $patterns")
}

func (s *ReturnMatchPatternsStep) stepKind() string                   { return "ReturnMatchPatterns" }
func (s *ReturnMatchPatternsStep) serialize() (map[string]any, error) { return nil, nil }
func (s *ReturnMatchPatternsStep) deserialize(map[string]any) error   { return nil }

// ReturnMatchPathsStep returns every alias of each match, generated ones
// included.
type ReturnMatchPathsStep struct {
	stepBase
	in input
}

func NewReturnMatchPathsStep() *ReturnMatchPathsStep { return &ReturnMatchPathsStep{} }

func (s *ReturnMatchPathsStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *ReturnMatchPathsStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	return s.in.next(ctx, s.prev, want)
}

func (s *ReturnMatchPathsStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *ReturnMatchPathsStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "RETURN $paths")
}

func (s *ReturnMatchPathsStep) stepKind() string                   { return "ReturnMatchPaths" }
func (s *ReturnMatchPathsStep) serialize() (map[string]any, error) { return nil, nil }
func (s *ReturnMatchPathsStep) deserialize(map[string]any) error   { return nil }

// ReturnMatchElementsStep unrolls each match into one element row per bound
// alias. Anonymous aliases are included only with Anonymous set
// ($pathElements).
type ReturnMatchElementsStep struct {
	stepBase
	Anonymous bool
	pending   []*Result
	in        input
}

func NewReturnMatchElementsStep(anonymous bool) *ReturnMatchElementsStep {
	return &ReturnMatchElementsStep{Anonymous: anonymous}
}

func (s *ReturnMatchElementsStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *ReturnMatchElementsStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	for len(s.pending) == 0 {
		row, ok, err := s.in.next(ctx, s.prev, want)
		if err != nil || !ok {
			return nil, false, err
		}
		for _, k := range row.PropertyNames() {
			if !s.Anonymous && IsAnonymousAlias(k) {
				continue
			}
			if v, _ := row.Property(k); v != nil {
				if rec, ok := v.(storage.Record); ok {
					s.pending = append(s.pending, NewElementResult(rec))
				}
			}
		}
	}
	r := s.pending[0]
	s.pending = s.pending[1:]
	return r, true, nil
}

func (s *ReturnMatchElementsStep) Reset() {
	s.stepBase.Reset()
	s.pending = nil
	s.in.reset()
}

func (s *ReturnMatchElementsStep) PrettyPrint(depth, indent int) string {
	if s.Anonymous {
		return s.header(depth, indent, "RETURN $pathElements")
	}
	return s.header(depth, indent, "RETURN $elements")
}

func (s *ReturnMatchElementsStep) stepKind() string { return "ReturnMatchElements" }

func (s *ReturnMatchElementsStep) serialize() (map[string]any, error) {
	return map[string]any{"anonymous": s.Anonymous}, nil
}

func (s *ReturnMatchElementsStep) deserialize(m map[string]any) error {
	s.Anonymous = getBool(m, "anonymous")
	return nil
}
