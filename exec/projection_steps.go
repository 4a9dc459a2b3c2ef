package exec

import (
	"fmt"
	"math"
	"strings"

	"github.com/mstrYoda/graphpipe/expr"
)

func init() {
	registerStep("Projection", func() Step { return &ProjectionStep{} })
	registerStep("LetExpression", func() Step { return &LetExpressionStep{} })
	registerStep("LetQuery", func() Step { return &LetQueryStep{} })
	registerStep("GlobalLetExpression", func() Step { return &GlobalLetExpressionStep{} })
	registerStep("GlobalLetQuery", func() Step { return &GlobalLetQueryStep{} })
	registerStep("Unwind", func() Step { return &UnwindStep{} })
	registerStep("Expand", func() Step { return &ExpandStep{} })
	registerStep("Skip", func() Step { return &SkipStep{} })
	registerStep("Limit", func() Step { return &LimitStep{} })
	registerStep("UnionAll", func() Step { return &UnionAllStep{} })
	registerStep("Count", func() Step { return &CountStep{} })
}

// ---------------------------------------------------------------------------
// Projection
// ---------------------------------------------------------------------------

// ProjectionItem is one output column. All copies every property of the
// input row ("*").
type ProjectionItem struct {
	Expr  expr.Expression
	Alias string
	All   bool
}

// Name is the output column name.
func (p ProjectionItem) Name() string {
	if p.Alias != "" {
		return p.Alias
	}
	if p.All {
		return "*"
	}
	if prop, ok := p.Expr.(*expr.Property); ok {
		return prop.Path[len(prop.Path)-1]
	}
	return p.Expr.String()
}

func (p ProjectionItem) String() string {
	if p.All {
		return "*"
	}
	if p.Alias != "" {
		return p.Expr.String() + " AS " + p.Alias
	}
	return p.Expr.String()
}

func marshalItems(items []ProjectionItem) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = map[string]any{"expr": expr.Marshal(it.Expr), "alias": it.Alias, "all": it.All}
	}
	return out
}

func unmarshalItems(m map[string]any, k string) ([]ProjectionItem, error) {
	var out []ProjectionItem
	for _, sub := range getMaps(m, k) {
		e, err := getExpr(sub, "expr")
		if err != nil {
			return nil, err
		}
		out = append(out, ProjectionItem{Expr: e, Alias: getString(sub, "alias"), All: getBool(sub, "all")})
	}
	return out, nil
}

func itemsString(items []ProjectionItem) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.String()
	}
	return strings.Join(parts, ", ")
}

// ProjectionStep computes output columns. Row metadata (LET bindings,
// traversal depth) is carried over.
type ProjectionStep struct {
	stepBase
	Items []ProjectionItem
	in    input
}

func NewProjectionStep(items ...ProjectionItem) *ProjectionStep {
	return &ProjectionStep{Items: items}
}

func (s *ProjectionStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *ProjectionStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	out, err := project(ctx, row, s.Items)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func project(ctx *CommandContext, row *Result, items []ProjectionItem) (*Result, error) {
	ctx.SetVariable(VarCurrent, row)
	out := NewResult()
	for _, it := range items {
		if it.All {
			copyProperties(out, row)
			continue
		}
		v, err := it.Expr.Eval(row, ctx)
		if err != nil {
			return nil, err
		}
		out.Set(it.Name(), v)
	}
	for _, k := range row.MetadataKeys() {
		v, _ := row.Metadata(k)
		out.SetMetadata(k, v)
	}
	return out, nil
}

func copyProperties(dst, src *Result) {
	for _, name := range src.PropertyNames() {
		v, _ := src.Property(name)
		dst.Set(name, v)
	}
	if el := src.Element(); el != nil {
		dst.Set("@rid", el.Identity())
		dst.Set("@type", el.TypeName())
	}
}

func (s *ProjectionStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *ProjectionStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "CALCULATE PROJECTIONS") + body(depth, indent, itemsString(s.Items))
}

func (s *ProjectionStep) stepKind() string { return "Projection" }

func (s *ProjectionStep) serialize() (map[string]any, error) {
	return map[string]any{"items": marshalItems(s.Items)}, nil
}

func (s *ProjectionStep) deserialize(m map[string]any) (err error) {
	s.Items, err = unmarshalItems(m, "items")
	return err
}

// ---------------------------------------------------------------------------
// LET
// ---------------------------------------------------------------------------

// LetExpressionStep binds $Name on every row.
type LetExpressionStep struct {
	stepBase
	Name string
	Expr expr.Expression
	in   input
}

func NewLetExpressionStep(name string, e expr.Expression) *LetExpressionStep {
	return &LetExpressionStep{Name: strings.TrimPrefix(name, "$"), Expr: e}
}

func (s *LetExpressionStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *LetExpressionStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	ctx.SetVariable(VarCurrent, row)
	v, err := s.Expr.Eval(row, ctx)
	if err != nil {
		return nil, false, err
	}
	row.SetMetadata(s.Name, v)
	return row, true, nil
}

func (s *LetExpressionStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *LetExpressionStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "LET (for each record)") + body(depth, indent, "$"+s.Name+" = "+s.Expr.String())
}

func (s *LetExpressionStep) stepKind() string { return "LetExpression" }

func (s *LetExpressionStep) serialize() (map[string]any, error) {
	return map[string]any{"name": s.Name, "expr": expr.Marshal(s.Expr)}, nil
}

func (s *LetExpressionStep) deserialize(m map[string]any) (err error) {
	s.Name = getString(m, "name")
	s.Expr, err = getExpr(m, "expr")
	return err
}

// LetQueryStep runs Sub once per row, with $parent bound to the row, and
// binds the sub-query rows as $Name.
type LetQueryStep struct {
	stepBase
	Name string
	Sub  Plan
	in   input
}

func NewLetQueryStep(name string, sub Plan) *LetQueryStep {
	return &LetQueryStep{Name: strings.TrimPrefix(name, "$"), Sub: sub}
}

func (s *LetQueryStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *LetQueryStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	child := ctx.Child()
	child.SetVariable(VarParent, row)
	rows, err := runSubPlan(child, s.Sub)
	if err != nil {
		return nil, false, err
	}
	row.SetMetadata(s.Name, rowsToList(rows))
	return row, true, nil
}

func rowsToList(rows []*Result) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

func (s *LetQueryStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *LetQueryStep) Close() {
	s.Sub.Close()
	s.stepBase.Close()
}

func (s *LetQueryStep) CanBeCached() bool { return s.Sub.CanBeCached() }

func (s *LetQueryStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "LET (for each record)") + body(depth, indent, "$"+s.Name+" = (") +
		"\n" + s.Sub.PrettyPrint(depth+2, indent) + body(depth, indent, ")")
}

func (s *LetQueryStep) stepKind() string { return "LetQuery" }

func (s *LetQueryStep) serialize() (map[string]any, error) {
	sub, err := subPlanMap(s.Sub)
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": s.Name, "sub": sub}, nil
}

func (s *LetQueryStep) deserialize(m map[string]any) (err error) {
	s.Name = getString(m, "name")
	if s.Sub, err = subPlanFrom(m, "sub"); err == nil && s.Sub == nil {
		err = fmt.Errorf("missing sub-plan")
	}
	return err
}

// GlobalLetExpressionStep binds a context variable once, ahead of the source
// step. It produces no rows.
type GlobalLetExpressionStep struct {
	stepBase
	Name string
	Expr expr.Expression
}

func NewGlobalLetExpressionStep(name string, e expr.Expression) *GlobalLetExpressionStep {
	return &GlobalLetExpressionStep{Name: strings.TrimPrefix(name, "$"), Expr: e}
}

func (s *GlobalLetExpressionStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *GlobalLetExpressionStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if err := s.drainPrev(ctx); err != nil {
		return nil, false, err
	}
	v, err := s.Expr.Eval(nil, ctx)
	if err != nil {
		return nil, false, err
	}
	ctx.AssignVariable(s.Name, v)
	return nil, false, nil
}

func (s *GlobalLetExpressionStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "LET (once)") + body(depth, indent, "$"+s.Name+" = "+s.Expr.String())
}

func (s *GlobalLetExpressionStep) stepKind() string { return "GlobalLetExpression" }

func (s *GlobalLetExpressionStep) serialize() (map[string]any, error) {
	return map[string]any{"name": s.Name, "expr": expr.Marshal(s.Expr)}, nil
}

func (s *GlobalLetExpressionStep) deserialize(m map[string]any) (err error) {
	s.Name = getString(m, "name")
	s.Expr, err = getExpr(m, "expr")
	return err
}

// GlobalLetQueryStep runs Sub once and binds its rows as a context variable.
type GlobalLetQueryStep struct {
	stepBase
	Name string
	Sub  Plan
}

func NewGlobalLetQueryStep(name string, sub Plan) *GlobalLetQueryStep {
	return &GlobalLetQueryStep{Name: strings.TrimPrefix(name, "$"), Sub: sub}
}

func (s *GlobalLetQueryStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *GlobalLetQueryStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if err := s.drainPrev(ctx); err != nil {
		return nil, false, err
	}
	rows, err := runSubPlan(ctx.Child(), s.Sub)
	if err != nil {
		return nil, false, err
	}
	ctx.AssignVariable(s.Name, rowsToList(rows))
	return nil, false, nil
}

func (s *GlobalLetQueryStep) Close() {
	s.Sub.Close()
	s.stepBase.Close()
}

func (s *GlobalLetQueryStep) CanBeCached() bool { return s.Sub.CanBeCached() }

func (s *GlobalLetQueryStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "LET (once)") + body(depth, indent, "$"+s.Name+" = (") +
		"\n" + s.Sub.PrettyPrint(depth+2, indent) + body(depth, indent, ")")
}

func (s *GlobalLetQueryStep) stepKind() string { return "GlobalLetQuery" }

func (s *GlobalLetQueryStep) serialize() (map[string]any, error) {
	sub, err := subPlanMap(s.Sub)
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": s.Name, "sub": sub}, nil
}

func (s *GlobalLetQueryStep) deserialize(m map[string]any) (err error) {
	s.Name = getString(m, "name")
	if s.Sub, err = subPlanFrom(m, "sub"); err == nil && s.Sub == nil {
		err = fmt.Errorf("missing sub-plan")
	}
	return err
}

// ---------------------------------------------------------------------------
// UNWIND / EXPAND
// ---------------------------------------------------------------------------

// UnwindStep emits one row per element of each list-valued field; several
// fields multiply. A row whose field holds an empty list is dropped; a
// scalar field passes through as is.
type UnwindStep struct {
	stepBase
	Fields  []string
	pending []*Result
	in      input
}

func NewUnwindStep(fields ...string) *UnwindStep { return &UnwindStep{Fields: fields} }

func (s *UnwindStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *UnwindStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	for len(s.pending) == 0 {
		row, ok, err := s.in.next(ctx, s.prev, want)
		if err != nil || !ok {
			return nil, false, err
		}
		base := row
		if row.IsElement() {
			base = NewResult()
			copyProperties(base, row)
			for _, k := range row.MetadataKeys() {
				v, _ := row.Metadata(k)
				base.SetMetadata(k, v)
			}
		}
		s.pending = unwind(base, s.Fields)
	}
	r := s.pending[0]
	s.pending = s.pending[1:]
	return r, true, nil
}

func unwind(row *Result, fields []string) []*Result {
	if len(fields) == 0 {
		return []*Result{row}
	}
	v, _ := row.Property(fields[0])
	list, isList := v.([]any)
	if !isList {
		return unwind(row, fields[1:])
	}
	var out []*Result
	for _, item := range list {
		cp := row.Copy()
		cp.Set(fields[0], item)
		out = append(out, unwind(cp, fields[1:])...)
	}
	return out
}

func (s *UnwindStep) Reset() {
	s.stepBase.Reset()
	s.pending = nil
	s.in.reset()
}

func (s *UnwindStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "UNWIND %s", strings.Join(s.Fields, ", "))
}

func (s *UnwindStep) stepKind() string { return "Unwind" }

func (s *UnwindStep) serialize() (map[string]any, error) {
	return map[string]any{"fields": putStrings(s.Fields)}, nil
}

func (s *UnwindStep) deserialize(m map[string]any) error {
	s.Fields = getStrings(m, "fields")
	return nil
}

// ExpandStep replaces each row by the records its Expr points at. With a
// nil Expr the row's only property is expanded.
type ExpandStep struct {
	stepBase
	Expr    expr.Expression
	pending []*Result
	in      input
}

func NewExpandStep(e expr.Expression) *ExpandStep { return &ExpandStep{Expr: e} }

func (s *ExpandStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *ExpandStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	for len(s.pending) == 0 {
		row, ok, err := s.in.next(ctx, s.prev, want)
		if err != nil || !ok {
			return nil, false, err
		}
		var v any
		if s.Expr != nil {
			ctx.SetVariable(VarCurrent, row)
			if v, err = s.Expr.Eval(row, ctx); err != nil {
				return nil, false, err
			}
		} else {
			names := row.PropertyNames()
			if len(names) != 1 {
				return nil, false, commandErr("expand", ErrUnsupportedCondition, "expand needs exactly one column, row has %d", len(names))
			}
			v, _ = row.Property(names[0])
		}
		if s.pending, err = toResults(ctx, v); err != nil {
			return nil, false, err
		}
	}
	r := s.pending[0]
	s.pending = s.pending[1:]
	return r, true, nil
}

func (s *ExpandStep) Reset() {
	s.stepBase.Reset()
	s.pending = nil
	s.in.reset()
}

func (s *ExpandStep) PrettyPrint(depth, indent int) string {
	if s.Expr == nil {
		return s.header(depth, indent, "EXPAND")
	}
	return s.header(depth, indent, "EXPAND %s", s.Expr)
}

func (s *ExpandStep) stepKind() string { return "Expand" }

func (s *ExpandStep) serialize() (map[string]any, error) {
	return map[string]any{"expr": expr.Marshal(s.Expr)}, nil
}

func (s *ExpandStep) deserialize(m map[string]any) (err error) {
	s.Expr, err = getExpr(m, "expr")
	return err
}

// ---------------------------------------------------------------------------
// SKIP / LIMIT
// ---------------------------------------------------------------------------

// evalCount evaluates a SKIP or LIMIT argument. Negative values mean "none".
func evalCount(ctx *CommandContext, e expr.Expression) (int64, error) {
	if e == nil {
		return -1, nil
	}
	v, err := e.Eval(nil, ctx)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return -1, nil
	}
	f, ok := expr.ToFloat64(v)
	if !ok || f != math.Trunc(f) {
		return 0, commandErr("skip/limit", ErrUnsupportedCondition, "%s is not an integer", e)
	}
	return int64(f), nil
}

// SkipStep discards the first Count rows.
type SkipStep struct {
	stepBase
	Count   expr.Expression
	skipped bool
	in      input
}

func NewSkipStep(count expr.Expression) *SkipStep { return &SkipStep{Count: count} }

func (s *SkipStep) Pull(ctx *CommandContext, n int) (ResultSet, error) { return s.pull(s, ctx, n) }

func (s *SkipStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	if !s.skipped {
		s.skipped = true
		n, err := evalCount(ctx, s.Count)
		if err != nil {
			return nil, false, err
		}
		for i := int64(0); i < n; i++ {
			_, ok, err := s.in.next(ctx, s.prev, want)
			if err != nil || !ok {
				return nil, false, err
			}
		}
	}
	return s.in.next(ctx, s.prev, want)
}

func (s *SkipStep) Reset() {
	s.stepBase.Reset()
	s.skipped = false
	s.in.reset()
}

func (s *SkipStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "SKIP (%s)", s.Count)
}

func (s *SkipStep) stepKind() string { return "Skip" }

func (s *SkipStep) serialize() (map[string]any, error) {
	return map[string]any{"count": expr.Marshal(s.Count)}, nil
}

func (s *SkipStep) deserialize(m map[string]any) (err error) {
	s.Count, err = getExpr(m, "count")
	return err
}

// LimitStep stops after Count rows and never asks upstream for more rows
// than it still needs.
type LimitStep struct {
	stepBase
	Count  expr.Expression
	limit  int64
	served int64
	ready  bool
	in     input
}

func NewLimitStep(count expr.Expression) *LimitStep { return &LimitStep{Count: count} }

func (s *LimitStep) Pull(ctx *CommandContext, n int) (ResultSet, error) { return s.pull(s, ctx, n) }

func (s *LimitStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	if !s.ready {
		s.ready = true
		n, err := evalCount(ctx, s.Count)
		if err != nil {
			return nil, false, err
		}
		s.limit = n
	}
	if s.limit >= 0 {
		left := s.limit - s.served
		if left <= 0 {
			return nil, false, nil
		}
		if int64(want) > left {
			want = int(left)
		}
	}
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	s.served++
	return row, true, nil
}

func (s *LimitStep) Reset() {
	s.stepBase.Reset()
	s.ready = false
	s.served = 0
	s.in.reset()
}

func (s *LimitStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "LIMIT (%s)", s.Count)
}

func (s *LimitStep) stepKind() string { return "Limit" }

func (s *LimitStep) serialize() (map[string]any, error) {
	return map[string]any{"count": expr.Marshal(s.Count)}, nil
}

func (s *LimitStep) deserialize(m map[string]any) (err error) {
	s.Count, err = getExpr(m, "count")
	return err
}

// ---------------------------------------------------------------------------
// UNION ALL / COUNT
// ---------------------------------------------------------------------------

// UnionAllStep streams each sub-plan in turn.
type UnionAllStep struct {
	stepBase
	Subs []Plan
	cur  int
	rs   ResultSet
}

func NewUnionAllStep(subs ...Plan) *UnionAllStep { return &UnionAllStep{Subs: subs} }

func (s *UnionAllStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *UnionAllStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if s.cur == 0 && s.rs == nil {
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
	}
	for s.cur < len(s.Subs) {
		if s.rs == nil {
			rs, err := s.Subs[s.cur].Execute(ctx)
			if err != nil {
				return nil, false, err
			}
			s.rs = rs
		}
		ok, err := s.rs.HasNext()
		if err != nil {
			return nil, false, err
		}
		if ok {
			r, err := s.rs.Next()
			return r, err == nil, err
		}
		s.rs.Close()
		s.rs = nil
		s.cur++
	}
	return nil, false, nil
}

func (s *UnionAllStep) Close() {
	if s.rs != nil {
		s.rs.Close()
	}
	for _, p := range s.Subs {
		p.Close()
	}
	s.stepBase.Close()
}

func (s *UnionAllStep) Reset() {
	s.stepBase.Reset()
	s.cur = 0
	s.rs = nil
	for _, p := range s.Subs {
		p.Reset()
	}
}

func (s *UnionAllStep) CanBeCached() bool {
	for _, p := range s.Subs {
		if !p.CanBeCached() {
			return false
		}
	}
	return true
}

func (s *UnionAllStep) PrettyPrint(depth, indent int) string {
	var sb strings.Builder
	sb.WriteString(s.header(depth, indent, "UNION ALL"))
	for _, p := range s.Subs {
		sb.WriteString("\n")
		sb.WriteString(p.PrettyPrint(depth+1, indent))
	}
	return sb.String()
}

func (s *UnionAllStep) stepKind() string { return "UnionAll" }

func (s *UnionAllStep) serialize() (map[string]any, error) {
	subs := make([]any, len(s.Subs))
	for i, p := range s.Subs {
		m, err := p.serializePlan()
		if err != nil {
			return nil, err
		}
		subs[i] = m
	}
	return map[string]any{"subs": subs}, nil
}

func (s *UnionAllStep) deserialize(m map[string]any) error {
	for _, sub := range getMaps(m, "subs") {
		p, err := planFromMap(sub)
		if err != nil {
			return err
		}
		s.Subs = append(s.Subs, p)
	}
	return nil
}

// CountStep consumes its whole input and emits a single {Alias: n} row.
type CountStep struct {
	stepBase
	Alias string
	done  bool
	in    input
}

func NewCountStep(alias string) *CountStep {
	if alias == "" {
		alias = "count"
	}
	return &CountStep{Alias: alias}
}

func (s *CountStep) Pull(ctx *CommandContext, n int) (ResultSet, error) { return s.pull(s, ctx, n) }

func (s *CountStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if s.done {
		return nil, false, nil
	}
	s.done = true
	var n int64
	for {
		if s.timedOut {
			break
		}
		_, ok, err := s.in.next(ctx, s.prev, DefaultBatchSize)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
		n++
	}
	r := NewResult()
	r.Set(s.Alias, n)
	return r, true, nil
}

func (s *CountStep) Reset() {
	s.stepBase.Reset()
	s.done = false
	s.in.reset()
}

func (s *CountStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "COUNT")
}

func (s *CountStep) stepKind() string { return "Count" }

func (s *CountStep) serialize() (map[string]any, error) {
	return map[string]any{"alias": s.Alias}, nil
}

func (s *CountStep) deserialize(m map[string]any) error {
	s.Alias = getString(m, "alias")
	return nil
}
