package exec

import (
	"strings"

	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

func init() {
	registerStep("Filter", func() Step { return &FilterStep{} })
	registerStep("FilterByType", func() Step { return &FilterByTypeStep{} })
	registerStep("FilterByBuckets", func() Step { return &FilterByBucketsStep{} })
	registerStep("CheckType", func() Step { return &CheckTypeStep{} })
	registerStep("CastToVertex", func() Step { return NewCastToVertexStep() })
	registerStep("CastToEdge", func() Step { return NewCastToEdgeStep() })
}

// FilterStep keeps the rows for which Where holds. $current is bound to the
// row under test.
type FilterStep struct {
	stepBase
	Where expr.Expression
	in    input
}

func NewFilterStep(where expr.Expression) *FilterStep { return &FilterStep{Where: where} }

func (s *FilterStep) Pull(ctx *CommandContext, n int) (ResultSet, error) { return s.pull(s, ctx, n) }

func (s *FilterStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	for {
		row, ok, err := s.in.next(ctx, s.prev, want)
		if err != nil || !ok {
			return nil, false, err
		}
		ctx.SetVariable(VarCurrent, row)
		keep, err := expr.Truthy(s.Where, row, ctx)
		if err != nil {
			return nil, false, err
		}
		if keep {
			return row, true, nil
		}
	}
}

func (s *FilterStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *FilterStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "FILTER ITEMS WHERE") + body(depth, indent, s.Where.String())
}

func (s *FilterStep) stepKind() string { return "Filter" }

func (s *FilterStep) serialize() (map[string]any, error) {
	return map[string]any{"where": expr.Marshal(s.Where)}, nil
}

func (s *FilterStep) deserialize(m map[string]any) (err error) {
	s.Where, err = getExpr(m, "where")
	return err
}

// FilterByTypeStep keeps element rows whose type is Type or a subtype.
type FilterByTypeStep struct {
	stepBase
	Type string
	in   input
}

func NewFilterByTypeStep(typeName string) *FilterByTypeStep {
	return &FilterByTypeStep{Type: typeName}
}

func (s *FilterByTypeStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *FilterByTypeStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	for {
		row, ok, err := s.in.next(ctx, s.prev, want)
		if err != nil || !ok {
			return nil, false, err
		}
		if el := row.Element(); el != nil && ctx.Engine().IsSubTypeOf(el.TypeName(), s.Type) {
			return row, true, nil
		}
	}
}

func (s *FilterByTypeStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *FilterByTypeStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "FILTER ITEMS BY TYPE %s", s.Type)
}

func (s *FilterByTypeStep) stepKind() string { return "FilterByType" }

func (s *FilterByTypeStep) serialize() (map[string]any, error) {
	return map[string]any{"type": s.Type}, nil
}

func (s *FilterByTypeStep) deserialize(m map[string]any) error {
	s.Type = getString(m, "type")
	return nil
}

// FilterByBucketsStep keeps element rows stored in one of Buckets.
type FilterByBucketsStep struct {
	stepBase
	Buckets []int32
	in      input
}

func NewFilterByBucketsStep(buckets []int32) *FilterByBucketsStep {
	return &FilterByBucketsStep{Buckets: buckets}
}

func (s *FilterByBucketsStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *FilterByBucketsStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	for {
		row, ok, err := s.in.next(ctx, s.prev, want)
		if err != nil || !ok {
			return nil, false, err
		}
		if row.IsElement() && containsBucket(s.Buckets, row.Identity().Bucket) {
			return row, true, nil
		}
	}
}

func (s *FilterByBucketsStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *FilterByBucketsStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "FILTER ITEMS BY BUCKETS %v", s.Buckets)
}

func (s *FilterByBucketsStep) stepKind() string { return "FilterByBuckets" }

func (s *FilterByBucketsStep) serialize() (map[string]any, error) {
	return map[string]any{"buckets": putInt32s(s.Buckets)}, nil
}

func (s *FilterByBucketsStep) deserialize(m map[string]any) error {
	s.Buckets = getInt32s(m, "buckets")
	return nil
}

// CheckTypeStep fails the statement unless Type exists and is of Kind. It
// passes upstream rows through unchanged.
type CheckTypeStep struct {
	stepBase
	Type    string
	Kind    storage.Kind
	checked bool
	in      input
}

func NewCheckTypeStep(typeName string, kind storage.Kind) *CheckTypeStep {
	return &CheckTypeStep{Type: typeName, Kind: kind}
}

func (s *CheckTypeStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *CheckTypeStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	if !s.checked {
		s.checked = true
		t, err := ctx.Engine().Type(s.Type)
		if err != nil {
			return nil, false, commandErr("check type", err, "type %s", s.Type)
		}
		if t.Kind != s.Kind {
			return nil, false, commandErr("check type", storage.ErrWrongKind, "%s is a %s type, not %s", s.Type, t.Kind, s.Kind)
		}
	}
	if s.prev == nil {
		return nil, false, nil
	}
	return s.in.next(ctx, s.prev, want)
}

func (s *CheckTypeStep) Reset() {
	s.stepBase.Reset()
	s.checked = false
	s.in.reset()
}

func (s *CheckTypeStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "CHECK TYPE %s IS A %s TYPE", s.Type, s.Kind)
}

func (s *CheckTypeStep) stepKind() string { return "CheckType" }

func (s *CheckTypeStep) serialize() (map[string]any, error) {
	return map[string]any{"type": s.Type, "kind": int64(s.Kind)}, nil
}

func (s *CheckTypeStep) deserialize(m map[string]any) error {
	s.Type = getString(m, "type")
	s.Kind = storage.Kind(getInt(m, "kind"))
	return nil
}

// castStep fails on rows that are not elements of the wanted kind.
type castStep struct {
	stepBase
	kind storage.Kind
	in   input
}

func (s *castStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	el := row.Element()
	if el == nil {
		return nil, false, commandErr("cast", storage.ErrWrongKind, "row %s is not a %s", row, s.kind)
	}
	if el.Kind() != s.kind {
		return nil, false, commandErr("cast", storage.ErrWrongKind, "%s is a %s, not a %s", el.Identity(), el.Kind(), s.kind)
	}
	return row, true, nil
}

func (s *castStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *castStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "CAST TO %s", strings.ToUpper(s.kind.String()))
}

func (s *castStep) serialize() (map[string]any, error) { return nil, nil }
func (s *castStep) deserialize(map[string]any) error   { return nil }

// CastToVertexStep fails on rows that are not vertices.
type CastToVertexStep struct{ castStep }

func NewCastToVertexStep() *CastToVertexStep {
	return &CastToVertexStep{castStep{kind: storage.KindVertex}}
}

func (s *CastToVertexStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *CastToVertexStep) stepKind() string { return "CastToVertex" }

// CastToEdgeStep fails on rows that are not edges.
type CastToEdgeStep struct{ castStep }

func NewCastToEdgeStep() *CastToEdgeStep {
	return &CastToEdgeStep{castStep{kind: storage.KindEdge}}
}

func (s *CastToEdgeStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *CastToEdgeStep) stepKind() string { return "CastToEdge" }

