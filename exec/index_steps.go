package exec

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

func init() {
	registerStep("FetchFromIndex", func() Step { return &FetchFromIndexStep{} })
	registerStep("GetValueFromIndexEntry", func() Step { return &GetValueFromIndexEntryStep{} })
}

// ---------------------------------------------------------------------------
// IndexSearchDescriptor
// ---------------------------------------------------------------------------

// IndexSearchDescriptor describes how an AND-block of a condition drives an
// index scan. Key holds one term per matched index field, in field order:
// equalities (=, IN, CONTAINSANY) on a prefix, then optionally one range
// term on the next field whose opposite bound, if any, is Additional.
// Remaining holds the terms the index does not answer.
type IndexSearchDescriptor struct {
	Index      string
	Fields     []string
	Unique     bool
	Key        []expr.Expression
	Additional expr.Expression
	Remaining  []expr.Expression
}

// NewIndexSearchDescriptor matches the terms of block against the fields of
// def. It returns nil when the first field is not constrained.
func NewIndexSearchDescriptor(def *storage.IndexDef, block []expr.Expression) *IndexSearchDescriptor {
	used := make([]bool, len(block))
	d := &IndexSearchDescriptor{Index: def.Name, Fields: def.Properties, Unique: def.Unique}

fields:
	for _, field := range def.Properties {
		// Equality first: it keeps the prefix open for the next field.
		for i, term := range block {
			if used[i] {
				continue
			}
			if t := keyTerm(term, field); t != nil && isEqualityTerm(t) {
				if _, isNull := t.(*expr.IsNull); isNull && def.IgnoresNulls() {
					continue
				}
				used[i] = true
				d.Key = append(d.Key, t)
				if _, isNull := t.(*expr.IsNull); isNull {
					break fields
				}
				continue fields
			}
		}
		lower, upper := -1, -1
		for i, term := range block {
			if used[i] {
				continue
			}
			c, ok := keyTerm(term, field).(*expr.Comparison)
			if !ok || c.Op.Semantics() != expr.SemanticsRange {
				continue
			}
			if c.Op.IsLower() && lower < 0 {
				lower = i
			} else if c.Op.IsUpper() && upper < 0 {
				upper = i
			}
		}
		first, second := lower, upper
		if first < 0 {
			first, second = upper, -1
		}
		if first >= 0 {
			used[first] = true
			d.Key = append(d.Key, keyTerm(block[first], field))
			if second >= 0 {
				used[second] = true
				d.Additional = keyTerm(block[second], field)
			}
		}
		break
	}
	if len(d.Key) == 0 {
		return nil
	}
	for i, term := range block {
		if !used[i] {
			d.Remaining = append(d.Remaining, term)
		}
	}
	return d
}

// keyTerm returns term normalized to "field OP constant" if it constrains
// field with a constant, nil otherwise.
func keyTerm(term expr.Expression, field string) expr.Expression {
	isField := func(e expr.Expression) bool {
		p, ok := e.(*expr.Property)
		return ok && p.IsSimple() && p.Name() == field
	}
	switch t := term.(type) {
	case *expr.Comparison:
		if t.Op.Semantics() == expr.SemanticsOther {
			return nil
		}
		if isField(t.Left) && expr.IsConstant(t.Right) {
			return t
		}
		if isField(t.Right) && expr.IsConstant(t.Left) {
			return expr.Cmp(t.Right, t.Op.Flip(), t.Left)
		}
	case *expr.In:
		if isField(t.Left) && expr.IsConstant(t.Right) {
			return t
		}
	case *expr.ContainsAny:
		if isField(t.Left) && expr.IsConstant(t.Right) {
			return t
		}
	case *expr.IsNull:
		if isField(t.Expr) && !t.Negate {
			return t
		}
	}
	return nil
}

func isEqualityTerm(t expr.Expression) bool {
	switch c := t.(type) {
	case *expr.Comparison:
		return c.Op.Semantics() == expr.SemanticsEquality
	case *expr.In, *expr.ContainsAny, *expr.IsNull:
		return true
	}
	return false
}

// EqualityFields counts the key fields constrained by equality.
func (d *IndexSearchDescriptor) EqualityFields() int {
	n := 0
	for _, t := range d.Key {
		if isEqualityTerm(t) {
			n++
		}
	}
	return n
}

// Cost estimates the entries the scan reads; lower is better.
func (d *IndexSearchDescriptor) Cost(ctx *CommandContext) int64 {
	def, err := ctx.Engine().Index(d.Index)
	if err != nil {
		return 1 << 62
	}
	card, _ := ctx.Tx().CountType(def.Type, true)
	cost := card + 1
	fanout := int64(1)
	eq := 0
	for _, t := range d.Key {
		switch c := t.(type) {
		case *expr.In:
			if v, err := c.Right.Eval(nil, ctx); err == nil {
				fanout *= int64(max(1, len(expr.AsList(v))))
			}
		case *expr.ContainsAny:
			if v, err := c.Right.Eval(nil, ctx); err == nil {
				fanout *= int64(max(1, len(expr.AsList(v))))
			}
		}
		if isEqualityTerm(t) {
			eq++
			cost = max(1, cost/10)
		} else {
			cost = max(1, cost/2)
		}
	}
	if d.Unique && eq == len(d.Fields) {
		cost = 1
	}
	return cost * fanout
}

func (d *IndexSearchDescriptor) String() string {
	terms := make([]string, 0, len(d.Key)+1)
	for _, t := range d.Key {
		terms = append(terms, t.String())
	}
	if d.Additional != nil {
		terms = append(terms, d.Additional.String())
	}
	if len(terms) == 0 {
		return d.Index
	}
	return d.Index + " on " + strings.Join(terms, " AND ")
}

type bound struct {
	v    any
	incl bool
}

// stricter picks the tighter of two bounds on the same side; lower reports
// which side. Ties keep the bound exclusive if either is.
func stricter(a *bound, b bound, lower bool) *bound {
	if a == nil {
		return &b
	}
	c, _ := expr.Compare(b.v, a.v)
	if !lower {
		c = -c
	}
	switch {
	case c > 0:
		return &b
	case c == 0:
		return &bound{v: a.v, incl: a.incl && b.incl}
	}
	return a
}

// Ranges evaluates the key terms and returns the index cursors to open, in
// order: one per combination of IN/CONTAINSANY values, sorted by key in the
// scan direction so that their concatenation is ordered. nulls reports that
// the search is for null keys, which live outside the regular key space.
func (d *IndexSearchDescriptor) Ranges(scope expr.Scope, ascending bool) (queries []storage.RangeQuery, nulls bool, err error) {
	prefixes := [][]any{{}}
	var lo, hi *bound

	for i, term := range d.Key {
		switch t := term.(type) {
		case *expr.IsNull:
			return nil, true, nil
		case *expr.In:
			prefixes, err = expandValues(prefixes, t.Right, scope)
		case *expr.ContainsAny:
			prefixes, err = expandValues(prefixes, t.Right, scope)
		case *expr.Comparison:
			v, evalErr := t.Right.Eval(nil, scope)
			if evalErr != nil {
				return nil, false, evalErr
			}
			if t.Op.Semantics() == expr.SemanticsEquality {
				if v == nil {
					return nil, true, nil
				}
				for j := range prefixes {
					prefixes[j] = append(prefixes[j], v)
				}
				continue
			}
			if i != len(d.Key)-1 {
				return nil, false, fmt.Errorf("%w: range on %s is not the last key term", ErrUnsupportedCondition, t)
			}
			if v == nil {
				return nil, false, nil
			}
			lo, hi = applyBound(lo, hi, t.Op, v)
			if d.Additional != nil {
				a, ok := d.Additional.(*expr.Comparison)
				if !ok || a.Op.Semantics() != expr.SemanticsRange {
					return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedCondition, d.Additional)
				}
				av, evalErr := a.Right.Eval(nil, scope)
				if evalErr != nil {
					return nil, false, evalErr
				}
				if av == nil {
					return nil, false, nil
				}
				lo, hi = applyBound(lo, hi, a.Op, av)
			}
		default:
			return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedCondition, term)
		}
		if err != nil {
			return nil, false, err
		}
		if len(prefixes) == 0 {
			return nil, false, nil
		}
	}

	if lo != nil && hi != nil {
		if c, _ := expr.Compare(lo.v, hi.v); c > 0 || (c == 0 && !(lo.incl && hi.incl)) {
			return nil, false, nil
		}
	}
	sortPrefixes(prefixes, ascending)
	for _, p := range prefixes {
		q := storage.RangeQuery{Ascending: ascending, FromInclusive: true, ToInclusive: true}
		if len(p) > 0 {
			q.From, q.To = p, p
		}
		if lo != nil {
			q.From = append(append([]any(nil), p...), lo.v)
			q.FromInclusive = lo.incl
		}
		if hi != nil {
			q.To = append(append([]any(nil), p...), hi.v)
			q.ToInclusive = hi.incl
		}
		queries = append(queries, q)
	}
	return queries, false, nil
}

func applyBound(lo, hi *bound, op expr.CompareOp, v any) (*bound, *bound) {
	b := bound{v: v, incl: op.Inclusive()}
	if op.IsLower() {
		return stricter(lo, b, true), hi
	}
	return lo, stricter(hi, b, false)
}

// sortPrefixes orders key prefixes the way the index stores them.
func sortPrefixes(prefixes [][]any, ascending bool) {
	if len(prefixes) < 2 {
		return
	}
	keys := make(map[int][]byte, len(prefixes))
	idx := make([]int, len(prefixes))
	for i, p := range prefixes {
		keys[i] = storage.EncodeKey(p)
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		c := bytes.Compare(keys[a], keys[b])
		if !ascending {
			c = -c
		}
		return c
	})
	sorted := make([][]any, len(prefixes))
	for i, j := range idx {
		sorted[i] = prefixes[j]
	}
	copy(prefixes, sorted)
}

// expandValues multiplies the key prefixes by the distinct values of list.
func expandValues(prefixes [][]any, list expr.Expression, scope expr.Scope) ([][]any, error) {
	v, err := list.Eval(nil, scope)
	if err != nil {
		return nil, err
	}
	var values []any
	for _, it := range expr.AsList(v) {
		if it == nil {
			continue
		}
		dup := false
		for _, seen := range values {
			if expr.Equal(seen, it) {
				dup = true
				break
			}
		}
		if !dup {
			values = append(values, it)
		}
	}
	out := make([][]any, 0, len(prefixes)*len(values))
	for _, p := range prefixes {
		for _, it := range values {
			out = append(out, append(append(make([]any, 0, len(p)+1), p...), it))
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// FetchFromIndexStep
// ---------------------------------------------------------------------------

// FetchFromIndexStep produces {key, rid} rows from an index. With no key
// condition it scans the whole index; null keys are served by a separate
// cursor (after the regular keys when ascending) unless the index skips
// nulls. The cursors of an IN expansion run in sequence; an identity found
// by more than one of them is served once.
type FetchFromIndexStep struct {
	stepBase
	Desc      *IndexSearchDescriptor
	Ascending bool

	def     *storage.IndexDef
	phases  []indexPhase
	phase   int
	cur     *storage.IndexCursor
	seen    map[storage.RID]struct{}
	started bool
}

type indexPhase struct {
	query storage.RangeQuery
	nulls bool
}

func NewFetchFromIndexStep(desc *IndexSearchDescriptor, ascending bool) *FetchFromIndexStep {
	return &FetchFromIndexStep{Desc: desc, Ascending: ascending}
}

func (s *FetchFromIndexStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *FetchFromIndexStep) init(ctx *CommandContext) error {
	if err := s.drainPrev(ctx); err != nil {
		return err
	}
	def, err := ctx.Engine().Index(s.Desc.Index)
	if err != nil {
		return commandErr("fetch from index", err, "index %s", s.Desc.Index)
	}
	s.def = def
	if len(s.Desc.Key) == 0 {
		full := indexPhase{query: storage.RangeQuery{Ascending: s.Ascending}}
		s.phases = []indexPhase{full}
		if !def.IgnoresNulls() {
			null := indexPhase{nulls: true}
			if s.Ascending {
				s.phases = append(s.phases, null)
			} else {
				s.phases = []indexPhase{null, full}
			}
		}
		return nil
	}
	queries, nulls, err := s.Desc.Ranges(ctx, s.Ascending)
	if err != nil {
		return err
	}
	if nulls {
		if !def.IgnoresNulls() {
			s.phases = []indexPhase{{nulls: true}}
		}
		return nil
	}
	for _, q := range queries {
		s.phases = append(s.phases, indexPhase{query: q})
	}
	if len(queries) > 1 {
		s.seen = make(map[storage.RID]struct{})
	}
	return nil
}

func (s *FetchFromIndexStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.started {
		s.started = true
		if err := s.init(ctx); err != nil {
			return nil, false, err
		}
	}
	for {
		if s.cur == nil {
			if s.phase >= len(s.phases) {
				return nil, false, nil
			}
			p := s.phases[s.phase]
			s.phase++
			var err error
			if p.nulls {
				s.cur, err = ctx.Tx().IndexNullCursor(s.def, s.Ascending)
			} else {
				s.cur, err = ctx.Tx().IndexCursor(s.def, p.query)
			}
			if err != nil {
				return nil, false, err
			}
		}
		e, ok, err := s.cur.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			s.cur.Close()
			s.cur = nil
			continue
		}
		if s.seen != nil {
			if _, dup := s.seen[e.RID]; dup {
				continue
			}
			s.seen[e.RID] = struct{}{}
		}
		ctx.AddStat(StatIndexEntries, 1)
		row := NewResult()
		if len(e.Key) == 1 {
			row.Set("key", e.Key[0])
		} else {
			row.Set("key", e.Key)
		}
		row.Set("rid", e.RID)
		return row, true, nil
	}
}

func (s *FetchFromIndexStep) Close() {
	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
	s.stepBase.Close()
}

func (s *FetchFromIndexStep) Reset() {
	s.stepBase.Reset()
	s.def = nil
	s.phases = nil
	s.phase = 0
	s.cur = nil
	s.seen = nil
	s.started = false
}

func (s *FetchFromIndexStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "FETCH FROM INDEX %s %s", s.Desc, orderLabel(s.Ascending))
}

func (s *FetchFromIndexStep) stepKind() string { return "FetchFromIndex" }

func (s *FetchFromIndexStep) serialize() (map[string]any, error) {
	return map[string]any{
		"index":      s.Desc.Index,
		"fields":     putStrings(s.Desc.Fields),
		"unique":     s.Desc.Unique,
		"key":        putExprs(s.Desc.Key),
		"additional": expr.Marshal(s.Desc.Additional),
		"remaining":  putExprs(s.Desc.Remaining),
		"asc":        s.Ascending,
	}, nil
}

func (s *FetchFromIndexStep) deserialize(m map[string]any) error {
	d := &IndexSearchDescriptor{
		Index:  getString(m, "index"),
		Fields: getStrings(m, "fields"),
		Unique: getBool(m, "unique"),
	}
	var err error
	if d.Key, err = getExprs(m, "key"); err != nil {
		return err
	}
	if d.Additional, err = getExpr(m, "additional"); err != nil {
		return err
	}
	if d.Remaining, err = getExprs(m, "remaining"); err != nil {
		return err
	}
	s.Desc = d
	s.Ascending = getBool(m, "asc")
	return nil
}

// ---------------------------------------------------------------------------
// GetValueFromIndexEntryStep
// ---------------------------------------------------------------------------

// GetValueFromIndexEntryStep turns {key, rid} rows into element rows. A
// non-nil Buckets keeps only records stored in those buckets, which narrows
// an index declared on a supertype to the queried subtype.
type GetValueFromIndexEntryStep struct {
	stepBase
	Buckets []int32
	in      input
}

func NewGetValueFromIndexEntryStep(buckets []int32) *GetValueFromIndexEntryStep {
	return &GetValueFromIndexEntryStep{Buckets: buckets}
}

func (s *GetValueFromIndexEntryStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *GetValueFromIndexEntryStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	for {
		row, ok, err := s.in.next(ctx, s.prev, want)
		if err != nil || !ok {
			return nil, false, err
		}
		v, _ := row.Property("rid")
		rid, ok := v.(storage.RID)
		if !ok {
			continue
		}
		if s.Buckets != nil && !containsBucket(s.Buckets, rid.Bucket) {
			continue
		}
		rec, err := ctx.Tx().Load(rid)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return NewElementResult(rec), true, nil
	}
}

func (s *GetValueFromIndexEntryStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *GetValueFromIndexEntryStep) PrettyPrint(depth, indent int) string {
	if s.Buckets == nil {
		return s.header(depth, indent, "FETCH FROM INDEX VALUES")
	}
	return s.header(depth, indent, "FETCH FROM INDEX VALUES IN BUCKETS %v", s.Buckets)
}

func (s *GetValueFromIndexEntryStep) stepKind() string { return "GetValueFromIndexEntry" }

func (s *GetValueFromIndexEntryStep) serialize() (map[string]any, error) {
	return map[string]any{"buckets": putInt32s(s.Buckets)}, nil
}

func (s *GetValueFromIndexEntryStep) deserialize(m map[string]any) error {
	s.Buckets = getInt32s(m, "buckets")
	return nil
}

func containsBucket(ids []int32, id int32) bool {
	for _, b := range ids {
		if b == id {
			return true
		}
	}
	return false
}
