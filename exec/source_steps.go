package exec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mstrYoda/graphpipe/storage"
)

func init() {
	registerStep("Empty", func() Step { return &EmptyStep{} })
	registerStep("EmptyDataGenerator", func() Step { return &EmptyDataGeneratorStep{} })
	registerStep("FetchFromBucket", func() Step { return &FetchFromBucketStep{} })
	registerStep("FetchTemporary", func() Step { return &FetchTemporaryStep{} })
	registerStep("FetchFromBuckets", func() Step { return &FetchFromBucketsStep{} })
	registerStep("FetchFromType", func() Step { return &FetchFromTypeStep{} })
	registerStep("FetchFromRIDs", func() Step { return &FetchFromRIDsStep{} })
	registerStep("FetchFromVariable", func() Step { return &FetchFromVariableStep{} })
	registerStep("SubQuery", func() Step { return &SubQueryStep{} })
	registerStep("CountFromType", func() Step { return &CountFromTypeStep{} })
}

// ---------------------------------------------------------------------------
// EmptyStep / EmptyDataGeneratorStep
// ---------------------------------------------------------------------------

// EmptyStep produces nothing. The planner uses it when a statement is known
// to match no rows (LIMIT 0).
type EmptyStep struct {
	stepBase
}

func NewEmptyStep() *EmptyStep { return &EmptyStep{} }

// CanBeCached is false: the shortcut depends on the planned statement, not
// on anything the step serializes.
func (s *EmptyStep) CanBeCached() bool { return false }

func (s *EmptyStep) Pull(ctx *CommandContext, n int) (ResultSet, error) { return s.pull(s, ctx, n) }

func (s *EmptyStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	return nil, false, s.drainPrev(ctx)
}

func (s *EmptyStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "EMPTY")
}

func (s *EmptyStep) stepKind() string                   { return "Empty" }
func (s *EmptyStep) serialize() (map[string]any, error) { return nil, nil }
func (s *EmptyStep) deserialize(map[string]any) error   { return nil }

// EmptyDataGeneratorStep produces Count empty projection rows; it is the
// source of a SELECT without a target.
type EmptyDataGeneratorStep struct {
	stepBase
	Count  int
	served int
}

func NewEmptyDataGeneratorStep(count int) *EmptyDataGeneratorStep {
	return &EmptyDataGeneratorStep{Count: count}
}

func (s *EmptyDataGeneratorStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *EmptyDataGeneratorStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if s.served == 0 {
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
	}
	if s.served >= s.Count {
		return nil, false, nil
	}
	s.served++
	return NewResult(), true, nil
}

func (s *EmptyDataGeneratorStep) Reset() {
	s.stepBase.Reset()
	s.served = 0
}

func (s *EmptyDataGeneratorStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "GENERATE %d EMPTY RECORD(S)", s.Count)
}

func (s *EmptyDataGeneratorStep) stepKind() string { return "EmptyDataGenerator" }

func (s *EmptyDataGeneratorStep) serialize() (map[string]any, error) {
	return map[string]any{"count": int64(s.Count)}, nil
}

func (s *EmptyDataGeneratorStep) deserialize(m map[string]any) error {
	s.Count = int(getInt(m, "count"))
	return nil
}

// ---------------------------------------------------------------------------
// Bucket scans
// ---------------------------------------------------------------------------

// FetchFromBucketStep scans the committed records of one bucket by position.
type FetchFromBucketStep struct {
	stepBase
	Bucket    int32
	Name      string
	Ascending bool

	cursor  *storage.RecordCursor
	started bool
}

func NewFetchFromBucketStep(bucket int32, name string, ascending bool) *FetchFromBucketStep {
	return &FetchFromBucketStep{Bucket: bucket, Name: name, Ascending: ascending}
}

func (s *FetchFromBucketStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *FetchFromBucketStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.started {
		s.started = true
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
		s.cursor = ctx.Tx().BucketCursor(s.Bucket, s.Ascending)
	}
	rec, ok, err := s.cursor.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	ctx.AddStat(StatRecordsScanned, 1)
	return NewElementResult(rec), true, nil
}

func (s *FetchFromBucketStep) Close() {
	if s.cursor != nil {
		s.cursor.Close()
	}
	s.stepBase.Close()
}

func (s *FetchFromBucketStep) Reset() {
	s.stepBase.Reset()
	s.cursor = nil
	s.started = false
}

func (s *FetchFromBucketStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "FETCH FROM BUCKET %s (#%d) %s", s.Name, s.Bucket, orderLabel(s.Ascending))
}

func (s *FetchFromBucketStep) stepKind() string { return "FetchFromBucket" }

func (s *FetchFromBucketStep) serialize() (map[string]any, error) {
	return map[string]any{"bucket": int64(s.Bucket), "name": s.Name, "asc": s.Ascending}, nil
}

func (s *FetchFromBucketStep) deserialize(m map[string]any) error {
	s.Bucket = int32(getInt(m, "bucket"))
	s.Name = getString(m, "name")
	s.Ascending = getBool(m, "asc")
	return nil
}

func orderLabel(asc bool) string {
	if asc {
		return "ASC"
	}
	return "DESC"
}

// FetchTemporaryStep serves the records created by the current transaction
// in the given buckets. Committed bucket scans do not see them.
type FetchTemporaryStep struct {
	stepBase
	Buckets   []int32
	Ascending bool

	rows    []storage.Record
	pos     int
	started bool
}

func (s *FetchTemporaryStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *FetchTemporaryStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.started {
		s.started = true
		s.rows = ctx.Tx().Uncommitted(s.Buckets, s.Ascending)
	}
	if s.pos >= len(s.rows) {
		return nil, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return NewElementResult(r), true, nil
}

func (s *FetchTemporaryStep) Reset() {
	s.stepBase.Reset()
	s.rows, s.pos, s.started = nil, 0, false
}

func (s *FetchTemporaryStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "FETCH NEW RECORDS FROM CURRENT TRANSACTION SCOPE (if any)")
}

func (s *FetchTemporaryStep) stepKind() string { return "FetchTemporary" }

func (s *FetchTemporaryStep) serialize() (map[string]any, error) {
	return map[string]any{"buckets": putInt32s(s.Buckets), "asc": s.Ascending}, nil
}

func (s *FetchTemporaryStep) deserialize(m map[string]any) error {
	s.Buckets = getInt32s(m, "buckets")
	s.Ascending = getBool(m, "asc")
	return nil
}

// FetchFromBucketsStep scans several buckets one after the other, plus the
// pseudo-bucket of uncommitted records: last when ascending, first when
// descending.
type FetchFromBucketsStep struct {
	stepBase
	Buckets   []int32
	Names     []string
	Ascending bool

	subs    []Step
	idx     int
	in      input
	started bool
}

// NewFetchFromBucketsStep scans buckets in id order (reversed when
// descending). names are used for printing only.
func NewFetchFromBucketsStep(buckets []int32, names []string, ascending bool) *FetchFromBucketsStep {
	s := &FetchFromBucketsStep{Ascending: ascending}
	s.setBuckets(buckets, names)
	return s
}

func (s *FetchFromBucketsStep) setBuckets(buckets []int32, names []string) {
	type pair struct {
		id   int32
		name string
	}
	pairs := make([]pair, len(buckets))
	for i, id := range buckets {
		pairs[i].id = id
		if i < len(names) {
			pairs[i].name = names[i]
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if s.Ascending {
			return pairs[i].id < pairs[j].id
		}
		return pairs[i].id > pairs[j].id
	})
	s.Buckets, s.Names = make([]int32, len(pairs)), make([]string, len(pairs))
	for i, p := range pairs {
		s.Buckets[i], s.Names[i] = p.id, p.name
	}
	s.subs = nil
}

func (s *FetchFromBucketsStep) build() {
	subs := make([]Step, 0, len(s.Buckets)+1)
	for i, id := range s.Buckets {
		subs = append(subs, NewFetchFromBucketStep(id, s.Names[i], s.Ascending))
	}
	tmp := &FetchTemporaryStep{Buckets: append([]int32(nil), s.Buckets...), Ascending: s.Ascending}
	if s.Ascending {
		subs = append(subs, tmp)
	} else {
		subs = append([]Step{tmp}, subs...)
	}
	s.subs = subs
}

func (s *FetchFromBucketsStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *FetchFromBucketsStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	if !s.started {
		s.started = true
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
		if s.subs == nil {
			s.build()
		}
	}
	for s.idx < len(s.subs) {
		if s.timedOut {
			return nil, false, nil
		}
		r, ok, err := s.in.next(ctx, s.subs[s.idx], want)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return r, true, nil
		}
		s.idx++
		s.in.reset()
	}
	return nil, false, nil
}

func (s *FetchFromBucketsStep) Close() {
	for _, sub := range s.subs {
		sub.Close()
	}
	s.stepBase.Close()
}

func (s *FetchFromBucketsStep) Reset() {
	s.stepBase.Reset()
	s.subs = nil
	s.idx = 0
	s.in.reset()
	s.started = false
}

func (s *FetchFromBucketsStep) PrettyPrint(depth, indent int) string {
	out := s.header(depth, indent, "FETCH FROM BUCKETS %s %s", strings.Join(s.Names, ", "), orderLabel(s.Ascending))
	if s.subs == nil {
		s.build()
	}
	for _, sub := range s.subs {
		out += "\n" + sub.PrettyPrint(depth+1, indent)
	}
	return out
}

func (s *FetchFromBucketsStep) stepKind() string { return "FetchFromBuckets" }

func (s *FetchFromBucketsStep) serialize() (map[string]any, error) {
	return map[string]any{"buckets": putInt32s(s.Buckets), "names": putStrings(s.Names), "asc": s.Ascending}, nil
}

func (s *FetchFromBucketsStep) deserialize(m map[string]any) error {
	s.Ascending = getBool(m, "asc")
	s.setBuckets(getInt32s(m, "buckets"), getStrings(m, "names"))
	return nil
}

// FetchFromTypeStep scans every bucket backing a type (and its subtypes when
// polymorphic). Buckets are resolved when the plan is built and again after
// the step is rebuilt from a cached plan.
type FetchFromTypeStep struct {
	stepBase
	Type        string
	Polymorphic bool
	Ascending   bool

	inner   *FetchFromBucketsStep
	started bool
}

func NewFetchFromTypeStep(typeName string, polymorphic, ascending bool) *FetchFromTypeStep {
	return &FetchFromTypeStep{Type: typeName, Polymorphic: polymorphic, Ascending: ascending}
}

func (s *FetchFromTypeStep) resolve(e *storage.Engine) error {
	ids, err := e.BucketsOf(s.Type, s.Polymorphic)
	if err != nil {
		return commandErr("fetch from type", err, "type %s", s.Type)
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i], _ = e.BucketName(id)
	}
	s.inner = NewFetchFromBucketsStep(ids, names, s.Ascending)
	return nil
}

func (s *FetchFromTypeStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *FetchFromTypeStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	if s.inner == nil {
		if err := s.resolve(ctx.Engine()); err != nil {
			return nil, false, err
		}
	}
	if !s.started {
		s.started = true
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
	}
	return s.inner.produce(ctx, want)
}

func (s *FetchFromTypeStep) Close() {
	if s.inner != nil {
		s.inner.Close()
	}
	s.stepBase.Close()
}

func (s *FetchFromTypeStep) Reset() {
	s.stepBase.Reset()
	s.started = false
	if s.inner != nil {
		s.inner.Reset()
	}
}

func (s *FetchFromTypeStep) PrettyPrint(depth, indent int) string {
	out := s.header(depth, indent, "FETCH FROM TYPE %s", s.Type)
	if s.inner != nil {
		out += "\n" + s.inner.PrettyPrint(depth+1, indent)
	}
	return out
}

func (s *FetchFromTypeStep) stepKind() string { return "FetchFromType" }

func (s *FetchFromTypeStep) serialize() (map[string]any, error) {
	return map[string]any{"type": s.Type, "poly": s.Polymorphic, "asc": s.Ascending}, nil
}

func (s *FetchFromTypeStep) deserialize(m map[string]any) error {
	s.Type = getString(m, "type")
	s.Polymorphic = getBool(m, "poly")
	s.Ascending = getBool(m, "asc")
	return nil
}

// ---------------------------------------------------------------------------
// Other sources
// ---------------------------------------------------------------------------

// FetchFromRIDsStep loads records by identity, skipping missing ones.
type FetchFromRIDsStep struct {
	stepBase
	RIDs []storage.RID
	pos  int
}

func NewFetchFromRIDsStep(rids ...storage.RID) *FetchFromRIDsStep {
	return &FetchFromRIDsStep{RIDs: rids}
}

func (s *FetchFromRIDsStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *FetchFromRIDsStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if s.pos == 0 {
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
	}
	for s.pos < len(s.RIDs) {
		rid := s.RIDs[s.pos]
		s.pos++
		rec, err := ctx.Tx().Load(rid)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		ctx.AddStat(StatRecordsScanned, 1)
		return NewElementResult(rec), true, nil
	}
	return nil, false, nil
}

func (s *FetchFromRIDsStep) Reset() {
	s.stepBase.Reset()
	s.pos = 0
}

func (s *FetchFromRIDsStep) PrettyPrint(depth, indent int) string {
	ids := make([]string, len(s.RIDs))
	for i, r := range s.RIDs {
		ids[i] = r.String()
	}
	return s.header(depth, indent, "FETCH FROM RIDs [%s]", strings.Join(ids, ", "))
}

func (s *FetchFromRIDsStep) stepKind() string { return "FetchFromRIDs" }

func (s *FetchFromRIDsStep) serialize() (map[string]any, error) {
	return map[string]any{"rids": putRIDs(s.RIDs)}, nil
}

func (s *FetchFromRIDsStep) deserialize(m map[string]any) (err error) {
	s.RIDs, err = getRIDs(m, "rids")
	return err
}

// FetchFromVariableStep serves the rows held by a context variable, usually
// bound by a LET.
type FetchFromVariableStep struct {
	stepBase
	Name string

	rows    []*Result
	pos     int
	started bool
}

func NewFetchFromVariableStep(name string) *FetchFromVariableStep {
	return &FetchFromVariableStep{Name: strings.TrimPrefix(name, "$")}
}

func (s *FetchFromVariableStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *FetchFromVariableStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.started {
		s.started = true
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
		v, _ := ctx.Variable(s.Name)
		rows, err := toResults(ctx, v)
		if err != nil {
			return nil, false, err
		}
		s.rows = rows
	}
	if s.pos >= len(s.rows) {
		return nil, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

func (s *FetchFromVariableStep) Reset() {
	s.stepBase.Reset()
	s.rows, s.pos, s.started = nil, 0, false
}

func (s *FetchFromVariableStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "FETCH FROM VARIABLE $%s", s.Name)
}

func (s *FetchFromVariableStep) stepKind() string { return "FetchFromVariable" }

func (s *FetchFromVariableStep) serialize() (map[string]any, error) {
	return map[string]any{"name": s.Name}, nil
}

func (s *FetchFromVariableStep) deserialize(m map[string]any) error {
	s.Name = getString(m, "name")
	return nil
}

// SubQueryStep streams the rows of a nested plan run in a child context.
type SubQueryStep struct {
	stepBase
	Sub Plan

	rs ResultSet
}

func NewSubQueryStep(sub Plan) *SubQueryStep { return &SubQueryStep{Sub: sub} }

func (s *SubQueryStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *SubQueryStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if s.rs == nil {
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
		rs, err := s.Sub.Execute(ctx.Child())
		if err != nil {
			return nil, false, err
		}
		s.rs = rs
	}
	ok, err := s.rs.HasNext()
	if err != nil || !ok {
		return nil, false, err
	}
	r, err := s.rs.Next()
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (s *SubQueryStep) Close() {
	if s.rs != nil {
		s.rs.Close()
	}
	s.Sub.Close()
	s.stepBase.Close()
}

func (s *SubQueryStep) Reset() {
	s.stepBase.Reset()
	s.rs = nil
	s.Sub.Reset()
}

func (s *SubQueryStep) CanBeCached() bool { return s.Sub.CanBeCached() }

func (s *SubQueryStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "FETCH FROM SUBQUERY") + "\n" + s.Sub.PrettyPrint(depth+1, indent)
}

func (s *SubQueryStep) stepKind() string { return "SubQuery" }

func (s *SubQueryStep) serialize() (map[string]any, error) {
	sub, err := subPlanMap(s.Sub)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sub": sub}, nil
}

func (s *SubQueryStep) deserialize(m map[string]any) (err error) {
	s.Sub, err = subPlanFrom(m, "sub")
	if err == nil && s.Sub == nil {
		err = fmt.Errorf("missing sub-plan")
	}
	return err
}

// CountFromTypeStep answers count(*) over a whole type from the bucket
// counters, without scanning.
type CountFromTypeStep struct {
	stepBase
	Type  string
	Alias string
	done  bool
}

func NewCountFromTypeStep(typeName, alias string) *CountFromTypeStep {
	return &CountFromTypeStep{Type: typeName, Alias: alias}
}

func (s *CountFromTypeStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *CountFromTypeStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if s.done {
		return nil, false, nil
	}
	s.done = true
	if err := s.drainPrev(ctx); err != nil {
		return nil, false, err
	}
	n, err := ctx.Tx().CountType(s.Type, true)
	if err != nil {
		return nil, false, commandErr("count from type", err, "type %s", s.Type)
	}
	r := NewResult()
	r.Set(s.Alias, n)
	return r, true, nil
}

func (s *CountFromTypeStep) Reset() {
	s.stepBase.Reset()
	s.done = false
}

func (s *CountFromTypeStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "CALCULATE TYPE SIZE: %s", s.Type)
}

func (s *CountFromTypeStep) stepKind() string { return "CountFromType" }

func (s *CountFromTypeStep) serialize() (map[string]any, error) {
	return map[string]any{"type": s.Type, "alias": s.Alias}, nil
}

func (s *CountFromTypeStep) deserialize(m map[string]any) error {
	s.Type = getString(m, "type")
	s.Alias = getString(m, "alias")
	return nil
}

// ---------------------------------------------------------------------------
// Value conversion
// ---------------------------------------------------------------------------

// toResults turns a variable or expression value into rows: records and
// identities become element rows, maps become projections, lists are
// flattened and other scalars become {value: v}.
func toResults(ctx *CommandContext, v any) ([]*Result, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *Result:
		return []*Result{t}, nil
	case []*Result:
		return t, nil
	case storage.Record:
		return []*Result{NewElementResult(t)}, nil
	case []storage.Record:
		out := make([]*Result, len(t))
		for i, r := range t {
			out[i] = NewElementResult(r)
		}
		return out, nil
	case storage.RID:
		rec, err := ctx.Tx().Load(t)
		if storage.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*Result{NewElementResult(rec)}, nil
	case map[string]any:
		return []*Result{mapResult(t)}, nil
	case []any:
		var out []*Result
		for _, e := range t {
			rows, err := toResults(ctx, e)
			if err != nil {
				return nil, err
			}
			out = append(out, rows...)
		}
		return out, nil
	case ResultSet:
		return Drain(t)
	}
	r := NewResult()
	r.Set("value", v)
	return []*Result{r}, nil
}

// mapResult builds a projection with keys in sorted order.
func mapResult(m map[string]any) *Result {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r := NewResult()
	for _, k := range keys {
		r.Set(k, m[k])
	}
	return r
}
