package exec

import (
	"fmt"
	"strings"

	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

func init() {
	registerStep("ConvertToUpdatable", func() Step { return &ConvertToUpdatableStep{} })
	registerStep("CreateRecord", func() Step { return &CreateRecordStep{} })
	registerStep("InsertValues", func() Step { return &InsertValuesStep{} })
	registerStep("SetFields", func() Step { return &SetFieldsStep{} })
	registerStep("RemoveFields", func() Step { return &RemoveFieldsStep{} })
	registerStep("SaveElement", func() Step { return &SaveElementStep{} })
	registerStep("Delete", func() Step { return &DeleteStep{} })
	registerStep("Batch", func() Step { return &BatchStep{} })
	registerStep("Snapshot", func() Step { return &SnapshotStep{} })
	registerStep("CreateEdges", func() Step { return &CreateEdgesStep{} })
}

// Assignment is one "field = expression" of SET or CONTENT.
type Assignment struct {
	Field string
	Expr  expr.Expression
}

func (a Assignment) String() string { return a.Field + " = " + a.Expr.String() }

func marshalAssignments(list []Assignment) []any {
	out := make([]any, len(list))
	for i, a := range list {
		out[i] = map[string]any{"field": a.Field, "expr": expr.Marshal(a.Expr)}
	}
	return out
}

func unmarshalAssignments(m map[string]any, k string) ([]Assignment, error) {
	var out []Assignment
	for _, sub := range getMaps(m, k) {
		e, err := getExpr(sub, "expr")
		if err != nil {
			return nil, err
		}
		out = append(out, Assignment{Field: getString(sub, "field"), Expr: e})
	}
	return out, nil
}

func assignmentsString(list []Assignment) string {
	parts := make([]string, len(list))
	for i, a := range list {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// ---------------------------------------------------------------------------
// Record preparation
// ---------------------------------------------------------------------------

// ConvertToUpdatableStep turns element rows into rows whose record copy the
// following steps may change. Other rows pass through.
type ConvertToUpdatableStep struct {
	stepBase
	in input
}

func NewConvertToUpdatableStep() *ConvertToUpdatableStep { return &ConvertToUpdatableStep{} }

func (s *ConvertToUpdatableStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *ConvertToUpdatableStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok || row.IsUpdatable() {
		return row, ok, err
	}
	if el := row.Element(); el != nil {
		if m, ok := el.Clone().(storage.MutableRecord); ok {
			out := NewUpdatableResult(m)
			for _, k := range row.MetadataKeys() {
				v, _ := row.Metadata(k)
				out.SetMetadata(k, v)
			}
			return out, true, nil
		}
	}
	return row, true, nil
}

func (s *ConvertToUpdatableStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *ConvertToUpdatableStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "CONVERT TO UPDATABLE ITEM")
}

func (s *ConvertToUpdatableStep) stepKind() string                   { return "ConvertToUpdatable" }
func (s *ConvertToUpdatableStep) serialize() (map[string]any, error) { return nil, nil }
func (s *ConvertToUpdatableStep) deserialize(map[string]any) error   { return nil }

// CreateRecordStep produces Count new, unsaved records of Type.
type CreateRecordStep struct {
	stepBase
	Type    string
	Count   int
	created int
}

func NewCreateRecordStep(typeName string, count int) *CreateRecordStep {
	return &CreateRecordStep{Type: typeName, Count: count}
}

func (s *CreateRecordStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *CreateRecordStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if s.created == 0 {
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
	}
	if s.created >= s.Count {
		return nil, false, nil
	}
	rec, err := ctx.Tx().NewRecord(s.Type, nil)
	if err != nil {
		return nil, false, commandErr("create record", err, "type %s", s.Type)
	}
	s.created++
	return NewUpdatableResult(rec), true, nil
}

func (s *CreateRecordStep) Reset() {
	s.stepBase.Reset()
	s.created = 0
}

func (s *CreateRecordStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "CREATE EMPTY RECORDS") + body(depth, indent, fmt.Sprintf("%d record(s) of %s", s.Count, s.Type))
}

func (s *CreateRecordStep) stepKind() string { return "CreateRecord" }

func (s *CreateRecordStep) serialize() (map[string]any, error) {
	return map[string]any{"type": s.Type, "count": int64(s.Count)}, nil
}

func (s *CreateRecordStep) deserialize(m map[string]any) error {
	s.Type = getString(m, "type")
	s.Count = int(getInt(m, "count"))
	return nil
}

// InsertValuesStep fills the i-th upstream record from Tuples[i] (cycling when
// there are fewer value rows than records).
type InsertValuesStep struct {
	stepBase
	Columns []string
	Tuples  [][]expr.Expression
	n       int
	in      input
}

func NewInsertValuesStep(columns []string, rows [][]expr.Expression) *InsertValuesStep {
	return &InsertValuesStep{Columns: columns, Tuples: rows}
}

func (s *InsertValuesStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *InsertValuesStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	if len(s.Tuples) == 0 {
		return row, true, nil
	}
	values := s.Tuples[s.n%len(s.Tuples)]
	s.n++
	if len(values) != len(s.Columns) {
		return nil, false, commandErr("insert", ErrUnsupportedCondition, "%d columns but %d values", len(s.Columns), len(values))
	}
	ctx.SetVariable(VarCurrent, row)
	for i, col := range s.Columns {
		v, err := values[i].Eval(row, ctx)
		if err != nil {
			return nil, false, err
		}
		row.Set(col, v)
	}
	return row, true, nil
}

func (s *InsertValuesStep) Reset() {
	s.stepBase.Reset()
	s.n = 0
	s.in.reset()
}

func (s *InsertValuesStep) PrettyPrint(depth, indent int) string {
	lines := make([]string, len(s.Tuples))
	for i, r := range s.Tuples {
		lines[i] = "(" + exprsString(r) + ")"
	}
	return s.header(depth, indent, "SET VALUES (%s)", strings.Join(s.Columns, ", ")) + body(depth, indent, lines...)
}

func (s *InsertValuesStep) stepKind() string { return "InsertValues" }

func (s *InsertValuesStep) serialize() (map[string]any, error) {
	rows := make([]any, len(s.Tuples))
	for i, r := range s.Tuples {
		rows[i] = putExprs(r)
	}
	return map[string]any{"columns": putStrings(s.Columns), "rows": rows}, nil
}

func (s *InsertValuesStep) deserialize(m map[string]any) error {
	s.Columns = getStrings(m, "columns")
	list, _ := m["rows"].([]any)
	for _, it := range list {
		r, err := getExprs(map[string]any{"r": it}, "r")
		if err != nil {
			return err
		}
		s.Tuples = append(s.Tuples, r)
	}
	return nil
}

// SetFieldsStep evaluates each assignment against the row and stores it.
type SetFieldsStep struct {
	stepBase
	Assignments []Assignment
	in          input
}

func NewSetFieldsStep(assignments ...Assignment) *SetFieldsStep {
	return &SetFieldsStep{Assignments: assignments}
}

func (s *SetFieldsStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *SetFieldsStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	ctx.SetVariable(VarCurrent, row)
	for _, a := range s.Assignments {
		v, err := a.Expr.Eval(row, ctx)
		if err != nil {
			return nil, false, err
		}
		row.Set(a.Field, v)
	}
	return row, true, nil
}

func (s *SetFieldsStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *SetFieldsStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "UPDATE SET") + body(depth, indent, assignmentsString(s.Assignments))
}

func (s *SetFieldsStep) stepKind() string { return "SetFields" }

func (s *SetFieldsStep) serialize() (map[string]any, error) {
	return map[string]any{"set": marshalAssignments(s.Assignments)}, nil
}

func (s *SetFieldsStep) deserialize(m map[string]any) (err error) {
	s.Assignments, err = unmarshalAssignments(m, "set")
	return err
}

// RemoveFieldsStep drops properties from each row.
type RemoveFieldsStep struct {
	stepBase
	Fields []string
	in     input
}

func NewRemoveFieldsStep(fields ...string) *RemoveFieldsStep {
	return &RemoveFieldsStep{Fields: fields}
}

func (s *RemoveFieldsStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *RemoveFieldsStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	for _, f := range s.Fields {
		row.Remove(f)
	}
	return row, true, nil
}

func (s *RemoveFieldsStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *RemoveFieldsStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "UPDATE REMOVE") + body(depth, indent, strings.Join(s.Fields, ", "))
}

func (s *RemoveFieldsStep) stepKind() string { return "RemoveFields" }

func (s *RemoveFieldsStep) serialize() (map[string]any, error) {
	return map[string]any{"fields": putStrings(s.Fields)}, nil
}

func (s *RemoveFieldsStep) deserialize(m map[string]any) error {
	s.Fields = getStrings(m, "fields")
	return nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// SaveElementStep persists updatable rows, into Bucket when it is set.
type SaveElementStep struct {
	stepBase
	Bucket string
	in     input
}

func NewSaveElementStep(bucket string) *SaveElementStep { return &SaveElementStep{Bucket: bucket} }

func (s *SaveElementStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *SaveElementStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	rec, ok := row.Mutable()
	if !ok {
		return row, true, nil
	}
	if _, err := ctx.Tx().Save(rec, s.Bucket); err != nil {
		return nil, false, commandErr("save", err, "record %s", rec.Identity())
	}
	ctx.AddStat(StatRecordsSaved, 1)
	return row, true, nil
}

func (s *SaveElementStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *SaveElementStep) PrettyPrint(depth, indent int) string {
	if s.Bucket == "" {
		return s.header(depth, indent, "SAVE RECORD")
	}
	return s.header(depth, indent, "SAVE RECORD ON BUCKET %s", s.Bucket)
}

func (s *SaveElementStep) stepKind() string { return "SaveElement" }

func (s *SaveElementStep) serialize() (map[string]any, error) {
	return map[string]any{"bucket": s.Bucket}, nil
}

func (s *SaveElementStep) deserialize(m map[string]any) error {
	s.Bucket = getString(m, "bucket")
	return nil
}

// DeleteStep deletes the element of each row. Deleting a vertex deletes its
// edges too.
type DeleteStep struct {
	stepBase
	in input
}

func NewDeleteStep() *DeleteStep { return &DeleteStep{} }

func (s *DeleteStep) Pull(ctx *CommandContext, n int) (ResultSet, error) { return s.pull(s, ctx, n) }

func (s *DeleteStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	el := row.Element()
	if el == nil {
		return row, true, nil
	}
	if e, isEdge := el.(*storage.Edge); isEdge {
		err = ctx.Tx().DeleteEdge(e)
	} else {
		err = ctx.Tx().Delete(el.Identity())
	}
	if storage.IsNotFound(err) {
		return row, true, nil
	}
	if err != nil {
		return nil, false, commandErr("delete", err, "record %s", el.Identity())
	}
	ctx.AddStat(StatRecordsDeleted, 1)
	return row, true, nil
}

func (s *DeleteStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *DeleteStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "DELETE")
}

func (s *DeleteStep) stepKind() string                   { return "Delete" }
func (s *DeleteStep) serialize() (map[string]any, error) { return nil, nil }
func (s *DeleteStep) deserialize(map[string]any) error   { return nil }

// BatchStep commits the transaction and begins a new one on the same handle
// after every Size rows that pass through it. The rows after the last full
// batch stay pending for the caller to commit.
type BatchStep struct {
	stepBase
	Size  int
	count int
	in    input
}

func NewBatchStep(size int) *BatchStep { return &BatchStep{Size: size} }

func (s *BatchStep) Pull(ctx *CommandContext, n int) (ResultSet, error) { return s.pull(s, ctx, n) }

func (s *BatchStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if err != nil || !ok {
		return nil, false, err
	}
	s.count++
	if s.Size > 0 && s.count%s.Size == 0 {
		pending := ctx.Tx().Pending()
		if err := ctx.Tx().Restart(); err != nil {
			return nil, false, commandErr("batch commit", err, "after %d rows", s.count)
		}
		ctx.AddStat(StatCommits, 1)
		ctx.Logger().Debug("batch committed", "exec_id", ctx.ID(), "rows", s.count, "writes", pending)
	}
	return row, true, nil
}

func (s *BatchStep) Reset() {
	s.stepBase.Reset()
	s.count = 0
	s.in.reset()
}

func (s *BatchStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "BATCH COMMIT EVERY %d", s.Size)
}

func (s *BatchStep) stepKind() string { return "Batch" }

func (s *BatchStep) serialize() (map[string]any, error) {
	return map[string]any{"size": int64(s.Size)}, nil
}

func (s *BatchStep) deserialize(m map[string]any) error {
	s.Size = int(getInt(m, "size"))
	return nil
}

// SnapshotStep reads its whole input before serving the first row, so the
// writes below it never change what the steps above it scan.
type SnapshotStep struct {
	stepBase
	rows  []*Result
	pos   int
	ready bool
}

func NewSnapshotStep() *SnapshotStep { return &SnapshotStep{} }

func (s *SnapshotStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *SnapshotStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.ready {
		s.ready = true
		rows, err := PullAll(ctx, s.prev, DefaultBatchSize)
		if err != nil {
			return nil, false, err
		}
		s.rows = rows
	}
	if s.pos >= len(s.rows) {
		return nil, false, nil
	}
	r := s.rows[s.pos]
	s.rows[s.pos] = nil
	s.pos++
	return r, true, nil
}

func (s *SnapshotStep) Reset() {
	s.stepBase.Reset()
	s.rows = nil
	s.pos = 0
	s.ready = false
}

func (s *SnapshotStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "MATERIALIZE")
}

func (s *SnapshotStep) stepKind() string                   { return "Snapshot" }
func (s *SnapshotStep) serialize() (map[string]any, error) { return nil, nil }
func (s *SnapshotStep) deserialize(map[string]any) error   { return nil }

// ---------------------------------------------------------------------------
// CREATE EDGE
// ---------------------------------------------------------------------------

// CreateEdgesStep connects every vertex From evaluates to with every vertex
// To evaluates to and emits the new edges. Both are evaluated once, after
// the preceding LET steps ran.
type CreateEdgesStep struct {
	stepBase
	Type        string
	From        expr.Expression
	To          expr.Expression
	Set         []Assignment
	Lightweight bool

	pairs [][2]storage.RID
	pos   int
	ready bool
}

func NewCreateEdgesStep(typeName string, from, to expr.Expression, set []Assignment, lightweight bool) *CreateEdgesStep {
	return &CreateEdgesStep{Type: typeName, From: from, To: to, Set: set, Lightweight: lightweight}
}

func (s *CreateEdgesStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *CreateEdgesStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.ready {
		s.ready = true
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
		from, err := s.endpoints(ctx, s.From)
		if err != nil {
			return nil, false, err
		}
		to, err := s.endpoints(ctx, s.To)
		if err != nil {
			return nil, false, err
		}
		for _, f := range from {
			for _, t := range to {
				s.pairs = append(s.pairs, [2]storage.RID{f, t})
			}
		}
	}
	if s.pos >= len(s.pairs) {
		return nil, false, nil
	}
	p := s.pairs[s.pos]
	s.pos++
	var e *storage.Edge
	var err error
	if s.Lightweight {
		e, err = ctx.Tx().NewLightweightEdge(s.Type, p[0], p[1])
	} else {
		props := storage.Props{}
		for _, a := range s.Set {
			v, err := a.Expr.Eval(nil, ctx)
			if err != nil {
				return nil, false, err
			}
			props[a.Field] = v
		}
		e, err = ctx.Tx().NewEdge(s.Type, p[0], p[1], props)
		if err == nil {
			ctx.AddStat(StatRecordsSaved, 1)
		}
	}
	if err != nil {
		return nil, false, commandErr("create edge", err, "%s from %s to %s", s.Type, p[0], p[1])
	}
	return NewElementResult(e), true, nil
}

func (s *CreateEdgesStep) endpoints(ctx *CommandContext, e expr.Expression) ([]storage.RID, error) {
	v, err := e.Eval(nil, ctx)
	if err != nil {
		return nil, err
	}
	var out []storage.RID
	for _, it := range flattenValues(v) {
		rid, ok := toRID(it)
		if !ok {
			return nil, commandErr("create edge", storage.ErrWrongKind, "%v is not a vertex", it)
		}
		out = append(out, rid)
	}
	return out, nil
}

func flattenValues(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		var out []any
		for _, e := range t {
			out = append(out, flattenValues(e)...)
		}
		return out
	case []*Result:
		out := make([]any, len(t))
		for i, r := range t {
			out[i] = r
		}
		return out
	}
	return []any{v}
}

// toRID resolves the values a vertex reference may take.
func toRID(v any) (storage.RID, bool) {
	switch t := v.(type) {
	case storage.RID:
		return t, true
	case storage.Record:
		return t.Identity(), true
	case *Result:
		if t.IsElement() {
			return t.Identity(), true
		}
		if names := t.PropertyNames(); len(names) == 1 {
			inner, _ := t.Property(names[0])
			return toRID(inner)
		}
		if r, ok := t.Property("@rid"); ok {
			return toRID(r)
		}
	case string:
		rid, err := storage.ParseRID(t)
		return rid, err == nil
	}
	return storage.NoRID, false
}

func (s *CreateEdgesStep) Reset() {
	s.stepBase.Reset()
	s.pairs = nil
	s.pos = 0
	s.ready = false
}

func (s *CreateEdgesStep) PrettyPrint(depth, indent int) string {
	out := s.header(depth, indent, "CREATE EDGE %s", s.Type) +
		body(depth, indent, "FROM "+s.From.String(), "TO "+s.To.String())
	if len(s.Set) > 0 {
		out += body(depth, indent, "SET "+assignmentsString(s.Set))
	}
	if s.Lightweight {
		out += body(depth, indent, "(lightweight)")
	}
	return out
}

func (s *CreateEdgesStep) stepKind() string { return "CreateEdges" }

func (s *CreateEdgesStep) serialize() (map[string]any, error) {
	return map[string]any{
		"type":  s.Type,
		"from":  expr.Marshal(s.From),
		"to":    expr.Marshal(s.To),
		"set":   marshalAssignments(s.Set),
		"light": s.Lightweight,
	}, nil
}

func (s *CreateEdgesStep) deserialize(m map[string]any) (err error) {
	s.Type = getString(m, "type")
	s.Lightweight = getBool(m, "light")
	if s.From, err = getExpr(m, "from"); err != nil {
		return err
	}
	if s.To, err = getExpr(m, "to"); err != nil {
		return err
	}
	s.Set, err = unmarshalAssignments(m, "set")
	return err
}
