package exec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openEngine(t *testing.T) *storage.Engine {
	t.Helper()
	s, err := storage.OpenBadger(storage.BadgerOptions{InMemory: true, LowMemory: true})
	require.NoError(t, err)
	e, err := storage.Open(s, storage.EngineOptions{Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newContext(t *testing.T, e *storage.Engine, opts ...ContextOption) *CommandContext {
	t.Helper()
	tx := e.Begin()
	t.Cleanup(tx.Rollback)
	opts = append([]ContextOption{WithLogger(quietLogger())}, opts...)
	return NewContext(context.Background(), tx, opts...)
}

var cities = []string{"Ankara", "Berlin", "Cairo"}

// seedPeople stores n Person documents: name pNN, age i, city cycling
// through cities.
func seedPeople(t *testing.T, e *storage.Engine, n int) {
	t.Helper()
	_, err := e.CreateType("Person", storage.KindDocument)
	require.NoError(t, err)
	tx := e.Begin()
	for i := 0; i < n; i++ {
		_, err := tx.Save(storage.NewDocument("Person", storage.Props{
			"name": fmt.Sprintf("p%03d", i),
			"age":  int64(i),
			"city": cities[i%len(cities)],
		}), "")
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func indexAge(t *testing.T, e *storage.Engine) {
	t.Helper()
	_, err := e.CreateIndex(storage.IndexDef{Name: "Person.age", Type: "Person", Properties: []string{"age"}})
	require.NoError(t, err)
}

// seedChain stores the vertices A -> B -> C -> D linked by Next edges.
func seedChain(t *testing.T, e *storage.Engine) map[string]storage.RID {
	t.Helper()
	_, err := e.CreateType("V", storage.KindVertex)
	require.NoError(t, err)
	_, err = e.CreateType("Next", storage.KindEdge)
	require.NoError(t, err)
	tx := e.Begin()
	rids := map[string]storage.RID{}
	names := []string{"A", "B", "C", "D"}
	for _, n := range names {
		rid, err := tx.Save(storage.NewVertex("V", storage.Props{"name": n}), "")
		require.NoError(t, err)
		rids[n] = rid
	}
	for i := 1; i < len(names); i++ {
		_, err := tx.NewEdge("Next", rids[names[i-1]], rids[names[i]], nil)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
	return rids
}

// run plans stmt with the default options and returns every row.
func run(t *testing.T, ctx *CommandContext, stmt Statement) []*Result {
	t.Helper()
	plan, err := CreatePlan(ctx, stmt, DefaultPlannerOptions())
	require.NoError(t, err)
	return execute(t, ctx, plan)
}

func execute(t *testing.T, ctx *CommandContext, plan Plan) []*Result {
	t.Helper()
	rs, err := plan.Execute(ctx)
	require.NoError(t, err)
	defer rs.Close()
	rows, err := Drain(rs)
	require.NoError(t, err)
	return rows
}

func column(rows []*Result, name string) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i], _ = r.Property(name)
	}
	return out
}

func identities(rows []*Result) []storage.RID {
	out := make([]storage.RID, len(rows))
	for i, r := range rows {
		out[i] = r.Identity()
	}
	return out
}

func ints(vs ...int64) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func strs(vs ...string) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func fromPerson() Target { return Target{Type: "Person"} }

func ageCmp(op expr.CompareOp, v int64) expr.Expression {
	return expr.Cmp(expr.Prop("age"), op, expr.Lit(v))
}

// slowStep delays every row it forwards.
type slowStep struct {
	stepBase
	delay time.Duration
	in    input
}

func (s *slowStep) Pull(ctx *CommandContext, n int) (ResultSet, error) { return s.pull(s, ctx, n) }

func (s *slowStep) produce(ctx *CommandContext, want int) (*Result, bool, error) {
	row, ok, err := s.in.next(ctx, s.prev, want)
	if ok {
		time.Sleep(s.delay)
	}
	return row, ok, err
}

func (s *slowStep) Reset() {
	s.stepBase.Reset()
	s.in.reset()
}

func (s *slowStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "SLOW %s", s.delay)
}
