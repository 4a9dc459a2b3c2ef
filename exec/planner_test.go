package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

func hasStep[T Step](p Plan) bool {
	for _, s := range p.Steps() {
		if _, ok := s.(T); ok {
			return true
		}
	}
	return false
}

func TestIndexRangeScan(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 30)
	indexAge(t, e)
	ctx := newContext(t, e)

	stmt := &SelectStatement{
		Target: fromPerson(),
		Where:  expr.AllOf(ageCmp(expr.OpGt, 5), ageCmp(expr.OpLe, 10)),
	}
	plan, err := CreatePlan(ctx, stmt, DefaultPlannerOptions())
	require.NoError(t, err)
	require.True(t, hasStep[*FetchFromIndexStep](plan), plan.PrettyPrint(0, 2))
	assert.False(t, hasStep[*FetchFromTypeStep](plan))

	rows := execute(t, ctx, plan)
	assert.Equal(t, ints(6, 7, 8, 9, 10), column(rows, "age"))
}

func TestLimitZeroPlansEmpty(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 5)
	ctx := newContext(t, e)

	plan, err := CreatePlan(ctx, &SelectStatement{Target: fromPerson(), Limit: expr.Lit(0)}, DefaultPlannerOptions())
	require.NoError(t, err)
	require.True(t, hasStep[*EmptyStep](plan), plan.PrettyPrint(0, 2))
	assert.False(t, hasStep[*FetchFromTypeStep](plan))
	assert.False(t, plan.CanBeCached())
	assert.Empty(t, execute(t, ctx, plan))

	_, err = CreatePlan(ctx, &SelectStatement{Target: Target{Type: "Nope"}, Limit: expr.Lit(0)}, DefaultPlannerOptions())
	assert.ErrorIs(t, err, storage.ErrTypeNotFound)

	plan, err = CreatePlan(ctx, &SelectStatement{Target: fromPerson(), Limit: expr.Param("n")}, DefaultPlannerOptions())
	require.NoError(t, err)
	assert.False(t, hasStep[*EmptyStep](plan))
}

func TestIndexInFanOut(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 30)
	indexAge(t, e)
	ctx := newContext(t, e)

	in := &expr.In{Left: expr.Prop("age"), Right: expr.List(expr.Lit(3), expr.Lit(7), expr.Lit(11), expr.Lit(7))}
	plan, err := CreatePlan(ctx, &SelectStatement{Target: fromPerson(), Where: in}, DefaultPlannerOptions())
	require.NoError(t, err)
	require.True(t, hasStep[*FetchFromIndexStep](plan))

	rows := execute(t, ctx, plan)
	assert.ElementsMatch(t, ints(3, 7, 11), column(rows, "age"))
}

func TestFetchFromIndexInOrder(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 30)
	indexAge(t, e)
	ctx := newContext(t, e)
	def, err := e.Index("Person.age")
	require.NoError(t, err)

	in := &expr.In{Left: expr.Prop("age"), Right: expr.List(expr.Lit(11), expr.Lit(3), expr.Lit(7))}
	desc := NewIndexSearchDescriptor(def, []expr.Expression{in})
	require.NotNil(t, desc)

	rows := execute(t, ctx, NewSelectPlan(NewFetchFromIndexStep(desc, true)))
	assert.Equal(t, ints(3, 7, 11), column(rows, "key"))

	rows = execute(t, ctx, NewSelectPlan(NewFetchFromIndexStep(desc, false)))
	assert.Equal(t, ints(11, 7, 3), column(rows, "key"))
}

func TestIndexOrBlocksUnion(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 30)
	indexAge(t, e)
	ctx := newContext(t, e)

	where := expr.AnyOf(ageCmp(expr.OpEq, 1), ageCmp(expr.OpEq, 20), ageCmp(expr.OpEq, 1))
	plan, err := CreatePlan(ctx, &SelectStatement{Target: fromPerson(), Where: where}, DefaultPlannerOptions())
	require.NoError(t, err)
	require.True(t, hasStep[*UnionAllStep](plan))
	require.True(t, hasStep[*DistinctStep](plan))

	rows := execute(t, ctx, plan)
	assert.ElementsMatch(t, ints(1, 20), column(rows, "age"))
}

func TestUnindexableBlockFallsBackToScan(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 30)
	indexAge(t, e)
	ctx := newContext(t, e)

	where := expr.AnyOf(ageCmp(expr.OpEq, 1), expr.Cmp(expr.Prop("city"), expr.OpEq, expr.Lit("Cairo")))
	plan, err := CreatePlan(ctx, &SelectStatement{Target: fromPerson(), Where: where}, DefaultPlannerOptions())
	require.NoError(t, err)
	assert.False(t, hasStep[*FetchFromIndexStep](plan))
	assert.True(t, hasStep[*FetchFromTypeStep](plan))

	rows := execute(t, ctx, plan)
	assert.Len(t, rows, 11)
}

func TestRIDOrderUsesScanDirection(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 5)
	ctx := newContext(t, e)

	stmt := &SelectStatement{
		Target:  fromPerson(),
		OrderBy: []OrderItem{{Expr: expr.Prop("@rid"), Desc: true}},
	}
	plan, err := CreatePlan(ctx, stmt, DefaultPlannerOptions())
	require.NoError(t, err)
	assert.False(t, hasStep[*OrderByStep](plan))

	rows := execute(t, ctx, plan)
	assert.Equal(t, ints(4, 3, 2, 1, 0), column(rows, "age"))
}

func TestPlannerErrors(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 1)
	ctx := newContext(t, e)

	_, err := CreatePlan(ctx, &SelectStatement{Target: Target{Type: "Ghost"}}, DefaultPlannerOptions())
	assert.ErrorIs(t, err, storage.ErrTypeNotFound)

	_, err = CreatePlan(ctx, &SelectStatement{Where: expr.Lit(true)}, DefaultPlannerOptions())
	assert.ErrorIs(t, err, ErrUnsupportedCondition)

	var ce *CommandError
	assert.ErrorAs(t, err, &ce)
}

func TestSelectFromSources(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 6)
	ctx := newContext(t, e)

	all := run(t, ctx, &SelectStatement{Target: fromPerson()})
	require.Len(t, all, 6)

	byRID := run(t, ctx, &SelectStatement{Target: Target{RIDs: []storage.RID{all[4].Identity(), all[1].Identity()}}})
	assert.Equal(t, ints(4, 1), column(byRID, "age"))

	buckets := run(t, ctx, &SelectStatement{Target: Target{Buckets: []string{"person"}}})
	assert.Len(t, buckets, 6)

	ctx.SetVariable("picked", []any{all[2].Element()})
	fromVar := run(t, ctx, &SelectStatement{Target: Target{Variable: "picked"}})
	assert.Equal(t, ints(2), column(fromVar, "age"))

	sub := run(t, ctx, &SelectStatement{
		Target: Target{Query: &SelectStatement{Target: fromPerson(), Where: ageCmp(expr.OpGe, 4)}},
		Where:  ageCmp(expr.OpLt, 5),
	})
	assert.Equal(t, ints(4), column(sub, "age"))
}

func TestSelectWithParameters(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 10)
	ctx := newContext(t, e, WithParams(map[string]any{"min": 7}), WithPositional(2))

	rows := run(t, ctx, &SelectStatement{
		Target: fromPerson(),
		Where:  expr.Cmp(expr.Prop("age"), expr.OpGe, expr.Param("min")),
		Limit:  expr.Param("0"),
	})
	assert.Equal(t, ints(7, 8), column(rows, "age"))
}

// ---------------------------------------------------------------------------
// Serialization and caching
// ---------------------------------------------------------------------------

func TestSerializePlanRoundTrip(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 20)
	indexAge(t, e)
	ctx := newContext(t, e)

	stmt := &SelectStatement{
		Projection: []ProjectionItem{{Expr: expr.Prop("name")}, {Expr: expr.Prop("age")}},
		Target:     fromPerson(),
		Where:      expr.AllOf(ageCmp(expr.OpGe, 4), expr.Cmp(expr.Prop("city"), expr.OpNe, expr.Lit("Cairo"))),
		OrderBy:    []OrderItem{{Expr: expr.Prop("age"), Desc: true}},
		Limit:      expr.Lit(4),
	}
	plan, err := CreatePlan(ctx, stmt, DefaultPlannerOptions())
	require.NoError(t, err)
	require.True(t, plan.CanBeCached())

	data, err := SerializePlan(plan)
	require.NoError(t, err)
	back, err := DeserializePlan(data)
	require.NoError(t, err)
	assert.Equal(t, plan.PrettyPrint(0, 2), back.PrettyPrint(0, 2))

	want := execute(t, ctx, plan)
	got := execute(t, ctx, back)
	assert.Equal(t, column(want, "age"), column(got, "age"))
	assert.Equal(t, ints(19, 18, 16, 15), column(got, "age"))
}

func TestCopyPlanIsIndependent(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 8)
	ctx := newContext(t, e)

	plan, err := CreatePlan(ctx, &SelectStatement{Target: fromPerson(), Limit: expr.Lit(3)}, DefaultPlannerOptions())
	require.NoError(t, err)
	cp, err := CopyPlan(plan)
	require.NoError(t, err)

	assert.Len(t, execute(t, ctx, plan), 3)
	// The original is exhausted; the copy starts fresh.
	assert.Len(t, execute(t, ctx, cp), 3)

	plan.Reset()
	assert.Len(t, execute(t, ctx, plan), 3)
}

func TestUnserializableStepIsNotCached(t *testing.T) {
	plan := NewSelectPlan(NewEmptyDataGeneratorStep(1), &slowStep{})
	assert.False(t, plan.CanBeCached())
	_, err := SerializePlan(plan)
	assert.ErrorIs(t, err, ErrNotSerializable)

	c := NewPlanCache(4)
	assert.False(t, c.Put("q", plan))
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestPlanCache(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 5)
	ctx := newContext(t, e)

	c := NewPlanCache(2)
	mk := func(limit int64) Plan {
		p, err := CreatePlan(ctx, &SelectStatement{Target: fromPerson(), Limit: expr.Lit(limit)}, DefaultPlannerOptions())
		require.NoError(t, err)
		return p
	}

	_, ok := c.Get("one")
	assert.False(t, ok)

	assert.True(t, c.Put("one", mk(1)))
	assert.True(t, c.Put("two", mk(2)))

	a, ok := c.Get("one")
	require.True(t, ok)
	b, ok := c.Get("one")
	require.True(t, ok)
	assert.NotSame(t, a, b)
	assert.Len(t, execute(t, ctx, a), 1)
	assert.Len(t, execute(t, ctx, b), 1)

	// "two" is the least recently used now.
	assert.True(t, c.Put("three", mk(3)))
	_, ok = c.Get("two")
	assert.False(t, ok)
	_, ok = c.Get("three")
	assert.True(t, ok)

	st := c.Stats()
	assert.Equal(t, CacheStats{Entries: 2, Capacity: 2, Hits: 3, Misses: 2}, st)

	c.Invalidate("one")
	assert.Equal(t, 1, c.Stats().Entries)
	c.Clear()
	assert.Equal(t, 0, c.Stats().Entries)
}
