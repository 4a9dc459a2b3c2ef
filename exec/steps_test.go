package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstrYoda/graphpipe/expr"
)

func TestPullBatchesConcatenate(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 37)
	ctx := newContext(t, e)

	build := func() Step {
		return NewSelectPlan(
			NewFetchFromTypeStep("Person", true, true),
			NewFilterStep(ageCmp(expr.OpGe, 3)),
		).Last()
	}
	whole, err := PullAll(ctx, build(), 1000)
	require.NoError(t, err)
	require.Len(t, whole, 34)

	for _, n := range []int{1, 2, 7, 33, 34, 35} {
		got, err := PullAll(ctx, build(), n)
		require.NoError(t, err)
		assert.Equal(t, identities(whole), identities(got), "batch size %d", n)
	}

	last := build()
	rs, err := last.Pull(ctx, 5)
	require.NoError(t, err)
	first, err := Drain(rs)
	require.NoError(t, err)
	assert.Len(t, first, 5)
}

func TestEmptyGeneratorAndNoUpstream(t *testing.T) {
	e := openEngine(t)
	ctx := newContext(t, e)

	rows := execute(t, ctx, NewSelectPlan(NewEmptyDataGeneratorStep(3)))
	assert.Len(t, rows, 3)

	_, err := PullAll(ctx, NewFilterStep(expr.Lit(true)), 10)
	assert.ErrorIs(t, err, ErrNoUpstream)
}

func TestSkipLimit(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 20)
	ctx := newContext(t, e)

	rows := run(t, ctx, &SelectStatement{Target: fromPerson(), Skip: expr.Lit(5), Limit: expr.Lit(3)})
	assert.Equal(t, ints(5, 6, 7), column(rows, "age"))

	rows = run(t, ctx, &SelectStatement{Target: fromPerson(), Limit: expr.Lit(0)})
	assert.Empty(t, rows)

	// A negative limit means no limit.
	rows = run(t, ctx, &SelectStatement{Target: fromPerson(), Limit: expr.Lit(-1)})
	assert.Len(t, rows, 20)
}

func TestDistinctProjection(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 12)
	ctx := newContext(t, e)

	rows := run(t, ctx, &SelectStatement{
		Projection: []ProjectionItem{{Expr: expr.Prop("city")}},
		Distinct:   true,
		Target:     fromPerson(),
	})
	assert.Equal(t, strs(cities...), column(rows, "city"))
}

func TestDistinctElementsByIdentity(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 4)
	ctx := newContext(t, e)

	src := func() Plan { return NewSelectPlan(NewFetchFromTypeStep("Person", true, true)) }
	p := NewSelectPlan(NewUnionAllStep(src(), src()), NewDistinctStep())
	rows := execute(t, ctx, p)
	assert.Len(t, rows, 4)
}

func TestOrderByWithLimitCompacts(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 300)
	ctx := newContext(t, e)

	stmt := &SelectStatement{
		Target:  fromPerson(),
		OrderBy: []OrderItem{{Expr: expr.Prop("age"), Desc: true}},
		Skip:    expr.Lit(2),
		Limit:   expr.Lit(5),
	}
	plan, err := CreatePlan(ctx, stmt, DefaultPlannerOptions())
	require.NoError(t, err)
	assert.Contains(t, plan.PrettyPrint(0, 2), "buffer size: 2 + 5")

	rows := execute(t, ctx, plan)
	assert.Equal(t, ints(297, 296, 295, 294, 293), column(rows, "age"))
}

func TestOrderByKeepsInputOrderOnTies(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 9)
	ctx := newContext(t, e)

	rows := run(t, ctx, &SelectStatement{
		Target:  fromPerson(),
		OrderBy: []OrderItem{{Expr: expr.Prop("city")}},
	})
	assert.Equal(t, ints(0, 3, 6, 1, 4, 7, 2, 5, 8), column(rows, "age"))
}

func TestOrderByProjectedAlias(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 5)
	ctx := newContext(t, e)

	rows := run(t, ctx, &SelectStatement{
		Projection: []ProjectionItem{{Expr: expr.Prop("age"), Alias: "years"}},
		Target:     fromPerson(),
		OrderBy:    []OrderItem{{Expr: expr.Prop("years"), Desc: true}},
	})
	assert.Equal(t, ints(4, 3, 2, 1, 0), column(rows, "years"))
}

func TestGroupBy(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 9)
	ctx := newContext(t, e)

	rows := run(t, ctx, &SelectStatement{
		Projection: []ProjectionItem{
			{Expr: expr.Prop("city")},
			{Expr: expr.Fn("count"), Alias: "n"},
			{Expr: expr.Fn("sum", expr.Prop("age")), Alias: "total"},
		},
		Target:  fromPerson(),
		GroupBy: []expr.Expression{expr.Prop("city")},
	})
	require.Len(t, rows, 3)
	assert.Equal(t, strs(cities...), column(rows, "city"))
	assert.Equal(t, ints(3, 3, 3), column(rows, "n"))
	assert.Equal(t, ints(9, 12, 15), column(rows, "total"))
	assert.Equal(t, []string{"city", "n", "total"}, rows[0].PropertyNames())
}

func TestAggregateWithoutRowsYieldsOneRow(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 3)
	ctx := newContext(t, e)

	rows := run(t, ctx, &SelectStatement{
		Projection: []ProjectionItem{{Expr: expr.Fn("count"), Alias: "n"}},
		Target:     fromPerson(),
		Where:      ageCmp(expr.OpGt, 100),
	})
	require.Len(t, rows, 1)
	assert.Equal(t, ints(0), column(rows, "n"))
}

func TestUnwind(t *testing.T) {
	e := openEngine(t)
	ctx := newContext(t, e)

	rows := run(t, ctx, &SelectStatement{
		Projection: []ProjectionItem{
			{Expr: expr.Lit("x"), Alias: "k"},
			{Expr: expr.List(expr.Lit(1), expr.Lit(2), expr.Lit(3)), Alias: "v"},
		},
		Unwind: []string{"v"},
	})
	assert.Equal(t, ints(1, 2, 3), column(rows, "v"))
	assert.Equal(t, strs("x", "x", "x"), column(rows, "k"))

	rows = run(t, ctx, &SelectStatement{
		Projection: []ProjectionItem{{Expr: expr.List(), Alias: "v"}},
		Unwind:     []string{"v"},
	})
	assert.Empty(t, rows)
}

func TestLetQueryBindsPerRow(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 6)
	ctx := newContext(t, e)

	sameCity := &SelectStatement{
		Projection: []ProjectionItem{{Expr: expr.Fn("count"), Alias: "n"}},
		Target:     fromPerson(),
		Where:      expr.Cmp(expr.Prop("city"), expr.OpEq, expr.Var("$parent.city")),
	}
	rows := run(t, ctx, &SelectStatement{
		Projection: []ProjectionItem{
			{Expr: expr.Prop("name")},
			{Expr: expr.Var("$peers"), Alias: "peers"},
		},
		Target: fromPerson(),
		Let:    []LetItem{{Name: "peers", Query: sameCity}},
		Where:  ageCmp(expr.OpLt, 2),
	})
	require.Len(t, rows, 2)
	for _, r := range rows {
		peers, _ := r.Property("peers")
		list, ok := peers.([]any)
		require.True(t, ok, "peers is %T", peers)
		require.Len(t, list, 1)
	}
}

func TestExpandLetQuery(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 9)
	ctx := newContext(t, e)

	sameCity := &SelectStatement{
		Target: fromPerson(),
		Where:  expr.Cmp(expr.Prop("city"), expr.OpEq, expr.Var("$parent.city")),
	}
	stmt := &SelectStatement{
		Expand:  expr.Var("$peers"),
		Target:  fromPerson(),
		Let:     []LetItem{{Name: "peers", Query: sameCity}},
		Where:   expr.Cmp(expr.Prop("name"), expr.OpEq, expr.Lit("p000")),
		OrderBy: []OrderItem{{Expr: expr.Prop("age"), Desc: true}},
		Limit:   expr.Lit(2),
	}
	assert.Contains(t, stmt.String(), "SELECT EXPAND($peers) FROM")

	plan, err := CreatePlan(ctx, stmt, DefaultPlannerOptions())
	require.NoError(t, err)
	require.True(t, hasStep[*ExpandStep](plan), plan.PrettyPrint(0, 2))

	rows := execute(t, ctx, plan)
	assert.Equal(t, ints(6, 3), column(rows, "age"))
	for _, r := range rows {
		assert.True(t, r.IsElement())
	}

	stmt.Projection = []ProjectionItem{{Expr: expr.Prop("name")}}
	_, err = CreatePlan(ctx, stmt, DefaultPlannerOptions())
	assert.ErrorIs(t, err, ErrUnsupportedCondition)
}

func TestExpandSingleColumn(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 2)
	ctx := newContext(t, e)

	inner := &SelectStatement{Target: fromPerson()}
	src := NewSelectPlan(NewEmptyDataGeneratorStep(1))
	sub, err := CreatePlan(ctx, inner, DefaultPlannerOptions())
	require.NoError(t, err)
	src.Chain(NewLetQueryStep("all", sub))
	src.Chain(NewProjectionStep(ProjectionItem{Expr: expr.Var("$all"), Alias: "all"}))
	src.Chain(NewExpandStep(nil))

	rows := execute(t, ctx, src)
	assert.Equal(t, strs("p000", "p001"), column(rows, "name"))
}

func TestCountStep(t *testing.T) {
	e := openEngine(t)
	ctx := newContext(t, e)

	rows := execute(t, ctx, NewSelectPlan(NewEmptyDataGeneratorStep(42), NewCountStep("")))
	require.Len(t, rows, 1)
	assert.Equal(t, ints(42), column(rows, "count"))
}

func TestCountFromTypeShortcut(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 17)
	ctx := newContext(t, e)

	stmt := &SelectStatement{
		Projection: []ProjectionItem{{Expr: expr.Fn("count"), Alias: "total"}},
		Target:     fromPerson(),
	}
	plan, err := CreatePlan(ctx, stmt, DefaultPlannerOptions())
	require.NoError(t, err)
	require.Len(t, plan.Steps(), 1)
	assert.IsType(t, &CountFromTypeStep{}, plan.Steps()[0])

	rows := execute(t, ctx, plan)
	assert.Equal(t, ints(17), column(rows, "total"))
}

// ---------------------------------------------------------------------------
// Timeouts and cancellation
// ---------------------------------------------------------------------------

func slowPlan(delay time.Duration, rows int, tail Step) (*SelectPlan, *slowStep) {
	slow := &slowStep{delay: delay}
	return NewSelectPlan(NewEmptyDataGeneratorStep(rows), slow, tail), slow
}

func TestAccumulatingTimeoutReturn(t *testing.T) {
	e := openEngine(t)
	ctx := newContext(t, e)

	plan, slow := slowPlan(5*time.Millisecond, 50, NewAccumulatingTimeoutStep(30*time.Millisecond, TimeoutReturn))
	rows := execute(t, ctx, plan)
	assert.NotEmpty(t, rows)
	assert.Less(t, len(rows), 50)
	assert.True(t, slow.TimedOut())
}

func TestAccumulatingTimeoutException(t *testing.T) {
	e := openEngine(t)
	ctx := newContext(t, e)

	plan, _ := slowPlan(5*time.Millisecond, 50, NewAccumulatingTimeoutStep(20*time.Millisecond, TimeoutException))
	_, err := plan.Fetch(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDeadlineTimeout(t *testing.T) {
	e := openEngine(t)
	ctx := newContext(t, e)

	plan, _ := slowPlan(5*time.Millisecond, 50, NewTimeoutStep(25*time.Millisecond, TimeoutReturn))
	rows, err := plan.Fetch(ctx)
	require.NoError(t, err)
	assert.Less(t, len(rows), 50)
}

func TestStatementTimeoutPlanned(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 3)
	ctx := newContext(t, e)

	stmt := &SelectStatement{Target: fromPerson(), Timeout: &Timeout{Duration: time.Second, Strategy: TimeoutReturn}}
	plan, err := CreatePlan(ctx, stmt, DefaultPlannerOptions())
	require.NoError(t, err)
	last := plan.Steps()[len(plan.Steps())-1]
	assert.IsType(t, &AccumulatingTimeoutStep{}, last)

	opts := DefaultPlannerOptions()
	opts.Timeout = &Timeout{Duration: time.Second}
	plan, err = CreatePlan(ctx, &SelectStatement{Target: fromPerson()}, opts)
	require.NoError(t, err)
	last = plan.Steps()[len(plan.Steps())-1]
	assert.IsType(t, &TimeoutStep{}, last)
	assert.Len(t, execute(t, ctx, plan), 3)
}

func TestCancelledContext(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 3)
	base, cancel := context.WithCancel(context.Background())
	tx := e.Begin()
	defer tx.Rollback()
	ctx := NewContext(base, tx, WithLogger(quietLogger()))
	cancel()

	_, err := PullAll(ctx, NewFetchFromTypeStep("Person", true, true), 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProfilingCountsRows(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 10)
	ctx := newContext(t, e, WithProfiling(true))

	plan := NewSelectPlan(NewFetchFromTypeStep("Person", true, true), NewFilterStep(ageCmp(expr.OpLt, 4)))
	rows := execute(t, ctx, plan)
	require.Len(t, rows, 4)
	assert.Equal(t, int64(10), plan.Steps()[0].Rows())
	assert.Equal(t, int64(4), plan.Steps()[1].Rows())
	assert.Contains(t, plan.PrettyPrint(0, 2), "4 rows")
	assert.Equal(t, int64(10), ctx.Stats()[StatRecordsScanned])
}
