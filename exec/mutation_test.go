package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

func TestInsertValues(t *testing.T) {
	e := openEngine(t)
	_, err := e.CreateType("Person", storage.KindDocument)
	require.NoError(t, err)
	ctx := newContext(t, e)

	rows := run(t, ctx, &InsertStatement{
		Type:    "Person",
		Columns: []string{"name", "age"},
		Values: [][]expr.Expression{
			{expr.Lit("ada"), expr.Lit(36)},
			{expr.Lit("alan"), expr.Lit(41)},
		},
		Set:    []Assignment{{Field: "city", Expr: expr.Lit("London")}},
		Return: []ProjectionItem{{Expr: expr.Prop("name")}, {Expr: expr.Prop("city")}},
	})
	assert.Equal(t, strs("ada", "alan"), column(rows, "name"))
	assert.Equal(t, strs("London", "London"), column(rows, "city"))
	assert.Equal(t, int64(2), ctx.Stats()[StatRecordsSaved])
	require.NoError(t, ctx.Tx().Commit())

	n, err := e.CountType("Person", true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

var _ Step = (*InsertValuesStep)(nil)

func TestInsertPlanSerializes(t *testing.T) {
	e := openEngine(t)
	_, err := e.CreateType("Person", storage.KindDocument)
	require.NoError(t, err)
	ctx := newContext(t, e)

	plan, err := CreatePlan(ctx, &InsertStatement{
		Type:    "Person",
		Columns: []string{"name"},
		Values:  [][]expr.Expression{{expr.Lit("ada")}, {expr.Lit("alan")}},
	}, DefaultPlannerOptions())
	require.NoError(t, err)
	require.True(t, hasStep[*InsertValuesStep](plan))

	data, err := SerializePlan(plan)
	require.NoError(t, err)
	back, err := DeserializePlan(data)
	require.NoError(t, err)
	assert.Equal(t, plan.PrettyPrint(0, 2), back.PrettyPrint(0, 2))
	assert.Contains(t, back.PrettyPrint(0, 2), `("ada")`)

	execute(t, ctx, back)
	assert.Equal(t, int64(2), ctx.Stats()[StatRecordsSaved])
}

func TestInsertRejectsEdgeTypesAndForeignBuckets(t *testing.T) {
	e := openEngine(t)
	seedChain(t, e)
	seedPeople(t, e, 1)
	ctx := newContext(t, e)

	_, err := CreatePlan(ctx, &InsertStatement{Type: "Next"}, DefaultPlannerOptions())
	assert.ErrorIs(t, err, storage.ErrWrongKind)

	_, err = CreatePlan(ctx, &InsertStatement{Type: "Person", Bucket: "v"}, DefaultPlannerOptions())
	assert.ErrorIs(t, err, storage.ErrBucketNotFound)
}

func TestUpdateSetsAndCounts(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 10)
	ctx := newContext(t, e)

	rows := run(t, ctx, &UpdateStatement{
		Target: fromPerson(),
		Set:    []Assignment{{Field: "age", Expr: &expr.Binary{Op: "+", Left: expr.Prop("age"), Right: expr.Lit(100)}}},
		Remove: []string{"city"},
		Where:  ageCmp(expr.OpLt, 3),
	})
	require.Len(t, rows, 1)
	assert.Equal(t, ints(3), column(rows, "count"))
	require.NoError(t, ctx.Tx().Commit())

	ctx = newContext(t, e)
	moved := run(t, ctx, &SelectStatement{Target: fromPerson(), Where: ageCmp(expr.OpGe, 100)})
	assert.Equal(t, ints(100, 101, 102), column(moved, "age"))
	for _, r := range moved {
		_, ok := r.Property("city")
		assert.False(t, ok)
	}
}

func TestUpdateReturnAfterAndLimit(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 10)
	ctx := newContext(t, e)

	rows := run(t, ctx, &UpdateStatement{
		Target:      fromPerson(),
		Set:         []Assignment{{Field: "seen", Expr: expr.Lit(true)}},
		Limit:       expr.Lit(4),
		ReturnAfter: true,
	})
	require.Len(t, rows, 4)
	for _, r := range rows {
		v, _ := r.Property("seen")
		assert.Equal(t, true, v)
	}
}

func TestDelete(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 8)
	ctx := newContext(t, e)

	rows := run(t, ctx, &DeleteStatement{Kind: storage.KindDocument, Target: fromPerson(), Where: ageCmp(expr.OpGe, 5)})
	assert.Equal(t, ints(3), column(rows, "count"))
	assert.Equal(t, int64(3), ctx.Stats()[StatRecordsDeleted])

	left := run(t, ctx, &SelectStatement{Target: fromPerson()})
	assert.Equal(t, ints(0, 1, 2, 3, 4), column(left, "age"))
}

func TestDeleteKindMismatch(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 2)
	ctx := newContext(t, e)

	plan, err := CreatePlan(ctx, &DeleteStatement{Kind: storage.KindVertex, Target: fromPerson()}, DefaultPlannerOptions())
	require.NoError(t, err)
	_, err = plan.Execute(ctx)
	assert.ErrorIs(t, err, storage.ErrWrongKind)
}

func TestDeleteVertexRemovesEdges(t *testing.T) {
	e := openEngine(t)
	rids := seedChain(t, e)
	ctx := newContext(t, e)

	rows := run(t, ctx, &DeleteStatement{
		Kind:   storage.KindVertex,
		Target: Target{Type: "V"},
		Where:  expr.Cmp(expr.Prop("name"), expr.OpEq, expr.Lit("B")),
	})
	assert.Equal(t, ints(1), column(rows, "count"))

	deg, err := ctx.Tx().Degree(rids["A"], storage.Out, "Next")
	require.NoError(t, err)
	assert.Zero(t, deg)
	deg, err = ctx.Tx().Degree(rids["C"], storage.In, "Next")
	require.NoError(t, err)
	assert.Zero(t, deg)
}

func TestBatchCommits(t *testing.T) {
	e := openEngine(t)
	_, err := e.CreateType("Person", storage.KindDocument)
	require.NoError(t, err)
	ctx := newContext(t, e)

	plan := NewUpdatePlan(
		NewCreateRecordStep("Person", 250),
		NewSetFieldsStep(Assignment{Field: "name", Expr: expr.Lit("n")}),
		NewSaveElementStep(""),
		NewBatchStep(100),
	)
	rows := execute(t, ctx, plan)
	assert.Len(t, rows, 250)
	assert.Equal(t, int64(2), ctx.Stats()[StatCommits])
	assert.Equal(t, 2, ctx.Tx().Commits())

	// The last 50 are still pending.
	n, err := e.CountType("Person", true)
	require.NoError(t, err)
	assert.Equal(t, int64(200), n)
	require.NoError(t, ctx.Tx().Commit())
	n, err = e.CountType("Person", true)
	require.NoError(t, err)
	assert.Equal(t, int64(250), n)
}

func TestCreateEdges(t *testing.T) {
	e := openEngine(t)
	rids := seedChain(t, e)
	ctx := newContext(t, e)

	rows := run(t, ctx, &CreateEdgeStatement{
		Type: "Next",
		From: expr.Lit(rids["A"]),
		To:   expr.List(expr.Lit(rids["C"]), expr.Lit(rids["D"])),
		Set:  []Assignment{{Field: "w", Expr: expr.Lit(2)}},
	})
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, "Next", r.Element().TypeName())
		w, _ := r.Property("w")
		assert.Equal(t, int64(2), w)
	}
	ok, err := ctx.Tx().IsConnectedTo(rids["A"], rids["D"], storage.Out, "Next")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = CreatePlan(ctx, &CreateEdgeStatement{Type: "V", From: expr.Lit(rids["A"]), To: expr.Lit(rids["B"])}, DefaultPlannerOptions())
	assert.ErrorIs(t, err, storage.ErrWrongKind)

	_, err = CreatePlan(ctx, &CreateEdgeStatement{
		Type: "Next", From: expr.Lit(rids["A"]), To: expr.Lit(rids["B"]),
		Set: []Assignment{{Field: "w", Expr: expr.Lit(1)}}, Lightweight: true,
	}, DefaultPlannerOptions())
	assert.ErrorIs(t, err, ErrUnsupportedCondition)
}

func TestMutationDoesNotSeeItsOwnWrites(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 5)
	ctx := newContext(t, e)

	// The scan reads the overlay, so without the snapshot it would revisit
	// records it already rewrote.
	rows := run(t, ctx, &UpdateStatement{
		Target: fromPerson(),
		Set:    []Assignment{{Field: "age", Expr: &expr.Binary{Op: "+", Left: expr.Prop("age"), Right: expr.Lit(10)}}},
	})
	assert.Equal(t, ints(5), column(rows, "count"))
	all := run(t, ctx, &SelectStatement{Target: fromPerson()})
	assert.Equal(t, ints(10, 11, 12, 13, 14), column(all, "age"))
}
