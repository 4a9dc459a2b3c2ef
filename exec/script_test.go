package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstrYoda/graphpipe/expr"
)

func plus(l, r expr.Expression) expr.Expression { return &expr.Binary{Op: "+", Left: l, Right: r} }

func runScript(t *testing.T, ctx *CommandContext, stmts ...Statement) ([]*Result, *ScriptExecutionPlan) {
	t.Helper()
	plan, err := CreatePlan(ctx, &Script{Statements: stmts}, DefaultPlannerOptions())
	require.NoError(t, err)
	sp, ok := plan.(*ScriptExecutionPlan)
	require.True(t, ok)
	return execute(t, ctx, sp), sp
}

func TestScriptForEachAccumulates(t *testing.T) {
	e := openEngine(t)
	ctx := newContext(t, e)

	rows, sp := runScript(t, ctx,
		&LetStatement{Name: "total", Expr: expr.Lit(0)},
		&ForEachStatement{
			Var:    "i",
			Source: expr.List(expr.Lit(1), expr.Lit(2), expr.Lit(3)),
			Body:   []Statement{&LetStatement{Name: "total", Expr: plus(expr.Var("$total"), expr.Var("$i"))}},
		},
		&ReturnStatement{Expr: expr.Var("$total")},
	)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{"value": int64(6)}, rows[0].ToMap())
	assert.True(t, sp.Returned())

	// The loop variable does not leak into the script scope.
	_, ok := ctx.Variable("i")
	assert.False(t, ok)
}

func TestScriptIfElse(t *testing.T) {
	e := openEngine(t)

	for _, tc := range []struct {
		x    int64
		want string
	}{{5, "big"}, {0, "small"}} {
		ctx := newContext(t, e)
		rows, sp := runScript(t, ctx,
			&LetStatement{Name: "x", Expr: expr.Lit(tc.x)},
			&IfStatement{
				Cond: expr.Cmp(expr.Var("$x"), expr.OpGt, expr.Lit(1)),
				Then: []Statement{&ReturnStatement{Expr: expr.Lit("big")}},
				Else: []Statement{&ReturnStatement{Expr: expr.Lit("small")}},
			},
			&ReturnStatement{Expr: expr.Lit("after")},
		)
		require.Len(t, rows, 1)
		assert.Equal(t, tc.want, rows[0].ToMap()["value"])
		assert.True(t, sp.Returned())
	}
}

func TestScriptIfWithoutReturnFallsThrough(t *testing.T) {
	e := openEngine(t)
	ctx := newContext(t, e)

	rows, _ := runScript(t, ctx,
		&LetStatement{Name: "x", Expr: expr.Lit(1)},
		&IfStatement{
			Cond: expr.Cmp(expr.Var("$x"), expr.OpEq, expr.Lit(1)),
			Then: []Statement{&LetStatement{Name: "x", Expr: expr.Lit(2)}},
		},
		&ReturnStatement{Expr: expr.Var("$x")},
	)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].ToMap()["value"])
}

func TestScriptWhile(t *testing.T) {
	e := openEngine(t)
	ctx := newContext(t, e)

	rows, _ := runScript(t, ctx,
		&LetStatement{Name: "i", Expr: expr.Lit(0)},
		&WhileStatement{
			Cond: expr.Cmp(expr.Var("$i"), expr.OpLt, expr.Lit(4)),
			Body: []Statement{&LetStatement{Name: "i", Expr: plus(expr.Var("$i"), expr.Lit(1))}},
		},
		&ReturnStatement{Expr: expr.Var("$i")},
	)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(4), rows[0].ToMap()["value"])
}

func TestScriptReturnInsideLoopStopsIt(t *testing.T) {
	e := openEngine(t)
	ctx := newContext(t, e)

	rows, sp := runScript(t, ctx,
		&LetStatement{Name: "seen", Expr: expr.Lit(0)},
		&ForEachStatement{
			Var:    "i",
			Source: expr.List(expr.Lit(1), expr.Lit(2), expr.Lit(3)),
			Body: []Statement{
				&LetStatement{Name: "seen", Expr: plus(expr.Var("$seen"), expr.Lit(1))},
				&IfStatement{
					Cond: expr.Cmp(expr.Var("$i"), expr.OpEq, expr.Lit(2)),
					Then: []Statement{&ReturnStatement{Expr: expr.Var("$i")}},
				},
			},
		},
		&ReturnStatement{Expr: expr.Lit(0)},
	)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].ToMap()["value"])
	assert.True(t, sp.Returned())

	seen, _ := ctx.Variable("seen")
	assert.Equal(t, int64(2), seen)
}

func TestScriptLastStatementStreams(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 6)
	ctx := newContext(t, e)

	rows, sp := runScript(t, ctx,
		&LetStatement{Name: "min", Expr: expr.Lit(3)},
		&SelectStatement{Target: fromPerson(), Where: expr.Cmp(expr.Prop("age"), expr.OpGe, expr.Var("$min"))},
	)
	assert.Equal(t, ints(3, 4, 5), column(rows, "age"))
	assert.False(t, sp.Returned())
}

func TestScriptLetQueryAndReturnQuery(t *testing.T) {
	e := openEngine(t)
	seedPeople(t, e, 6)
	ctx := newContext(t, e)

	rows, _ := runScript(t, ctx,
		&LetStatement{Name: "young", Query: &SelectStatement{Target: fromPerson(), Where: ageCmp(expr.OpLt, 2)}},
		&ReturnStatement{Query: &SelectStatement{Target: Target{Variable: "young"}}},
	)
	assert.Equal(t, ints(0, 1), column(rows, "age"))
}

func TestScriptPlanSerializes(t *testing.T) {
	e := openEngine(t)
	ctx := newContext(t, e)

	plan, err := CreatePlan(ctx, &Script{Statements: []Statement{
		&LetStatement{Name: "n", Expr: expr.Lit(0)},
		&WhileStatement{
			Cond: expr.Cmp(expr.Var("$n"), expr.OpLt, expr.Lit(3)),
			Body: []Statement{&LetStatement{Name: "n", Expr: plus(expr.Var("$n"), expr.Lit(1))}},
		},
		&ReturnStatement{Expr: expr.Var("$n")},
	}}, DefaultPlannerOptions())
	require.NoError(t, err)
	require.True(t, plan.CanBeCached())

	cp, err := CopyPlan(plan)
	require.NoError(t, err)
	assert.Equal(t, plan.PrettyPrint(0, 2), cp.PrettyPrint(0, 2))

	rows := execute(t, newContext(t, e), cp)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].ToMap()["value"])
}
