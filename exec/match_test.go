package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

func named(alias, name string) MatchNode {
	return MatchNode{Alias: alias, Type: "V", Where: expr.Cmp(expr.Prop("name"), expr.OpEq, expr.Lit(name))}
}

func returnNames(aliases ...string) []ProjectionItem {
	out := make([]ProjectionItem, len(aliases))
	for i, a := range aliases {
		out[i] = ProjectionItem{Expr: expr.Prop(a + ".name"), Alias: a}
	}
	return out
}

func TestMatchRecursiveMaxDepth(t *testing.T) {
	e := openEngine(t)
	seedChain(t, e)
	ctx := newContext(t, e)

	item := Out("Next")
	item.MaxDepth = 2
	item.DepthAlias = "d"
	rows := run(t, ctx, &MatchStatement{
		Chains: []MatchChain{{Start: named("a", "A"), Hops: []MatchHop{{Item: item, Node: MatchNode{Alias: "x"}}}}},
		Return: append(returnNames("x"), ProjectionItem{Expr: expr.Prop("d")}),
	})
	assert.ElementsMatch(t, strs("A", "B", "C"), column(rows, "x"))
	assert.ElementsMatch(t, ints(0, 1, 2), column(rows, "d"))
}

func TestMatchWhileCondition(t *testing.T) {
	e := openEngine(t)
	seedChain(t, e)
	ctx := newContext(t, e)

	item := Out("Next")
	item.While = expr.Cmp(expr.Var("$depth"), expr.OpLt, expr.Lit(1))
	rows := run(t, ctx, &MatchStatement{
		Chains: []MatchChain{{Start: named("a", "A"), Hops: []MatchHop{{Item: item, Node: MatchNode{Alias: "x"}}}}},
		Return: returnNames("x"),
	})
	assert.ElementsMatch(t, strs("A", "B"), column(rows, "x"))
}

func TestMatchChain(t *testing.T) {
	e := openEngine(t)
	seedChain(t, e)
	ctx := newContext(t, e)

	rows := run(t, ctx, &MatchStatement{
		Chains: []MatchChain{{Start: named("a", "A"), Hops: []MatchHop{
			{Item: Out("Next"), Node: MatchNode{Alias: "b"}},
			{Item: Out("Next"), Node: MatchNode{Alias: "c"}},
		}}},
		Return: returnNames("a", "b", "c"),
	})
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{"a": "A", "b": "B", "c": "C"}, rows[0].ToMap())
}

func TestMatchStartsFromSmallestAlias(t *testing.T) {
	e := openEngine(t)
	seedChain(t, e)
	ctx := newContext(t, e)

	// Only the target is constrained, so the edge is walked backwards.
	stmt := &MatchStatement{
		Chains: []MatchChain{{Start: MatchNode{Alias: "p"}, Hops: []MatchHop{{Item: Out("Next"), Node: named("q", "D")}}}},
		Return: returnNames("p", "q"),
	}
	plan, err := CreatePlan(ctx, stmt, DefaultPlannerOptions())
	require.NoError(t, err)
	pp := plan.PrettyPrint(0, 2)
	assert.Contains(t, pp, "(reversed)")
	assert.Contains(t, pp, "+ SET")
	assert.Contains(t, pp, "{q}")

	rows := execute(t, ctx, plan)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{"p": "C", "q": "D"}, rows[0].ToMap())
}

func TestMatchWithoutStartingPoint(t *testing.T) {
	e := openEngine(t)
	seedChain(t, e)
	ctx := newContext(t, e)

	_, err := CreatePlan(ctx, &MatchStatement{
		Chains: []MatchChain{{Start: MatchNode{Alias: "p"}, Hops: []MatchHop{{Item: Out("Next"), Node: MatchNode{Alias: "q"}}}}},
	}, DefaultPlannerOptions())
	assert.ErrorIs(t, err, ErrUnsupportedCondition)
}

func TestMatchOptional(t *testing.T) {
	e := openEngine(t)
	seedChain(t, e)
	ctx := newContext(t, e)

	rows := run(t, ctx, &MatchStatement{
		Chains: []MatchChain{{Start: MatchNode{Alias: "v", Type: "V"}, Hops: []MatchHop{
			{Item: Out("Next"), Node: MatchNode{Alias: "n", Optional: true}},
		}}},
		Return: returnNames("v", "n"),
	})
	require.Len(t, rows, 4)
	got := map[any]any{}
	for _, r := range rows {
		v, _ := r.Property("v")
		n, _ := r.Property("n")
		got[v] = n
	}
	assert.Equal(t, map[any]any{"A": "B", "B": "C", "C": "D", "D": nil}, got)
}

func TestMatchNotPattern(t *testing.T) {
	e := openEngine(t)
	seedChain(t, e)
	ctx := newContext(t, e)

	rows := run(t, ctx, &MatchStatement{
		Chains: []MatchChain{{Start: MatchNode{Alias: "v", Type: "V"}}},
		Not:    []MatchChain{{Start: MatchNode{Alias: "v"}, Hops: []MatchHop{{Item: Out("Next"), Node: MatchNode{}}}}},
		Return: returnNames("v"),
	})
	assert.Equal(t, strs("D"), column(rows, "v"))

	_, err := CreatePlan(ctx, &MatchStatement{
		Chains: []MatchChain{{Start: MatchNode{Alias: "v", Type: "V"}}},
		Not:    []MatchChain{{Start: MatchNode{Alias: "w"}, Hops: []MatchHop{{Item: Out("Next"), Node: MatchNode{}}}}},
	}, DefaultPlannerOptions())
	assert.ErrorIs(t, err, ErrUnsupportedCondition)
}

func TestMatchDisconnectedComponents(t *testing.T) {
	e := openEngine(t)
	seedChain(t, e)
	ctx := newContext(t, e)

	anyOf := MatchNode{Alias: "x", Type: "V", Where: &expr.In{Left: expr.Prop("name"), Right: expr.List(expr.Lit("A"), expr.Lit("B"))}}
	stmt := &MatchStatement{
		Chains: []MatchChain{{Start: anyOf}, {Start: named("y", "D")}},
		Return: returnNames("x", "y"),
	}
	plan, err := CreatePlan(ctx, stmt, DefaultPlannerOptions())
	require.NoError(t, err)
	assert.Contains(t, plan.PrettyPrint(0, 2), "CARTESIAN PRODUCT")

	rows := execute(t, ctx, plan)
	assert.ElementsMatch(t, strs("A", "B"), column(rows, "x"))
	assert.Equal(t, strs("D", "D"), column(rows, "y"))
}

func TestMatchReturnModes(t *testing.T) {
	e := openEngine(t)
	seedChain(t, e)
	ctx := newContext(t, e)

	chain := []MatchChain{{Start: named("a", "A"), Hops: []MatchHop{
		{Item: Out("Next"), Node: MatchNode{}},
		{Item: Out("Next"), Node: MatchNode{Alias: "c"}},
	}}}

	patterns := run(t, ctx, &MatchStatement{Chains: chain, Mode: ReturnPatterns})
	require.Len(t, patterns, 1)
	assert.Equal(t, []string{"a", "c"}, patterns[0].PropertyNames())

	paths := run(t, ctx, &MatchStatement{Chains: chain, Mode: ReturnPaths})
	require.Len(t, paths, 1)
	assert.Len(t, paths[0].PropertyNames(), 3)

	elements := run(t, ctx, &MatchStatement{Chains: chain, Mode: ReturnElements})
	assert.Len(t, elements, 2)
	for _, r := range elements {
		assert.True(t, r.IsElement())
	}

	all := run(t, ctx, &MatchStatement{Chains: chain, Mode: ReturnPathElements})
	assert.Len(t, all, 3)
}

func TestMatchEdgeNavigation(t *testing.T) {
	e := openEngine(t)
	rids := seedChain(t, e)
	ctx := newContext(t, e)

	rows := run(t, ctx, &MatchStatement{
		Chains: []MatchChain{{Start: named("a", "B"), Hops: []MatchHop{
			{Item: OutE("Next"), Node: MatchNode{Alias: "e"}},
			{Item: InV(), Node: MatchNode{Alias: "b"}},
		}}},
		Return: []ProjectionItem{{Expr: expr.Prop("e.@type"), Alias: "t"}, {Expr: expr.Prop("b.@rid"), Alias: "to"}},
	})
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{"t": "Next", "to": rids["C"]}, rows[0].ToMap())
}

func TestMatchPlanSerializes(t *testing.T) {
	e := openEngine(t)
	seedChain(t, e)
	ctx := newContext(t, e)

	item := Out("Next")
	item.MaxDepth = 3
	stmt := &MatchStatement{
		Chains: []MatchChain{{Start: named("a", "A"), Hops: []MatchHop{{Item: item, Node: MatchNode{Alias: "x", Type: "V"}}}}},
		Not:    []MatchChain{{Start: MatchNode{Alias: "x"}, Hops: []MatchHop{{Item: Out("Next"), Node: named("", "D")}}}},
		Return: returnNames("x"),
	}
	plan, err := CreatePlan(ctx, stmt, DefaultPlannerOptions())
	require.NoError(t, err)
	require.True(t, plan.CanBeCached())

	cp, err := CopyPlan(plan)
	require.NoError(t, err)
	assert.Equal(t, plan.PrettyPrint(0, 2), cp.PrettyPrint(0, 2))

	want := column(execute(t, ctx, plan), "x")
	assert.ElementsMatch(t, strs("A", "B", "D"), want)
	assert.ElementsMatch(t, want, column(execute(t, ctx, cp), "x"))
}

func TestReversedPathItem(t *testing.T) {
	assert.Equal(t, storage.In, Out("Next").Reverse().Direction)
	assert.Equal(t, NavEdgeVertex, OutE("Next").Reverse().Method)

	m := MultiPath(OutE("Next"), InV()).Reverse()
	require.Len(t, m.Items, 2)
	assert.Equal(t, NavEdge, m.Items[0].Method)
	assert.Equal(t, NavEdgeVertex, m.Items[1].Method)
}
