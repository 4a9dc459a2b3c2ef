package graphpipe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstrYoda/graphpipe/exec"
	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

func age(op expr.CompareOp, v int64) expr.Expression {
	return expr.Cmp(expr.Prop("age"), op, expr.Lit(v))
}

func TestExecCommitsWrites(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, err := db.CreateType("Person", storage.KindDocument)
	require.NoError(t, err)

	stats, err := db.Exec(ctx, &exec.InsertStatement{
		Type:    "Person",
		Columns: []string{"name", "age"},
		Values: [][]expr.Expression{
			{expr.Lit("ada"), expr.Lit(36)},
			{expr.Lit("alan"), expr.Lit(41)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[exec.StatRecordsSaved])

	res, err := db.Query(ctx, &exec.SelectStatement{Target: exec.Target{Type: "Person"}, Where: age(expr.OpGt, 40)})
	require.NoError(t, err)
	assert.Equal(t, []string{"alan"}, names(t, res, "name"))
	assert.NotEqual(t, res.ExecID.String(), "")

	upd, err := db.Query(ctx, &exec.UpdateStatement{
		Target: exec.Target{Type: "Person"},
		Set:    []exec.Assignment{{Field: "age", Expr: expr.Lit(50)}},
		Where:  expr.Cmp(expr.Prop("name"), expr.OpEq, expr.Lit("ada")),
	})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, upd.Column("count"))

	n, err := db.From("Person").Where(age(expr.OpEq, 50)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFailedStatementRollsBack(t *testing.T) {
	db, _ := demoDB(t)
	ctx := context.Background()

	// Person.name is unique: the second row fails and the first is not kept.
	_, err := db.Exec(ctx, &exec.InsertStatement{
		Type:    "Person",
		Columns: []string{"name"},
		Values:  [][]expr.Expression{{expr.Lit("Zed")}, {expr.Lit("Alice")}},
	})
	require.Error(t, err)

	n, err := db.From("Person").Where(expr.Cmp(expr.Prop("name"), expr.OpEq, expr.Lit("Zed"))).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(1), db.Metrics().QueryErrorTotal.Load())
}

func TestQueryParams(t *testing.T) {
	db, _ := demoDB(t)
	res, err := db.From("Person").
		Where(expr.Cmp(expr.Prop("city"), expr.OpEq, expr.Param("city"))).
		OrderBy("name", false).
		With(WithParams(map[string]any{"city": "Ankara"})).
		Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob", "Frank"}, names(t, res, "name"))
}

func TestQueryBuilder(t *testing.T) {
	db, _ := demoDB(t)
	ctx := context.Background()

	t.Run("order and limit", func(t *testing.T) {
		res, err := db.From("Person").Where(age(expr.OpGe, 30)).OrderBy("age", true).Limit(3).Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Frank", "Hank", "Charlie"}, names(t, res, "name"))
	})

	t.Run("skip", func(t *testing.T) {
		res, err := db.From("Person").OrderBy("age", false).Skip(6).Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Hank", "Frank"}, names(t, res, "name"))
	})

	t.Run("fields and distinct", func(t *testing.T) {
		res, err := db.From("Person").Fields("city").Distinct().Execute(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Istanbul", "Ankara", "Izmir", "Bursa"}, names(t, res, "city"))
	})

	t.Run("group by", func(t *testing.T) {
		res, err := db.From("Person").
			Select(
				exec.ProjectionItem{Expr: expr.Prop("city")},
				exec.ProjectionItem{Expr: expr.Fn("count"), Alias: "n"},
			).
			GroupBy(expr.Prop("city")).
			Execute(ctx)
		require.NoError(t, err)
		counts := map[any]any{}
		for _, m := range res.Maps() {
			counts[m["city"]] = m["n"]
		}
		assert.Equal(t, map[any]any{"Istanbul": int64(4), "Ankara": int64(2), "Izmir": int64(1), "Bursa": int64(1)}, counts)
	})

	t.Run("count", func(t *testing.T) {
		n, err := db.From("Person").Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(8), n)

		n, err = db.From("Person").Where(expr.Cmp(expr.Prop("city"), expr.OpEq, expr.Lit("Istanbul"))).Limit(1).Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n, "Count ignores LIMIT")
	})

	t.Run("rids", func(t *testing.T) {
		all, err := db.From("Movie").Execute(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, all.Len())
		res, err := db.FromRIDs(all.Rows[1].Identity(), all.Rows[0].Identity()).Fields("title").Execute(ctx)
		require.NoError(t, err)
		titles := names(t, all, "title")
		assert.Equal(t, []string{titles[1], titles[0]}, names(t, res, "title"))
	})
}

func TestTraversal(t *testing.T) {
	db, rids := demoDB(t)
	ctx := context.Background()

	t.Run("max depth", func(t *testing.T) {
		res, err := db.Traverse(rids["Alice"]).Out("Knows").MaxDepth(1).Execute(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Alice", "Bob", "Charlie", "Hank"}, names(t, res, TraverseNode))
		for _, row := range res.Rows {
			d, _ := row.Property(TraverseDepth)
			node, _ := row.Property(TraverseNode)
			if node.(storage.Record).Identity() == rids["Alice"] {
				assert.Equal(t, int64(0), d)
			} else {
				assert.Equal(t, int64(1), d)
			}
		}
	})

	t.Run("single hop", func(t *testing.T) {
		res, err := db.Traverse(rids["Alice"]).Out("Watched").Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Inception"}, names(t, res, TraverseNode))
		_, hasDepth := res.Rows[0].Property(TraverseDepth)
		assert.False(t, hasDepth)
	})

	t.Run("incoming with filter", func(t *testing.T) {
		res, err := db.Traverse(rids["Inception"]).In("Watched").Where(age(expr.OpGt, 30)).Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Eve"}, names(t, res, TraverseNode))
	})

	t.Run("from type", func(t *testing.T) {
		res, err := db.TraverseFrom("Person", expr.Cmp(expr.Prop("name"), expr.OpEq, expr.Lit("Bob"))).
			Out().OfType("Movie").Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"The Matrix"}, names(t, res, TraverseNode))
	})

	t.Run("limit", func(t *testing.T) {
		res, err := db.Traverse(rids["Alice"]).Out("Knows").MaxDepth(3).Limit(2).Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Len())
	})
}

func TestStream(t *testing.T) {
	db, _ := demoDB(t, Options{MaxResultRows: 2})
	ctx := context.Background()

	var seen []string
	err := db.Stream(ctx, db.From("Person").OrderBy("name", false).Statement(), func(r *exec.Result) error {
		n, _ := r.Property("name")
		seen = append(seen, n.(string))
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, len(DemoPeople), "Stream is not capped by MaxResultRows")
	assert.Equal(t, "Alice", seen[0])

	stop := errors.New("stop")
	calls := 0
	err = db.Stream(ctx, db.From("Person").Statement(), func(*exec.Result) error {
		calls++
		if calls == 3 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 3, calls)
}

func TestQueryAll(t *testing.T) {
	db, _ := demoDB(t)
	stmts := []exec.Statement{
		db.From("Person").Where(age(expr.OpLt, 29)).Statement(),
		db.From("Movie").Statement(),
		&exec.SelectStatement{Target: exec.Target{Type: "Missing"}},
		db.From("Person").Statement(),
	}
	results, err := db.QueryAll(context.Background(), stmts)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrTypeNotFound)

	require.Len(t, results, 4)
	assert.ElementsMatch(t, []string{"Bob", "Diana"}, names(t, results[0], "name"))
	assert.Equal(t, 2, results[1].Len())
	assert.Nil(t, results[2])
	assert.Equal(t, 8, results[3].Len())
}

func TestQueryAllCancelled(t *testing.T) {
	db, _ := demoDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := db.QueryAll(ctx, []exec.Statement{db.From("Person").Statement()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 1)
}

func TestScriptReturn(t *testing.T) {
	db, _ := demoDB(t)
	script := &exec.Script{Statements: []exec.Statement{
		&exec.LetStatement{Name: "adults", Query: db.From("Person").Where(age(expr.OpGe, 35)).Statement()},
		&exec.ReturnStatement{Expr: expr.Fn("size", expr.Var("$adults"))},
	}}
	res, err := db.Query(context.Background(), script)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3)}, res.Column("value"))
}

func TestExplain(t *testing.T) {
	db, _ := demoDB(t)
	stmt := db.From("Person").Where(age(expr.OpGt, 40)).Statement()

	qp, err := db.Explain(context.Background(), stmt)
	require.NoError(t, err)
	assert.False(t, qp.Profile)
	assert.Nil(t, qp.Result)
	assert.Contains(t, qp.Plan, "FETCH FROM INDEX")
	assert.Contains(t, qp.String(), "EXPLAIN:")
	assert.Positive(t, qp.Steps)
	assert.Zero(t, db.Metrics().QueriesTotal.Load(), "explain does not run the statement")

	// Explaining again hits the cached plan.
	qp, err = db.Explain(context.Background(), stmt)
	require.NoError(t, err)
	assert.True(t, qp.Cached)
}

func TestProfile(t *testing.T) {
	db, _ := demoDB(t)
	qp, err := db.Profile(context.Background(), db.From("Person").Where(expr.Cmp(expr.Prop("city"), expr.OpEq, expr.Lit("Bursa"))).Statement())
	require.NoError(t, err)
	assert.True(t, qp.Profile)
	assert.False(t, qp.Cached)
	require.NotNil(t, qp.Result)
	assert.Equal(t, []string{"Grace"}, names(t, qp.Result, "name"))
	assert.Contains(t, qp.Plan, "rows)")
	out := qp.String()
	assert.Contains(t, out, "PROFILE:")
	assert.Contains(t, out, "1 rows in")
	assert.Contains(t, out, exec.StatRecordsScanned)
}
