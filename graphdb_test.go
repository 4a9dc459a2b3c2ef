package graphpipe

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstrYoda/graphpipe/config"
	"github.com/mstrYoda/graphpipe/exec"
	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testDB opens an in-memory badger database. Options fields left zero get
// their defaults.
func testDB(t *testing.T, opts ...Options) *DB {
	t.Helper()
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	opt.Backend = BackendBadger
	opt.InMemory = true
	if opt.Logger == nil {
		opt.Logger = quietLogger()
	}
	db, err := Open("", opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// demoDB is testDB with the demo social graph loaded.
func demoDB(t *testing.T, opts ...Options) (*DB, map[string]storage.RID) {
	t.Helper()
	db := testDB(t, opts...)
	rids, err := SeedDemo(db)
	require.NoError(t, err)
	return db, rids
}

func names(t *testing.T, res *Result, column string) []string {
	t.Helper()
	out := make([]string, 0, res.Len())
	for _, v := range res.Column(column) {
		switch x := v.(type) {
		case string:
			out = append(out, x)
		case storage.Record:
			n, _ := x.Get("name")
			if n == nil {
				n, _ = x.Get("title")
			}
			s, _ := n.(string)
			out = append(out, s)
		default:
			t.Fatalf("column %s: unexpected %T", column, v)
		}
	}
	return out
}

func TestOpenCloseBolt(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Backend: BackendBolt, NoSync: true, Logger: quietLogger()}

	db, err := Open(dir, opts)
	require.NoError(t, err)
	_, err = SeedDemo(db)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second close is a no-op")

	_, err = os.Stat(filepath.Join(dir, boltFile))
	require.NoError(t, err)

	// Schema, indexes and records survive a reopen.
	db2, err := Open(dir, opts)
	require.NoError(t, err)
	defer db2.Close()

	n, err := db2.From("Person").Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(DemoPeople)), n)

	st, err := db2.Stats()
	require.NoError(t, err)
	assert.Equal(t, BackendBolt, st.Backend)
	assert.Equal(t, 2, st.Indexes)
	assert.Positive(t, st.DiskSizeBytes)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(t.TempDir(), Options{Backend: "rocks", Logger: quietLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestClosedDB(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.Close())

	_, err := db.Query(context.Background(), &exec.SelectStatement{Target: exec.Target{Type: "Person"}})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.CreateType("X", storage.KindDocument)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Stats()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.QueryAll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStats(t *testing.T) {
	db, _ := demoDB(t)

	st, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, BackendBadger, st.Backend)
	assert.Equal(t, 4, st.Types)
	assert.Equal(t, 2, st.Indexes)
	assert.Equal(t, int64(8), st.Records["Person"])
	assert.Equal(t, int64(2), st.Records["Movie"])
	assert.Equal(t, int64(14), st.Records["Knows"])
	assert.Equal(t, int64(3), st.Records["Watched"])
}

func TestSeedDemoTwice(t *testing.T) {
	db, _ := demoDB(t)
	_, err := SeedDemo(db)
	assert.ErrorIs(t, err, storage.ErrTypeExists)
}

func TestVerify(t *testing.T) {
	db, _ := demoDB(t)
	report, err := db.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK(), "report: %+v", report)
}

func TestPlanCache(t *testing.T) {
	db, _ := demoDB(t)
	ctx := context.Background()
	q := func() *Query {
		return db.From("Person").Where(expr.Cmp(expr.Prop("city"), expr.OpEq, expr.Lit("Istanbul")))
	}

	first, err := q().Execute(ctx)
	require.NoError(t, err)
	assert.False(t, first.CachedPlan)

	second, err := q().Execute(ctx)
	require.NoError(t, err)
	assert.True(t, second.CachedPlan)
	assert.Equal(t, names(t, first, "name"), names(t, second, "name"))

	bypass, err := q().With(WithoutPlanCache()).Execute(ctx)
	require.NoError(t, err)
	assert.False(t, bypass.CachedPlan)

	// A new index drops every cached plan.
	_, err = db.CreateIndex(storage.IndexDef{Name: "Person.city", Type: "Person", Properties: []string{"city"}})
	require.NoError(t, err)
	third, err := q().Execute(ctx)
	require.NoError(t, err)
	assert.False(t, third.CachedPlan)
	assert.ElementsMatch(t, names(t, first, "name"), names(t, third, "name"))

	assert.Equal(t, uint64(1), db.Metrics().PlanCacheHits.Load())
	assert.Equal(t, uint64(2), db.Metrics().PlanCacheMisses.Load())

	st, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.CachedPlans)
}

func TestPlanCacheLiteralTypes(t *testing.T) {
	db, _ := demoDB(t)
	ctx := context.Background()
	selectLit := func(v any) *Result {
		res, err := db.From("Person").
			Select(exec.ProjectionItem{Expr: expr.Lit(v), Alias: "x"}).
			Limit(1).
			Execute(ctx)
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
		return res
	}

	ints := selectLit(int64(2))
	assert.Equal(t, int64(2), ints.Column("x")[0])

	floats := selectLit(float64(2))
	assert.False(t, floats.CachedPlan)
	assert.Equal(t, float64(2), floats.Column("x")[0])

	strs := selectLit("2")
	assert.False(t, strs.CachedPlan)
	assert.Equal(t, "2", strs.Column("x")[0])

	again := selectLit(float64(2))
	assert.True(t, again.CachedPlan)
	assert.Equal(t, float64(2), again.Column("x")[0])
}

func TestPlanCacheDisabled(t *testing.T) {
	db, _ := demoDB(t, Options{PlanCacheSize: -1})
	for i := 0; i < 2; i++ {
		res, err := db.From("Person").Execute(context.Background())
		require.NoError(t, err)
		assert.False(t, res.CachedPlan)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.LoadDefaults()
	cfg.Storage.Backend = "badger"
	cfg.Storage.InMemory = true
	cfg.Query.TimeoutStrategy = "return"
	cfg.Query.MaxResultRows = 5
	cfg.Logging.Level = "error"

	opts, err := OptionsFromConfig(cfg, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, BackendBadger, opts.Backend)
	assert.True(t, opts.InMemory)
	assert.Equal(t, exec.TimeoutReturn, opts.TimeoutStrategy)
	assert.Equal(t, 5, opts.MaxResultRows)
	require.NotNil(t, opts.Logger)

	db, err := Open("", opts)
	require.NoError(t, err)
	defer db.Close()
	_, err = SeedDemo(db)
	require.NoError(t, err)

	cfg.Storage.Backend = "nope"
	_, err = OptionsFromConfig(cfg, io.Discard)
	assert.Error(t, err)
}
