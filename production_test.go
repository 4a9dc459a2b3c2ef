package graphpipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstrYoda/graphpipe/exec"
	"github.com/mstrYoda/graphpipe/expr"
)

// ---------------------------------------------------------------------------
// Panic Recovery
// ---------------------------------------------------------------------------

func TestPanicRecovery_SafeExecute(t *testing.T) {
	err := safeExecute(func() error { panic("boom") })
	require.ErrorIs(t, err, ErrQueryPanic)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "stack trace")
}

func TestPanicRecovery_SafeExecuteResult(t *testing.T) {
	result, err := safeExecuteResult(func() (int, error) { panic("result boom") })
	require.ErrorIs(t, err, ErrQueryPanic)
	assert.Zero(t, result)
}

func TestPanicRecovery_NormalExecution(t *testing.T) {
	require.NoError(t, safeExecute(func() error { return nil }))

	expected := fmt.Errorf("normal error")
	assert.Equal(t, expected, safeExecute(func() error { return expected }))

	v, err := safeExecuteResult(func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestPanicRecovery_StatementEntryPoint(t *testing.T) {
	db := testDB(t)
	// A nil statement is rejected before planning, not turned into a panic.
	_, err := db.Query(context.Background(), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQueryPanic)
}

// ---------------------------------------------------------------------------
// Query Governor
// ---------------------------------------------------------------------------

func TestGovernor_MaxResultRows(t *testing.T) {
	db, _ := demoDB(t, Options{MaxResultRows: 3})
	ctx := context.Background()

	_, err := db.From("Person").Execute(ctx)
	require.ErrorIs(t, err, ErrResultTooLarge)

	res, err := db.From("Person").Limit(3).Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Len())
}

func TestGovernor_Unlimited(t *testing.T) {
	db, _ := demoDB(t)
	res, err := db.From("Person").Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(DemoPeople), res.Len())
}

func TestGovernor_DefaultQueryTimeout(t *testing.T) {
	db, _ := demoDB(t, Options{DefaultQueryTimeout: time.Nanosecond})
	_, err := db.From("Person").Execute(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrTimeout) || errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestGovernor_CallerDeadlineWins(t *testing.T) {
	g := &queryGovernor{defaultTimeout: time.Nanosecond}
	parent, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	ctx, done := g.wrapContext(parent)
	defer done()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.Greater(t, time.Until(deadline), time.Minute)
}

func TestStatementTimeoutReturn(t *testing.T) {
	db, _ := demoDB(t)
	res, err := db.From("Person").Timeout(time.Nanosecond, exec.TimeoutReturn).Execute(context.Background())
	require.NoError(t, err)
	assert.Less(t, res.Len(), len(DemoPeople))
	assert.Equal(t, int64(1), res.Stats[exec.StatTimeouts])
	assert.Equal(t, uint64(1), db.Metrics().Timeouts.Load())
}

func TestStatementTimeoutException(t *testing.T) {
	db, _ := demoDB(t)
	_, err := db.From("Person").Timeout(time.Nanosecond, exec.TimeoutException).Execute(context.Background())
	assert.ErrorIs(t, err, exec.ErrTimeout)
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func TestMetrics(t *testing.T) {
	db, _ := demoDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := db.From("Person").Where(expr.Cmp(expr.Prop("city"), expr.OpEq, expr.Lit("Ankara"))).Execute(ctx)
		require.NoError(t, err)
	}
	_, err := db.From("Missing").Execute(ctx)
	require.Error(t, err)

	snap := db.Metrics().Snapshot()
	assert.Equal(t, uint64(4), snap["queries_total"])
	assert.Equal(t, uint64(1), snap["query_errors_total"])
	assert.Equal(t, uint64(6), snap["rows_returned_total"])
	assert.Equal(t, uint64(2), snap["plan_cache_hits"])
	assert.Positive(t, snap["records_scanned_total"])
	assert.Contains(t, snap, "record_cache_entries")
	assert.Equal(t, 256, snap["plan_cache_capacity"])

	var buf bytes.Buffer
	db.Metrics().WritePrometheus(&buf)
	out := buf.String()
	assert.Contains(t, out, "# TYPE graphpipe_queries_total counter")
	assert.Contains(t, out, "graphpipe_queries_total 4\n")
	assert.Contains(t, out, "graphpipe_records_scanned_total")
	assert.Contains(t, out, "# TYPE graphpipe_plan_cache_entries gauge")
}

func TestMetricsConcurrent(t *testing.T) {
	db, _ := demoDB(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.From("Movie").Execute(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8), db.Metrics().QueriesTotal.Load())
	assert.Equal(t, uint64(16), db.Metrics().RowsReturned.Load())
}

// ---------------------------------------------------------------------------
// Slow Query Log
// ---------------------------------------------------------------------------

func TestSlowQueryLog(t *testing.T) {
	db, _ := demoDB(t, Options{SlowQueryThreshold: time.Nanosecond, SlowQueryLogSize: 2})
	ctx := context.Background()
	for _, typ := range []string{"Person", "Movie", "Knows"} {
		_, err := db.From(typ).Execute(ctx)
		require.NoError(t, err)
	}

	entries := db.SlowQueries(10)
	require.Len(t, entries, 2, "ring buffer keeps the newest entries")
	assert.Contains(t, entries[0].Statement, "Knows")
	assert.Contains(t, entries[1].Statement, "Movie")
	assert.Equal(t, 2, entries[1].Rows)
	assert.Equal(t, uint64(3), db.Metrics().SlowQueries.Load())
	assert.Len(t, db.SlowQueries(1), 1)
}

func TestSlowQueryLogDisabled(t *testing.T) {
	db, _ := demoDB(t)
	_, err := db.From("Person").Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, db.SlowQueries(0))
}

func TestTruncateStatement(t *testing.T) {
	assert.Equal(t, "short", truncateStatement("short", 10))
	long := strings.Repeat("x", 20)
	assert.Equal(t, strings.Repeat("x", 10)+"...", truncateStatement(long, 10))

	// "ş" is two bytes; a cut inside it backs off to the rune start.
	cut := truncateStatement("name = 'Ayşe'", 11)
	assert.True(t, utf8.ValidString(cut), cut)
	assert.Equal(t, "name = 'Ay...", cut)
}

// ---------------------------------------------------------------------------
// Worker Pool
// ---------------------------------------------------------------------------

func TestWorkerPoolOrder(t *testing.T) {
	p := newWorkerPool(3)
	defer p.stop()

	tasks := make([]task, 10)
	for i := range tasks {
		tasks[i] = func() (any, error) {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			if i == 4 {
				return nil, errors.New("four")
			}
			return i * i, nil
		}
	}
	results := p.run(context.Background(), tasks)
	require.Len(t, results, 10)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		if i == 4 {
			assert.EqualError(t, r.Err, "four")
			continue
		}
		require.NoError(t, r.Err)
		assert.Equal(t, i*i, r.Value)
	}
}

func TestWorkerPoolStopped(t *testing.T) {
	p := newWorkerPool(1)
	p.stop()
	p.stop()
	results := p.run(context.Background(), []task{func() (any, error) { return 1, nil }})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrClosed)
}
