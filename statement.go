package graphpipe

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mstrYoda/graphpipe/exec"
	"github.com/mstrYoda/graphpipe/storage"
)

// QueryOption configures one statement execution.
type QueryOption func(*queryConfig)

type queryConfig struct {
	params  map[string]any
	args    []any
	profile bool
	noCache bool
}

// WithParams binds named parameters (:name).
func WithParams(params map[string]any) QueryOption {
	return func(c *queryConfig) {
		if c.params == nil {
			c.params = make(map[string]any, len(params))
		}
		for k, v := range params {
			c.params[k] = v
		}
	}
}

// WithArgs binds positional parameters (?) in order.
func WithArgs(args ...any) QueryOption {
	return func(c *queryConfig) { c.args = append(c.args, args...) }
}

// WithoutPlanCache plans the statement from scratch and does not cache it.
func WithoutPlanCache() QueryOption {
	return func(c *queryConfig) { c.noCache = true }
}

func withProfiling() QueryOption {
	return func(c *queryConfig) { c.profile = true }
}

// Result is the materialized output of one statement.
type Result struct {
	ExecID   uuid.UUID
	Rows     []*exec.Result
	Stats    map[string]int64
	Duration time.Duration
	// CachedPlan is set when the plan came from the plan cache.
	CachedPlan bool
}

// Len returns the number of rows.
func (r *Result) Len() int { return len(r.Rows) }

// Maps returns every row as a plain map.
func (r *Result) Maps() []map[string]any {
	out := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row.ToMap()
	}
	return out
}

// Column returns the value of name in every row.
func (r *Result) Column(name string) []any {
	out := make([]any, len(r.Rows))
	for i, row := range r.Rows {
		out[i], _ = row.Property(name)
	}
	return out
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// run is one statement in flight: its transaction, context and plan.
type run struct {
	db     *DB
	text   string
	start  time.Time
	tx     *storage.Tx
	cctx   *exec.CommandContext
	plan   exec.Plan
	cached bool
	cancel context.CancelFunc
	rows   int
}

func (db *DB) begin(ctx context.Context, stmt exec.Statement, opts []QueryOption) (*run, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	if stmt == nil {
		return nil, errors.New("graphpipe: nil statement")
	}
	var cfg queryConfig
	for _, o := range opts {
		o(&cfg)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := db.governor.wrapContext(ctx)
	r := &run{
		db:     db,
		text:   stmt.String(),
		start:  time.Now(),
		tx:     db.engine.Begin(),
		cancel: cancel,
	}
	r.cctx = exec.NewContext(ctx, r.tx,
		exec.WithParams(cfg.params),
		exec.WithPositional(cfg.args...),
		exec.WithLogger(db.log),
		exec.WithProfiling(cfg.profile),
	)
	plan, cached, err := db.planFor(r.cctx, stmt, r.text, cfg.noCache || cfg.profile)
	if err != nil {
		return nil, r.finish(err)
	}
	r.plan, r.cached = plan, cached
	return r, nil
}

// planFor returns a cached copy of the statement's plan or builds one.
// Profiled runs bypass the cache: their steps carry timings.
func (db *DB) planFor(cctx *exec.CommandContext, stmt exec.Statement, key string, bypass bool) (exec.Plan, bool, error) {
	useCache := db.plans != nil && !bypass
	if useCache {
		if p, ok := db.plans.Get(key); ok {
			db.metrics.PlanCacheHits.Add(1)
			return p, true, nil
		}
		db.metrics.PlanCacheMisses.Add(1)
	}
	p, err := exec.CreatePlan(cctx, stmt, db.opts.plannerOptions())
	if err != nil {
		return nil, false, err
	}
	if useCache && !db.plans.Put(key, p) {
		db.log.Debug("plan not cacheable", "statement", truncateStatement(key, 200))
	}
	return p, false, nil
}

// finish commits or rolls back and records metrics. It returns the commit
// error, if any.
func (r *run) finish(err error) error {
	defer r.cancel()
	if err == nil && r.tx.Active() && r.tx.Pending() > 0 {
		err = r.tx.Commit()
	}
	r.tx.Rollback()
	if r.plan != nil {
		r.plan.Close()
	}

	db := r.db
	d := time.Since(r.start)
	db.metrics.QueriesTotal.Add(1)
	db.metrics.recordQueryDuration(d)
	db.metrics.RowsReturned.Add(uint64(r.rows))
	db.metrics.recordStats(r.cctx.Stats())
	if err != nil {
		db.metrics.QueryErrorTotal.Add(1)
		db.log.Debug("statement failed", "exec_id", r.cctx.ID(), "statement", truncateStatement(r.text, 200), "error", err)
	}
	db.slowQueryCheck(r.cctx.ID(), r.text, d, r.rows)
	return err
}

// discard releases a run that was only planned.
func (r *run) discard() {
	r.tx.Rollback()
	r.plan.Close()
	r.cancel()
}

func (r *run) result() *Result {
	return &Result{
		ExecID:     r.cctx.ID(),
		Stats:      r.cctx.Stats(),
		Duration:   time.Since(r.start),
		CachedPlan: r.cached,
	}
}

// collect drains the plan under the governor's row limit.
func (r *run) collect() ([]*exec.Result, error) {
	rs, err := r.plan.Execute(r.cctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	var out []*exec.Result
	for {
		ok, err := rs.HasNext()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		row, err := rs.Next()
		if err != nil {
			return out, err
		}
		out = append(out, row)
		r.rows = len(out)
		if err := r.db.governor.checkRowCount(len(out)); err != nil {
			return out, err
		}
	}
}

// Query plans and runs stmt in its own transaction, returning every row.
// Writes are committed when the statement succeeds.
func (db *DB) Query(ctx context.Context, stmt exec.Statement, opts ...QueryOption) (*Result, error) {
	return safeExecuteResult(func() (*Result, error) {
		r, err := db.begin(ctx, stmt, opts)
		if err != nil {
			return nil, err
		}
		rows, err := r.collect()
		if err = r.finish(err); err != nil {
			return nil, err
		}
		res := r.result()
		res.Rows = rows
		return res, nil
	})
}

// Exec runs a statement for its effects and returns the execution counters.
func (db *DB) Exec(ctx context.Context, stmt exec.Statement, opts ...QueryOption) (map[string]int64, error) {
	res, err := db.Query(ctx, stmt, opts...)
	if err != nil {
		return nil, err
	}
	return res.Stats, nil
}

// Stream runs stmt and calls fn for each row as it is pulled. Rows are not
// materialized, so MaxResultRows does not apply. An error from fn stops the
// statement and rolls it back.
func (db *DB) Stream(ctx context.Context, stmt exec.Statement, fn func(*exec.Result) error, opts ...QueryOption) error {
	return safeExecute(func() error {
		r, err := db.begin(ctx, stmt, opts)
		if err != nil {
			return err
		}
		return r.finish(r.stream(fn))
	})
}

func (r *run) stream(fn func(*exec.Result) error) error {
	rs, err := r.plan.Execute(r.cctx)
	if err != nil {
		return err
	}
	defer rs.Close()
	for {
		ok, err := rs.HasNext()
		if err != nil || !ok {
			return err
		}
		row, err := rs.Next()
		if err != nil {
			return err
		}
		r.rows++
		if err := fn(row); err != nil {
			return err
		}
	}
}

// QueryAll runs independent statements concurrently, each in its own
// transaction, and returns their results in order. The error joins every
// failed statement's error.
func (db *DB) QueryAll(ctx context.Context, stmts []exec.Statement, opts ...QueryOption) ([]*Result, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	tasks := make([]task, len(stmts))
	for i, st := range stmts {
		tasks[i] = func() (any, error) { return db.Query(ctx, st, opts...) }
	}
	out := make([]*Result, len(stmts))
	var errs []error
	for _, tr := range db.pool.run(ctx, tasks) {
		if tr.Err != nil {
			errs = append(errs, tr.Err)
			continue
		}
		out[tr.Index] = tr.Value.(*Result)
	}
	return out, errors.Join(errs...)
}
