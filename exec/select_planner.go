package exec

import (
	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

// PlannerOptions are the defaults applied while building plans.
type PlannerOptions struct {
	// BatchSize is the pull size of top-level plans.
	BatchSize int
	// PrefetchThreshold is the estimated row count under which a MATCH alias
	// is fetched once up front.
	PrefetchThreshold int64
	// Timeout, when set, bounds every statement without its own TIMEOUT
	// clause by a wall-clock deadline.
	Timeout *Timeout
	// CommitEvery is the default mutation batch size; 0 commits only at the
	// end of the statement.
	CommitEvery int
}

// DefaultPlannerOptions returns the options used when none are configured.
func DefaultPlannerOptions() PlannerOptions {
	return PlannerOptions{BatchSize: DefaultBatchSize, PrefetchThreshold: 100}
}

func (o PlannerOptions) batch() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

// CreatePlan builds the execution plan of stmt. Type and index lookups go
// through ctx.
func CreatePlan(ctx *CommandContext, stmt Statement, opts PlannerOptions) (Plan, error) {
	return stmt.createPlan(ctx, opts)
}

// ---------------------------------------------------------------------------
// SELECT
// ---------------------------------------------------------------------------

func (s *SelectStatement) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	p := NewSelectPlan()
	p.BatchSize = opts.batch()
	if err := planSelect(ctx, p, s, opts); err != nil {
		return nil, err
	}
	return p, nil
}

func planSelect(ctx *CommandContext, p *SelectPlan, s *SelectStatement, opts PlannerOptions) error {
	if alias, ok := s.countShortcut(); ok {
		p.Chain(NewCountFromTypeStep(s.Target.Type, alias))
		return nil
	}
	if isZeroLimit(s.Limit) {
		// The source is still resolved so unknown types fail as usual.
		if _, err := planFetch(ctx, NewSelectPlan(), s.Target, s.Where, true, opts); err != nil {
			return err
		}
		p.Chain(NewEmptyStep())
		return nil
	}

	ascending, ridOrder := ridOrdering(s.OrderBy)
	indexed, err := planFetch(ctx, p, s.Target, s.Where, ascending, opts)
	if err != nil {
		return err
	}
	if indexed || (s.Target.Type == "" && len(s.Target.Buckets) == 0) {
		ridOrder = false
	}
	if s.Where != nil {
		if s.Target.IsEmpty() {
			return commandErr("select", ErrUnsupportedCondition, "WHERE without FROM")
		}
		p.Chain(NewFilterStep(s.Where))
	}
	if err := planLets(ctx, p, s.Let, opts); err != nil {
		return err
	}
	if s.Expand != nil {
		if len(s.Projection) > 0 || len(s.GroupBy) > 0 {
			return commandErr("select", ErrUnsupportedCondition, "EXPAND cannot be combined with projections or GROUP BY")
		}
		p.Chain(NewExpandStep(s.Expand))
		ridOrder = false
	}

	planTail(p, tail{
		items: s.Projection, groupBy: s.GroupBy, orderBy: s.OrderBy, unwind: s.Unwind,
		distinct: s.Distinct, skip: s.Skip, limit: s.Limit,
	}, ridOrder)
	planTimeout(p, s.Timeout, opts)
	return nil
}

// tail is the part of a query that shapes rows once they are fetched and
// filtered.
type tail struct {
	items    []ProjectionItem
	groupBy  []expr.Expression
	orderBy  []OrderItem
	unwind   []string
	distinct bool
	skip     expr.Expression
	limit    expr.Expression
}

// planTail chains projection, aggregation, ordering, UNWIND, DISTINCT and
// SKIP/LIMIT. presorted means the source already yields the requested
// order.
func planTail(p *SelectPlan, t tail, presorted bool) {
	aggregate := len(t.groupBy) > 0 || hasAggregate(t.items)
	sorted := len(t.orderBy) > 0 && !presorted
	// Order keys naming projected columns are evaluated after projection,
	// anything else against the source rows.
	late := sorted && (aggregate || orderUsesProjection(t.orderBy, t.items))
	// A bounded sort is only exact when nothing between it and SKIP/LIMIT
	// changes the number of rows.
	bounded := !t.distinct && len(t.unwind) == 0
	if sorted && !late {
		p.Chain(orderStep(t.orderBy, t.skip, t.limit, bounded))
	}
	switch {
	case aggregate:
		p.Chain(NewAggregateProjectionStep(t.items, t.groupBy))
	case len(t.items) > 0 && !allColumns(t.items):
		p.Chain(NewProjectionStep(t.items...))
	}
	if late {
		p.Chain(orderStep(t.orderBy, t.skip, t.limit, bounded))
	}
	if len(t.unwind) > 0 {
		p.Chain(NewUnwindStep(t.unwind...))
	}
	if t.distinct {
		p.Chain(NewDistinctStep())
	}
	planSkipLimit(p, t.skip, t.limit)
}

// countShortcut recognizes SELECT count(*) FROM type with no other clause.
func (s *SelectStatement) countShortcut() (string, bool) {
	if s.Target.Type == "" || s.Target.Exact || s.Where != nil || len(s.Let) > 0 ||
		len(s.GroupBy) > 0 || len(s.Unwind) > 0 || s.Skip != nil || s.Limit != nil ||
		len(s.Projection) != 1 {
		return "", false
	}
	c, ok := s.Projection[0].Expr.(*expr.Call)
	if !ok || c.Name != "count" || len(c.Args) > 0 {
		return "", false
	}
	return s.Projection[0].Name(), true
}

// isZeroLimit reports a LIMIT 0 literal. Parameters are not folded: their
// value changes between executions of a cached plan.
func isZeroLimit(limit expr.Expression) bool {
	l, ok := limit.(*expr.Literal)
	if !ok {
		return false
	}
	n, ok := l.Value.(int64)
	return ok && n == 0
}

func hasAggregate(items []ProjectionItem) bool {
	for _, it := range items {
		if it.Expr != nil && expr.ContainsAggregate(it.Expr) {
			return true
		}
	}
	return false
}

func allColumns(items []ProjectionItem) bool {
	return len(items) == 1 && items[0].All
}

// ridOrdering reports whether the only sort key is @rid, which a bucket
// scan produces natively.
func ridOrdering(items []OrderItem) (ascending, ok bool) {
	if len(items) != 1 {
		return true, false
	}
	p, isProp := items[0].Expr.(*expr.Property)
	if !isProp || !p.IsSimple() || p.Name() != "@rid" {
		return true, false
	}
	return !items[0].Desc, true
}

func orderUsesProjection(order []OrderItem, items []ProjectionItem) bool {
	if len(items) == 0 || allColumns(items) {
		return false
	}
	names := make(map[string]bool, len(items))
	for _, it := range items {
		names[it.Name()] = true
	}
	for _, o := range order {
		p, ok := o.Expr.(*expr.Property)
		if !ok || !names[p.Name()] {
			return false
		}
	}
	return true
}

func orderStep(items []OrderItem, skip, limit expr.Expression, bounded bool) *OrderByStep {
	if !bounded {
		return NewOrderByStep(items, nil, nil)
	}
	return NewOrderByStep(items, skip, limit)
}

func planSkipLimit(p *SelectPlan, skip, limit expr.Expression) {
	if skip != nil {
		p.Chain(NewSkipStep(skip))
	}
	if limit != nil {
		p.Chain(NewLimitStep(limit))
	}
}

// planTimeout bounds a statement: its own TIMEOUT clause counts the time
// spent producing rows, the configured default is a wall-clock deadline.
func planTimeout(p *SelectPlan, t *Timeout, opts PlannerOptions) {
	switch {
	case t != nil && t.Duration > 0:
		p.Chain(NewAccumulatingTimeoutStep(t.Duration, t.Strategy))
	case opts.Timeout != nil && opts.Timeout.Duration > 0:
		p.Chain(NewTimeoutStep(opts.Timeout.Duration, opts.Timeout.Strategy))
	}
}

func planLets(ctx *CommandContext, p *SelectPlan, items []LetItem, opts PlannerOptions) error {
	for _, l := range items {
		if l.Query == nil {
			p.Chain(NewLetExpressionStep(l.Name, l.Expr))
			continue
		}
		sub, err := subPlan(ctx, l.Query, opts)
		if err != nil {
			return err
		}
		p.Chain(NewLetQueryStep(l.Name, sub))
	}
	return nil
}

// subPlan plans a nested statement. Nested plans are not time-bounded on
// their own.
func subPlan(ctx *CommandContext, stmt Statement, opts PlannerOptions) (Plan, error) {
	opts.Timeout = nil
	return stmt.createPlan(ctx, opts)
}

// ---------------------------------------------------------------------------
// Fetch
// ---------------------------------------------------------------------------

// planFetch chains the source steps of target and reports whether an index
// serves them.
func planFetch(ctx *CommandContext, p *SelectPlan, t Target, where expr.Expression, ascending bool, opts PlannerOptions) (bool, error) {
	e := ctx.Engine()
	switch {
	case t.Type != "":
		if _, err := e.Type(t.Type); err != nil {
			return false, commandErr("select", err, "type %s", t.Type)
		}
		if descs := chooseIndexes(ctx, t, where); descs != nil {
			return true, planIndexFetch(ctx, p, t, descs, ascending)
		}
		p.Chain(NewFetchFromTypeStep(t.Type, !t.Exact, ascending))
	case len(t.Buckets) > 0:
		ids := make([]int32, len(t.Buckets))
		for i, name := range t.Buckets {
			id, err := e.BucketID(name)
			if err != nil {
				return false, commandErr("select", err, "bucket %s", name)
			}
			ids[i] = id
		}
		p.Chain(NewFetchFromBucketsStep(ids, t.Buckets, ascending))
	case len(t.RIDs) > 0:
		p.Chain(NewFetchFromRIDsStep(t.RIDs...))
	case t.Variable != "":
		p.Chain(NewFetchFromVariableStep(t.Variable))
	case t.Query != nil:
		sub, err := subPlan(ctx, t.Query, opts)
		if err != nil {
			return false, err
		}
		p.Chain(NewSubQueryStep(sub))
	default:
		p.Chain(NewEmptyDataGeneratorStep(1))
	}
	return false, nil
}

// chooseIndexes picks, for every OR-block of where, the cheapest index able
// to drive it. It returns nil when some block has no usable index or when a
// full scan is estimated to read less.
func chooseIndexes(ctx *CommandContext, t Target, where expr.Expression) []*IndexSearchDescriptor {
	blocks := expr.Flatten(where)
	if len(blocks) == 0 {
		return nil
	}
	defs := ctx.Engine().IndexesOf(t.Type)
	if len(defs) == 0 {
		return nil
	}
	var (
		chosen []*IndexSearchDescriptor
		total  int64
	)
	for _, block := range blocks {
		var (
			best     *IndexSearchDescriptor
			bestCost int64
		)
		for _, def := range defs {
			d := NewIndexSearchDescriptor(def, block)
			if d == nil {
				continue
			}
			c := d.Cost(ctx)
			if best == nil || c < bestCost || (c == bestCost && d.EqualityFields() > best.EqualityFields()) {
				best, bestCost = d, c
			}
		}
		if best == nil {
			return nil
		}
		chosen = append(chosen, best)
		total += bestCost
	}
	card, err := ctx.Tx().CountType(t.Type, !t.Exact)
	if err != nil || total > card {
		return nil
	}
	return chosen
}

func planIndexFetch(ctx *CommandContext, p *SelectPlan, t Target, descs []*IndexSearchDescriptor, ascending bool) error {
	buckets, err := indexBuckets(ctx.Engine(), t, descs)
	if err != nil {
		return err
	}
	if len(descs) == 1 {
		p.Chain(NewFetchFromIndexStep(descs[0], ascending))
		p.Chain(NewGetValueFromIndexEntryStep(buckets))
		return nil
	}
	subs := make([]Plan, len(descs))
	for i, d := range descs {
		subs[i] = NewSelectPlan(NewFetchFromIndexStep(d, ascending), NewGetValueFromIndexEntryStep(buckets))
	}
	p.Chain(NewUnionAllStep(subs...))
	p.Chain(NewDistinctStep())
	return nil
}

// indexBuckets returns the buckets an index fetch must be narrowed to, or
// nil when every record the indexes cover belongs to the target.
func indexBuckets(e *storage.Engine, t Target, descs []*IndexSearchDescriptor) ([]int32, error) {
	narrow := t.Exact
	for _, d := range descs {
		def, err := e.Index(d.Index)
		if err != nil {
			return nil, commandErr("select", err, "index %s", d.Index)
		}
		if def.Type != t.Type {
			narrow = true
		}
	}
	if !narrow {
		return nil, nil
	}
	ids, err := e.BucketsOf(t.Type, !t.Exact)
	if err != nil {
		return nil, commandErr("select", err, "type %s", t.Type)
	}
	return ids, nil
}
