package exec

import (
	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

// ---------------------------------------------------------------------------
// INSERT
// ---------------------------------------------------------------------------

func (s *InsertStatement) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	t, err := ctx.Engine().Type(s.Type)
	if err != nil {
		return nil, commandErr("insert", err, "type %s", s.Type)
	}
	if t.Kind == storage.KindEdge {
		return nil, commandErr("insert", storage.ErrWrongKind, "%s is an edge type, use CREATE EDGE", s.Type)
	}
	if s.Bucket != "" {
		id, err := ctx.Engine().BucketID(s.Bucket)
		if err != nil {
			return nil, commandErr("insert", err, "bucket %s", s.Bucket)
		}
		if !containsBucket(t.Buckets, id) {
			return nil, commandErr("insert", storage.ErrBucketNotFound, "bucket %s does not belong to %s", s.Bucket, s.Type)
		}
	}
	count := max(1, len(s.Values))
	p := NewUpdatePlan(NewCreateRecordStep(s.Type, count))
	p.BatchSize = opts.batch()
	if len(s.Columns) > 0 {
		p.Chain(NewInsertValuesStep(s.Columns, s.Values))
	}
	if len(s.Set) > 0 {
		p.Chain(NewSetFieldsStep(s.Set...))
	}
	p.Chain(NewSaveElementStep(s.Bucket))
	if opts.CommitEvery > 0 {
		p.Chain(NewBatchStep(opts.CommitEvery))
	}
	if len(s.Return) > 0 {
		p.Chain(NewProjectionStep(s.Return...))
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// UPDATE / DELETE
// ---------------------------------------------------------------------------

// planMutationSource fetches and filters the rows a mutation touches, then
// snapshots them so no write is seen by the scan that found it.
func planMutationSource(ctx *CommandContext, p *SelectPlan, target Target, where, limit expr.Expression, opts PlannerOptions) error {
	if target.IsEmpty() {
		return commandErr("mutation", ErrNoUpstream, "no target")
	}
	if _, err := planFetch(ctx, p, target, where, true, opts); err != nil {
		return err
	}
	if where != nil {
		p.Chain(NewFilterStep(where))
	}
	if limit != nil {
		p.Chain(NewLimitStep(limit))
	}
	p.Chain(NewSnapshotStep())
	return nil
}

func batchSize(stmt int, opts PlannerOptions) int {
	if stmt > 0 {
		return stmt
	}
	return opts.CommitEvery
}

func (s *UpdateStatement) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	p := NewUpdatePlan()
	p.BatchSize = opts.batch()
	if err := planMutationSource(ctx, &p.SelectPlan, s.Target, s.Where, s.Limit, opts); err != nil {
		return nil, err
	}
	p.Chain(NewConvertToUpdatableStep())
	if len(s.Set) > 0 {
		p.Chain(NewSetFieldsStep(s.Set...))
	}
	if len(s.Remove) > 0 {
		p.Chain(NewRemoveFieldsStep(s.Remove...))
	}
	p.Chain(NewSaveElementStep(""))
	if n := batchSize(s.BatchSize, opts); n > 0 {
		p.Chain(NewBatchStep(n))
	}
	planTimeout(&p.SelectPlan, s.Timeout, opts)
	if !s.ReturnAfter {
		p.Chain(NewCountStep("count"))
	}
	return p, nil
}

func (s *DeleteStatement) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	p := NewUpdatePlan()
	p.BatchSize = opts.batch()
	if s.Target.Type != "" && s.Kind != storage.KindDocument {
		p.Chain(NewCheckTypeStep(s.Target.Type, s.Kind))
	}
	if err := planMutationSource(ctx, &p.SelectPlan, s.Target, s.Where, s.Limit, opts); err != nil {
		return nil, err
	}
	switch s.Kind {
	case storage.KindVertex:
		p.Chain(NewCastToVertexStep())
	case storage.KindEdge:
		p.Chain(NewCastToEdgeStep())
	}
	p.Chain(NewDeleteStep())
	if n := batchSize(s.BatchSize, opts); n > 0 {
		p.Chain(NewBatchStep(n))
	}
	if !s.ReturnBefore {
		p.Chain(NewCountStep("count"))
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// CREATE EDGE
// ---------------------------------------------------------------------------

func (s *CreateEdgeStatement) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	t, err := ctx.Engine().Type(s.Type)
	if err != nil {
		return nil, commandErr("create edge", err, "type %s", s.Type)
	}
	if t.Kind != storage.KindEdge {
		return nil, commandErr("create edge", storage.ErrWrongKind, "%s is not an edge type", s.Type)
	}
	if s.Lightweight && len(s.Set) > 0 {
		return nil, commandErr("create edge", ErrUnsupportedCondition, "lightweight edges have no properties")
	}
	p := NewUpdatePlan(NewCreateEdgesStep(s.Type, s.From, s.To, s.Set, s.Lightweight))
	p.BatchSize = opts.batch()
	if n := batchSize(s.BatchSize, opts); n > 0 {
		p.Chain(NewBatchStep(n))
	}
	return p, nil
}
