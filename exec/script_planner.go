package exec

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

func (s *Script) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	return planBlock(ctx, s.Statements, opts)
}

func planBlock(ctx *CommandContext, list []Statement, opts PlannerOptions) (*ScriptExecutionPlan, error) {
	script := NewScriptPlan()
	for _, st := range list {
		plan, err := st.createPlan(ctx, opts)
		if err != nil {
			return nil, err
		}
		script.Add(plan)
	}
	return script, nil
}

func single(opts PlannerOptions, s Step) *SelectPlan {
	p := NewSelectPlan(s)
	p.BatchSize = opts.batch()
	return p
}

func (s *LetStatement) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	if s.Query == nil {
		return single(opts, NewGlobalLetExpressionStep(s.Name, s.Expr)), nil
	}
	sub, err := subPlan(ctx, s.Query, opts)
	if err != nil {
		return nil, err
	}
	return single(opts, NewGlobalLetQueryStep(s.Name, sub)), nil
}

func (s *IfStatement) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	then, err := planBlock(ctx, s.Then, opts)
	if err != nil {
		return nil, err
	}
	var els Plan
	if len(s.Else) > 0 {
		if els, err = planBlock(ctx, s.Else, opts); err != nil {
			return nil, err
		}
	}
	return single(opts, NewIfStep(s.Cond, then, els)), nil
}

func (s *ForEachStatement) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	body, err := planBlock(ctx, s.Body, opts)
	if err != nil {
		return nil, err
	}
	return single(opts, NewForEachStep(s.Var, s.Source, body)), nil
}

func (s *WhileStatement) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	body, err := planBlock(ctx, s.Body, opts)
	if err != nil {
		return nil, err
	}
	return single(opts, NewWhileStep(s.Cond, body)), nil
}

func (s *ReturnStatement) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	var sub Plan
	if s.Query != nil {
		var err error
		if sub, err = subPlan(ctx, s.Query, opts); err != nil {
			return nil, err
		}
	}
	return single(opts, NewReturnStep(s.Expr, sub)), nil
}
