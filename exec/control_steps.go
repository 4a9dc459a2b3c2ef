package exec

import (
	"fmt"

	"github.com/mstrYoda/graphpipe/expr"
)

func init() {
	registerStep("If", func() Step { return &IfStep{} })
	registerStep("ForEach", func() Step { return &ForEachStep{} })
	registerStep("While", func() Step { return &WhileStep{} })
	registerStep("Return", func() Step { return &ReturnStep{} })
}

// controlBase serves the rows of a body that ended with RETURN.
type controlBase struct {
	stepBase
	rows []*Result
	pos  int
	ran  bool
	ret  bool
}

func (c *controlBase) serve() (*Result, bool, error) {
	if c.pos >= len(c.rows) {
		return nil, false, nil
	}
	r := c.rows[c.pos]
	c.pos++
	return r, true, nil
}

// runBody executes body and keeps its rows when it returned.
func (c *controlBase) runBody(ctx *CommandContext, body Plan) error {
	rows, err := runSubPlan(ctx, body)
	if err != nil {
		return err
	}
	if planReturned(body) {
		c.rows, c.ret = rows, true
	}
	return nil
}

func (c *controlBase) returned() bool { return c.ret }

func (c *controlBase) resetControl() {
	c.stepBase.Reset()
	c.rows = nil
	c.pos = 0
	c.ran = false
	c.ret = false
}

// IfStep runs Then or Else depending on Cond. It produces rows only when the
// chosen branch ends with RETURN.
type IfStep struct {
	controlBase
	Cond expr.Expression
	Then Plan
	Else Plan
}

func NewIfStep(cond expr.Expression, then, els Plan) *IfStep {
	return &IfStep{Cond: cond, Then: then, Else: els}
}

func (s *IfStep) Pull(ctx *CommandContext, n int) (ResultSet, error) { return s.pull(s, ctx, n) }

func (s *IfStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.ran {
		s.ran = true
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
		ok, err := expr.Truthy(s.Cond, nil, ctx)
		if err != nil {
			return nil, false, err
		}
		branch := s.Else
		if ok {
			branch = s.Then
		}
		if branch != nil {
			if err := s.runBody(ctx, branch); err != nil {
				return nil, false, err
			}
		}
	}
	return s.serve()
}

func (s *IfStep) mayReturn() bool {
	return (s.Then != nil && mayReturn(s.Then)) || (s.Else != nil && mayReturn(s.Else))
}

func (s *IfStep) Reset() { s.resetControl() }

func (s *IfStep) CanBeCached() bool {
	return (s.Then == nil || s.Then.CanBeCached()) && (s.Else == nil || s.Else.CanBeCached())
}

func (s *IfStep) PrettyPrint(depth, indent int) string {
	out := s.header(depth, indent, "IF %s", s.Cond)
	if s.Then != nil {
		out += "\n" + s.Then.PrettyPrint(depth+1, indent)
	}
	if s.Else != nil {
		out += "\n" + spaces(depth, indent) + "  ELSE\n" + s.Else.PrettyPrint(depth+1, indent)
	}
	return out
}

func (s *IfStep) stepKind() string { return "If" }

func (s *IfStep) serialize() (map[string]any, error) {
	then, err := subPlanMap(s.Then)
	if err != nil {
		return nil, err
	}
	els, err := subPlanMap(s.Else)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cond": expr.Marshal(s.Cond), "then": then, "else": els}, nil
}

func (s *IfStep) deserialize(m map[string]any) (err error) {
	if s.Cond, err = getExpr(m, "cond"); err != nil {
		return err
	}
	if s.Then, err = subPlanFrom(m, "then"); err != nil {
		return err
	}
	s.Else, err = subPlanFrom(m, "else")
	return err
}

// ForEachStep binds Var to each element of Source and runs Body once per
// element in a child scope. A RETURN inside Body ends the loop.
type ForEachStep struct {
	controlBase
	Var    string
	Source expr.Expression
	Body   Plan
}

func NewForEachStep(variable string, source expr.Expression, body Plan) *ForEachStep {
	return &ForEachStep{Var: variable, Source: source, Body: body}
}

func (s *ForEachStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *ForEachStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.ran {
		s.ran = true
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
		v, err := s.Source.Eval(nil, ctx)
		if err != nil {
			return nil, false, err
		}
		for _, item := range expr.AsList(v) {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}
			child := ctx.Child()
			child.SetVariable(s.Var, item)
			if err := s.runBody(child, s.Body); err != nil {
				return nil, false, err
			}
			if s.ret {
				break
			}
		}
	}
	return s.serve()
}

func (s *ForEachStep) mayReturn() bool { return mayReturn(s.Body) }

func (s *ForEachStep) Reset() { s.resetControl() }

func (s *ForEachStep) CanBeCached() bool { return s.Body.CanBeCached() }

func (s *ForEachStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "FOREACH $%s IN %s", s.Var, s.Source) + "\n" + s.Body.PrettyPrint(depth+1, indent)
}

func (s *ForEachStep) stepKind() string { return "ForEach" }

func (s *ForEachStep) serialize() (map[string]any, error) {
	b, err := subPlanMap(s.Body)
	if err != nil {
		return nil, err
	}
	return map[string]any{"var": s.Var, "source": expr.Marshal(s.Source), "body": b}, nil
}

func (s *ForEachStep) deserialize(m map[string]any) (err error) {
	s.Var = getString(m, "var")
	if s.Source, err = getExpr(m, "source"); err != nil {
		return err
	}
	if s.Body, err = subPlanFrom(m, "body"); err == nil && s.Body == nil {
		err = fmt.Errorf("missing loop body")
	}
	return err
}

// WhileStep runs Body in a child scope as long as Cond holds.
type WhileStep struct {
	controlBase
	Cond expr.Expression
	Body Plan
}

func NewWhileStep(cond expr.Expression, body Plan) *WhileStep {
	return &WhileStep{Cond: cond, Body: body}
}

func (s *WhileStep) Pull(ctx *CommandContext, n int) (ResultSet, error) { return s.pull(s, ctx, n) }

func (s *WhileStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.ran {
		s.ran = true
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
		for !s.ret {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}
			ok, err := expr.Truthy(s.Cond, nil, ctx)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				break
			}
			if err := s.runBody(ctx.Child(), s.Body); err != nil {
				return nil, false, err
			}
		}
	}
	return s.serve()
}

func (s *WhileStep) mayReturn() bool { return mayReturn(s.Body) }

func (s *WhileStep) Reset() { s.resetControl() }

func (s *WhileStep) CanBeCached() bool { return s.Body.CanBeCached() }

func (s *WhileStep) PrettyPrint(depth, indent int) string {
	return s.header(depth, indent, "WHILE %s", s.Cond) + "\n" + s.Body.PrettyPrint(depth+1, indent)
}

func (s *WhileStep) stepKind() string { return "While" }

func (s *WhileStep) serialize() (map[string]any, error) {
	b, err := subPlanMap(s.Body)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cond": expr.Marshal(s.Cond), "body": b}, nil
}

func (s *WhileStep) deserialize(m map[string]any) (err error) {
	if s.Cond, err = getExpr(m, "cond"); err != nil {
		return err
	}
	if s.Body, err = subPlanFrom(m, "body"); err == nil && s.Body == nil {
		err = fmt.Errorf("missing loop body")
	}
	return err
}

// ReturnStep ends a script. It serves the rows of Sub, or the value of Expr:
// records as element rows, maps as projections, anything else as {value}.
type ReturnStep struct {
	controlBase
	Expr expr.Expression
	Sub  Plan
}

func NewReturnStep(e expr.Expression, sub Plan) *ReturnStep {
	return &ReturnStep{Expr: e, Sub: sub}
}

func (s *ReturnStep) Pull(ctx *CommandContext, n int) (ResultSet, error) {
	return s.pull(s, ctx, n)
}

func (s *ReturnStep) produce(ctx *CommandContext, _ int) (*Result, bool, error) {
	if !s.ran {
		s.ran = true
		if err := s.drainPrev(ctx); err != nil {
			return nil, false, err
		}
		var err error
		switch {
		case s.Sub != nil:
			s.rows, err = runSubPlan(ctx.Child(), s.Sub)
		case s.Expr != nil:
			var v any
			if v, err = s.Expr.Eval(nil, ctx); err == nil {
				s.rows, err = toResults(ctx, v)
			}
		}
		if err != nil {
			return nil, false, err
		}
		s.ret = true
	}
	return s.serve()
}

func (s *ReturnStep) mayReturn() bool { return true }

func (s *ReturnStep) Reset() { s.resetControl() }

func (s *ReturnStep) CanBeCached() bool { return s.Sub == nil || s.Sub.CanBeCached() }

func (s *ReturnStep) PrettyPrint(depth, indent int) string {
	switch {
	case s.Sub != nil:
		return s.header(depth, indent, "RETURN") + "\n" + s.Sub.PrettyPrint(depth+1, indent)
	case s.Expr != nil:
		return s.header(depth, indent, "RETURN %s", s.Expr)
	}
	return s.header(depth, indent, "RETURN")
}

func (s *ReturnStep) stepKind() string { return "Return" }

func (s *ReturnStep) serialize() (map[string]any, error) {
	sub, err := subPlanMap(s.Sub)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expr": expr.Marshal(s.Expr), "sub": sub}, nil
}

func (s *ReturnStep) deserialize(m map[string]any) (err error) {
	if s.Expr, err = getExpr(m, "expr"); err != nil {
		return err
	}
	s.Sub, err = subPlanFrom(m, "sub")
	return err
}
