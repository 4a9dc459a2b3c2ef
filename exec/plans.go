package exec

import (
	"fmt"
	"strings"
)

// Plan is the executable form of one statement.
type Plan interface {
	// Execute runs the plan in ctx. Call Reset before executing a plan again.
	Execute(ctx *CommandContext) (ResultSet, error)
	Steps() []Step
	PrettyPrint(depth, indent int) string
	// CanBeCached reports whether every step can be rebuilt from its
	// serialized form.
	CanBeCached() bool
	Reset()
	Close()

	serializePlan() (map[string]any, error)
}

// ---------------------------------------------------------------------------
// SelectPlan
// ---------------------------------------------------------------------------

// SelectPlan streams the output of a linear chain of steps.
type SelectPlan struct {
	steps     []Step
	BatchSize int
}

// NewSelectPlan links steps into a plan.
func NewSelectPlan(steps ...Step) *SelectPlan {
	p := &SelectPlan{BatchSize: DefaultBatchSize}
	for _, s := range steps {
		p.Chain(s)
	}
	return p
}

// Chain appends a step.
func (p *SelectPlan) Chain(s Step) {
	if n := len(p.steps); n > 0 {
		chain(p.steps[n-1], s)
	}
	p.steps = append(p.steps, s)
}

func (p *SelectPlan) Steps() []Step { return p.steps }

// Last returns the final step, or nil for an empty plan.
func (p *SelectPlan) Last() Step {
	if len(p.steps) == 0 {
		return nil
	}
	return p.steps[len(p.steps)-1]
}

func (p *SelectPlan) Execute(ctx *CommandContext) (ResultSet, error) {
	last := p.Last()
	if last == nil {
		return EmptyResultSet{}, nil
	}
	return NewStream(ctx, last, p.BatchSize), nil
}

// Fetch executes the plan and collects every row.
func (p *SelectPlan) Fetch(ctx *CommandContext) ([]*Result, error) {
	last := p.Last()
	if last == nil {
		return nil, nil
	}
	return PullAll(ctx, last, p.BatchSize)
}

func (p *SelectPlan) PrettyPrint(depth, indent int) string {
	return printSteps(p.steps, depth, indent)
}

func (p *SelectPlan) CanBeCached() bool { return stepsCacheable(p.steps) }

func (p *SelectPlan) Reset() {
	for _, s := range p.steps {
		s.Reset()
	}
}

func (p *SelectPlan) Close() {
	if last := p.Last(); last != nil {
		last.Close()
	}
}

func (p *SelectPlan) serializePlan() (map[string]any, error) {
	steps, err := serializeSteps(p.steps)
	if err != nil {
		return nil, err
	}
	return map[string]any{"kind": "select", "steps": steps, "batch": int64(p.BatchSize)}, nil
}

func printSteps(steps []Step, depth, indent int) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = s.PrettyPrint(depth, indent)
	}
	return strings.Join(parts, "\n")
}

func stepsCacheable(steps []Step) bool {
	for _, s := range steps {
		if _, ok := s.(serializable); !ok || !s.CanBeCached() {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// UpdateExecutionPlan
// ---------------------------------------------------------------------------

// UpdateExecutionPlan drains its whole chain before serving the first row,
// so a mutation statement's writes never feed its own driving scan.
type UpdateExecutionPlan struct {
	SelectPlan
	buffer *ListResultSet
}

// NewUpdatePlan links steps into a mutation plan.
func NewUpdatePlan(steps ...Step) *UpdateExecutionPlan {
	return &UpdateExecutionPlan{SelectPlan: *NewSelectPlan(steps...)}
}

func (p *UpdateExecutionPlan) Execute(ctx *CommandContext) (ResultSet, error) {
	if p.buffer == nil {
		rows, err := p.SelectPlan.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		p.buffer = NewListResultSet(rows)
	}
	return p.buffer, nil
}

func (p *UpdateExecutionPlan) Reset() {
	p.SelectPlan.Reset()
	p.buffer = nil
}

func (p *UpdateExecutionPlan) serializePlan() (map[string]any, error) {
	m, err := p.SelectPlan.serializePlan()
	if err != nil {
		return nil, err
	}
	m["kind"] = "update"
	return m, nil
}

// ---------------------------------------------------------------------------
// ScriptExecutionPlan
// ---------------------------------------------------------------------------

// ScriptExecutionPlan runs statements in order. Every statement but the last
// runs to completion for its effects; the last one is streamed. A RETURN
// ends the script early with its rows.
type ScriptExecutionPlan struct {
	plans    []Plan
	returned bool
}

// NewScriptPlan builds a script from statement plans.
func NewScriptPlan(plans ...Plan) *ScriptExecutionPlan {
	return &ScriptExecutionPlan{plans: plans}
}

// Add appends a statement plan.
func (p *ScriptExecutionPlan) Add(plan Plan) { p.plans = append(p.plans, plan) }

// Plans returns the statement plans.
func (p *ScriptExecutionPlan) Plans() []Plan { return p.plans }

// Returned reports whether the last execution ended with a RETURN.
func (p *ScriptExecutionPlan) Returned() bool { return p.returned }

func (p *ScriptExecutionPlan) Execute(ctx *CommandContext) (ResultSet, error) {
	p.returned = false
	for i, plan := range p.plans {
		rs, err := plan.Execute(ctx)
		if err != nil {
			return nil, err
		}
		last := i == len(p.plans)-1
		if last && !mayReturn(plan) {
			return rs, nil
		}
		rows, err := Drain(rs)
		rs.Close()
		if err != nil {
			return nil, err
		}
		if planReturned(plan) {
			p.returned = true
			return NewListResultSet(rows), nil
		}
		if last {
			return NewListResultSet(rows), nil
		}
	}
	return EmptyResultSet{}, nil
}

// Steps returns the steps of every statement in order.
func (p *ScriptExecutionPlan) Steps() []Step {
	var out []Step
	for _, plan := range p.plans {
		out = append(out, plan.Steps()...)
	}
	return out
}

func (p *ScriptExecutionPlan) PrettyPrint(depth, indent int) string {
	parts := make([]string, len(p.plans))
	for i, plan := range p.plans {
		parts[i] = spaces(depth, indent) + fmt.Sprintf("STATEMENT %d", i+1) + "\n" + plan.PrettyPrint(depth+1, indent)
	}
	return strings.Join(parts, "\n")
}

func (p *ScriptExecutionPlan) CanBeCached() bool {
	for _, plan := range p.plans {
		if !plan.CanBeCached() {
			return false
		}
	}
	return true
}

func (p *ScriptExecutionPlan) Reset() {
	p.returned = false
	for _, plan := range p.plans {
		plan.Reset()
	}
}

func (p *ScriptExecutionPlan) Close() {
	for _, plan := range p.plans {
		plan.Close()
	}
}

func (p *ScriptExecutionPlan) serializePlan() (map[string]any, error) {
	plans := make([]any, len(p.plans))
	for i, plan := range p.plans {
		m, err := plan.serializePlan()
		if err != nil {
			return nil, err
		}
		plans[i] = m
	}
	return map[string]any{"kind": "script", "plans": plans}, nil
}

// returner is implemented by steps that can end a script.
type returner interface {
	mayReturn() bool
	returned() bool
}

func mayReturn(p Plan) bool {
	for _, s := range p.Steps() {
		if r, ok := s.(returner); ok && r.mayReturn() {
			return true
		}
	}
	return false
}

func planReturned(p Plan) bool {
	if sp, ok := p.(*ScriptExecutionPlan); ok {
		return sp.returned
	}
	for _, s := range p.Steps() {
		if r, ok := s.(returner); ok && r.returned() {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// SerializePlan encodes a plan with msgpack.
func SerializePlan(p Plan) ([]byte, error) {
	m, err := p.serializePlan()
	if err != nil {
		return nil, err
	}
	return encode(m)
}

// DeserializePlan rebuilds a plan encoded by SerializePlan.
func DeserializePlan(data []byte) (Plan, error) {
	m, err := decode(data)
	if err != nil {
		return nil, err
	}
	return planFromMap(m)
}

// CopyPlan returns a fresh plan with the structure of p and none of its
// execution state.
func CopyPlan(p Plan) (Plan, error) {
	m, err := p.serializePlan()
	if err != nil {
		return nil, err
	}
	return planFromMap(m)
}

func planFromMap(m map[string]any) (Plan, error) {
	switch getString(m, "kind") {
	case "select", "update":
		steps, err := deserializeSteps(m["steps"])
		if err != nil {
			return nil, err
		}
		sp := NewSelectPlan(steps...)
		if b := int(getInt(m, "batch")); b > 0 {
			sp.BatchSize = b
		}
		if getString(m, "kind") == "update" {
			return &UpdateExecutionPlan{SelectPlan: *sp}, nil
		}
		return sp, nil
	case "script":
		script := &ScriptExecutionPlan{}
		for _, sub := range getMaps(m, "plans") {
			plan, err := planFromMap(sub)
			if err != nil {
				return nil, err
			}
			script.Add(plan)
		}
		return script, nil
	}
	return nil, fmt.Errorf("exec: unknown plan kind %q", getString(m, "kind"))
}

// runSubPlan executes a nested plan to completion in ctx.
func runSubPlan(ctx *CommandContext, p Plan) ([]*Result, error) {
	p.Reset()
	rs, err := p.Execute(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return Drain(rs)
}

func subPlanMap(p Plan) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}
	return p.serializePlan()
}

func subPlanFrom(m map[string]any, k string) (Plan, error) {
	sub, ok := m[k].(map[string]any)
	if !ok || sub == nil {
		return nil, nil
	}
	return planFromMap(sub)
}
