package exec

import (
	"fmt"
	"strings"
	"time"

	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

// Statement is a pre-built statement tree, the output of a parser. String
// renders a canonical form used as the plan cache key; two statements with
// the same String plan identically.
type Statement interface {
	String() string
	createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error)
}

// ---------------------------------------------------------------------------
// Shared clauses
// ---------------------------------------------------------------------------

// Target is the FROM clause. Exactly one of its fields is set; a zero
// Target selects no record (SELECT without FROM).
type Target struct {
	Type     string
	Exact    bool // no subtypes
	Buckets  []string
	RIDs     []storage.RID
	Variable string
	Query    Statement
}

func (t Target) IsEmpty() bool {
	return t.Type == "" && len(t.Buckets) == 0 && len(t.RIDs) == 0 && t.Variable == "" && t.Query == nil
}

func (t Target) String() string {
	switch {
	case t.Type != "" && t.Exact:
		return "ONLY " + t.Type
	case t.Type != "":
		return t.Type
	case len(t.Buckets) > 0:
		return "bucket:[" + strings.Join(t.Buckets, ",") + "]"
	case len(t.RIDs) > 0:
		parts := make([]string, len(t.RIDs))
		for i, r := range t.RIDs {
			parts[i] = r.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case t.Variable != "":
		return "$" + t.Variable
	case t.Query != nil:
		return "(" + t.Query.String() + ")"
	}
	return ""
}

// LetItem binds Name to the value of Expr or to the rows of Query.
type LetItem struct {
	Name  string
	Expr  expr.Expression
	Query Statement
}

func (l LetItem) String() string {
	if l.Query != nil {
		return "$" + l.Name + " = (" + l.Query.String() + ")"
	}
	return "$" + l.Name + " = " + l.Expr.String()
}

// Timeout is the TIMEOUT clause.
type Timeout struct {
	Duration time.Duration
	Strategy TimeoutStrategy
}

func (t *Timeout) String() string {
	if t == nil {
		return ""
	}
	return fmt.Sprintf(" TIMEOUT %d %s", t.Duration.Milliseconds(), t.Strategy)
}

func lets(items []LetItem) string {
	if len(items) == 0 {
		return ""
	}
	parts := make([]string, len(items))
	for i, l := range items {
		parts[i] = l.String()
	}
	return " LET " + strings.Join(parts, ", ")
}

func orderString(items []OrderItem) string {
	if len(items) == 0 {
		return ""
	}
	parts := make([]string, len(items))
	for i, o := range items {
		parts[i] = o.String()
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

func clause(kw string, e expr.Expression) string {
	if e == nil {
		return ""
	}
	return " " + kw + " " + e.String()
}

// ---------------------------------------------------------------------------
// SELECT
// ---------------------------------------------------------------------------

// SelectStatement is SELECT [DISTINCT] projection FROM target LET ... WHERE
// ... GROUP BY ... ORDER BY ... UNWIND ... SKIP ... LIMIT ... TIMEOUT.
type SelectStatement struct {
	Projection []ProjectionItem
	// Expand replaces each source row by the records the expression yields
	// (EXPAND(...) in place of a projection). ORDER BY, DISTINCT, SKIP and
	// LIMIT then apply to the expanded rows.
	Expand     expr.Expression
	Distinct   bool
	Target     Target
	Let        []LetItem
	Where      expr.Expression
	GroupBy    []expr.Expression
	OrderBy    []OrderItem
	Unwind     []string
	Skip       expr.Expression
	Limit      expr.Expression
	Timeout    *Timeout
}

func (s *SelectStatement) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	if s.Expand != nil {
		b.WriteString("EXPAND(" + s.Expand.String() + ")")
	} else {
		b.WriteString(itemsString(s.Projection))
	}
	if !s.Target.IsEmpty() {
		b.WriteString(" FROM " + s.Target.String())
	}
	b.WriteString(lets(s.Let))
	b.WriteString(clause("WHERE", s.Where))
	if len(s.GroupBy) > 0 {
		b.WriteString(" GROUP BY " + exprsString(s.GroupBy))
	}
	b.WriteString(orderString(s.OrderBy))
	if len(s.Unwind) > 0 {
		b.WriteString(" UNWIND " + strings.Join(s.Unwind, ", "))
	}
	b.WriteString(clause("SKIP", s.Skip))
	b.WriteString(clause("LIMIT", s.Limit))
	b.WriteString(s.Timeout.String())
	return b.String()
}

// ---------------------------------------------------------------------------
// MATCH
// ---------------------------------------------------------------------------

// MatchNode is one {alias, type, bucket, rid, where, optional} block.
type MatchNode struct {
	Alias    string
	Type     string
	Bucket   string
	RID      *storage.RID
	Where    expr.Expression
	Optional bool
}

func (n MatchNode) filter() *NodeFilter {
	return &NodeFilter{Type: n.Type, Bucket: n.Bucket, RID: n.RID, Where: n.Where}
}

func (n MatchNode) String() string {
	parts := []string{"as: " + n.Alias}
	if n.Type != "" {
		parts = append(parts, "type: "+n.Type)
	}
	if n.Bucket != "" {
		parts = append(parts, "bucket: "+n.Bucket)
	}
	if n.RID != nil {
		parts = append(parts, "rid: "+n.RID.String())
	}
	if n.Where != nil {
		parts = append(parts, "where: ("+n.Where.String()+")")
	}
	if n.Optional {
		parts = append(parts, "optional: true")
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// MatchHop is one path item followed by the node it reaches.
type MatchHop struct {
	Item PathItem
	Node MatchNode
}

// MatchChain is a path expression: a start node and the hops from it.
type MatchChain struct {
	Start MatchNode
	Hops  []MatchHop
}

func (c MatchChain) String() string {
	var b strings.Builder
	b.WriteString(c.Start.String())
	for _, h := range c.Hops {
		b.WriteString(h.Item.String())
		b.WriteString(h.Node.String())
	}
	return b.String()
}

// ReturnMode selects what a MATCH returns.
type ReturnMode uint8

const (
	ReturnProjection   ReturnMode = iota // the RETURN items
	ReturnPatterns                       // $patterns: named aliases
	ReturnPaths                          // $paths: every alias
	ReturnElements                       // $elements: one row per named element
	ReturnPathElements                   // $pathElements: one row per element
)

func (m ReturnMode) String() string {
	switch m {
	case ReturnPatterns:
		return "$patterns"
	case ReturnPaths:
		return "$paths"
	case ReturnElements:
		return "$elements"
	case ReturnPathElements:
		return "$pathElements"
	}
	return ""
}

// MatchStatement is MATCH chain, ..., NOT chain RETURN ....
type MatchStatement struct {
	Chains   []MatchChain
	Not      []MatchChain
	Mode     ReturnMode
	Return   []ProjectionItem
	Distinct bool
	GroupBy  []expr.Expression
	OrderBy  []OrderItem
	Unwind   []string
	Skip     expr.Expression
	Limit    expr.Expression
}

func (s *MatchStatement) String() string {
	var b strings.Builder
	b.WriteString("MATCH ")
	parts := make([]string, 0, len(s.Chains)+len(s.Not))
	for _, c := range s.Chains {
		parts = append(parts, c.String())
	}
	for _, c := range s.Not {
		parts = append(parts, "NOT "+c.String())
	}
	b.WriteString(strings.Join(parts, ", "))
	b.WriteString(" RETURN ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	if s.Mode != ReturnProjection {
		b.WriteString(s.Mode.String())
	} else {
		b.WriteString(itemsString(s.Return))
	}
	if len(s.GroupBy) > 0 {
		b.WriteString(" GROUP BY " + exprsString(s.GroupBy))
	}
	b.WriteString(orderString(s.OrderBy))
	if len(s.Unwind) > 0 {
		b.WriteString(" UNWIND " + strings.Join(s.Unwind, ", "))
	}
	b.WriteString(clause("SKIP", s.Skip))
	b.WriteString(clause("LIMIT", s.Limit))
	return b.String()
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// InsertStatement is INSERT INTO type [BUCKET b] (columns) VALUES (...), ...
// or INSERT INTO type SET ....
type InsertStatement struct {
	Type    string
	Bucket  string
	Columns []string
	Values  [][]expr.Expression
	Set     []Assignment
	Return  []ProjectionItem
}

func (s *InsertStatement) String() string {
	var b strings.Builder
	b.WriteString("INSERT INTO " + s.Type)
	if s.Bucket != "" {
		b.WriteString(" BUCKET " + s.Bucket)
	}
	if len(s.Columns) > 0 {
		b.WriteString(" (" + strings.Join(s.Columns, ", ") + ") VALUES ")
		rows := make([]string, len(s.Values))
		for i, r := range s.Values {
			rows[i] = "(" + exprsString(r) + ")"
		}
		b.WriteString(strings.Join(rows, ", "))
	}
	if len(s.Set) > 0 {
		b.WriteString(" SET " + assignmentsString(s.Set))
	}
	if len(s.Return) > 0 {
		b.WriteString(" RETURN " + itemsString(s.Return))
	}
	return b.String()
}

// UpdateStatement is UPDATE target SET ... REMOVE ... WHERE ... LIMIT ....
// It returns {count} unless ReturnAfter is set, in which case it returns the
// updated records.
type UpdateStatement struct {
	Target      Target
	Set         []Assignment
	Remove      []string
	Where       expr.Expression
	Limit       expr.Expression
	ReturnAfter bool
	BatchSize   int
	Timeout     *Timeout
}

func (s *UpdateStatement) String() string {
	var b strings.Builder
	b.WriteString("UPDATE " + s.Target.String())
	if len(s.Set) > 0 {
		b.WriteString(" SET " + assignmentsString(s.Set))
	}
	if len(s.Remove) > 0 {
		b.WriteString(" REMOVE " + strings.Join(s.Remove, ", "))
	}
	if s.ReturnAfter {
		b.WriteString(" RETURN AFTER")
	}
	b.WriteString(clause("WHERE", s.Where))
	b.WriteString(clause("LIMIT", s.Limit))
	if s.BatchSize > 0 {
		fmt.Fprintf(&b, " BATCH %d", s.BatchSize)
	}
	b.WriteString(s.Timeout.String())
	return b.String()
}

// DeleteStatement is DELETE [VERTEX|EDGE] FROM target WHERE ... LIMIT ....
// Kind, when not KindDocument, requires every deleted record to be of that
// kind.
type DeleteStatement struct {
	Kind         storage.Kind
	Target       Target
	Where        expr.Expression
	Limit        expr.Expression
	BatchSize    int
	ReturnBefore bool
}

func (s *DeleteStatement) String() string {
	var b strings.Builder
	b.WriteString("DELETE ")
	switch s.Kind {
	case storage.KindVertex:
		b.WriteString("VERTEX ")
	case storage.KindEdge:
		b.WriteString("EDGE ")
	}
	b.WriteString("FROM " + s.Target.String())
	if s.ReturnBefore {
		b.WriteString(" RETURN BEFORE")
	}
	b.WriteString(clause("WHERE", s.Where))
	b.WriteString(clause("LIMIT", s.Limit))
	if s.BatchSize > 0 {
		fmt.Fprintf(&b, " BATCH %d", s.BatchSize)
	}
	return b.String()
}

// CreateEdgeStatement is CREATE EDGE type FROM expr TO expr SET ....
type CreateEdgeStatement struct {
	Type        string
	From        expr.Expression
	To          expr.Expression
	Set         []Assignment
	Lightweight bool
	BatchSize   int
}

func (s *CreateEdgeStatement) String() string {
	out := "CREATE EDGE " + s.Type + " FROM " + s.From.String() + " TO " + s.To.String()
	if len(s.Set) > 0 {
		out += " SET " + assignmentsString(s.Set)
	}
	if s.Lightweight {
		out += " LIGHTWEIGHT"
	}
	if s.BatchSize > 0 {
		out += fmt.Sprintf(" BATCH %d", s.BatchSize)
	}
	return out
}

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

// Script is a sequence of statements run in one context.
type Script struct {
	Statements []Statement
}

func (s *Script) String() string { return joinStatements(s.Statements) }

func joinStatements(list []Statement) string {
	parts := make([]string, len(list))
	for i, st := range list {
		parts[i] = st.String()
	}
	return strings.Join(parts, "; ")
}

// LetStatement binds a script variable.
type LetStatement struct {
	Name  string
	Expr  expr.Expression
	Query Statement
}

func (s *LetStatement) String() string {
	return "LET " + LetItem{Name: s.Name, Expr: s.Expr, Query: s.Query}.String()
}

// IfStatement runs Then or Else.
type IfStatement struct {
	Cond expr.Expression
	Then []Statement
	Else []Statement
}

func (s *IfStatement) String() string {
	out := "IF (" + s.Cond.String() + ") {" + joinStatements(s.Then) + "}"
	if len(s.Else) > 0 {
		out += " ELSE {" + joinStatements(s.Else) + "}"
	}
	return out
}

// ForEachStatement runs Body once per element of Source, with Var bound.
type ForEachStatement struct {
	Var    string
	Source expr.Expression
	Body   []Statement
}

func (s *ForEachStatement) String() string {
	return "FOREACH ($" + s.Var + " IN " + s.Source.String() + ") {" + joinStatements(s.Body) + "}"
}

// WhileStatement runs Body while Cond holds.
type WhileStatement struct {
	Cond expr.Expression
	Body []Statement
}

func (s *WhileStatement) String() string {
	return "WHILE (" + s.Cond.String() + ") {" + joinStatements(s.Body) + "}"
}

// ReturnStatement ends a script with a value or with the rows of Query.
type ReturnStatement struct {
	Expr  expr.Expression
	Query Statement
}

func (s *ReturnStatement) String() string {
	switch {
	case s.Query != nil:
		return "RETURN (" + s.Query.String() + ")"
	case s.Expr != nil:
		return "RETURN " + s.Expr.String()
	}
	return "RETURN"
}
