package expr

import (
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

// Binary is an arithmetic operation: + - * / %. "+" also concatenates
// strings and lists.
type Binary struct {
	Op          string
	Left, Right Expression
}

func (b *Binary) Eval(row Row, scope Scope) (any, error) {
	l, err := b.Left.Eval(row, scope)
	if err != nil {
		return nil, err
	}
	r, err := b.Right.Eval(row, scope)
	if err != nil {
		return nil, err
	}
	return Arith(b.Op, l, r)
}

func (b *Binary) String() string {
	return "(" + b.Left.String() + " " + b.Op + " " + b.Right.String() + ")"
}

// Arith applies an arithmetic operator. nil operands yield nil.
func Arith(op string, l, r any) (any, error) {
	if l == nil || r == nil {
		return nil, nil
	}
	if op == "+" {
		if ls, ok := l.(string); ok {
			return ls + fmt.Sprint(r), nil
		}
		if rs, ok := r.(string); ok {
			return fmt.Sprint(l) + rs, nil
		}
		if ll, ok := l.([]any); ok {
			if rl, ok := r.([]any); ok {
				return append(append([]any{}, ll...), rl...), nil
			}
			return append(append([]any{}, ll...), r), nil
		}
	}
	li, lInt := toExactInt(l)
	ri, rInt := toExactInt(r)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, fmt.Errorf("expr: division by zero")
			}
			if li%ri == 0 {
				return li / ri, nil
			}
			return float64(li) / float64(ri), nil
		case "%":
			if ri == 0 {
				return nil, fmt.Errorf("expr: division by zero")
			}
			return li % ri, nil
		}
	}
	lf, lok := ToFloat64(l)
	rf, rok := ToFloat64(r)
	if !lok || !rok {
		return nil, fmt.Errorf("expr: cannot apply %s to %T and %T", op, l, r)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("expr: division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("expr: division by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("expr: unknown operator %q", op)
}

func toExactInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// CompareOp is a comparison operator.
type CompareOp string

const (
	OpEq   CompareOp = "="
	OpNe   CompareOp = "<>"
	OpLt   CompareOp = "<"
	OpLe   CompareOp = "<="
	OpGt   CompareOp = ">"
	OpGe   CompareOp = ">="
	OpLike CompareOp = "LIKE"
)

// Semantics tags how an operator can drive an index.
type Semantics int

const (
	SemanticsOther Semantics = iota
	SemanticsEquality
	SemanticsRange
)

// Semantics returns whether the operator is an equality, a range bound or
// neither.
func (op CompareOp) Semantics() Semantics {
	switch op {
	case OpEq:
		return SemanticsEquality
	case OpLt, OpLe, OpGt, OpGe:
		return SemanticsRange
	}
	return SemanticsOther
}

// Inclusive reports whether a range operator includes its bound.
func (op CompareOp) Inclusive() bool {
	return op == OpLe || op == OpGe || op == OpEq
}

// IsLower reports whether the operator bounds from below (>, >=).
func (op CompareOp) IsLower() bool { return op == OpGt || op == OpGe }

// IsUpper reports whether the operator bounds from above (<, <=).
func (op CompareOp) IsUpper() bool { return op == OpLt || op == OpLe }

// Flip returns the operator with its operands swapped (5 < a  ==  a > 5).
func (op CompareOp) Flip() CompareOp {
	switch op {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	}
	return op
}

// Comparison is a binary comparison condition.
type Comparison struct {
	Op          CompareOp
	Left, Right Expression
}

// Cmp builds a comparison.
func Cmp(left Expression, op CompareOp, right Expression) *Comparison {
	return &Comparison{Op: op, Left: left, Right: right}
}

func (c *Comparison) Eval(row Row, scope Scope) (any, error) {
	l, err := c.Left.Eval(row, scope)
	if err != nil {
		return nil, err
	}
	r, err := c.Right.Eval(row, scope)
	if err != nil {
		return nil, err
	}
	return CompareWith(c.Op, l, r), nil
}

// CompareWith applies op to two values. Comparisons against nil are false
// except nil = nil.
func CompareWith(op CompareOp, l, r any) bool {
	switch op {
	case OpEq:
		return Equal(l, r)
	case OpNe:
		return !Equal(l, r)
	case OpLike:
		ls, lok := l.(string)
		rs, rok := r.(string)
		return lok && rok && Like(ls, rs)
	}
	if l == nil || r == nil {
		return false
	}
	c, ok := Compare(l, r)
	if !ok {
		return false
	}
	switch op {
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

func (c *Comparison) String() string {
	return c.Left.String() + " " + string(c.Op) + " " + c.Right.String()
}

// ---------------------------------------------------------------------------
// Boolean connectives
// ---------------------------------------------------------------------------

// And is a conjunction. It short-circuits on the first false term.
type And struct {
	Terms []Expression
}

func AllOf(terms ...Expression) *And { return &And{Terms: terms} }

func (a *And) Eval(row Row, scope Scope) (any, error) {
	for _, t := range a.Terms {
		ok, err := Truthy(t, row, scope)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (a *And) String() string { return joinTerms(a.Terms, " AND ") }

// Or is a disjunction. It short-circuits on the first true term.
type Or struct {
	Terms []Expression
}

func AnyOf(terms ...Expression) *Or { return &Or{Terms: terms} }

func (o *Or) Eval(row Row, scope Scope) (any, error) {
	for _, t := range o.Terms {
		ok, err := Truthy(t, row, scope)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (o *Or) String() string { return joinTerms(o.Terms, " OR ") }

func joinTerms(terms []Expression, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Not negates a condition.
type Not struct {
	Expr Expression
}

func (n *Not) Eval(row Row, scope Scope) (any, error) {
	ok, err := Truthy(n.Expr, row, scope)
	return !ok, err
}

func (n *Not) String() string { return "NOT " + n.Expr.String() }

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// In is "left IN right", where right evaluates to a list (a ListLiteral or a
// list-valued parameter).
type In struct {
	Left  Expression
	Right Expression
}

func (in *In) Eval(row Row, scope Scope) (any, error) {
	l, err := in.Left.Eval(row, scope)
	if err != nil {
		return nil, err
	}
	r, err := in.Right.Eval(row, scope)
	if err != nil {
		return nil, err
	}
	for _, v := range asList(r) {
		if Equal(l, v) {
			return true, nil
		}
	}
	return false, nil
}

func (in *In) String() string { return in.Left.String() + " IN " + in.Right.String() }

// ContainsAny is "left CONTAINSANY right": true if the list left (or the
// scalar left) shares at least one element with the list right.
type ContainsAny struct {
	Left  Expression
	Right Expression
}

func (c *ContainsAny) Eval(row Row, scope Scope) (any, error) {
	l, err := c.Left.Eval(row, scope)
	if err != nil {
		return nil, err
	}
	r, err := c.Right.Eval(row, scope)
	if err != nil {
		return nil, err
	}
	for _, lv := range asList(l) {
		for _, rv := range asList(r) {
			if Equal(lv, rv) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *ContainsAny) String() string {
	return c.Left.String() + " CONTAINSANY " + c.Right.String()
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	}
	return []any{v}
}

// AsList exposes list coercion for index key expansion.
func AsList(v any) []any { return asList(v) }

// IsNull is "expr IS NULL" (or IS NOT NULL with Negate).
type IsNull struct {
	Expr   Expression
	Negate bool
}

func (n *IsNull) Eval(row Row, scope Scope) (any, error) {
	v, err := n.Expr.Eval(row, scope)
	if err != nil {
		return nil, err
	}
	return (v == nil) != n.Negate, nil
}

func (n *IsNull) String() string {
	if n.Negate {
		return n.Expr.String() + " IS NOT NULL"
	}
	return n.Expr.String() + " IS NULL"
}
