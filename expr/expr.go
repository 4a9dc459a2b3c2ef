// Package expr holds pre-built expression and condition trees as produced by
// a statement parser, plus the value semantics they evaluate with:
// comparison, equality, coercion, functions and aggregate accumulators.
package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mstrYoda/graphpipe/storage"
)

var (
	// ErrUnknownFunction is returned for a call to an unregistered function.
	ErrUnknownFunction = errors.New("expr: unknown function")

	// ErrAggregateContext is returned when an aggregate is evaluated as a
	// plain expression, outside an aggregation step.
	ErrAggregateContext = errors.New("expr: aggregate function used outside aggregation")

	// ErrBadArgument is returned for arguments a function cannot use.
	ErrBadArgument = errors.New("expr: bad function argument")
)

// Row is what expressions read properties from.
type Row interface {
	// Property returns a projected value or a property of the backing element.
	Property(name string) (any, bool)
	// Element returns the backing record, or nil for projections.
	Element() storage.Record
	// Metadata returns traversal metadata ($depth, $matchPath, ...).
	Metadata(name string) (any, bool)
}

// Scope resolves variables and statement parameters.
type Scope interface {
	Variable(name string) (any, bool)
	Parameter(name string) (any, bool)
}

// RecordLoader is implemented by scopes that can dereference links while
// navigating a dotted path.
type RecordLoader interface {
	LoadRecord(rid storage.RID) (storage.Record, error)
}

// Expression is a node of an evaluable tree.
type Expression interface {
	Eval(row Row, scope Scope) (any, error)
	String() string
}

// Truthy evaluates a condition. A nil condition is true.
func Truthy(cond Expression, row Row, scope Scope) (bool, error) {
	if cond == nil {
		return true, nil
	}
	v, err := cond.Eval(row, scope)
	if err != nil {
		return false, err
	}
	return ToBool(v), nil
}

// ---------------------------------------------------------------------------
// Leaves
// ---------------------------------------------------------------------------

// Literal is a constant.
type Literal struct {
	Value any
}

// Lit wraps a Go value.
func Lit(v any) *Literal { return &Literal{Value: storage.NormalizeValue(v)} }

func (l *Literal) Eval(Row, Scope) (any, error) { return l.Value, nil }

func (l *Literal) String() string { return formatValue(l.Value) }

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(t)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = formatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		s := strconv.FormatFloat(t, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eIN") {
			s += ".0"
		}
		return s
	case storage.RID:
		return t.String()
	case time.Time:
		return "time(" + strconv.Quote(t.Format(time.RFC3339Nano)) + ")"
	}
	// Values of different types never render alike.
	return fmt.Sprintf("%T(%v)", v, v)
}

// ListLiteral builds a list from its items.
type ListLiteral struct {
	Items []Expression
}

func List(items ...Expression) *ListLiteral { return &ListLiteral{Items: items} }

func (l *ListLiteral) Eval(row Row, scope Scope) (any, error) {
	out := make([]any, len(l.Items))
	for i, it := range l.Items {
		v, err := it.Eval(row, scope)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (l *ListLiteral) String() string {
	parts := make([]string, len(l.Items))
	for i, it := range l.Items {
		parts[i] = it.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Property reads a (possibly dotted) property path from the current row.
// The first segment may be a record attribute: @rid, @type, @this, @out, @in.
type Property struct {
	Path []string
}

// Prop parses "a.b.c".
func Prop(path string) *Property { return &Property{Path: strings.Split(path, ".")} }

// Name is the first path segment.
func (p *Property) Name() string { return p.Path[0] }

// IsSimple reports whether the property has a single segment.
func (p *Property) IsSimple() bool { return len(p.Path) == 1 }

func (p *Property) Eval(row Row, scope Scope) (any, error) {
	if row == nil {
		return nil, nil
	}
	v, _ := rowValue(row, p.Path[0])
	return navigate(v, p.Path[1:], scope)
}

func (p *Property) String() string { return strings.Join(p.Path, ".") }

func rowValue(row Row, name string) (any, bool) {
	el := row.Element()
	if el != nil && strings.HasPrefix(name, "@") {
		if v, ok := attribute(el, name); ok {
			return v, true
		}
	}
	if name == "@this" {
		return row, true
	}
	return row.Property(name)
}

func attribute(rec storage.Record, name string) (any, bool) {
	switch name {
	case "@rid":
		return rec.Identity(), true
	case "@type", "@class":
		return rec.TypeName(), true
	case "@this":
		return rec, true
	case "@out", "@in":
		if e, ok := rec.(*storage.Edge); ok {
			if name == "@out" {
				return e.Out, true
			}
			return e.In, true
		}
	}
	return nil, false
}

// navigate walks the remaining path segments through maps, records, rows and
// lists. Lists are mapped element-wise.
func navigate(v any, path []string, scope Scope) (any, error) {
	for i, seg := range path {
		switch t := v.(type) {
		case nil:
			return nil, nil
		case map[string]any:
			v = t[seg]
		case storage.Props:
			v = t[seg]
		case Row:
			v, _ = rowValue(t, seg)
		case storage.Record:
			if a, ok := attribute(t, seg); ok {
				v = a
			} else {
				v, _ = t.Get(seg)
			}
		case storage.RID:
			loader, ok := scope.(RecordLoader)
			if !ok || !t.IsPersistent() {
				return nil, nil
			}
			rec, err := loader.LoadRecord(t)
			if storage.IsNotFound(err) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return navigate(rec, path[i:], scope)
		case []any:
			out := make([]any, 0, len(t))
			for _, e := range t {
				sub, err := navigate(e, path[i:], scope)
				if err != nil {
					return nil, err
				}
				out = append(out, sub)
			}
			return out, nil
		default:
			return nil, nil
		}
	}
	return v, nil
}

// Variable reads a context variable ($current, $depth, a LET binding...),
// optionally followed by a property path.
type Variable struct {
	Name string
	Path []string
}

// Var parses "$name.a.b" (the "$" is optional).
func Var(path string) *Variable {
	parts := strings.Split(path, ".")
	return &Variable{Name: strings.TrimPrefix(parts[0], "$"), Path: parts[1:]}
}

func (v *Variable) Eval(row Row, scope Scope) (any, error) {
	var val any
	var ok bool
	if row != nil {
		val, ok = row.Metadata(v.Name)
	}
	if !ok && scope != nil {
		val, _ = scope.Variable(v.Name)
	}
	return navigate(val, v.Path, scope)
}

func (v *Variable) String() string {
	if len(v.Path) == 0 {
		return "$" + v.Name
	}
	return "$" + v.Name + "." + strings.Join(v.Path, ".")
}

// Parameter is a statement input parameter, named (:name) or positional
// (?, numbered from 0).
type Parameter struct {
	Name string
}

func Param(name string) *Parameter { return &Parameter{Name: name} }

func (p *Parameter) Eval(_ Row, scope Scope) (any, error) {
	if scope == nil {
		return nil, nil
	}
	v, ok := scope.Parameter(p.Name)
	if !ok {
		return nil, fmt.Errorf("expr: parameter %q not bound", p.Name)
	}
	return storage.NormalizeValue(v), nil
}

func (p *Parameter) String() string {
	if _, err := strconv.Atoi(p.Name); err == nil {
		return "?"
	}
	return ":" + p.Name
}

// IsConstant reports whether e evaluates without reading the row. Variables
// count as non-constant because traversal steps rebind them between rows.
func IsConstant(e Expression) bool {
	switch t := e.(type) {
	case *Literal, *Parameter:
		return true
	case *ListLiteral:
		for _, it := range t.Items {
			if !IsConstant(it) {
				return false
			}
		}
		return true
	case *Binary:
		return IsConstant(t.Left) && IsConstant(t.Right)
	case *Call:
		if t.IsAggregate() {
			return false
		}
		for _, a := range t.Args {
			if !IsConstant(a) {
				return false
			}
		}
		return true
	}
	return false
}
