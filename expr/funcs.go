package expr

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Function is a scalar function over evaluated arguments.
type Function func(args []any) (any, error)

// AggregationContext accumulates one aggregate for one group.
type AggregationContext interface {
	Apply(row Row, scope Scope) error
	FinalValue() any
}

var (
	funcMu    sync.RWMutex
	functions = map[string]Function{
		"abs":      mathFn(math.Abs),
		"ceil":     mathFn(math.Ceil),
		"floor":    mathFn(math.Floor),
		"round":    mathFn(math.Round),
		"sqrt":     mathFn(math.Sqrt),
		"lower":    stringFn(strings.ToLower),
		"upper":    stringFn(strings.ToUpper),
		"trim":     stringFn(strings.TrimSpace),
		"size":     fnSize,
		"length":   fnSize,
		"coalesce": fnCoalesce,
		"ifnull":   fnCoalesce,
		"concat":   fnConcat,
		"string":   fnString,
		"first":    fnFirst,
		"last":     fnLast,
		"min":      fnScalarMinMax(-1),
		"max":      fnScalarMinMax(1),
	}
	aggregates = map[string]func(arg Expression) AggregationContext{
		"count":   func(arg Expression) AggregationContext { return &countAgg{arg: arg} },
		"sum":     func(arg Expression) AggregationContext { return &sumAgg{arg: arg} },
		"min":     func(arg Expression) AggregationContext { return &extremeAgg{arg: arg, sign: -1} },
		"max":     func(arg Expression) AggregationContext { return &extremeAgg{arg: arg, sign: 1} },
		"avg":     func(arg Expression) AggregationContext { return &avgAgg{arg: arg} },
		"list":    func(arg Expression) AggregationContext { return &listAgg{arg: arg} },
		"collect": func(arg Expression) AggregationContext { return &listAgg{arg: arg} },
	}
)

// RegisterFunction adds or replaces a scalar function.
func RegisterFunction(name string, fn Function) {
	funcMu.Lock()
	defer funcMu.Unlock()
	functions[strings.ToLower(name)] = fn
}

func lookupFunction(name string) (Function, bool) {
	funcMu.RLock()
	defer funcMu.RUnlock()
	fn, ok := functions[name]
	return fn, ok
}

// Call is a function invocation. count(), sum(x), min(x), max(x), avg(x),
// list(x) with at most one argument are aggregates; min/max with several
// arguments are scalar.
type Call struct {
	Name string
	Args []Expression
}

// Fn builds a call; the name is case-insensitive.
func Fn(name string, args ...Expression) *Call {
	return &Call{Name: strings.ToLower(name), Args: args}
}

// IsAggregate reports whether the call accumulates across rows.
func (c *Call) IsAggregate() bool {
	if _, ok := aggregates[c.Name]; !ok {
		return false
	}
	return len(c.Args) <= 1
}

// NewAggregationContext returns a fresh accumulator for an aggregate call.
func (c *Call) NewAggregationContext() (AggregationContext, error) {
	mk, ok := aggregates[c.Name]
	if !ok || !c.IsAggregate() {
		return nil, fmt.Errorf("%w: %s is not an aggregate", ErrUnknownFunction, c.Name)
	}
	var arg Expression
	if len(c.Args) == 1 {
		arg = c.Args[0]
	}
	return mk(arg), nil
}

func (c *Call) Eval(row Row, scope Scope) (any, error) {
	if c.IsAggregate() {
		return nil, fmt.Errorf("%w: %s", ErrAggregateContext, c)
	}
	fn, ok := lookupFunction(c.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, c.Name)
	}
	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		v, err := a.Eval(row, scope)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(args)
}

func (c *Call) String() string {
	if len(c.Args) == 0 && c.Name == "count" {
		return "count(*)"
	}
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = a.String()
	}
	return c.Name + "(" + strings.Join(parts, ", ") + ")"
}

// ContainsAggregate reports whether e has an aggregate call anywhere inside.
func ContainsAggregate(e Expression) bool {
	found := false
	Walk(e, func(n Expression) bool {
		if c, ok := n.(*Call); ok && c.IsAggregate() {
			found = true
		}
		return !found
	})
	return found
}

// ---------------------------------------------------------------------------
// Scalar functions
// ---------------------------------------------------------------------------

func arity(name string, args []any, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: %s takes %d argument(s), got %d", ErrBadArgument, name, n, len(args))
	}
	return nil
}

func mathFn(f func(float64) float64) Function {
	return func(args []any) (any, error) {
		if err := arity("math", args, 1); err != nil {
			return nil, err
		}
		if args[0] == nil {
			return nil, nil
		}
		if i, ok := toExactInt(args[0]); ok {
			r := f(float64(i))
			if r == math.Trunc(r) && math.Abs(r) < 1<<53 {
				return int64(r), nil
			}
			return r, nil
		}
		x, ok := ToFloat64(args[0])
		if !ok {
			return nil, fmt.Errorf("%w: %v is not a number", ErrBadArgument, args[0])
		}
		return f(x), nil
	}
}

func stringFn(f func(string) string) Function {
	return func(args []any) (any, error) {
		if err := arity("string", args, 1); err != nil {
			return nil, err
		}
		if args[0] == nil {
			return nil, nil
		}
		return f(fmt.Sprint(args[0])), nil
	}
}

func fnSize(args []any) (any, error) {
	if err := arity("size", args, 1); err != nil {
		return nil, err
	}
	switch t := args[0].(type) {
	case nil:
		return int64(0), nil
	case string:
		return int64(len([]rune(t))), nil
	case []any:
		return int64(len(t)), nil
	case map[string]any:
		return int64(len(t)), nil
	}
	return int64(1), nil
}

func fnCoalesce(args []any) (any, error) {
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func fnConcat(args []any) (any, error) {
	var sb strings.Builder
	for _, a := range args {
		if a != nil {
			sb.WriteString(fmt.Sprint(a))
		}
	}
	return sb.String(), nil
}

func fnString(args []any) (any, error) {
	if err := arity("string", args, 1); err != nil {
		return nil, err
	}
	if args[0] == nil {
		return nil, nil
	}
	return fmt.Sprint(args[0]), nil
}

func fnFirst(args []any) (any, error) {
	if err := arity("first", args, 1); err != nil {
		return nil, err
	}
	if l := asList(args[0]); len(l) > 0 {
		return l[0], nil
	}
	return nil, nil
}

func fnLast(args []any) (any, error) {
	if err := arity("last", args, 1); err != nil {
		return nil, err
	}
	if l := asList(args[0]); len(l) > 0 {
		return l[len(l)-1], nil
	}
	return nil, nil
}

func fnScalarMinMax(sign int) Function {
	return func(args []any) (any, error) {
		var best any
		for _, a := range args {
			if a == nil {
				continue
			}
			if best == nil {
				best = a
				continue
			}
			if c, _ := Compare(a, best); c*sign > 0 {
				best = a
			}
		}
		return best, nil
	}
}

// ---------------------------------------------------------------------------
// Aggregates
// ---------------------------------------------------------------------------

func evalArg(arg Expression, row Row, scope Scope) (any, error) {
	if arg == nil {
		return nil, nil
	}
	return arg.Eval(row, scope)
}

// countAgg counts rows (no argument) or non-null values.
type countAgg struct {
	arg Expression
	n   int64
}

func (a *countAgg) Apply(row Row, scope Scope) error {
	if a.arg == nil {
		a.n++
		return nil
	}
	v, err := a.arg.Eval(row, scope)
	if err != nil {
		return err
	}
	if v != nil {
		a.n++
	}
	return nil
}

func (a *countAgg) FinalValue() any { return a.n }

// sumAgg stays integral while every input is an integer.
type sumAgg struct {
	arg     Expression
	isum    int64
	fsum    float64
	isFloat bool
	seen    bool
}

func (a *sumAgg) Apply(row Row, scope Scope) error {
	v, err := evalArg(a.arg, row, scope)
	if err != nil || v == nil {
		return err
	}
	if i, ok := toExactInt(v); ok && !a.isFloat {
		a.isum += i
		a.seen = true
		return nil
	}
	f, ok := ToFloat64(v)
	if !ok {
		return fmt.Errorf("%w: sum of non-number %v", ErrBadArgument, v)
	}
	if !a.isFloat {
		a.isFloat = true
		a.fsum = float64(a.isum)
	}
	a.fsum += f
	a.seen = true
	return nil
}

func (a *sumAgg) FinalValue() any {
	switch {
	case !a.seen:
		return nil
	case a.isFloat:
		return a.fsum
	}
	return a.isum
}

type extremeAgg struct {
	arg  Expression
	sign int
	best any
}

func (a *extremeAgg) Apply(row Row, scope Scope) error {
	v, err := evalArg(a.arg, row, scope)
	if err != nil || v == nil {
		return err
	}
	if a.best == nil {
		a.best = v
		return nil
	}
	if c, _ := Compare(v, a.best); c*a.sign > 0 {
		a.best = v
	}
	return nil
}

func (a *extremeAgg) FinalValue() any { return a.best }

type avgAgg struct {
	arg Expression
	sum float64
	n   int64
}

func (a *avgAgg) Apply(row Row, scope Scope) error {
	v, err := evalArg(a.arg, row, scope)
	if err != nil || v == nil {
		return err
	}
	f, ok := ToFloat64(v)
	if !ok {
		return fmt.Errorf("%w: avg of non-number %v", ErrBadArgument, v)
	}
	a.sum += f
	a.n++
	return nil
}

func (a *avgAgg) FinalValue() any {
	if a.n == 0 {
		return nil
	}
	return a.sum / float64(a.n)
}

type listAgg struct {
	arg   Expression
	items []any
}

func (a *listAgg) Apply(row Row, scope Scope) error {
	v, err := evalArg(a.arg, row, scope)
	if err != nil {
		return err
	}
	if v != nil {
		a.items = append(a.items, v)
	}
	return nil
}

func (a *listAgg) FinalValue() any {
	if a.items == nil {
		return []any{}
	}
	return a.items
}
