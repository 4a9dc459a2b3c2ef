package expr

// Children returns the direct sub-expressions of e.
func Children(e Expression) []Expression {
	switch t := e.(type) {
	case *ListLiteral:
		return t.Items
	case *Binary:
		return []Expression{t.Left, t.Right}
	case *Comparison:
		return []Expression{t.Left, t.Right}
	case *And:
		return t.Terms
	case *Or:
		return t.Terms
	case *Not:
		return []Expression{t.Expr}
	case *In:
		return []Expression{t.Left, t.Right}
	case *ContainsAny:
		return []Expression{t.Left, t.Right}
	case *IsNull:
		return []Expression{t.Expr}
	case *Call:
		return t.Args
	}
	return nil
}

// Walk visits e and its descendants depth-first until fn returns false.
func Walk(e Expression, fn func(Expression) bool) bool {
	if e == nil {
		return true
	}
	if !fn(e) {
		return false
	}
	for _, c := range Children(e) {
		if !Walk(c, fn) {
			return false
		}
	}
	return true
}

// References reports whether e reads property name of the current row.
func References(e Expression, name string) bool {
	found := false
	Walk(e, func(n Expression) bool {
		if p, ok := n.(*Property); ok && p.Name() == name {
			found = true
		}
		return !found
	})
	return found
}

// maxFlattenBlocks caps the DNF expansion; larger conditions stay whole.
const maxFlattenBlocks = 16

// Flatten rewrites a condition into OR-of-AND form: each returned block is a
// list of terms that must all hold, and the condition holds if any block
// does. Conditions whose expansion would exceed maxFlattenBlocks come back
// as a single block holding the original condition.
func Flatten(cond Expression) [][]Expression {
	if cond == nil {
		return nil
	}
	blocks := flatten(cond)
	if blocks == nil {
		return [][]Expression{{cond}}
	}
	return blocks
}

func flatten(e Expression) [][]Expression {
	switch t := e.(type) {
	case *And:
		out := [][]Expression{{}}
		for _, term := range t.Terms {
			sub := flatten(term)
			if sub == nil {
				return nil
			}
			next := make([][]Expression, 0, len(out)*len(sub))
			for _, a := range out {
				for _, b := range sub {
					block := append(append(make([]Expression, 0, len(a)+len(b)), a...), b...)
					next = append(next, block)
				}
			}
			if len(next) > maxFlattenBlocks {
				return nil
			}
			out = next
		}
		return out
	case *Or:
		var out [][]Expression
		for _, term := range t.Terms {
			sub := flatten(term)
			if sub == nil {
				return nil
			}
			out = append(out, sub...)
			if len(out) > maxFlattenBlocks {
				return nil
			}
		}
		return out
	}
	return [][]Expression{{e}}
}

// Conjunction joins terms with AND, returning nil for no terms and the term
// itself for one.
func Conjunction(terms []Expression) Expression {
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	}
	return &And{Terms: terms}
}
