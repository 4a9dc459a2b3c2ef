package expr

import (
	"fmt"

	"github.com/mstrYoda/graphpipe/storage"
)

// Marshal converts an expression tree into plain maps, lists and scalars that
// any encoder (msgpack for cached plans) can carry. Unmarshal reverses it.
func Marshal(e Expression) map[string]any {
	if e == nil {
		return nil
	}
	switch t := e.(type) {
	case *Literal:
		if rid, ok := t.Value.(storage.RID); ok {
			return map[string]any{"t": "rid", "v": rid.String()}
		}
		return map[string]any{"t": "lit", "v": t.Value}
	case *ListLiteral:
		return map[string]any{"t": "list", "items": marshalList(t.Items)}
	case *Property:
		return map[string]any{"t": "prop", "path": stringsToAny(t.Path)}
	case *Variable:
		return map[string]any{"t": "var", "name": t.Name, "path": stringsToAny(t.Path)}
	case *Parameter:
		return map[string]any{"t": "param", "name": t.Name}
	case *Binary:
		return map[string]any{"t": "bin", "op": t.Op, "l": Marshal(t.Left), "r": Marshal(t.Right)}
	case *Comparison:
		return map[string]any{"t": "cmp", "op": string(t.Op), "l": Marshal(t.Left), "r": Marshal(t.Right)}
	case *And:
		return map[string]any{"t": "and", "items": marshalList(t.Terms)}
	case *Or:
		return map[string]any{"t": "or", "items": marshalList(t.Terms)}
	case *Not:
		return map[string]any{"t": "not", "e": Marshal(t.Expr)}
	case *In:
		return map[string]any{"t": "in", "l": Marshal(t.Left), "r": Marshal(t.Right)}
	case *ContainsAny:
		return map[string]any{"t": "containsany", "l": Marshal(t.Left), "r": Marshal(t.Right)}
	case *IsNull:
		return map[string]any{"t": "isnull", "e": Marshal(t.Expr), "neg": t.Negate}
	case *Call:
		return map[string]any{"t": "call", "name": t.Name, "items": marshalList(t.Args)}
	}
	return map[string]any{"t": "unknown", "v": e.String()}
}

func marshalList(items []Expression) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = Marshal(it)
	}
	return out
}

func stringsToAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// Unmarshal rebuilds an expression from Marshal output. A nil map yields a
// nil expression.
func Unmarshal(m map[string]any) (Expression, error) {
	if m == nil {
		return nil, nil
	}
	kind, _ := m["t"].(string)
	switch kind {
	case "lit":
		return &Literal{Value: Deep(m["v"])}, nil
	case "rid":
		s, _ := m["v"].(string)
		rid, err := storage.ParseRID(s)
		if err != nil {
			return nil, err
		}
		return &Literal{Value: rid}, nil
	case "list":
		items, err := unmarshalList(m["items"])
		if err != nil {
			return nil, err
		}
		return &ListLiteral{Items: items}, nil
	case "prop":
		return &Property{Path: anyToStrings(m["path"])}, nil
	case "var":
		name, _ := m["name"].(string)
		return &Variable{Name: name, Path: anyToStrings(m["path"])}, nil
	case "param":
		name, _ := m["name"].(string)
		return &Parameter{Name: name}, nil
	case "bin", "cmp", "in", "containsany":
		l, err := unmarshalChild(m["l"])
		if err != nil {
			return nil, err
		}
		r, err := unmarshalChild(m["r"])
		if err != nil {
			return nil, err
		}
		op, _ := m["op"].(string)
		switch kind {
		case "bin":
			return &Binary{Op: op, Left: l, Right: r}, nil
		case "cmp":
			return &Comparison{Op: CompareOp(op), Left: l, Right: r}, nil
		case "in":
			return &In{Left: l, Right: r}, nil
		}
		return &ContainsAny{Left: l, Right: r}, nil
	case "and", "or", "call":
		items, err := unmarshalList(m["items"])
		if err != nil {
			return nil, err
		}
		switch kind {
		case "and":
			return &And{Terms: items}, nil
		case "or":
			return &Or{Terms: items}, nil
		}
		name, _ := m["name"].(string)
		return &Call{Name: name, Args: items}, nil
	case "not", "isnull":
		inner, err := unmarshalChild(m["e"])
		if err != nil {
			return nil, err
		}
		if kind == "not" {
			return &Not{Expr: inner}, nil
		}
		neg, _ := m["neg"].(bool)
		return &IsNull{Expr: inner, Negate: neg}, nil
	}
	return nil, fmt.Errorf("expr: cannot unmarshal expression kind %q", kind)
}

func unmarshalChild(v any) (Expression, error) {
	m, ok := v.(map[string]any)
	if !ok {
		if v == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("expr: expected expression map, got %T", v)
	}
	return Unmarshal(m)
}

func unmarshalList(v any) ([]Expression, error) {
	list, _ := v.([]any)
	out := make([]Expression, len(list))
	for i, it := range list {
		e, err := unmarshalChild(it)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func anyToStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, it := range list {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
