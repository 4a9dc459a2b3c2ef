package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mstrYoda/graphpipe/exec"
	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

// condition is one parsed --where flag: property, operator, literal.
type condition struct {
	prop  string
	op    expr.CompareOp
	value any
}

// Longer operators first so "<=" is not read as "<".
var condOps = []expr.CompareOp{expr.OpLe, expr.OpGe, expr.OpNe, expr.OpEq, expr.OpLt, expr.OpGt}

// parseCondition reads "prop<op>value". Values that parse as integers,
// floats or booleans are typed; anything else is a string, optionally quoted.
func parseCondition(s string) (*condition, error) {
	if i := strings.Index(strings.ToUpper(s), " LIKE "); i > 0 {
		return &condition{prop: strings.TrimSpace(s[:i]), op: expr.OpLike, value: unquote(strings.TrimSpace(s[i+6:]))}, nil
	}
	for _, op := range condOps {
		i := strings.Index(s, string(op))
		if i <= 0 {
			continue
		}
		prop := strings.TrimSpace(s[:i])
		raw := strings.TrimSpace(s[i+len(op):])
		if prop == "" || raw == "" {
			break
		}
		return &condition{prop: prop, op: op, value: literal(raw)}, nil
	}
	return nil, fmt.Errorf("invalid condition %q: want prop<op>value with op one of = <> < <= > >= LIKE", s)
}

func (c *condition) expression() expr.Expression {
	return expr.Cmp(expr.Prop(c.prop), c.op, expr.Lit(c.value))
}

func literal(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return unquote(raw)
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// ---------------------------------------------------------------------------
// Row output
// ---------------------------------------------------------------------------

type rowWriter struct {
	json *json.Encoder
	yaml *yaml.Encoder
}

func newRowWriter(w io.Writer, format string) (*rowWriter, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return &rowWriter{json: json.NewEncoder(w)}, nil
	case "yaml":
		return &rowWriter{yaml: yaml.NewEncoder(w)}, nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

// write emits one row as a JSON line or a YAML document.
func (w *rowWriter) write(r *exec.Result) error {
	m := plain(r.ToMap())
	if w.yaml != nil {
		return w.yaml.Encode(m)
	}
	return w.json.Encode(m)
}

func (w *rowWriter) close() error {
	if w.yaml != nil {
		return w.yaml.Close()
	}
	return nil
}

// plain turns records and identities into printable values.
func plain(v any) any {
	switch t := v.(type) {
	case storage.Record:
		m := plain(t.ToMap()).(map[string]any)
		m["@rid"] = t.Identity().String()
		m["@type"] = t.TypeName()
		return m
	case storage.RID:
		return t.String()
	case *exec.Result:
		return plain(t.ToMap())
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = plain(x)
		}
		return out
	case storage.Props:
		return plain(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = plain(x)
		}
		return out
	}
	return v
}
