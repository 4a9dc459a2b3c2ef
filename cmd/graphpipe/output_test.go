package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstrYoda/graphpipe/exec"
	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		in    string
		prop  string
		op    expr.CompareOp
		value any
	}{
		{"age>=30", "age", expr.OpGe, int64(30)},
		{"age <= 30", "age", expr.OpLe, int64(30)},
		{"age<30", "age", expr.OpLt, int64(30)},
		{"score>1.5", "score", expr.OpGt, 1.5},
		{"city=Istanbul", "city", expr.OpEq, "Istanbul"},
		{`city<>"New York"`, "city", expr.OpNe, "New York"},
		{"active=true", "active", expr.OpEq, true},
		{"name LIKE 'Al%'", "name", expr.OpLike, "Al%"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := parseCondition(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.prop, c.prop)
			assert.Equal(t, tt.op, c.op)
			assert.Equal(t, tt.value, c.value)
		})
	}

	for _, bad := range []string{"age", "=30", "age=", ""} {
		_, err := parseCondition(bad)
		assert.Error(t, err, bad)
	}
}

func TestRowWriter(t *testing.T) {
	rec := storage.NewVertex("Person", storage.Props{"name": "Alice"})
	row := exec.NewResult()
	row.Set("node", rec)
	row.Set("depth", int64(1))
	row.Set("path", []any{storage.RID{Bucket: 1, Position: 0}})

	var buf bytes.Buffer
	w, err := newRowWriter(&buf, "json")
	require.NoError(t, err)
	require.NoError(t, w.write(row))
	require.NoError(t, w.close())
	assert.JSONEq(t, `{"depth":1,"path":["#1:0"],"node":{"name":"Alice","@rid":"`+rec.Identity().String()+`","@type":"Person"}}`, buf.String())

	buf.Reset()
	w, err = newRowWriter(&buf, "yaml")
	require.NoError(t, err)
	require.NoError(t, w.write(row))
	require.NoError(t, w.close())
	assert.Contains(t, buf.String(), "depth: 1")
	assert.Contains(t, buf.String(), "name: Alice")

	_, err = newRowWriter(&buf, "xml")
	assert.Error(t, err)
}
