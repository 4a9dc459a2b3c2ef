package exec

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

// serializable steps can be stored in a cached plan and rebuilt from their
// fields alone.
type serializable interface {
	stepKind() string
	serialize() (map[string]any, error)
	deserialize(m map[string]any) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Step{}
)

func registerStep(kind string, f func() Step) {
	registryMu.Lock()
	registry[kind] = f
	registryMu.Unlock()
}

func serializeStep(s Step) (map[string]any, error) {
	ser, ok := s.(serializable)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotSerializable, s)
	}
	m, err := ser.serialize()
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any)
	}
	m["@step"] = ser.stepKind()
	return m, nil
}

func deserializeStep(m map[string]any) (Step, error) {
	kind, _ := m["@step"].(string)
	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exec: unknown step kind %q", kind)
	}
	s := f()
	if err := s.(serializable).deserialize(m); err != nil {
		return nil, fmt.Errorf("exec: deserialize %s: %w", kind, err)
	}
	return s, nil
}

// serializeSteps encodes a chain from its first step.
func serializeSteps(steps []Step) ([]any, error) {
	out := make([]any, len(steps))
	for i, s := range steps {
		m, err := serializeStep(s)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func deserializeSteps(v any) ([]Step, error) {
	list, _ := v.([]any)
	out := make([]Step, 0, len(list))
	for _, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("exec: expected step map, got %T", it)
		}
		s, err := deserializeStep(m)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// encode and decode wrap msgpack for whole plans.
func encode(m map[string]any) ([]byte, error) { return msgpack.Marshal(m) }

func decode(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("exec: decode plan: %w", err)
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Field helpers
// ---------------------------------------------------------------------------

func getString(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

func getBool(m map[string]any, k string) bool {
	b, _ := m[k].(bool)
	return b
}

// getInt accepts every integer width msgpack may decode to.
func getInt(m map[string]any, k string) int64 {
	switch t := storage.NormalizeValue(m[k]).(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}

func getStrings(m map[string]any, k string) []string {
	list, _ := m[k].([]any)
	out := make([]string, 0, len(list))
	for _, it := range list {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func putStrings(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func getInt32s(m map[string]any, k string) []int32 {
	list, _ := m[k].([]any)
	if list == nil {
		return nil
	}
	out := make([]int32, 0, len(list))
	for _, it := range list {
		if v, ok := storage.NormalizeValue(it).(int64); ok {
			out = append(out, int32(v))
		}
	}
	return out
}

func putInt32s(ids []int32) []any {
	if ids == nil {
		return nil
	}
	out := make([]any, len(ids))
	for i, v := range ids {
		out[i] = int64(v)
	}
	return out
}

func getRIDs(m map[string]any, k string) ([]storage.RID, error) {
	var out []storage.RID
	for _, s := range getStrings(m, k) {
		rid, err := storage.ParseRID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, rid)
	}
	return out, nil
}

func putRIDs(rids []storage.RID) []any {
	out := make([]any, len(rids))
	for i, r := range rids {
		out[i] = r.String()
	}
	return out
}

func getExpr(m map[string]any, k string) (expr.Expression, error) {
	sub, _ := m[k].(map[string]any)
	return expr.Unmarshal(sub)
}

func putExprs(list []expr.Expression) []any {
	out := make([]any, len(list))
	for i, e := range list {
		out[i] = expr.Marshal(e)
	}
	return out
}

func getExprs(m map[string]any, k string) ([]expr.Expression, error) {
	list, _ := m[k].([]any)
	out := make([]expr.Expression, 0, len(list))
	for _, it := range list {
		sub, _ := it.(map[string]any)
		e, err := expr.Unmarshal(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func getMaps(m map[string]any, k string) []map[string]any {
	list, _ := m[k].([]any)
	out := make([]map[string]any, 0, len(list))
	for _, it := range list {
		if sub, ok := it.(map[string]any); ok {
			out = append(out, sub)
		}
	}
	return out
}
