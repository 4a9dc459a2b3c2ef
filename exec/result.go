package exec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

// Well-known metadata keys set by traversal steps. Expressions read them as
// $depth, $matchPath and $stack.
const (
	MetaDepth     = "depth"
	MetaMatchPath = "matchPath"
	MetaStack     = "stack"
)

// Result is one row of a pipeline. It is either element-backed (properties
// come from a record) or a projection (an ordered map of values). Metadata is
// a side channel for traversal bookkeeping and never takes part in equality
// or hashing.
type Result struct {
	element   storage.Record
	updatable bool

	keys   []string
	values map[string]any

	metadata map[string]any
}

// NewResult returns an empty projection row.
func NewResult() *Result {
	return &Result{values: make(map[string]any)}
}

// NewElementResult wraps a record.
func NewElementResult(rec storage.Record) *Result {
	return &Result{element: rec}
}

// NewUpdatableResult wraps a record whose properties mutation steps may
// change before it is saved.
func NewUpdatableResult(rec storage.MutableRecord) *Result {
	return &Result{element: rec, updatable: true}
}

// IsElement reports whether the row is backed by a record.
func (r *Result) IsElement() bool { return r.element != nil }

// Element returns the backing record or nil.
func (r *Result) Element() storage.Record { return r.element }

// Identity returns the record identity, or NoRID for projections.
func (r *Result) Identity() storage.RID {
	if r.element == nil {
		return storage.NoRID
	}
	return r.element.Identity()
}

// IsUpdatable reports whether the element may be mutated in place.
func (r *Result) IsUpdatable() bool { return r.updatable }

// Mutable returns the element as a mutable record, if the row is updatable.
func (r *Result) Mutable() (storage.MutableRecord, bool) {
	if !r.updatable {
		return nil, false
	}
	m, ok := r.element.(storage.MutableRecord)
	return m, ok
}

// Property returns a projected value or an element property.
func (r *Result) Property(name string) (any, bool) {
	if r.element != nil {
		return r.element.Get(name)
	}
	v, ok := r.values[name]
	return v, ok
}

// Set stores a value. Projections keep insertion order; updatable element
// rows write through to the record; other element rows ignore the call.
func (r *Result) Set(name string, v any) {
	if r.element != nil {
		if m, ok := r.Mutable(); ok {
			m.Set(name, v)
		}
		return
	}
	if _, ok := r.values[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.values[name] = v
}

// Remove deletes a projected value or, for updatable rows, a property.
func (r *Result) Remove(name string) {
	if r.element != nil {
		if m, ok := r.Mutable(); ok {
			m.Remove(name)
		}
		return
	}
	if _, ok := r.values[name]; !ok {
		return
	}
	delete(r.values, name)
	for i, k := range r.keys {
		if k == name {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// PropertyNames returns projection keys in insertion order, or the sorted
// property names of the element.
func (r *Result) PropertyNames() []string {
	if r.element != nil {
		return r.element.PropertyNames()
	}
	return append([]string(nil), r.keys...)
}

// Metadata returns a traversal metadata value. A leading "$" is ignored.
func (r *Result) Metadata(name string) (any, bool) {
	v, ok := r.metadata[strings.TrimPrefix(name, "$")]
	return v, ok
}

// SetMetadata stores a traversal metadata value.
func (r *Result) SetMetadata(name string, v any) {
	if r.metadata == nil {
		r.metadata = make(map[string]any)
	}
	r.metadata[strings.TrimPrefix(name, "$")] = v
}

// MetadataKeys returns metadata keys, sorted.
func (r *Result) MetadataKeys() []string {
	keys := make([]string, 0, len(r.metadata))
	for k := range r.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToMap returns the row content (never the metadata).
func (r *Result) ToMap() map[string]any {
	if r.element != nil {
		return r.element.ToMap()
	}
	m := make(map[string]any, len(r.values))
	for k, v := range r.values {
		m[k] = v
	}
	return m
}

// Copy returns a row that can be modified without affecting r. Elements are
// shared unless the row is updatable.
func (r *Result) Copy() *Result {
	cp := &Result{element: r.element, updatable: r.updatable}
	if r.updatable {
		cp.element = r.element.Clone()
	}
	if r.values != nil {
		cp.keys = append([]string(nil), r.keys...)
		cp.values = make(map[string]any, len(r.values))
		for k, v := range r.values {
			cp.values[k] = v
		}
	}
	if r.metadata != nil {
		cp.metadata = make(map[string]any, len(r.metadata))
		for k, v := range r.metadata {
			cp.metadata[k] = v
		}
	}
	return cp
}

// Equal compares content: persistent elements by identity, everything else
// structurally. Metadata is ignored.
func (r *Result) Equal(o *Result) bool {
	if o == nil {
		return false
	}
	if r.element != nil && o.element != nil {
		a, b := r.element.Identity(), o.element.Identity()
		if a.IsPersistent() || b.IsPersistent() {
			return a == b
		}
	} else if (r.element == nil) != (o.element == nil) {
		return false
	}
	return expr.Equal(r.ToMap(), o.ToMap())
}

// Hash is consistent with Equal.
func (r *Result) Hash() uint64 {
	d := xxhash.New()
	if r.element != nil && r.element.Identity().IsPersistent() {
		writeHashValue(d, r.element.Identity())
		return d.Sum64()
	}
	writeHashValue(d, r.ToMap())
	return d.Sum64()
}

func (r *Result) String() string {
	if r.element != nil {
		return fmt.Sprintf("%v", r.element)
	}
	parts := make([]string, len(r.keys))
	for i, k := range r.keys {
		parts[i] = fmt.Sprintf("%s: %v", k, r.values[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// HashValues hashes a list of values consistently with expr.Equal.
func HashValues(values []any) uint64 {
	d := xxhash.New()
	writeHashValue(d, values)
	return d.Sum64()
}

// Type tags keep values of different types from colliding.
const (
	hashNil byte = iota
	hashBool
	hashNumber
	hashString
	hashRID
	hashList
	hashMap
	hashTime
	hashOther
)

func writeHashValue(d *xxhash.Digest, v any) {
	var buf [13]byte
	v = storage.NormalizeValue(v)
	switch t := v.(type) {
	case nil:
		d.Write([]byte{hashNil})
	case bool:
		b := byte(0)
		if t {
			b = 1
		}
		d.Write([]byte{hashBool, b})
	case int64, float64:
		f, _ := expr.ToFloat64(t)
		if f == 0 {
			f = 0
		}
		buf[0] = hashNumber
		binary.BigEndian.PutUint64(buf[1:9], math.Float64bits(f))
		d.Write(buf[:9])
	case string:
		d.Write([]byte{hashString})
		d.WriteString(t)
		d.Write([]byte{0})
	case storage.RID:
		buf[0] = hashRID
		binary.BigEndian.PutUint32(buf[1:5], uint32(t.Bucket))
		binary.BigEndian.PutUint64(buf[5:13], uint64(t.Position))
		d.Write(buf[:13])
	case storage.Record:
		writeHashValue(d, t.Identity())
	case *Result:
		binary.BigEndian.PutUint64(buf[:8], t.Hash())
		d.Write(buf[:8])
	case time.Time:
		buf[0] = hashTime
		binary.BigEndian.PutUint64(buf[1:9], uint64(t.UnixNano()))
		d.Write(buf[:9])
	case []any:
		d.Write([]byte{hashList})
		for _, e := range t {
			writeHashValue(d, e)
		}
		d.Write([]byte{hashList})
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d.Write([]byte{hashMap})
		for _, k := range keys {
			d.WriteString(k)
			d.Write([]byte{0})
			writeHashValue(d, t[k])
		}
		d.Write([]byte{hashMap})
	default:
		d.Write([]byte{hashOther})
		d.WriteString(fmt.Sprint(t))
	}
}
