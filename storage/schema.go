package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// TypeDef describes a document, vertex or edge type. Records of a type are
// spread over its buckets; Supers lists the direct parent types.
type TypeDef struct {
	Name    string   `msgpack:"name"`
	Kind    Kind     `msgpack:"kind"`
	Supers  []string `msgpack:"supers,omitempty"`
	Buckets []int32  `msgpack:"buckets"`
}

// BucketDef is one physical partition of a type.
type BucketDef struct {
	ID   int32  `msgpack:"id"`
	Name string `msgpack:"name"`
	Type string `msgpack:"type"`
}

// NullStrategy decides what an index does with keys that contain nil.
type NullStrategy uint8

const (
	// NullSkip leaves records with a nil key column out of the index.
	NullSkip NullStrategy = iota
	// NullIndex keeps them in a separate null-key space.
	NullIndex
)

func (s NullStrategy) String() string {
	if s == NullIndex {
		return "INDEX"
	}
	return "SKIP"
}

// IndexDef is a range index over one or more properties of a type. The index
// also covers every subtype of Type.
type IndexDef struct {
	Name       string       `msgpack:"name"`
	Type       string       `msgpack:"type"`
	Properties []string     `msgpack:"props"`
	Unique     bool         `msgpack:"unique,omitempty"`
	Nulls      NullStrategy `msgpack:"nulls,omitempty"`
}

// IgnoresNulls reports whether null keys are left out of the index.
func (d *IndexDef) IgnoresNulls() bool { return d.Nulls == NullSkip }

// String renders the index as "name ON Type(a, b)".
func (d *IndexDef) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s ON %s(%s)", d.Name, d.Type, strings.Join(d.Properties, ", "))
	if d.Unique {
		sb.WriteString(" UNIQUE")
	}
	return sb.String()
}

// KeysOf extracts the index keys of a record. A list-valued property indexes
// every element, so a record can own several keys (the cartesian product of
// its list columns). An empty list indexes as nil.
func (d *IndexDef) KeysOf(rec Record) [][]any {
	keys := [][]any{{}}
	for _, p := range d.Properties {
		v, _ := rec.Get(p)
		var column []any
		if list, ok := v.([]any); ok {
			column = list
		} else {
			column = []any{v}
		}
		if len(column) == 0 {
			column = []any{nil}
		}
		next := make([][]any, 0, len(keys)*len(column))
		for _, k := range keys {
			for _, c := range column {
				nk := append(append(make([]any, 0, len(d.Properties)), k...), NormalizeValue(c))
				next = append(next, nk)
			}
		}
		keys = next
	}
	return keys
}

// ---------------------------------------------------------------------------
// Catalog persistence
// ---------------------------------------------------------------------------

const (
	schemaTypePrefix  = "type:"
	schemaIndexPrefix = "index:"
)

func encodeSchema(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func typeOps(defs ...*TypeDef) ([]Op, error) {
	ops := make([]Op, 0, len(defs))
	for _, def := range defs {
		data, err := encodeSchema(def)
		if err != nil {
			return nil, fmt.Errorf("storage: encode type %s: %w", def.Name, err)
		}
		ops = append(ops, Op{Bucket: bucketSchema, Key: []byte(schemaTypePrefix + def.Name), Value: data})
	}
	return ops, nil
}

func indexOp(def *IndexDef) (Op, error) {
	data, err := encodeSchema(def)
	if err != nil {
		return Op{}, fmt.Errorf("storage: encode index %s: %w", def.Name, err)
	}
	return Op{Bucket: bucketSchema, Key: []byte(schemaIndexPrefix + def.Name), Value: data}, nil
}

// loadCatalog reads every type and index definition from the store.
func loadCatalog(s Store) (map[string]*TypeDef, map[string]*IndexDef, error) {
	types := make(map[string]*TypeDef)
	indexes := make(map[string]*IndexDef)
	var decodeErr error
	err := s.Scan(bucketSchema, ScanOptions{}, func(k, v []byte) bool {
		key := string(k)
		switch {
		case strings.HasPrefix(key, schemaTypePrefix):
			var def TypeDef
			if err := msgpack.Unmarshal(v, &def); err != nil {
				decodeErr = fmt.Errorf("storage: decode type %s: %w", key, err)
				return false
			}
			types[def.Name] = &def
		case strings.HasPrefix(key, schemaIndexPrefix):
			var def IndexDef
			if err := msgpack.Unmarshal(v, &def); err != nil {
				decodeErr = fmt.Errorf("storage: decode index %s: %w", key, err)
				return false
			}
			indexes[def.Name] = &def
		}
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	if decodeErr != nil {
		return nil, nil, decodeErr
	}
	return types, indexes, nil
}

func sortedInt32(ids []int32) []int32 {
	out := append([]int32(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
