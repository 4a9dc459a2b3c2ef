// Package storage is the persistence layer the query pipeline reads from and
// writes to: an ordered key/value store (bbolt or badger), a record codec, the
// schema catalog, range indexes and vertex adjacency lists.
package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RID identifies a record: the bucket it lives in and its position inside it.
// A negative position (or bucket) denotes a reference that has no persistent
// record behind it, e.g. a lightweight edge.
type RID struct {
	Bucket   int32
	Position int64
}

// NoRID is the identity of things that are not records at all.
var NoRID = RID{Bucket: -1, Position: -1}

// IsPersistent reports whether the RID points at a stored record.
func (r RID) IsPersistent() bool {
	return r.Bucket >= 0 && r.Position >= 0
}

// IsValid reports whether the RID is anything other than NoRID.
func (r RID) IsValid() bool {
	return r != NoRID
}

// String returns the "#bucket:position" form.
func (r RID) String() string {
	return "#" + strconv.FormatInt(int64(r.Bucket), 10) + ":" + strconv.FormatInt(r.Position, 10)
}

// Less orders RIDs by bucket, then position.
func (r RID) Less(o RID) bool {
	if r.Bucket != o.Bucket {
		return r.Bucket < o.Bucket
	}
	return r.Position < o.Position
}

// ParseRID parses "#12:3" (the leading '#' is optional).
func ParseRID(s string) (RID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	b, p, ok := strings.Cut(s, ":")
	if !ok {
		return NoRID, fmt.Errorf("storage: invalid rid %q", s)
	}
	bucket, err := strconv.ParseInt(b, 10, 32)
	if err != nil {
		return NoRID, fmt.Errorf("storage: invalid rid bucket %q: %w", s, err)
	}
	pos, err := strconv.ParseInt(p, 10, 64)
	if err != nil {
		return NoRID, fmt.Errorf("storage: invalid rid position %q: %w", s, err)
	}
	return RID{Bucket: int32(bucket), Position: pos}, nil
}

// Kind is the record flavour of a type.
type Kind byte

const (
	KindDocument Kind = 'd'
	KindVertex   Kind = 'v'
	KindEdge     Kind = 'e'
)

func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindVertex:
		return "vertex"
	case KindEdge:
		return "edge"
	}
	return "unknown"
}

// Direction selects which adjacency list of a vertex to walk.
type Direction byte

const (
	Out  Direction = 0x01
	In   Direction = 0x02
	Both Direction = 0x03
)

func (d Direction) String() string {
	switch d {
	case Out:
		return "out"
	case In:
		return "in"
	case Both:
		return "both"
	}
	return "?"
}

// Reverse swaps Out and In; Both stays Both.
func (d Direction) Reverse() Direction {
	switch d {
	case Out:
		return In
	case In:
		return Out
	}
	return d
}

// Props holds arbitrary key-value properties of a record.
type Props map[string]any

// Record is a persisted (or about to be persisted) document, vertex or edge.
type Record interface {
	Identity() RID
	TypeName() string
	Kind() Kind
	Get(name string) (any, bool)
	PropertyNames() []string
	ToMap() map[string]any
	Clone() Record
}

// MutableRecord is a Record whose properties can be changed before Save.
type MutableRecord interface {
	Record
	Set(name string, value any)
	Remove(name string)
}

// Document is a plain record with a type name and properties.
type Document struct {
	rid      RID
	typeName string
	props    Props
}

// NewDocument builds a detached document; Tx.Save assigns its identity.
func NewDocument(typeName string, props Props) *Document {
	return &Document{rid: NoRID, typeName: typeName, props: copyProps(props)}
}

func (d *Document) Identity() RID     { return d.rid }
func (d *Document) TypeName() string  { return d.typeName }
func (d *Document) Kind() Kind        { return KindDocument }
func (d *Document) setIdentity(r RID) { d.rid = r }
func (d *Document) doc() *Document    { return d }

func (d *Document) Get(name string) (any, bool) {
	v, ok := d.props[name]
	return v, ok
}

func (d *Document) Set(name string, value any) {
	if d.props == nil {
		d.props = make(Props)
	}
	d.props[name] = value
}

func (d *Document) Remove(name string) { delete(d.props, name) }

// PropertyNames returns property names in sorted order.
func (d *Document) PropertyNames() []string {
	names := make([]string, 0, len(d.props))
	for k := range d.props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (d *Document) ToMap() map[string]any {
	m := make(map[string]any, len(d.props)+2)
	for k, v := range d.props {
		m[k] = v
	}
	m["@rid"] = d.rid
	m["@type"] = d.typeName
	return m
}

func (d *Document) Props() Props { return copyProps(d.props) }

func (d *Document) Clone() Record {
	cp := *d
	cp.props = copyProps(d.props)
	return &cp
}

func (d *Document) String() string {
	return fmt.Sprintf("%s%s%v", d.typeName, d.rid, d.props)
}

// Vertex is a graph node.
type Vertex struct {
	Document
}

// NewVertex builds a detached vertex.
func NewVertex(typeName string, props Props) *Vertex {
	return &Vertex{Document: Document{rid: NoRID, typeName: typeName, props: copyProps(props)}}
}

func (v *Vertex) Kind() Kind { return KindVertex }

func (v *Vertex) Clone() Record {
	cp := *v
	cp.props = copyProps(v.props)
	return &cp
}

// Edge connects two vertices. Lightweight edges have no record of their own and
// therefore a non-persistent identity.
type Edge struct {
	Document
	Out         RID
	In          RID
	lightweight bool
}

func (e *Edge) Kind() Kind { return KindEdge }

// IsLightweight reports whether the edge exists only in the adjacency lists.
func (e *Edge) IsLightweight() bool { return e.lightweight }

// Vertex returns the endpoint RID for the given direction (Out = source).
func (e *Edge) Vertex(dir Direction) RID {
	if dir == In {
		return e.In
	}
	return e.Out
}

func (e *Edge) ToMap() map[string]any {
	m := e.Document.ToMap()
	m["@out"] = e.Out
	m["@in"] = e.In
	return m
}

func (e *Edge) Clone() Record {
	cp := *e
	cp.props = copyProps(e.props)
	return &cp
}

func (e *Edge) String() string {
	return fmt.Sprintf("(%s)-[%s%s]->(%s)", e.Out, e.typeName, e.rid, e.In)
}

func copyProps(p Props) Props {
	if p == nil {
		return make(Props)
	}
	cp := make(Props, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}
