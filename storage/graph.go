package storage

import (
	"fmt"
	"sort"
)

// Adjacency lists live in the "adj" bucket. Every edge has two entries, one
// under each endpoint:
//
//	key:   vertex(12) + direction(1) + edgeType + 0x00 + edge(12)
//	value: the opposite vertex(12)
//
// A vertex+direction prefix lists all edges of that direction; adding the
// edge type narrows the scan to one type.

func encodeAdjKey(v RID, dir Direction, edgeType string, edge RID) []byte {
	buf := make([]byte, 0, ridKeyLen+1+len(edgeType)+1+ridKeyLen)
	buf = append(buf, encodeRID(v)...)
	buf = append(buf, byte(dir))
	buf = append(buf, edgeType...)
	buf = append(buf, 0x00)
	return append(buf, encodeRID(edge)...)
}

func adjPrefix(v RID, dir Direction, edgeType string) []byte {
	buf := make([]byte, 0, ridKeyLen+1+len(edgeType)+1)
	buf = append(buf, encodeRID(v)...)
	buf = append(buf, byte(dir))
	if edgeType != "" {
		buf = append(buf, edgeType...)
		buf = append(buf, 0x00)
	}
	return buf
}

// decodeAdjKey splits an adjacency key into edge type and edge identity.
func decodeAdjKey(k []byte) (string, RID, error) {
	if len(k) < 2*ridKeyLen+2 {
		return "", NoRID, fmt.Errorf("%w: short adjacency key", ErrCorrupted)
	}
	typeName := string(k[ridKeyLen+1 : len(k)-ridKeyLen-1])
	return typeName, decodeRID(k[len(k)-ridKeyLen:]), nil
}

func (tx *Tx) link(e *Edge) {
	tx.put(bucketAdj, encodeAdjKey(e.Out, Out, e.typeName, e.rid), encodeRID(e.In))
	tx.put(bucketAdj, encodeAdjKey(e.In, In, e.typeName, e.rid), encodeRID(e.Out))
}

func (tx *Tx) unlink(e *Edge) {
	tx.del(bucketAdj, encodeAdjKey(e.Out, Out, e.typeName, e.rid))
	tx.del(bucketAdj, encodeAdjKey(e.In, In, e.typeName, e.rid))
}

func (tx *Tx) checkEndpoints(out, in RID) error {
	for _, rid := range []RID{out, in} {
		rec, err := tx.Load(rid)
		if err != nil {
			return fmt.Errorf("storage: edge endpoint %s: %w", rid, err)
		}
		if rec.Kind() != KindVertex {
			return fmt.Errorf("%w: edge endpoint %s is a %s", ErrWrongKind, rid, rec.Kind())
		}
	}
	return nil
}

// NewEdge creates and saves an edge record from -> to.
func (tx *Tx) NewEdge(typeName string, from, to RID, props Props) (*Edge, error) {
	if err := tx.expectKind(typeName, KindEdge); err != nil {
		return nil, err
	}
	e := &Edge{Document: Document{rid: NoRID, typeName: typeName, props: copyProps(props)}, Out: from, In: to}
	if _, err := tx.Save(e, ""); err != nil {
		return nil, err
	}
	return e, nil
}

// NewLightweightEdge connects two vertices without an edge record. The edge
// gets a non-persistent identity and carries no properties.
func (tx *Tx) NewLightweightEdge(typeName string, from, to RID) (*Edge, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if err := tx.expectKind(typeName, KindEdge); err != nil {
		return nil, err
	}
	if err := tx.checkEndpoints(from, to); err != nil {
		return nil, err
	}
	e := &Edge{
		Document:    Document{rid: tx.e.nextLightweightRID(), typeName: typeName, props: make(Props)},
		Out:         from,
		In:          to,
		lightweight: true,
	}
	tx.lightUsed = true
	tx.link(e)
	return e, nil
}

// edgeTypeFilter expands edge type names with their subtypes. An empty
// result means no filter.
func (tx *Tx) edgeTypeFilter(types []string) []string {
	if len(types) == 0 {
		return []string{""}
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range types {
		for _, n := range append([]string{t}, tx.e.SubTypes(t)...) {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}

func directions(dir Direction) []Direction {
	if dir == Both {
		return []Direction{Out, In}
	}
	return []Direction{dir}
}

// adjEntry is one decoded adjacency entry.
type adjEntry struct {
	dir      Direction
	edgeType string
	edge     RID
	other    RID
}

func (tx *Tx) adjacency(v RID, dir Direction, types []string, fn func(adjEntry) (bool, error)) error {
	if err := tx.check(); err != nil {
		return err
	}
	for _, d := range directions(dir) {
		for _, t := range tx.edgeTypeFilter(types) {
			cur := tx.iterate(bucketAdj, keyRange{prefix: adjPrefix(v, d, t)}, false)
			for {
				e, ok, err := cur.next()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				typeName, edgeRID, err := decodeAdjKey(e.key)
				if err != nil {
					return err
				}
				more, err := fn(adjEntry{dir: d, edgeType: typeName, edge: edgeRID, other: decodeRID(e.val)})
				if err != nil || !more {
					return err
				}
			}
		}
	}
	return nil
}

// Edges returns the edges of vertex v in direction dir, optionally limited
// to the given edge types (and their subtypes). With Both, outgoing edges
// come first.
func (tx *Tx) Edges(v RID, dir Direction, types ...string) ([]*Edge, error) {
	var out []*Edge
	err := tx.adjacency(v, dir, types, func(a adjEntry) (bool, error) {
		if !a.edge.IsPersistent() {
			e := &Edge{Document: Document{rid: a.edge, typeName: a.edgeType, props: make(Props)}, lightweight: true}
			if a.dir == Out {
				e.Out, e.In = v, a.other
			} else {
				e.Out, e.In = a.other, v
			}
			out = append(out, e)
			return true, nil
		}
		rec, err := tx.Load(a.edge)
		if IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if e, ok := rec.(*Edge); ok {
			out = append(out, e)
		}
		return true, nil
	})
	return out, err
}

// Vertices returns the vertices adjacent to v in direction dir.
func (tx *Tx) Vertices(v RID, dir Direction, types ...string) ([]Record, error) {
	var out []Record
	err := tx.adjacency(v, dir, types, func(a adjEntry) (bool, error) {
		rec, err := tx.Load(a.other)
		if IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		out = append(out, rec)
		return true, nil
	})
	return out, err
}

// IsConnectedTo reports whether an edge leads from v to target in dir.
func (tx *Tx) IsConnectedTo(v, target RID, dir Direction, types ...string) (bool, error) {
	found := false
	err := tx.adjacency(v, dir, types, func(a adjEntry) (bool, error) {
		if a.other == target {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// Degree counts the edges of v in direction dir.
func (tx *Tx) Degree(v RID, dir Direction, types ...string) (int, error) {
	n := 0
	err := tx.adjacency(v, dir, types, func(adjEntry) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}
