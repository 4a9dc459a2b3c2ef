package storage

import (
	"fmt"
)

// Index entries live in the "idx" bucket:
//
//	name 0x00 0x01 encodedKey rid(12)  -> kinds             (regular keys)
//	name 0x00 0x00 rid(12)             -> kinds encodedKey  (keys containing nil)
//
// Regular keys sort in key order, then identity order. kinds is a column
// count followed by one byte per column, 1 for int64 columns: numbers share
// one key encoding and the cursor uses it to hand integers back as int64.

const (
	idxSpaceNull    byte = 0x00
	idxSpaceRegular byte = 0x01
)

func indexSpace(name string, space byte) []byte {
	buf := make([]byte, 0, len(name)+2)
	buf = append(buf, name...)
	return append(buf, 0x00, space)
}

func regularEntryKey(name string, key []any, rid RID) []byte {
	buf := indexSpace(name, idxSpaceRegular)
	buf = append(buf, EncodeKey(key)...)
	return append(buf, encodeRID(rid)...)
}

func nullEntryKey(name string, rid RID) []byte {
	return append(indexSpace(name, idxSpaceNull), encodeRID(rid)...)
}

const kindInt byte = 1

func keyKinds(key []any) []byte {
	out := make([]byte, len(key)+1)
	out[0] = byte(len(key))
	for i, v := range key {
		if _, ok := NormalizeValue(v).(int64); ok {
			out[i+1] = kindInt
		}
	}
	return out
}

// splitKinds separates the column kinds from the rest of an entry value.
func splitKinds(val []byte) (kinds, rest []byte) {
	if len(val) == 0 || 1+int(val[0]) > len(val) {
		return nil, val
	}
	n := 1 + int(val[0])
	return val[1:n], val[n:]
}

func restoreKinds(key []any, kinds []byte) {
	for i, k := range kinds {
		if k != kindInt || i >= len(key) {
			continue
		}
		if f, ok := key[i].(float64); ok {
			key[i] = int64(f)
		}
	}
}

// A record has at most one null entry per index: the first key with a nil
// column.
func (tx *Tx) writeIndexEntry(def *IndexDef, rec Record) {
	nullDone := false
	for _, key := range def.KeysOf(rec) {
		if keyHasNil(key) {
			if def.IgnoresNulls() || nullDone {
				continue
			}
			nullDone = true
			tx.put(bucketIndex, nullEntryKey(def.Name, rec.Identity()), append(keyKinds(key), EncodeKey(key)...))
			continue
		}
		tx.put(bucketIndex, regularEntryKey(def.Name, key, rec.Identity()), keyKinds(key))
	}
}

func (tx *Tx) removeIndexEntry(def *IndexDef, rec Record) {
	for _, key := range def.KeysOf(rec) {
		if keyHasNil(key) {
			if !def.IgnoresNulls() {
				tx.del(bucketIndex, nullEntryKey(def.Name, rec.Identity()))
			}
			continue
		}
		tx.del(bucketIndex, regularEntryKey(def.Name, key, rec.Identity()))
	}
}

// addIndexEntry writes an entry after checking uniqueness.
func (tx *Tx) addIndexEntry(def *IndexDef, rec Record) error {
	if err := tx.checkUnique(def, rec, rec.Identity()); err != nil {
		return err
	}
	tx.writeIndexEntry(def, rec)
	return nil
}

// checkUnique fails if a unique index already maps rec's key to a record
// other than self.
func (tx *Tx) checkUnique(def *IndexDef, rec Record, self RID) error {
	if !def.Unique {
		return nil
	}
	for _, key := range def.KeysOf(rec) {
		if keyHasNil(key) {
			continue
		}
		prefix := append(indexSpace(def.Name, idxSpaceRegular), EncodeKey(key)...)
		cur := tx.iterate(bucketIndex, keyRange{prefix: prefix}, false)
		for {
			e, ok, err := cur.next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if len(e.key) != len(prefix)+ridKeyLen {
				continue
			}
			if other := decodeRID(e.key[len(prefix):]); other != self {
				return fmt.Errorf("%w: %s key %v already used by %s", ErrDuplicateKey, def.Name, key, other)
			}
		}
	}
	return nil
}

// RangeQuery bounds an index scan. A nil From or To leaves that side open;
// an open side is still limited to keys whose last bounded column has the
// same type as the other bound, so "a > 5" never returns strings.
//
// From and To may be shorter than the index key (prefix scans).
type RangeQuery struct {
	From          []any
	FromInclusive bool
	To            []any
	ToInclusive   bool
	Ascending     bool
}

// Equal builds the query for one exact key.
func Equal(key ...any) RangeQuery {
	return RangeQuery{From: key, FromInclusive: true, To: key, ToInclusive: true, Ascending: true}
}

// bounds computes the key range of q inside the regular key space of name.
func (q RangeQuery) bounds(name string) keyRange {
	base := indexSpace(name, idxSpaceRegular)
	rng := keyRange{prefix: base}

	typed := func(k []any) []byte {
		out := append(cloneBytes(base), EncodeKey(k[:len(k)-1])...)
		return append(out, keyTag(k[len(k)-1]))
	}

	switch {
	case len(q.From) > 0:
		lo := append(cloneBytes(base), EncodeKey(q.From)...)
		if !q.FromInclusive {
			lo = prefixSuccessor(lo)
		}
		rng.lower = lo
	case len(q.To) > 0:
		rng.lower = typed(q.To)
	}

	switch {
	case len(q.To) > 0:
		hi := append(cloneBytes(base), EncodeKey(q.To)...)
		if q.ToInclusive {
			hi = prefixSuccessor(hi)
		}
		rng.upper = hi
	case len(q.From) > 0:
		rng.upper = prefixSuccessor(typed(q.From))
	}
	return rng
}

// IndexEntry is one (key, identity) pair produced by an index cursor.
type IndexEntry struct {
	Key []any
	RID RID
}

// IndexCursor iterates index entries in key order.
type IndexCursor struct {
	cur       *mergeCursor
	prefixLen int
	null      bool
}

// IndexCursor opens a range scan over the non-null keys of an index.
func (tx *Tx) IndexCursor(def *IndexDef, q RangeQuery) (*IndexCursor, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	rng := q.bounds(def.Name)
	return &IndexCursor{
		cur:       tx.iterate(bucketIndex, rng, !q.Ascending),
		prefixLen: len(rng.prefix),
	}, nil
}

// IndexNullCursor iterates the entries whose key contains nil. It is empty
// for indexes that skip nulls.
func (tx *Tx) IndexNullCursor(def *IndexDef, ascending bool) (*IndexCursor, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	rng := keyRange{prefix: indexSpace(def.Name, idxSpaceNull)}
	return &IndexCursor{
		cur:       tx.iterate(bucketIndex, rng, !ascending),
		prefixLen: len(rng.prefix),
		null:      true,
	}, nil
}

// Next returns the next entry, or ok=false when the range is exhausted.
func (c *IndexCursor) Next() (IndexEntry, bool, error) {
	if c.cur == nil {
		return IndexEntry{}, false, nil
	}
	for {
		e, ok, err := c.cur.next()
		if err != nil || !ok {
			return IndexEntry{}, false, err
		}
		if len(e.key) < c.prefixLen+ridKeyLen {
			continue
		}
		rid := decodeRID(e.key[len(e.key)-ridKeyLen:])
		raw := e.key[c.prefixLen : len(e.key)-ridKeyLen]
		kinds, rest := splitKinds(e.val)
		if c.null {
			raw = rest
		}
		key, err := DecodeKey(raw)
		if err != nil {
			return IndexEntry{}, false, fmt.Errorf("storage: index entry %s: %w", rid, err)
		}
		restoreKinds(key, kinds)
		return IndexEntry{Key: key, RID: rid}, true, nil
	}
}

// Close releases the cursor.
func (c *IndexCursor) Close() { c.cur = nil }

// Lookup returns the identities stored under an exact key.
func (tx *Tx) Lookup(def *IndexDef, key ...any) ([]RID, error) {
	cur, err := tx.IndexCursor(def, Equal(key...))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []RID
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e.RID)
	}
}

// CountIndex counts the entries of an index, null keys included.
func (tx *Tx) CountIndex(def *IndexDef) (int64, error) {
	var n int64
	for _, open := range []func() (*IndexCursor, error){
		func() (*IndexCursor, error) { return tx.IndexCursor(def, RangeQuery{Ascending: true}) },
		func() (*IndexCursor, error) { return tx.IndexNullCursor(def, true) },
	} {
		cur, err := open()
		if err != nil {
			return 0, err
		}
		for {
			_, ok, err := cur.Next()
			if err != nil {
				return 0, err
			}
			if !ok {
				break
			}
			n++
		}
	}
	return n, nil
}
