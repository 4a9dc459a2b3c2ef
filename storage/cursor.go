package storage

import (
	"bytes"
	"sort"
)

// DefaultScanChunk is how many keys a cursor reads from the store per refill.
const DefaultScanChunk = 256

// kv is one key/value pair copied out of the store.
type kv struct {
	key []byte
	val []byte
	del bool // only set on overlay entries
}

// keyRange bounds a scan: keys carry prefix, lie in [lower, upper). A nil
// bound is open.
type keyRange struct {
	prefix []byte
	lower  []byte
	upper  []byte
}

func (r keyRange) contains(k []byte) bool {
	if !bytes.HasPrefix(k, r.prefix) {
		return false
	}
	if r.lower != nil && bytes.Compare(k, r.lower) < 0 {
		return false
	}
	if r.upper != nil && bytes.Compare(k, r.upper) >= 0 {
		return false
	}
	return true
}

// chunkCursor walks a key range of the store without holding a read
// transaction between refills. Each refill scans at most chunk keys and
// remembers where to resume.
type chunkCursor struct {
	store   Store
	bucket  string
	rng     keyRange
	reverse bool
	chunk   int

	buf       []kv
	pos       int
	resume    []byte
	exhausted bool
}

func newChunkCursor(s Store, bucket string, rng keyRange, reverse bool, chunk int) *chunkCursor {
	if chunk < 2 {
		chunk = DefaultScanChunk
	}
	return &chunkCursor{store: s, bucket: bucket, rng: rng, reverse: reverse, chunk: chunk}
}

// next returns the next pair, or ok=false at the end of the range.
func (c *chunkCursor) next() (kv, bool, error) {
	for c.pos >= len(c.buf) {
		if c.exhausted {
			return kv{}, false, nil
		}
		if err := c.fill(); err != nil {
			return kv{}, false, err
		}
	}
	e := c.buf[c.pos]
	c.pos++
	return e, true, nil
}

func (c *chunkCursor) fill() error {
	c.buf = c.buf[:0]
	c.pos = 0

	opts := ScanOptions{Prefix: c.rng.prefix, Reverse: c.reverse, Limit: c.chunk}
	var skipFrom []byte // reverse only: drop keys >= skipFrom
	if c.reverse {
		switch {
		case c.resume != nil:
			opts.Start, skipFrom = c.resume, c.resume
		case c.rng.upper != nil:
			opts.Start, skipFrom = c.rng.upper, c.rng.upper
		}
	} else {
		opts.Start = c.rng.lower
		if c.resume != nil {
			opts.Start = c.resume
		}
	}

	scanned := 0
	var last []byte
	stop := false
	err := c.store.Scan(c.bucket, opts, func(k, v []byte) bool {
		scanned++
		last = append(last[:0], k...)
		if c.reverse {
			if skipFrom != nil && bytes.Compare(k, skipFrom) >= 0 {
				return true
			}
			if c.rng.lower != nil && bytes.Compare(k, c.rng.lower) < 0 {
				stop = true
				return false
			}
		} else if c.rng.upper != nil && bytes.Compare(k, c.rng.upper) >= 0 {
			stop = true
			return false
		}
		c.buf = append(c.buf, kv{key: cloneBytes(k), val: cloneBytes(v)})
		return true
	})
	if err != nil {
		return err
	}
	if stop || scanned < c.chunk {
		c.exhausted = true
		return nil
	}
	if c.reverse {
		c.resume = cloneBytes(last)
	} else {
		c.resume = keySuccessor(last)
	}
	return nil
}

// mergeCursor overlays a sorted snapshot of uncommitted writes on a store
// cursor. On equal keys the overlay wins; overlay deletions hide the key.
type mergeCursor struct {
	base    *chunkCursor
	overlay []kv
	reverse bool

	oi      int
	pending *kv
	baseEOF bool
}

func newMergeCursor(base *chunkCursor, overlay []kv) *mergeCursor {
	return &mergeCursor{base: base, overlay: overlay, reverse: base.reverse}
}

func (m *mergeCursor) before(a, b []byte) bool {
	if m.reverse {
		return bytes.Compare(a, b) > 0
	}
	return bytes.Compare(a, b) < 0
}

func (m *mergeCursor) next() (kv, bool, error) {
	for {
		if m.pending == nil && !m.baseEOF {
			e, ok, err := m.base.next()
			if err != nil {
				return kv{}, false, err
			}
			if ok {
				m.pending = &e
			} else {
				m.baseEOF = true
			}
		}
		var ov *kv
		if m.oi < len(m.overlay) {
			ov = &m.overlay[m.oi]
		}

		switch {
		case m.pending == nil && ov == nil:
			return kv{}, false, nil
		case ov == nil || (m.pending != nil && m.before(m.pending.key, ov.key)):
			e := *m.pending
			m.pending = nil
			return e, true, nil
		default:
			m.oi++
			if m.pending != nil && bytes.Equal(m.pending.key, ov.key) {
				m.pending = nil
			}
			if ov.del {
				continue
			}
			return *ov, true, nil
		}
	}
}

// overlaySnapshot returns the uncommitted writes of one bucket that fall in
// rng, sorted in scan order.
func overlaySnapshot(writes map[string]kv, rng keyRange, reverse bool) []kv {
	if len(writes) == 0 {
		return nil
	}
	out := make([]kv, 0)
	for _, e := range writes {
		if rng.contains(e.key) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		c := bytes.Compare(out[i].key, out[j].key)
		if reverse {
			return c > 0
		}
		return c < 0
	})
	return out
}
