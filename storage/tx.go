package storage

import (
	"errors"
	"fmt"
	"sort"
)

// Tx is a read-your-writes transaction. Writes are buffered in an overlay
// and applied to the store atomically on Commit.
//
// Bucket scans see committed records with this transaction's updates and
// deletions applied; records created inside the transaction are only
// reachable through Uncommitted until the transaction commits.
//
// A Tx is not safe for concurrent use.
type Tx struct {
	e    *Engine
	done bool

	records    map[RID]Record // new or updated records, by identity
	deleted    map[RID]struct{}
	created    []RID
	createdSet map[RID]struct{}
	writes     map[string]map[string]kv // idx/adj overlay, keyed by string(key)
	counts     map[int32]int64
	touched    map[int32]struct{} // buckets that allocated positions
	extra      []Op
	lightUsed  bool

	commits int
}

// Begin starts a transaction.
func (e *Engine) Begin() *Tx {
	tx := &Tx{e: e}
	tx.reset()
	return tx
}

func (tx *Tx) reset() {
	tx.done = false
	tx.records = make(map[RID]Record)
	tx.deleted = make(map[RID]struct{})
	tx.created = nil
	tx.createdSet = make(map[RID]struct{})
	tx.writes = make(map[string]map[string]kv)
	tx.counts = make(map[int32]int64)
	tx.touched = make(map[int32]struct{})
	tx.extra = nil
	tx.lightUsed = false
}

// Engine returns the engine the transaction runs on.
func (tx *Tx) Engine() *Engine { return tx.e }

// Commits returns how many times this transaction has committed, counting
// every Restart.
func (tx *Tx) Commits() int { return tx.commits }

// Pending returns the number of records changed since the last commit.
func (tx *Tx) Pending() int { return len(tx.records) + len(tx.deleted) }

// Active reports whether the transaction can still be used.
func (tx *Tx) Active() bool { return !tx.done }

func (tx *Tx) check() error {
	if tx.e.isClosed() {
		return ErrClosed
	}
	if tx.done {
		return ErrTxDone
	}
	return nil
}

func (tx *Tx) put(bucket string, key, val []byte) {
	m := tx.writes[bucket]
	if m == nil {
		m = make(map[string]kv)
		tx.writes[bucket] = m
	}
	m[string(key)] = kv{key: key, val: val}
}

func (tx *Tx) del(bucket string, key []byte) {
	m := tx.writes[bucket]
	if m == nil {
		m = make(map[string]kv)
		tx.writes[bucket] = m
	}
	m[string(key)] = kv{key: key, del: true}
}

// iterate merges committed keys of rng with the overlay.
func (tx *Tx) iterate(bucket string, rng keyRange, reverse bool) *mergeCursor {
	base := newChunkCursor(tx.e.store, bucket, rng, reverse, tx.e.opts.ScanChunk)
	return newMergeCursor(base, overlaySnapshot(tx.writes[bucket], rng, reverse))
}

// ---------------------------------------------------------------------------
// Record access
// ---------------------------------------------------------------------------

// Load returns a copy of the record with the given identity.
func (tx *Tx) Load(rid RID) (Record, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if !rid.IsPersistent() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rid)
	}
	if _, ok := tx.deleted[rid]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rid)
	}
	if r, ok := tx.records[rid]; ok {
		return r.Clone(), nil
	}
	return tx.e.loadCommitted(rid)
}

// Exists reports whether rid resolves to a live record.
func (tx *Tx) Exists(rid RID) bool {
	_, err := tx.Load(rid)
	return err == nil
}

func (e *Engine) loadCommitted(rid RID) (Record, error) {
	if r := e.cache.get(rid); r != nil {
		return r, nil
	}
	data, err := e.store.Get(bucketRecords, encodeRID(rid))
	if err != nil {
		return nil, fmt.Errorf("storage: load %s: %w", rid, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rid)
	}
	rec, err := decodeRecord(rid, data)
	if err != nil {
		return nil, err
	}
	e.cache.put(rec)
	return rec, nil
}

// NewRecord builds a detached record of the kind the type declares. Use Save
// to persist it; edges must be created with NewEdge instead.
func (tx *Tx) NewRecord(typeName string, props Props) (MutableRecord, error) {
	t, err := tx.e.Type(typeName)
	if err != nil {
		return nil, err
	}
	switch t.Kind {
	case KindVertex:
		return NewVertex(typeName, props), nil
	case KindDocument:
		return NewDocument(typeName, props), nil
	}
	return nil, fmt.Errorf("%w: %s is an edge type, use NewEdge", ErrWrongKind, typeName)
}

// NewDocument builds a detached document of a document type.
func (tx *Tx) NewDocument(typeName string, props Props) (*Document, error) {
	if err := tx.expectKind(typeName, KindDocument); err != nil {
		return nil, err
	}
	return NewDocument(typeName, props), nil
}

// NewVertex builds a detached vertex of a vertex type.
func (tx *Tx) NewVertex(typeName string, props Props) (*Vertex, error) {
	if err := tx.expectKind(typeName, KindVertex); err != nil {
		return nil, err
	}
	return NewVertex(typeName, props), nil
}

func (tx *Tx) expectKind(typeName string, kind Kind) error {
	t, err := tx.e.Type(typeName)
	if err != nil {
		return err
	}
	if t.Kind != kind {
		return fmt.Errorf("%w: %s is a %s type, not %s", ErrWrongKind, typeName, t.Kind, kind)
	}
	return nil
}

type identitySetter interface {
	setIdentity(RID)
}

// normalized clones rec with property values folded into the shapes the
// codec produces, so a record reads the same before and after commit.
func normalized(rec Record) Record {
	cp := rec.Clone()
	if d, ok := cp.(interface{ doc() *Document }); ok {
		props := d.doc().props
		for k, v := range props {
			props[k] = fromWire(toWire(v))
		}
	}
	return cp
}

// Save persists a new record (assigning its identity) or an update to an
// existing one. bucket selects the target bucket of a new record; empty
// picks one of the type's buckets round-robin.
func (tx *Tx) Save(rec Record, bucket string) (RID, error) {
	if err := tx.check(); err != nil {
		return NoRID, err
	}
	t, err := tx.e.Type(rec.TypeName())
	if err != nil {
		return NoRID, err
	}
	if t.Kind != rec.Kind() {
		return NoRID, fmt.Errorf("%w: %s record saved as %s type %s", ErrWrongKind, rec.Kind(), t.Kind, t.Name)
	}
	if rec.Identity().IsPersistent() {
		return tx.update(rec, bucket)
	}
	return tx.insert(t, rec, bucket)
}

func (tx *Tx) insert(t *TypeDef, rec Record, bucket string) (RID, error) {
	setter, ok := rec.(identitySetter)
	if !ok {
		return NoRID, fmt.Errorf("storage: cannot assign identity to %T", rec)
	}
	edge, isEdge := rec.(*Edge)
	if isEdge {
		if edge.lightweight {
			return NoRID, fmt.Errorf("storage: lightweight edges have no record to save")
		}
		if err := tx.checkEndpoints(edge.Out, edge.In); err != nil {
			return NoRID, err
		}
	}

	var b int32
	if bucket != "" {
		id, err := tx.e.BucketID(bucket)
		if err != nil {
			return NoRID, err
		}
		if !containsInt32(t.Buckets, id) {
			return NoRID, fmt.Errorf("%w: %s is not a bucket of %s", ErrBucketNotFound, bucket, t.Name)
		}
		b = id
	} else {
		id, err := tx.e.defaultBucket(t.Name)
		if err != nil {
			return NoRID, err
		}
		b = id
	}

	indexes := tx.e.IndexesOf(t.Name)
	for _, def := range indexes {
		if err := tx.checkUnique(def, rec, NoRID); err != nil {
			return NoRID, err
		}
	}

	rid := RID{Bucket: b, Position: tx.e.allocatePosition(b)}
	tx.touched[b] = struct{}{}
	setter.setIdentity(rid)

	stored := normalized(rec)
	for _, def := range indexes {
		tx.writeIndexEntry(def, stored)
	}
	if isEdge {
		tx.link(stored.(*Edge))
	}
	tx.records[rid] = stored
	tx.created = append(tx.created, rid)
	tx.createdSet[rid] = struct{}{}
	tx.counts[b]++
	return rid, nil
}

func (tx *Tx) update(rec Record, bucket string) (RID, error) {
	rid := rec.Identity()
	if bucket != "" {
		id, err := tx.e.BucketID(bucket)
		if err != nil {
			return NoRID, err
		}
		if id != rid.Bucket {
			return NoRID, fmt.Errorf("storage: cannot move %s to bucket %s", rid, bucket)
		}
	}
	old, err := tx.Load(rid)
	if err != nil {
		return NoRID, err
	}
	if old.TypeName() != rec.TypeName() {
		return NoRID, fmt.Errorf("%w: %s is a %s, not %s", ErrWrongKind, rid, old.TypeName(), rec.TypeName())
	}

	indexes := tx.e.IndexesOf(rec.TypeName())
	for _, def := range indexes {
		if err := tx.checkUnique(def, rec, rid); err != nil {
			return NoRID, err
		}
	}
	for _, def := range indexes {
		tx.removeIndexEntry(def, old)
	}
	stored := normalized(rec)
	if oe, ok := old.(*Edge); ok {
		if se, ok := stored.(*Edge); ok {
			se.Out, se.In = oe.Out, oe.In
		}
	}
	for _, def := range indexes {
		tx.writeIndexEntry(def, stored)
	}
	tx.records[rid] = stored
	return rid, nil
}

// Delete removes a record. Deleting a vertex also deletes all of its edges.
func (tx *Tx) Delete(rid RID) error {
	rec, err := tx.Load(rid)
	if err != nil {
		return err
	}
	return tx.deleteRecord(rec)
}

// DeleteEdge removes an edge, including lightweight ones.
func (tx *Tx) DeleteEdge(e *Edge) error {
	if err := tx.check(); err != nil {
		return err
	}
	return tx.deleteRecord(e)
}

func (tx *Tx) deleteRecord(rec Record) error {
	rid := rec.Identity()
	if rec.Kind() == KindVertex {
		edges, err := tx.Edges(rid, Both)
		if err != nil {
			return err
		}
		seen := make(map[RID]struct{}, len(edges))
		for _, e := range edges {
			if _, dup := seen[e.Identity()]; dup {
				continue
			}
			seen[e.Identity()] = struct{}{}
			if err := tx.deleteRecord(e); err != nil {
				return err
			}
		}
	}
	if e, ok := rec.(*Edge); ok {
		tx.unlink(e)
		if e.lightweight {
			return nil
		}
	}
	if _, gone := tx.deleted[rid]; gone {
		return nil
	}
	for _, def := range tx.e.IndexesOf(rec.TypeName()) {
		tx.removeIndexEntry(def, rec)
	}
	if _, isNew := tx.createdSet[rid]; isNew {
		delete(tx.createdSet, rid)
		for i, c := range tx.created {
			if c == rid {
				tx.created = append(tx.created[:i], tx.created[i+1:]...)
				break
			}
		}
		delete(tx.records, rid)
	} else {
		delete(tx.records, rid)
		tx.deleted[rid] = struct{}{}
	}
	tx.counts[rid.Bucket]--
	return nil
}

// ---------------------------------------------------------------------------
// Scans
// ---------------------------------------------------------------------------

// RecordCursor iterates the records of one bucket in position order.
type RecordCursor struct {
	tx  *Tx
	cur *chunkCursor
}

// BucketCursor scans a bucket ascending or descending by position.
func (tx *Tx) BucketCursor(bucket int32, ascending bool) *RecordCursor {
	rng := keyRange{prefix: encodeBucketPrefix(bucket)}
	return &RecordCursor{
		tx:  tx,
		cur: newChunkCursor(tx.e.store, bucketRecords, rng, !ascending, tx.e.opts.ScanChunk),
	}
}

// Next returns the next record, or ok=false when the bucket is exhausted.
func (c *RecordCursor) Next() (Record, bool, error) {
	if c.cur == nil {
		return nil, false, nil
	}
	if err := c.tx.check(); err != nil {
		return nil, false, err
	}
	for {
		e, ok, err := c.cur.next()
		if err != nil || !ok {
			return nil, false, err
		}
		rid := decodeRID(e.key)
		if _, gone := c.tx.deleted[rid]; gone {
			continue
		}
		if r, ok := c.tx.records[rid]; ok {
			return r.Clone(), true, nil
		}
		if r := c.tx.e.cache.get(rid); r != nil {
			return r, true, nil
		}
		rec, err := decodeRecord(rid, e.val)
		if err != nil {
			return nil, false, err
		}
		c.tx.e.cache.put(rec)
		return rec, true, nil
	}
}

// Close releases the cursor.
func (c *RecordCursor) Close() { c.cur = nil }

// Uncommitted returns the records created in this transaction whose bucket
// is one of buckets, ordered by identity.
func (tx *Tx) Uncommitted(buckets []int32, ascending bool) []Record {
	var out []Record
	for _, rid := range tx.created {
		if !containsInt32(buckets, rid.Bucket) {
			continue
		}
		if r, ok := tx.records[rid]; ok {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].Identity().Less(out[j].Identity())
		}
		return out[j].Identity().Less(out[i].Identity())
	})
	return out
}

// CountBucket returns the record count of a bucket as seen by this transaction.
func (tx *Tx) CountBucket(id int32) int64 {
	return tx.e.CountBucket(id) + tx.counts[id]
}

// CountType returns the record count of a type as seen by this transaction.
func (tx *Tx) CountType(name string, polymorphic bool) (int64, error) {
	ids, err := tx.e.BucketsOf(name, polymorphic)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		n += tx.CountBucket(id)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Commit / rollback
// ---------------------------------------------------------------------------

// Commit writes the overlay to the store and ends the transaction.
func (tx *Tx) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}
	e := tx.e
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	ops := make([]Op, 0, len(tx.records)+len(tx.deleted)+len(tx.extra))
	for rid, rec := range tx.records {
		data, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("storage: commit %s: %w", rid, err)
		}
		ops = append(ops, Op{Bucket: bucketRecords, Key: encodeRID(rid), Value: data})
	}
	for rid := range tx.deleted {
		ops = append(ops, Op{Bucket: bucketRecords, Key: encodeRID(rid), Delete: true})
	}
	for bucket, m := range tx.writes {
		for _, w := range m {
			ops = append(ops, Op{Bucket: bucket, Key: w.key, Value: w.val, Delete: w.del})
		}
	}

	e.mu.RLock()
	newCounts := make(map[int32]int64, len(tx.counts))
	for b, d := range tx.counts {
		c := e.counts[b] + d
		if c < 0 {
			c = 0
		}
		newCounts[b] = c
		ops = append(ops, Op{Bucket: bucketMeta, Key: metaKey(metaCntPrefix, b), Value: encodeUint64(uint64(c))})
	}
	for b := range tx.touched {
		ops = append(ops, Op{Bucket: bucketMeta, Key: metaKey(metaPosPrefix, b), Value: encodeUint64(uint64(e.positions[b]))})
	}
	e.mu.RUnlock()
	if tx.lightUsed {
		ops = append(ops, Op{Bucket: bucketMeta, Key: []byte(metaLightSeq), Value: encodeUint64(uint64(e.lightSeq.Load()))})
	}
	ops = append(ops, tx.extra...)

	if err := e.store.Apply(ops); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}

	e.mu.Lock()
	for b, c := range newCounts {
		e.counts[b] = c
	}
	e.mu.Unlock()
	for rid := range tx.deleted {
		e.cache.invalidate(rid)
	}
	for _, rec := range tx.records {
		e.cache.put(rec)
	}

	tx.commits++
	tx.done = true
	return nil
}

// Rollback discards the overlay. Positions allocated by the transaction are
// not reused.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.reset()
	tx.done = true
}

// Restart commits the pending writes and begins again on the same handle.
func (tx *Tx) Restart() error {
	if err := tx.Commit(); err != nil {
		return err
	}
	tx.reset()
	return nil
}

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func containsInt32(list []int32, v int32) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
