package storage

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// BucketsPerType is how many buckets CreateType allocates. Default: 1.
	BucketsPerType int
	// CacheSize is the record cache capacity. 0 uses the default (10000);
	// a negative value disables the cache.
	CacheSize int
	// ScanChunk is how many keys a cursor reads per store scan. Default: 256.
	ScanChunk int
	// Logger receives engine diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultEngineOptions returns the defaults used when fields are left zero.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{BucketsPerType: 1, CacheSize: 10000, ScanChunk: DefaultScanChunk}
}

// Engine owns the schema catalog and hands out transactions over a Store.
type Engine struct {
	store Store
	opts  EngineOptions
	log   *slog.Logger
	cache *recordCache

	mu          sync.RWMutex
	types       map[string]*TypeDef
	buckets     map[int32]*BucketDef
	bucketNames map[string]int32
	indexes     map[string]*IndexDef
	nextBucket  int32
	positions   map[int32]int64 // next free position per bucket
	counts      map[int32]int64
	rr          map[string]int // round-robin cursor for default bucket choice

	lightSeq atomic.Int64
	commitMu sync.Mutex
	closed   atomic.Bool
}

// Meta keys.
const (
	metaNextBucket = "next_bucket"
	metaLightSeq   = "light_seq"
	metaPosPrefix  = "pos:"
	metaCntPrefix  = "count:"
)

// Open loads the catalog and counters from store.
func Open(store Store, opts EngineOptions) (*Engine, error) {
	def := DefaultEngineOptions()
	if opts.BucketsPerType <= 0 {
		opts.BucketsPerType = def.BucketsPerType
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = def.CacheSize
	}
	if opts.ScanChunk < 2 {
		opts.ScanChunk = def.ScanChunk
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		store:       store,
		opts:        opts,
		log:         opts.Logger,
		cache:       newRecordCache(opts.CacheSize),
		buckets:     make(map[int32]*BucketDef),
		bucketNames: make(map[string]int32),
		positions:   make(map[int32]int64),
		counts:      make(map[int32]int64),
		rr:          make(map[string]int),
	}

	types, indexes, err := loadCatalog(store)
	if err != nil {
		return nil, err
	}
	e.types, e.indexes = types, indexes
	for _, t := range types {
		for i, id := range t.Buckets {
			name := bucketNameFor(t.Name, i)
			e.buckets[id] = &BucketDef{ID: id, Name: name, Type: t.Name}
			e.bucketNames[name] = id
		}
	}

	err = store.Scan(bucketMeta, ScanOptions{}, func(k, v []byte) bool {
		key := string(k)
		switch {
		case key == metaNextBucket:
			e.nextBucket = int32(decodeUint64(v))
		case key == metaLightSeq:
			e.lightSeq.Store(int64(decodeUint64(v)))
		case strings.HasPrefix(key, metaPosPrefix) && len(k) == len(metaPosPrefix)+4:
			e.positions[int32(binary.BigEndian.Uint32(k[len(metaPosPrefix):]))] = int64(decodeUint64(v))
		case strings.HasPrefix(key, metaCntPrefix) && len(k) == len(metaCntPrefix)+4:
			e.counts[int32(binary.BigEndian.Uint32(k[len(metaCntPrefix):]))] = int64(decodeUint64(v))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("storage: load counters: %w", err)
	}

	e.log.Debug("storage engine opened",
		"types", len(e.types),
		"indexes", len(e.indexes),
		"buckets", len(e.buckets),
	)
	return e, nil
}

func bucketNameFor(typeName string, i int) string {
	if i == 0 {
		return strings.ToLower(typeName)
	}
	return fmt.Sprintf("%s_%d", strings.ToLower(typeName), i)
}

func metaKey(prefix string, bucket int32) []byte {
	k := make([]byte, len(prefix)+4)
	copy(k, prefix)
	binary.BigEndian.PutUint32(k[len(prefix):], uint32(bucket))
	return k
}

func (e *Engine) isClosed() bool { return e.closed.Load() }

// Close closes the engine and its store.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.log.Debug("storage engine closed")
	return e.store.Close()
}

// Store exposes the underlying key/value store.
func (e *Engine) Store() Store { return e.store }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.log }

// ScanChunk is the configured cursor refill size.
func (e *Engine) ScanChunk() int { return e.opts.ScanChunk }

// CachedRecords returns the number of records in the record cache.
func (e *Engine) CachedRecords() int { return e.cache.len() }

// CacheStats returns record cache hits and misses.
func (e *Engine) CacheStats() (hits, misses uint64) {
	return e.cache.hits.Load(), e.cache.misses.Load()
}

// ---------------------------------------------------------------------------
// Types and buckets
// ---------------------------------------------------------------------------

// CreateType registers a type and allocates its buckets. Supertypes must
// already exist and share the kind.
func (e *Engine) CreateType(name string, kind Kind, supers ...string) (*TypeDef, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if name == "" {
		return nil, fmt.Errorf("storage: type name must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.types[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeExists, name)
	}
	for _, s := range supers {
		st, ok := e.types[s]
		if !ok {
			return nil, fmt.Errorf("%w: supertype %s", ErrTypeNotFound, s)
		}
		if st.Kind != kind {
			return nil, fmt.Errorf("%w: %s is a %s, %s is a %s", ErrWrongKind, s, st.Kind, name, kind)
		}
	}

	def := &TypeDef{Name: name, Kind: kind, Supers: append([]string(nil), supers...)}
	next := e.nextBucket
	for i := 0; i < e.opts.BucketsPerType; i++ {
		def.Buckets = append(def.Buckets, next)
		next++
	}

	ops, err := typeOps(def)
	if err != nil {
		return nil, err
	}
	ops = append(ops, Op{Bucket: bucketMeta, Key: []byte(metaNextBucket), Value: encodeUint64(uint64(next))})
	if err := e.store.Apply(ops); err != nil {
		return nil, fmt.Errorf("storage: create type %s: %w", name, err)
	}

	e.nextBucket = next
	e.types[name] = def
	for i, id := range def.Buckets {
		bn := bucketNameFor(name, i)
		e.buckets[id] = &BucketDef{ID: id, Name: bn, Type: name}
		e.bucketNames[bn] = id
	}
	e.log.Debug("type created", "type", name, "kind", kind.String(), "buckets", def.Buckets)
	return def, nil
}

// Type returns the definition of a type.
func (e *Engine) Type(name string) (*TypeDef, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, name)
	}
	return t, nil
}

// Types returns all types sorted by name.
func (e *Engine) Types() []*TypeDef {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*TypeDef, 0, len(e.types))
	for _, t := range e.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SubTypes returns every transitive subtype of name, sorted.
func (e *Engine) SubTypes(name string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.subTypesLocked(name)
}

func (e *Engine) subTypesLocked(name string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		for _, t := range e.types {
			for _, s := range t.Supers {
				if s == n && !seen[t.Name] {
					seen[t.Name] = true
					walk(t.Name)
				}
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// superChainLocked returns name followed by all its ancestors.
func (e *Engine) superChainLocked(name string) []string {
	out := []string{name}
	seen := map[string]bool{name: true}
	for i := 0; i < len(out); i++ {
		t, ok := e.types[out[i]]
		if !ok {
			continue
		}
		for _, s := range t.Supers {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// IsSubTypeOf reports whether name is super or inherits from it.
func (e *Engine) IsSubTypeOf(name, super string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, n := range e.superChainLocked(name) {
		if n == super {
			return true
		}
	}
	return false
}

// BucketsOf returns the bucket ids of a type in ascending order; with
// polymorphic set, the buckets of all subtypes are included.
func (e *Engine) BucketsOf(name string, polymorphic bool) ([]int32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, name)
	}
	ids := append([]int32(nil), t.Buckets...)
	if polymorphic {
		for _, sub := range e.subTypesLocked(name) {
			ids = append(ids, e.types[sub].Buckets...)
		}
	}
	return sortedInt32(ids), nil
}

// BucketName resolves a bucket id.
func (e *Engine) BucketName(id int32) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.buckets[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrBucketNotFound, id)
	}
	return b.Name, nil
}

// BucketID resolves a bucket name.
func (e *Engine) BucketID(name string) (int32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.bucketNames[strings.ToLower(name)]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrBucketNotFound, name)
	}
	return id, nil
}

// BucketType returns the type owning a bucket.
func (e *Engine) BucketType(id int32) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.buckets[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrBucketNotFound, id)
	}
	return b.Type, nil
}

// CountBucket returns the committed record count of a bucket.
func (e *Engine) CountBucket(id int32) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.counts[id]
}

// CountType returns the committed record count of a type.
func (e *Engine) CountType(name string, polymorphic bool) (int64, error) {
	ids, err := e.BucketsOf(name, polymorphic)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		n += e.CountBucket(id)
	}
	return n, nil
}

// defaultBucket picks the next bucket of a type round-robin.
func (e *Engine) defaultBucket(typeName string) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.types[typeName]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrTypeNotFound, typeName)
	}
	i := e.rr[typeName] % len(t.Buckets)
	e.rr[typeName]++
	return t.Buckets[i], nil
}

func (e *Engine) allocatePosition(bucket int32) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.positions[bucket]
	e.positions[bucket] = p + 1
	return p
}

func (e *Engine) nextLightweightRID() RID {
	seq := e.lightSeq.Add(1)
	return RID{Bucket: -1, Position: -1 - seq}
}

// ---------------------------------------------------------------------------
// Indexes
// ---------------------------------------------------------------------------

// CreateIndex registers an index and builds it over the existing records of
// the type and its subtypes.
func (e *Engine) CreateIndex(def IndexDef) (*IndexDef, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if def.Name == "" || strings.IndexByte(def.Name, 0) >= 0 {
		return nil, fmt.Errorf("storage: invalid index name %q", def.Name)
	}
	if len(def.Properties) == 0 {
		return nil, fmt.Errorf("storage: index %s has no properties", def.Name)
	}
	e.mu.Lock()
	if _, ok := e.indexes[def.Name]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIndexExists, def.Name)
	}
	if _, ok := e.types[def.Type]; !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, def.Type)
	}
	d := def
	d.Properties = append([]string(nil), def.Properties...)
	e.indexes[d.Name] = &d
	e.mu.Unlock()

	// Populate through a transaction so unique violations are detected.
	tx := e.Begin()
	ids, err := e.BucketsOf(d.Type, true)
	if err == nil {
	outer:
		for _, id := range ids {
			cur := tx.BucketCursor(id, true)
			for {
				rec, ok, cerr := cur.Next()
				if cerr != nil {
					err = cerr
					break outer
				}
				if !ok {
					break
				}
				if err = tx.addIndexEntry(&d, rec); err != nil {
					break outer
				}
			}
		}
	}
	if err == nil {
		var op Op
		if op, err = indexOp(&d); err == nil {
			tx.extra = append(tx.extra, op)
			err = tx.Commit()
		}
	}
	if err != nil {
		tx.Rollback()
		e.mu.Lock()
		delete(e.indexes, d.Name)
		e.mu.Unlock()
		return nil, fmt.Errorf("storage: create index %s: %w", d.Name, err)
	}
	e.log.Debug("index created", "index", d.String())
	return &d, nil
}

// Index returns an index definition by name.
func (e *Engine) Index(name string) (*IndexDef, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return d, nil
}

// IndexesOf returns the indexes covering every record of a type: those
// declared on the type itself and on its supertypes, sorted by name.
func (e *Engine) IndexesOf(typeName string) []*IndexDef {
	e.mu.RLock()
	defer e.mu.RUnlock()
	chain := e.superChainLocked(typeName)
	var out []*IndexDef
	for _, d := range e.indexes {
		for _, t := range chain {
			if d.Type == t {
				out = append(out, d)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
