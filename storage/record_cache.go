package storage

import (
	"sync"
	"sync/atomic"
)

// recordCache is a sharded LRU of decoded committed records. It saves a KV
// lookup and a msgpack decode for hot vertices during traversals. Entries are
// cloned on the way in and on the way out.
type recordCache struct {
	shards   []recordShard
	capacity int

	hits   atomic.Uint64
	misses atomic.Uint64
}

type recordShard struct {
	mu       sync.Mutex
	items    map[RID]*cacheEntry
	head     *cacheEntry // most recently used
	tail     *cacheEntry
	capacity int
}

type cacheEntry struct {
	key  RID
	rec  Record
	prev *cacheEntry
	next *cacheEntry
}

const recordCacheShards = 16

// newRecordCache returns a cache holding up to capacity records in total.
// A capacity <= 0 disables caching; every method stays safe to call.
func newRecordCache(capacity int) *recordCache {
	c := &recordCache{shards: make([]recordShard, recordCacheShards), capacity: capacity}
	perShard := capacity / recordCacheShards
	if perShard < 1 {
		perShard = 1
	}
	for i := range c.shards {
		c.shards[i] = recordShard{items: make(map[RID]*cacheEntry), capacity: perShard}
	}
	return c
}

func (c *recordCache) shard(rid RID) *recordShard {
	h := uint64(rid.Position)*31 + uint64(uint32(rid.Bucket))
	return &c.shards[h%recordCacheShards]
}

func (c *recordCache) get(rid RID) Record {
	if c.capacity <= 0 {
		return nil
	}
	s := c.shard(rid)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[rid]
	if !ok {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	s.moveToFront(e)
	return e.rec.Clone()
}

func (c *recordCache) put(rec Record) {
	if c.capacity <= 0 || rec == nil {
		return
	}
	rid := rec.Identity()
	s := c.shard(rid)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[rid]; ok {
		e.rec = rec.Clone()
		s.moveToFront(e)
		return
	}
	e := &cacheEntry{key: rid, rec: rec.Clone()}
	s.items[rid] = e
	s.pushFront(e)
	if len(s.items) > s.capacity {
		s.evict()
	}
}

func (c *recordCache) invalidate(rid RID) {
	if c.capacity <= 0 {
		return
	}
	s := c.shard(rid)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[rid]; ok {
		s.remove(e)
		delete(s.items, rid)
	}
}

func (c *recordCache) len() int {
	if c.capacity <= 0 {
		return 0
	}
	total := 0
	for i := range c.shards {
		c.shards[i].mu.Lock()
		total += len(c.shards[i].items)
		c.shards[i].mu.Unlock()
	}
	return total
}

// ---------------------------------------------------------------------------
// LRU list operations (caller holds the shard lock)
// ---------------------------------------------------------------------------

func (s *recordShard) moveToFront(e *cacheEntry) {
	if s.head == e {
		return
	}
	s.remove(e)
	s.pushFront(e)
}

func (s *recordShard) pushFront(e *cacheEntry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *recordShard) remove(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (s *recordShard) evict() {
	if s.tail == nil {
		return
	}
	victim := s.tail
	s.remove(victim)
	delete(s.items, victim.key)
}
