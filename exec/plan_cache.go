package exec

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Plan cache: a bounded LRU of plans keyed by statement text. Only plans
// whose steps can all be rebuilt from their serialized form are stored, and
// every hit hands out a fresh copy so concurrent executions never share step
// state.
// ---------------------------------------------------------------------------

// DefaultPlanCacheSize is used when a cache is created with a non-positive
// capacity.
const DefaultPlanCacheSize = 300

// CacheStats holds plan cache statistics for observability.
type CacheStats struct {
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// PlanCache is safe for concurrent use.
type PlanCache struct {
	mu       sync.Mutex
	items    map[string]*planCacheEntry
	head     *planCacheEntry // most recently used
	tail     *planCacheEntry // least recently used
	capacity int
	hits     atomic.Uint64
	misses   atomic.Uint64
}

type planCacheEntry struct {
	key  string
	plan Plan
	prev *planCacheEntry
	next *planCacheEntry
}

func NewPlanCache(capacity int) *PlanCache {
	if capacity <= 0 {
		capacity = DefaultPlanCacheSize
	}
	return &PlanCache{
		items:    make(map[string]*planCacheEntry, capacity),
		capacity: capacity,
	}
}

// Get returns a copy of the plan cached under key.
func (c *PlanCache) Get(key string) (Plan, bool) {
	c.mu.Lock()
	entry, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.moveToFront(entry)
	cached := entry.plan
	c.mu.Unlock()

	plan, err := CopyPlan(cached)
	if err != nil {
		c.Invalidate(key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return plan, true
}

// Put stores a copy of plan under key when the plan can be cached. It
// reports whether the plan was stored.
func (c *PlanCache) Put(key string, plan Plan) bool {
	if !plan.CanBeCached() {
		return false
	}
	cp, err := CopyPlan(plan)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		entry.plan = cp
		c.moveToFront(entry)
		return true
	}
	entry := &planCacheEntry{key: key, plan: cp}
	c.items[key] = entry
	c.pushFront(entry)
	if len(c.items) > c.capacity {
		c.evictLRU()
	}
	return true
}

// Invalidate drops one key.
func (c *PlanCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.items[key]; ok {
		c.removeEntry(entry)
		delete(c.items, key)
	}
}

// Clear drops every entry. Schema changes call it.
func (c *PlanCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*planCacheEntry, c.capacity)
	c.head, c.tail = nil, nil
}

// Stats returns current cache statistics.
func (c *PlanCache) Stats() CacheStats {
	c.mu.Lock()
	n := len(c.items)
	capacity := c.capacity
	c.mu.Unlock()
	return CacheStats{
		Entries:  n,
		Capacity: capacity,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}

func (c *PlanCache) moveToFront(e *planCacheEntry) {
	if c.head == e {
		return
	}
	c.removeEntry(e)
	c.pushFront(e)
}

func (c *PlanCache) pushFront(e *planCacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *PlanCache) removeEntry(e *planCacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *PlanCache) evictLRU() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	c.removeEntry(victim)
	delete(c.items, victim.key)
}
