package graphpipe

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// SlowQueryEntry records one slow statement.
type SlowQueryEntry struct {
	ExecID     uuid.UUID     `json:"exec_id"`
	Statement  string        `json:"statement"`
	Duration   time.Duration `json:"-"`
	DurationMs float64       `json:"duration_ms"`
	Rows       int           `json:"rows"`
	Timestamp  time.Time     `json:"timestamp"`
}

// slowQueryLog is a bounded ring buffer of recent slow statements.
type slowQueryLog struct {
	mu      sync.Mutex
	entries []SlowQueryEntry
	pos     int
	cap     int
	total   int
}

func newSlowQueryLog(capacity int) *slowQueryLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &slowQueryLog{entries: make([]SlowQueryEntry, 0, capacity), cap: capacity}
}

func (l *slowQueryLog) add(e SlowQueryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) < l.cap {
		l.entries = append(l.entries, e)
	} else {
		l.entries[l.pos] = e
	}
	l.pos = (l.pos + 1) % l.cap
	l.total++
}

// recent returns up to n entries, newest first.
func (l *slowQueryLog) recent(n int) []SlowQueryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := len(l.entries)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]SlowQueryEntry, n)
	for i := 0; i < n; i++ {
		out[i] = l.entries[(l.pos-1-i+size)%size]
	}
	return out
}

// slowQueryCheck records and logs a statement that took at least the slow
// query threshold. No-op when the threshold is not positive.
func (db *DB) slowQueryCheck(id uuid.UUID, stmt string, d time.Duration, rows int) {
	threshold := db.opts.SlowQueryThreshold
	if threshold <= 0 || d < threshold {
		return
	}
	db.metrics.SlowQueries.Add(1)
	ms := float64(d.Microseconds()) / 1000.0
	db.slowLog.add(SlowQueryEntry{
		ExecID:     id,
		Statement:  truncateStatement(stmt, 500),
		Duration:   d,
		DurationMs: ms,
		Rows:       rows,
		Timestamp:  time.Now(),
	})
	db.log.Warn("slow query detected",
		"exec_id", id,
		"statement", truncateStatement(stmt, 200),
		"duration_ms", ms,
		"rows", rows,
		"threshold", threshold.String(),
	)
}

// SlowQueries returns the most recent slow statements, newest first.
func (db *DB) SlowQueries(n int) []SlowQueryEntry { return db.slowLog.recent(n) }

func truncateStatement(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
