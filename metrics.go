package graphpipe

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mstrYoda/graphpipe/exec"
)

// Metrics holds operational counters. Prometheus text exposition is written
// by hand so the library does not depend on client_golang.
type Metrics struct {
	QueriesTotal    atomic.Uint64 // statements executed through Query, Stream and Profile
	SlowQueries     atomic.Uint64 // statements over SlowQueryThreshold
	QueryErrorTotal atomic.Uint64 // statements that returned an error
	RowsReturned    atomic.Uint64

	QueryDurationSum atomic.Int64 // cumulative microseconds
	QueryDurationMax atomic.Int64 // max observed microseconds

	PlanCacheHits   atomic.Uint64
	PlanCacheMisses atomic.Uint64

	// Pipeline counters, summed from each statement's CommandContext stats.
	RecordsScanned atomic.Uint64
	RecordsSaved   atomic.Uint64
	RecordsDeleted atomic.Uint64
	IndexEntries   atomic.Uint64
	EdgesTraversed atomic.Uint64
	Commits        atomic.Uint64
	Timeouts       atomic.Uint64

	db *DB
}

func newMetrics(db *DB) *Metrics { return &Metrics{db: db} }

// recordQueryDuration records a statement's wall-clock duration.
func (m *Metrics) recordQueryDuration(d time.Duration) {
	us := d.Microseconds()
	m.QueryDurationSum.Add(us)
	for {
		cur := m.QueryDurationMax.Load()
		if us <= cur {
			break
		}
		if m.QueryDurationMax.CompareAndSwap(cur, us) {
			break
		}
	}
}

// recordStats folds the counters of one execution in.
func (m *Metrics) recordStats(stats map[string]int64) {
	add := func(c *atomic.Uint64, name string) {
		if n := stats[name]; n > 0 {
			c.Add(uint64(n))
		}
	}
	add(&m.RecordsScanned, exec.StatRecordsScanned)
	add(&m.RecordsSaved, exec.StatRecordsSaved)
	add(&m.RecordsDeleted, exec.StatRecordsDeleted)
	add(&m.IndexEntries, exec.StatIndexEntries)
	add(&m.EdgesTraversed, exec.StatEdgesTraversed)
	add(&m.Commits, exec.StatCommits)
	add(&m.Timeouts, exec.StatTimeouts)
}

// Snapshot returns a point-in-time copy of all metrics.
func (m *Metrics) Snapshot() map[string]any {
	snap := map[string]any{
		"queries_total":         m.QueriesTotal.Load(),
		"slow_queries_total":    m.SlowQueries.Load(),
		"query_errors_total":    m.QueryErrorTotal.Load(),
		"rows_returned_total":   m.RowsReturned.Load(),
		"query_duration_sum_us": m.QueryDurationSum.Load(),
		"query_duration_max_us": m.QueryDurationMax.Load(),
		"plan_cache_hits":       m.PlanCacheHits.Load(),
		"plan_cache_misses":     m.PlanCacheMisses.Load(),
		"records_scanned_total": m.RecordsScanned.Load(),
		"records_saved_total":   m.RecordsSaved.Load(),
		"records_deleted_total": m.RecordsDeleted.Load(),
		"index_entries_total":   m.IndexEntries.Load(),
		"edges_traversed_total": m.EdgesTraversed.Load(),
		"commits_total":         m.Commits.Load(),
		"timeouts_total":        m.Timeouts.Load(),
	}
	if m.db != nil {
		hits, misses := m.db.engine.CacheStats()
		snap["record_cache_entries"] = m.db.engine.CachedRecords()
		snap["record_cache_hits"] = hits
		snap["record_cache_misses"] = misses
		if m.db.plans != nil {
			cs := m.db.plans.Stats()
			snap["plan_cache_entries"] = cs.Entries
			snap["plan_cache_capacity"] = cs.Capacity
		}
	}
	return snap
}

// WritePrometheus writes all metrics in Prometheus text exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	pCounter(w, "graphpipe_queries_total", "Total number of statements executed", m.QueriesTotal.Load())
	pCounter(w, "graphpipe_slow_queries_total", "Total number of slow statements", m.SlowQueries.Load())
	pCounter(w, "graphpipe_query_errors_total", "Total number of failed statements", m.QueryErrorTotal.Load())
	pCounter(w, "graphpipe_rows_returned_total", "Rows returned to callers", m.RowsReturned.Load())
	pCounter(w, "graphpipe_query_duration_microseconds_sum", "Cumulative statement duration in microseconds", uint64(m.QueryDurationSum.Load()))
	pCounter(w, "graphpipe_plan_cache_hits_total", "Plan cache hits", m.PlanCacheHits.Load())
	pCounter(w, "graphpipe_plan_cache_misses_total", "Plan cache misses", m.PlanCacheMisses.Load())

	pipeline := map[string]*atomic.Uint64{
		"records_scanned": &m.RecordsScanned,
		"records_saved":   &m.RecordsSaved,
		"records_deleted": &m.RecordsDeleted,
		"index_entries":   &m.IndexEntries,
		"edges_traversed": &m.EdgesTraversed,
		"commits":         &m.Commits,
		"timeouts":        &m.Timeouts,
	}
	names := make([]string, 0, len(pipeline))
	for n := range pipeline {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		pCounter(w, "graphpipe_"+n+"_total", "Pipeline counter "+n, pipeline[n].Load())
	}

	if m.db != nil {
		pGauge(w, "graphpipe_record_cache_entries", "Records held by the record cache", float64(m.db.engine.CachedRecords()))
		if m.db.plans != nil {
			cs := m.db.plans.Stats()
			pGauge(w, "graphpipe_plan_cache_entries", "Current plan cache entries", float64(cs.Entries))
			pGauge(w, "graphpipe_plan_cache_capacity", "Plan cache max capacity", float64(cs.Capacity))
		}
	}
	pGauge(w, "graphpipe_query_duration_microseconds_max", "Maximum observed statement duration in microseconds", float64(m.QueryDurationMax.Load()))
}

// ---------------------------------------------------------------------------
// Prometheus text format helpers
// ---------------------------------------------------------------------------

func pCounter(w io.Writer, name, help string, val uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, val)
}

func pGauge(w io.Writer, name, help string, val float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, val)
}
