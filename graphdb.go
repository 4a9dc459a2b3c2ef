package graphpipe

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/mstrYoda/graphpipe/exec"
	"github.com/mstrYoda/graphpipe/storage"
)

// ErrClosed is returned by every method of a closed DB.
var ErrClosed = errors.New("graphpipe: database is closed")

// boltFile is the database file inside the data directory.
const boltFile = "graphpipe.db"

// DB is an embedded document/graph database that runs statements through the
// exec pipeline.
//
// Concurrency model:
//   - Every statement runs in its own storage transaction; the plan inside it
//     is single-threaded.
//   - Independent statements may run in parallel (QueryAll uses the worker pool).
//   - Commits are serialized by the engine.
type DB struct {
	opts     Options
	dir      string
	store    storage.Store
	engine   *storage.Engine
	plans    *exec.PlanCache // nil when disabled
	pool     *workerPool
	log      *slog.Logger
	mu       sync.Mutex  // only used in Close() to prevent double-close
	closed   atomic.Bool // checked by every operation without locking
	metrics  *Metrics
	slowLog  *slowQueryLog
	governor *queryGovernor
}

// Open creates or opens a database in dir. With BackendBadger and InMemory
// set, dir is ignored.
func Open(dir string, opts Options) (*DB, error) {
	opts.fill()
	logger := opts.Logger

	var store storage.Store
	switch opts.Backend {
	case BackendBolt:
		s, err := storage.OpenBolt(filepath.Join(dir, boltFile), storage.BoltOptions{NoSync: opts.NoSync})
		if err != nil {
			return nil, fmt.Errorf("graphpipe: open bolt store: %w", err)
		}
		store = s
	case BackendBadger:
		s, err := storage.OpenBadger(storage.BadgerOptions{Dir: dir, InMemory: opts.InMemory, SyncWrites: !opts.NoSync})
		if err != nil {
			return nil, fmt.Errorf("graphpipe: open badger store: %w", err)
		}
		store = s
	default:
		return nil, fmt.Errorf("graphpipe: unknown backend %q", opts.Backend)
	}

	engine, err := storage.Open(store, storage.EngineOptions{
		BucketsPerType: opts.BucketsPerType,
		CacheSize:      opts.RecordCacheSize,
		Logger:         logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("graphpipe: open engine: %w", err)
	}

	db := &DB{
		opts:    opts,
		dir:     dir,
		store:   store,
		engine:  engine,
		pool:    newWorkerPool(opts.WorkerPoolSize),
		log:     logger,
		slowLog: newSlowQueryLog(opts.SlowQueryLogSize),
		governor: &queryGovernor{
			maxRows:        opts.MaxResultRows,
			defaultTimeout: opts.DefaultQueryTimeout,
		},
	}
	if opts.PlanCacheSize > 0 {
		db.plans = exec.NewPlanCache(opts.PlanCacheSize)
	}
	db.metrics = newMetrics(db)

	db.log.Info("database opened",
		"dir", dir,
		"backend", string(opts.Backend),
		"types", len(engine.Types()),
		"plan_cache", opts.PlanCacheSize,
		"workers", opts.WorkerPoolSize,
	)
	return db, nil
}

// Close stops the worker pool and closes the store.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed.Load() {
		return nil
	}
	db.closed.Store(true)

	if db.pool != nil {
		db.pool.stop()
	}
	err := db.engine.Close()
	if err != nil {
		db.log.Error("database closed with error", "error", err)
	} else {
		db.log.Info("database closed")
	}
	return err
}

func (db *DB) isClosed() bool { return db.closed.Load() }

// Engine returns the storage engine, for callers that build plans by hand.
func (db *DB) Engine() *storage.Engine { return db.engine }

// Metrics returns the operational counters.
func (db *DB) Metrics() *Metrics { return db.metrics }

// Logger returns the logger the database writes to.
func (db *DB) Logger() *slog.Logger { return db.log }

// ---------------------------------------------------------------------------
// Schema
// ---------------------------------------------------------------------------

// CreateType registers a document, vertex or edge type. Cached plans are
// dropped since they may have resolved the old schema.
func (db *DB) CreateType(name string, kind storage.Kind, supers ...string) (*storage.TypeDef, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	t, err := db.engine.CreateType(name, kind, supers...)
	if err != nil {
		return nil, err
	}
	db.invalidatePlans()
	db.log.Info("type created", "type", name, "kind", kind.String(), "buckets", len(t.Buckets))
	return t, nil
}

// CreateIndex builds a range index over existing records and keeps it up to
// date afterwards. Cached plans are dropped so the planner can pick it up.
func (db *DB) CreateIndex(def storage.IndexDef) (*storage.IndexDef, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	idx, err := db.engine.CreateIndex(def)
	if err != nil {
		return nil, err
	}
	db.invalidatePlans()
	db.log.Info("index created", "index", idx.Name, "type", idx.Type, "properties", idx.Properties)
	return idx, nil
}

func (db *DB) invalidatePlans() {
	if db.plans != nil {
		db.plans.Clear()
	}
}

// Stats returns record counts per type and cache sizes.
func (db *DB) Stats() (*Stats, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	st := &Stats{
		Backend:       db.opts.Backend,
		Records:       make(map[string]int64),
		CachedRecords: db.engine.CachedRecords(),
	}
	for _, t := range db.engine.Types() {
		st.Types++
		for _, idx := range db.engine.IndexesOf(t.Name) {
			if idx.Type == t.Name {
				st.Indexes++
			}
		}
		n, err := db.engine.CountType(t.Name, false)
		if err != nil {
			return nil, err
		}
		st.Records[t.Name] = n
	}
	if db.plans != nil {
		st.CachedPlans = db.plans.Stats().Entries
	}
	if sz, ok := db.store.(interface{ FileSize() (int64, error) }); ok {
		n, err := sz.FileSize()
		if err != nil {
			return nil, err
		}
		st.DiskSizeBytes = n
	}
	return st, nil
}

// Verify walks every record and reports checksum and index problems.
func (db *DB) Verify() (*storage.IntegrityReport, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	return db.engine.Verify()
}
