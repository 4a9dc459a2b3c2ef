package graphpipe

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mstrYoda/graphpipe/config"
	"github.com/mstrYoda/graphpipe/exec"
)

// Backend selects the key-value store under the engine.
type Backend string

const (
	// BackendBolt stores everything in one bbolt file (default).
	BackendBolt Backend = "bolt"
	// BackendBadger uses a badger directory, or RAM when InMemory is set.
	BackendBadger Backend = "badger"
)

// Options configures a DB instance.
type Options struct {
	// Backend is the storage backend. Default: BackendBolt.
	Backend Backend
	// InMemory keeps a badger database in RAM. Ignored by bolt.
	InMemory bool
	// NoSync disables fsync after each commit for faster writes (risk of data loss on crash).
	NoSync bool
	// BucketsPerType is how many buckets a new type gets. Default: 1.
	BucketsPerType int
	// RecordCacheSize is the hot record cache capacity. Negative disables it.
	RecordCacheSize int

	// DefaultQueryTimeout bounds statements that carry no TIMEOUT clause.
	// Zero means no default.
	DefaultQueryTimeout time.Duration
	// TimeoutStrategy applies to DefaultQueryTimeout.
	TimeoutStrategy exec.TimeoutStrategy
	// MaxResultRows caps the rows one Query call may return. Zero is unlimited.
	MaxResultRows int
	// BatchSize is the pull size of top-level plans. Default: exec.DefaultBatchSize.
	BatchSize int
	// CommitEvery commits mutations every N rows. Zero commits once per statement.
	CommitEvery int
	// PrefetchThreshold is the estimated alias size under which MATCH
	// fetches the alias once up front. Default: 100.
	PrefetchThreshold int64

	// PlanCacheSize is the number of plans kept for reuse. Negative disables the cache.
	PlanCacheSize int
	// SlowQueryThreshold logs statements slower than this. Zero disables it.
	SlowQueryThreshold time.Duration
	// SlowQueryLogSize is how many slow statements are kept in memory. Default: 100.
	SlowQueryLogSize int
	// WorkerPoolSize is the number of goroutines QueryAll runs statements on.
	WorkerPoolSize int

	// Logger receives structured logs. Default: slog.Default().
	Logger *slog.Logger
}

// defaultPlanCacheSize is the plan cache capacity when PlanCacheSize is zero.
const defaultPlanCacheSize = 256

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		Backend:           BackendBolt,
		BucketsPerType:    1,
		RecordCacheSize:   10_000,
		BatchSize:         exec.DefaultBatchSize,
		PrefetchThreshold: 100,
		PlanCacheSize:     defaultPlanCacheSize,
		SlowQueryLogSize:  100,
		WorkerPoolSize:    4,
	}
}

func (o *Options) fill() {
	d := DefaultOptions()
	if o.Backend == "" {
		o.Backend = d.Backend
	}
	if o.BucketsPerType <= 0 {
		o.BucketsPerType = d.BucketsPerType
	}
	if o.RecordCacheSize == 0 {
		o.RecordCacheSize = d.RecordCacheSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.PrefetchThreshold <= 0 {
		o.PrefetchThreshold = d.PrefetchThreshold
	}
	if o.PlanCacheSize == 0 {
		o.PlanCacheSize = d.PlanCacheSize
	}
	if o.SlowQueryLogSize <= 0 {
		o.SlowQueryLogSize = d.SlowQueryLogSize
	}
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = d.WorkerPoolSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// OptionsFromConfig maps a validated configuration onto Options. Logs go to
// logOut in the configured level and format.
func OptionsFromConfig(cfg *config.Config, logOut io.Writer) (Options, error) {
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}
	strategy, err := exec.ParseTimeoutStrategy(cfg.Query.TimeoutStrategy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Backend:             Backend(strings.ToLower(cfg.Storage.Backend)),
		InMemory:            cfg.Storage.InMemory,
		NoSync:              cfg.Storage.NoSync,
		BucketsPerType:      cfg.Storage.BucketsPerType,
		RecordCacheSize:     cfg.Storage.RecordCacheSize,
		DefaultQueryTimeout: cfg.Query.DefaultTimeout,
		TimeoutStrategy:     strategy,
		MaxResultRows:       cfg.Query.MaxResultRows,
		BatchSize:           cfg.Query.BatchSize,
		CommitEvery:         cfg.Query.CommitEvery,
		PrefetchThreshold:   cfg.Query.PrefetchThreshold,
		PlanCacheSize:       cfg.Query.PlanCacheSize,
		SlowQueryThreshold:  cfg.Query.SlowQueryThreshold,
		WorkerPoolSize:      cfg.Query.WorkerPoolSize,
		Logger:              cfg.NewLogger(logOut),
	}, nil
}

// plannerOptions translates the query options for the planners.
func (o Options) plannerOptions() exec.PlannerOptions {
	p := exec.PlannerOptions{
		BatchSize:         o.BatchSize,
		PrefetchThreshold: o.PrefetchThreshold,
		CommitEvery:       o.CommitEvery,
	}
	if o.DefaultQueryTimeout > 0 {
		p.Timeout = &exec.Timeout{Duration: o.DefaultQueryTimeout, Strategy: o.TimeoutStrategy}
	}
	return p
}

// Stats holds database statistics.
type Stats struct {
	Backend       Backend          `json:"backend"`
	Types         int              `json:"types"`
	Indexes       int              `json:"indexes"`
	Records       map[string]int64 `json:"records"` // per type, not polymorphic
	CachedRecords int              `json:"cached_records"`
	CachedPlans   int              `json:"cached_plans"`
	DiskSizeBytes int64            `json:"disk_size_bytes"`
}
