// Package config loads graphpipe settings from a YAML file and GRAPHPIPE_*
// environment variables.
//
// Precedence, lowest first: built-in defaults, the config file, the
// environment. Call Validate before using the result.
//
//	cfg, err := config.LoadFromFile("graphpipe.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("configuration error: %v", err)
//	}
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Query   QueryConfig   `yaml:"query"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	// Backend is "bolt" or "badger".
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
	NoSync  bool   `yaml:"no_sync"`
	// InMemory only applies to badger.
	InMemory        bool `yaml:"in_memory"`
	BucketsPerType  int  `yaml:"buckets_per_type"`
	RecordCacheSize int  `yaml:"record_cache_size"`
}

// QueryConfig holds execution limits.
type QueryConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// TimeoutStrategy is RETURN or EXCEPTION.
	TimeoutStrategy    string        `yaml:"timeout_strategy"`
	MaxResultRows      int           `yaml:"max_result_rows"`
	BatchSize          int           `yaml:"batch_size"`
	CommitEvery        int           `yaml:"commit_every"`
	PlanCacheSize      int           `yaml:"plan_cache_size"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
	PrefetchThreshold  int64         `yaml:"prefetch_threshold"`
	WorkerPoolSize     int           `yaml:"worker_pool_size"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// LoadDefaults returns the built-in configuration.
func LoadDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:         "bolt",
			DataDir:         "./data",
			BucketsPerType:  1,
			RecordCacheSize: 10_000,
		},
		Query: QueryConfig{
			TimeoutStrategy:   "EXCEPTION",
			BatchSize:         100,
			PlanCacheSize:     256,
			PrefetchThreshold: 100,
			WorkerPoolSize:    4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile applies the YAML file at path and then the environment on top
// of the defaults. A missing file is not an error.
func LoadFromFile(path string) (*Config, error) {
	cfg := LoadDefaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from GRAPHPIPE_* variables. Unparseable values
// are ignored.
func (c *Config) ApplyEnv() {
	c.Storage.Backend = getEnv("GRAPHPIPE_BACKEND", c.Storage.Backend)
	c.Storage.DataDir = getEnv("GRAPHPIPE_DATA_DIR", c.Storage.DataDir)
	c.Storage.NoSync = getEnvBool("GRAPHPIPE_NO_SYNC", c.Storage.NoSync)
	c.Storage.InMemory = getEnvBool("GRAPHPIPE_IN_MEMORY", c.Storage.InMemory)
	c.Storage.BucketsPerType = getEnvInt("GRAPHPIPE_BUCKETS_PER_TYPE", c.Storage.BucketsPerType)
	c.Storage.RecordCacheSize = getEnvInt("GRAPHPIPE_RECORD_CACHE_SIZE", c.Storage.RecordCacheSize)

	c.Query.DefaultTimeout = getEnvDuration("GRAPHPIPE_QUERY_TIMEOUT", c.Query.DefaultTimeout)
	c.Query.TimeoutStrategy = getEnv("GRAPHPIPE_TIMEOUT_STRATEGY", c.Query.TimeoutStrategy)
	c.Query.MaxResultRows = getEnvInt("GRAPHPIPE_MAX_RESULT_ROWS", c.Query.MaxResultRows)
	c.Query.BatchSize = getEnvInt("GRAPHPIPE_BATCH_SIZE", c.Query.BatchSize)
	c.Query.CommitEvery = getEnvInt("GRAPHPIPE_COMMIT_EVERY", c.Query.CommitEvery)
	c.Query.PlanCacheSize = getEnvInt("GRAPHPIPE_PLAN_CACHE_SIZE", c.Query.PlanCacheSize)
	c.Query.SlowQueryThreshold = getEnvDuration("GRAPHPIPE_SLOW_QUERY_THRESHOLD", c.Query.SlowQueryThreshold)
	c.Query.PrefetchThreshold = int64(getEnvInt("GRAPHPIPE_PREFETCH_THRESHOLD", int(c.Query.PrefetchThreshold)))
	c.Query.WorkerPoolSize = getEnvInt("GRAPHPIPE_WORKERS", c.Query.WorkerPoolSize)

	c.Logging.Level = getEnv("GRAPHPIPE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("GRAPHPIPE_LOG_FORMAT", c.Logging.Format)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Backend) {
	case "bolt", "badger":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.DataDir == "" && !c.Storage.InMemory {
		return fmt.Errorf("config: data_dir is required unless in_memory is set")
	}
	if c.Storage.InMemory && strings.ToLower(c.Storage.Backend) != "badger" {
		return fmt.Errorf("config: in_memory requires the badger backend")
	}
	if c.Storage.BucketsPerType < 1 {
		return fmt.Errorf("config: invalid buckets_per_type: %d", c.Storage.BucketsPerType)
	}
	switch strings.ToUpper(c.Query.TimeoutStrategy) {
	case "", "RETURN", "EXCEPTION":
	default:
		return fmt.Errorf("config: unknown timeout strategy %q", c.Query.TimeoutStrategy)
	}
	if c.Query.DefaultTimeout < 0 {
		return fmt.Errorf("config: negative default_timeout: %s", c.Query.DefaultTimeout)
	}
	if c.Query.MaxResultRows < 0 {
		return fmt.Errorf("config: negative max_result_rows: %d", c.Query.MaxResultRows)
	}
	if c.Query.BatchSize < 0 || c.Query.CommitEvery < 0 {
		return fmt.Errorf("config: batch_size and commit_every must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	return nil
}

// NewLogger builds the slog logger described by the logging section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Logging.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// String returns a one-line summary for logs.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Backend: %s, DataDir: %s, InMemory: %v, Timeout: %s/%s, PlanCache: %d}",
		c.Storage.Backend, c.Storage.DataDir, c.Storage.InMemory,
		c.Query.DefaultTimeout, c.Query.TimeoutStrategy, c.Query.PlanCacheSize)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

// getEnvDuration accepts Go durations or a plain number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
