package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graphpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg := LoadDefaults()
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, 1, cfg.Storage.BucketsPerType)
	assert.Equal(t, "EXCEPTION", cfg.Query.TimeoutStrategy)
	assert.Equal(t, 256, cfg.Query.PlanCacheSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: badger
  in_memory: true
  buckets_per_type: 4
query:
  default_timeout: 2s
  timeout_strategy: RETURN
  max_result_rows: 500
  slow_query_threshold: 150ms
logging:
  level: debug
  format: json
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, 4, cfg.Storage.BucketsPerType)
	assert.Equal(t, 2*time.Second, cfg.Query.DefaultTimeout)
	assert.Equal(t, "RETURN", cfg.Query.TimeoutStrategy)
	assert.Equal(t, 500, cfg.Query.MaxResultRows)
	assert.Equal(t, 150*time.Millisecond, cfg.Query.SlowQueryThreshold)
	assert.Equal(t, "json", cfg.Logging.Format)
	// Untouched fields keep their defaults.
	assert.Equal(t, 256, cfg.Query.PlanCacheSize)
	assert.Equal(t, 10_000, cfg.Storage.RecordCacheSize)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, LoadDefaults().Storage, cfg.Storage)
}

func TestLoadFromFileMalformed(t *testing.T) {
	path := writeConfig(t, "storage: [not, a, map")
	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "query:\n  max_result_rows: 10\n")
	t.Setenv("GRAPHPIPE_MAX_RESULT_ROWS", "99")
	t.Setenv("GRAPHPIPE_QUERY_TIMEOUT", "3")
	t.Setenv("GRAPHPIPE_NO_SYNC", "yes")
	t.Setenv("GRAPHPIPE_PLAN_CACHE_SIZE", "not-a-number")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.Query.MaxResultRows)
	assert.Equal(t, 3*time.Second, cfg.Query.DefaultTimeout)
	assert.True(t, cfg.Storage.NoSync)
	assert.Equal(t, 256, cfg.Query.PlanCacheSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "rocks" }, "backend"},
		{"in memory bolt", func(c *Config) { c.Storage.InMemory = true }, "in_memory"},
		{"no data dir", func(c *Config) { c.Storage.DataDir = "" }, "data_dir"},
		{"zero buckets", func(c *Config) { c.Storage.BucketsPerType = 0 }, "buckets_per_type"},
		{"bad strategy", func(c *Config) { c.Query.TimeoutStrategy = "IGNORE" }, "timeout strategy"},
		{"negative timeout", func(c *Config) { c.Query.DefaultTimeout = -time.Second }, "default_timeout"},
		{"negative rows", func(c *Config) { c.Query.MaxResultRows = -1 }, "max_result_rows"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("in memory badger", func(t *testing.T) {
		cfg := LoadDefaults()
		cfg.Storage.Backend = "badger"
		cfg.Storage.InMemory = true
		cfg.Storage.DataDir = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := LoadDefaults()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "warn"

	log := cfg.NewLogger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":1`)
}
