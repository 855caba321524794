package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv keeps a developer's shell from leaking into the test.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PLONTIS_CONFIG", "")
}

func TestDefaultsRequireDatabaseURL(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/plontis")
	t.Setenv("PLONTIS_SERVER__LISTEN_ADDR", ":9090")
	t.Setenv("PLONTIS_AGGREGATE__MARKET_WINDOW", "12h")
	t.Setenv("PLONTIS_RATE_LIMIT__BURST", "7")
	t.Setenv("PLONTIS_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost:5432/plontis", cfg.Store.DatabaseURL)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 12*time.Hour, cfg.Aggregate.MarketWindow)
	assert.Equal(t, 7, cfg.RateLimit.Burst)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 90*24*time.Hour, cfg.Ingest.Retention)
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "plontis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: sqlite
  sqlite_path: /var/lib/plontis/events.db
cache:
  driver: memory
ingest:
  max_content_value: 500
  retention: 720h
  taxonomy:
    Acme:
      - acmebot
      - acme-crawler
aggregate:
  site_window: 168h
`), 0o600))
	t.Setenv("PLONTIS_INGEST__MAX_FUTURE_SKEW", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/plontis/events.db", cfg.Store.SQLitePath)
	assert.Equal(t, float64(500), cfg.Ingest.MaxContentValue)
	assert.Equal(t, 30*24*time.Hour, cfg.Ingest.Retention)
	assert.Equal(t, time.Minute, cfg.Ingest.MaxFutureSkew)
	assert.Equal(t, []string{"acmebot", "acme-crawler"}, cfg.Ingest.Taxonomy["Acme"])
	assert.Equal(t, 7*24*time.Hour, cfg.Aggregate.SiteWindow)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"redis without addr", func(c *Config) { c.Cache.Driver = "redis" }, "cache.redis_addr"},
		{"non-positive ceiling", func(c *Config) { c.Ingest.MaxContentValue = 0 }, "max_content_value"},
		{"refresh slower than staleness", func(c *Config) { c.Aggregate.RefreshInterval = time.Hour }, "refresh_interval"},
		{"window beyond retention", func(c *Config) { c.Aggregate.SiteWindow = 365 * 24 * time.Hour }, "retention"},
		{"unbounded compute", func(c *Config) { c.Aggregate.ComputeTimeout = 0 }, "compute_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Store.Driver = "memory"
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Defaults()
	cfg.Store.Driver = "memory"
	assert.NoError(t, cfg.Validate())
}
