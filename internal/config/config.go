package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PLONTIS_"

type Config struct {
	Env      string `koanf:"env"`
	LogLevel string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Cache     CacheConfig     `koanf:"cache"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Aggregate AggregateConfig `koanf:"aggregate"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type ServerConfig struct {
	ListenAddr      string        `koanf:"listen_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
}

type StoreConfig struct {
	// Driver is one of postgres, sqlite or memory.
	Driver       string `koanf:"driver"`
	DatabaseURL  string `koanf:"database_url"`
	SQLitePath   string `koanf:"sqlite_path"`
	MaxConns     int32  `koanf:"max_conns"`
	ScanPageSize int    `koanf:"scan_page_size"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type CacheConfig struct {
	// Driver is one of memory or redis.
	Driver        string `koanf:"driver"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	KeyPrefix     string `koanf:"key_prefix"`
}

type IngestConfig struct {
	MaxContentValue  float64             `koanf:"max_content_value"`
	MaxFutureSkew    time.Duration       `koanf:"max_future_skew"`
	Retention        time.Duration       `koanf:"retention"`
	MaxMetadataBytes int                 `koanf:"max_metadata_bytes"`
	Timeout          time.Duration       `koanf:"timeout"`
	Taxonomy         map[string][]string `koanf:"taxonomy"`
}

type AggregateConfig struct {
	MarketWindow    time.Duration `koanf:"market_window"`
	SiteWindow      time.Duration `koanf:"site_window"`
	MarketTopN      int           `koanf:"market_top_n"`
	SiteTopN        int           `koanf:"site_top_n"`
	RefreshInterval time.Duration `koanf:"refresh_interval"`
	MaxStaleness    time.Duration `koanf:"max_staleness"`
	ComputeTimeout  time.Duration `koanf:"compute_timeout"`
	// RefreshWorkers > 0 starts the background market snapshot refresher.
	RefreshWorkers int `koanf:"refresh_workers"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

func Defaults() Config {
	return Config{
		Env:      "development",
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  10 * time.Second,
			MaxBodyBytes:    64 << 10,
		},
		Store: StoreConfig{
			Driver:       "postgres",
			SQLitePath:   "plontis.db",
			MaxConns:     10,
			ScanPageSize: 500,
			AutoMigrate:  true,
		},
		Cache: CacheConfig{
			Driver:    "memory",
			KeyPrefix: "plontis:",
		},
		Ingest: IngestConfig{
			MaxContentValue:  10000,
			MaxFutureSkew:    5 * time.Minute,
			Retention:        90 * 24 * time.Hour,
			MaxMetadataBytes: 4096,
			Timeout:          5 * time.Second,
		},
		Aggregate: AggregateConfig{
			MarketWindow:    24 * time.Hour,
			SiteWindow:      30 * 24 * time.Hour,
			MarketTopN:      5,
			SiteTopN:        0,
			RefreshInterval: time.Minute,
			MaxStaleness:    15 * time.Minute,
			ComputeTimeout:  10 * time.Second,
			RefreshWorkers:  1,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// Load layers defaults, an optional YAML file, an optional .env file and
// PLONTIS_* environment variables, in that order. Nested keys use a double
// underscore: PLONTIS_STORE__DATABASE_URL sets store.database_url.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	return cfg, cfg.Validate()
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url (or DATABASE_URL) is required for the postgres driver"))
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Cache.Driver {
	case "memory", "none":
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.driver %q", c.Cache.Driver))
	}
	if c.Ingest.MaxContentValue <= 0 {
		errs = append(errs, errors.New("ingest.max_content_value must be positive"))
	}
	if c.Ingest.Retention <= 0 {
		errs = append(errs, errors.New("ingest.retention must be positive"))
	}
	if c.Aggregate.MaxStaleness <= 0 {
		errs = append(errs, errors.New("aggregate.max_staleness must be positive"))
	}
	if c.Aggregate.ComputeTimeout <= 0 {
		errs = append(errs, errors.New("aggregate.compute_timeout must be positive"))
	}
	if c.Aggregate.RefreshInterval > c.Aggregate.MaxStaleness {
		errs = append(errs, errors.New("aggregate.refresh_interval must not exceed aggregate.max_staleness"))
	}
	if c.Aggregate.MarketWindow > c.Ingest.Retention || c.Aggregate.SiteWindow > c.Ingest.Retention {
		errs = append(errs, errors.New("aggregate windows must not exceed ingest.retention"))
	}
	return errors.Join(errs...)
}
