package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server     ServerConfig     `koanf:"server"`
	Archive    ArchiveConfig    `koanf:"archive"`
	Breaker    BreakerConfig    `koanf:"breaker"`
	Proxy      ProxyConfig      `koanf:"proxy"`
	FetchCache FetchCacheConfig `koanf:"fetch_cache"`
	Extractor  ExtractorConfig  `koanf:"extractor"`
	Router     RouterConfig     `koanf:"router"`
	Sync       SyncConfig       `koanf:"sync"`
	OLTP       DatabaseConfig   `koanf:"oltp"`
	OLAP       OLAPConfig       `koanf:"olap"`
	Redis      RedisConfig      `koanf:"redis"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig addresses the HTTP API and metrics listeners.
type ServerConfig struct {
	ListenAddr  string `koanf:"listen_addr"`
	MetricsAddr string `koanf:"metrics_addr"`
}

// ArchiveConfig drives the archive query router and its strategies.
type ArchiveConfig struct {
	Preference          string                   `koanf:"preference" validate:"oneof=WAYBACK COMMON_CRAWL HYBRID"`
	FallbackEnabled     bool                     `koanf:"fallback_enabled"`
	FallbackDelay       time.Duration            `koanf:"fallback_delay"`
	MaxFallbackAttempts int                      `koanf:"max_fallback_attempts" validate:"min=1"`
	StrategyTimeouts    map[string]time.Duration `koanf:"strategy_timeouts"`
	RateLimits          RateLimitsConfig         `koanf:"rate_limits"`
	CDXEndpoint         string                   `koanf:"cdx_endpoint"`
	ColumnarEndpoint    string                   `koanf:"columnar_endpoint"`
	DirectIndexBaseURL  string                   `koanf:"direct_index_base_url"`
	DirectIndexManifest string                   `koanf:"direct_index_manifest"`
	SecondaryEndpoint   string                   `koanf:"secondary_endpoint"`
	CrawlID             string                   `koanf:"crawl_id"`
}

// RateLimitsConfig carries per-source request budgets (requests/minute).
type RateLimitsConfig struct {
	CDXPerMinute         int `koanf:"cdx_per_minute" validate:"min=1"`
	ColumnarPerMinute    int `koanf:"columnar_per_minute" validate:"min=1"`
	DirectIndexPerMinute int `koanf:"direct_index_per_minute" validate:"min=1"`
}

type BreakerConfig struct {
	FailureThreshold   int           `koanf:"failure_threshold" validate:"min=1"`
	RecoveryTimeout    time.Duration `koanf:"recovery_timeout"`
	HalfOpenMaxProbes  int           `koanf:"half_open_max_probes" validate:"min=1"`
	MaxRecoveryTimeout time.Duration `koanf:"max_recovery_timeout"`
}

type ProxyConfig struct {
	Endpoints      []string `koanf:"endpoints"`
	Username       string   `koanf:"username"`
	Password       string   `koanf:"password"`
	RotationPolicy string   `koanf:"rotation_policy" validate:"oneof=RANDOM ROUND_ROBIN"`
}

type FetchCacheConfig struct {
	MaxEntries int           `koanf:"max_entries" validate:"min=1"`
	TTL        time.Duration `koanf:"ttl"`
}

type ExtractorConfig struct {
	MinTextLength int                `koanf:"min_text_length" validate:"min=1"`
	Version       string             `koanf:"version"`
	Workers       int                `koanf:"workers"`
	Reachthrough  ReachthroughConfig `koanf:"archive_reachthrough"`
}

// ReachthroughConfig bounds tier-4 calls against the historical archive's
// published rate ceiling.
type ReachthroughConfig struct {
	RequestsPerMinute int           `koanf:"requests_per_minute" validate:"min=1"`
	MinInterval       time.Duration `koanf:"min_interval"`
}

type RouterConfig struct {
	Pools                      PoolsConfig      `koanf:"pools"`
	Quotas                     QuotasConfig     `koanf:"quotas"`
	Cache                      QueryCacheConfig `koanf:"cache"`
	OLAPRowThreshold           int64            `koanf:"olap_row_threshold" validate:"min=1"`
	AllowTimeseriesDegradation bool             `koanf:"allow_timeseries_degradation"`
}

type PoolsConfig struct {
	OLTP PoolConfig `koanf:"oltp"`
	OLAP PoolConfig `koanf:"olap"`
}

type PoolConfig struct {
	MaxConns            int           `koanf:"max_conns" validate:"min=1"`
	IdleTimeout         time.Duration `koanf:"idle_timeout"`
	MaxLifetime         time.Duration `koanf:"max_lifetime"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
}

type QuotasConfig struct {
	Critical int `koanf:"critical" validate:"min=1"`
	High     int `koanf:"high" validate:"min=1"`
	Normal   int `koanf:"normal" validate:"min=1"`
}

type QueryCacheConfig struct {
	L1TTL        time.Duration `koanf:"l1_ttl"`
	L2TTL        time.Duration `koanf:"l2_ttl"`
	L1MaxEntries int           `koanf:"l1_max_entries" validate:"min=1"`
}

type SyncConfig struct {
	BatchSize     int           `koanf:"batch_size" validate:"min=1"`
	WatermarkHigh int           `koanf:"watermark_high" validate:"min=1"`
	WatermarkLow  int           `koanf:"watermark_low" validate:"min=0"`
	RetentionDays int           `koanf:"retention_days" validate:"min=1"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	Appliers      int           `koanf:"appliers" validate:"min=1"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type OLAPConfig struct {
	Addr            []string      `koanf:"addr"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	DialTimeout     time.Duration `koanf:"dial_timeout"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

// Load reads configuration in layers: built-in defaults, then an
// optional YAML file, then CA_-prefixed environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
		},
		LogLevel:    "info",
		Archive: ArchiveConfig{
			Preference:          "HYBRID",
			FallbackEnabled:     true,
			FallbackDelay:       2 * time.Second,
			MaxFallbackAttempts: 5,
			RateLimits: RateLimitsConfig{
				CDXPerMinute:         15,
				ColumnarPerMinute:    60,
				DirectIndexPerMinute: 30,
			},
			CDXEndpoint:         "https://web.archive.org/cdx/search/cdx",
			ColumnarEndpoint:    "https://index.commoncrawl.org",
			DirectIndexBaseURL:  "https://data.commoncrawl.org",
			DirectIndexManifest: "crawl-data/%s/cc-index.paths.gz",
			SecondaryEndpoint:   "https://arquivo.pt/wayback/cdx",
			CrawlID:             "CC-MAIN-2026-26",
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			RecoveryTimeout:    30 * time.Second,
			HalfOpenMaxProbes:  2,
			MaxRecoveryTimeout: 10 * time.Minute,
		},
		Proxy: ProxyConfig{
			RotationPolicy: "RANDOM",
		},
		FetchCache: FetchCacheConfig{
			MaxEntries: 10000,
			TTL:        6 * time.Hour,
		},
		Extractor: ExtractorConfig{
			MinTextLength: 200,
			Version:       "v4",
			Workers:       0, // 0 = GOMAXPROCS
			Reachthrough: ReachthroughConfig{
				RequestsPerMinute: 15,
				MinInterval:       4 * time.Second,
			},
		},
		Router: RouterConfig{
			Pools: PoolsConfig{
				OLTP: PoolConfig{
					MaxConns:            25,
					IdleTimeout:         10 * time.Minute,
					MaxLifetime:         30 * time.Minute,
					HealthCheckInterval: time.Minute,
				},
				OLAP: PoolConfig{
					MaxConns:            10,
					IdleTimeout:         10 * time.Minute,
					MaxLifetime:         time.Hour,
					HealthCheckInterval: time.Minute,
				},
			},
			Quotas: QuotasConfig{
				Critical: 10,
				High:     30,
				Normal:   80,
			},
			Cache: QueryCacheConfig{
				L1TTL:        30 * time.Second,
				L2TTL:        5 * time.Minute,
				L1MaxEntries: 2048,
			},
			OLAPRowThreshold:           100000,
			AllowTimeseriesDegradation: false,
		},
		Sync: SyncConfig{
			BatchSize:     500,
			WatermarkHigh: 10000,
			WatermarkLow:  2000,
			RetentionDays: 30,
			PollInterval:  time.Second,
			Appliers:      4,
		},
		OLTP: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		OLAP: OLAPConfig{
			Database:        "chronicle",
			MaxOpenConns:    10,
			DialTimeout:     5 * time.Second,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			SamplingRate:  0.1,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = "configs/config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("CA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CA_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces cross-field constraints beyond struct tags.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Sync.WatermarkLow >= c.Sync.WatermarkHigh {
		return fmt.Errorf("invalid configuration: sync.watermark_low (%d) must be below sync.watermark_high (%d)",
			c.Sync.WatermarkLow, c.Sync.WatermarkHigh)
	}
	if c.Extractor.Reachthrough.MinInterval > time.Minute {
		return fmt.Errorf("invalid configuration: extractor.archive_reachthrough.min_interval must be at most 1m")
	}
	return nil
}
