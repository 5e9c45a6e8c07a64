package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/anthanhphan/gosdk/conflux"
	"github.com/anthanhphan/gosdk/logger"
)

// Config holds Uploader configuration
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	Network     NetworkConfig     `json:"network" yaml:"network"`
	Retry       RetryConfig       `json:"retry" yaml:"retry"`
	Optimizer   OptimizerConfig   `json:"optimizer" yaml:"optimizer"`
	Ledger      LedgerConfig      `json:"ledger" yaml:"ledger"`
	Destination DestinationConfig `json:"destination" yaml:"destination"`
	Reporter    ReporterConfig    `json:"reporter" yaml:"reporter"`
	Redis       RedisConfig       `json:"redis" yaml:"redis"`
	Credentials CredentialsConfig `json:"credentials" yaml:"credentials"`
	Logger      logger.Config     `json:"logger" yaml:"logger"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type EngineConfig struct {
	MaxRetries          int   `json:"max_retries" yaml:"max_retries"`
	CompletionGraceMS   int   `json:"completion_grace_ms" yaml:"completion_grace_ms"`
	StaleAfterHours     int   `json:"stale_after_hours" yaml:"stale_after_hours"`
	PruneAfterHours     int   `json:"prune_after_hours" yaml:"prune_after_hours"`
	PruneIntervalSec    int   `json:"prune_interval_sec" yaml:"prune_interval_sec"`
	StallTimeoutMS      int   `json:"stall_timeout_ms" yaml:"stall_timeout_ms"`
	WakeLockThreshold   int64 `json:"wake_lock_threshold" yaml:"wake_lock_threshold"`
	PartAttempts        int   `json:"part_attempts" yaml:"part_attempts"`
	PartBaseDelayMS     int   `json:"part_base_delay_ms" yaml:"part_base_delay_ms"`
	ExpirySkewMS        int   `json:"expiry_skew_ms" yaml:"expiry_skew_ms"`
	ProgressIntervalMS  int   `json:"progress_interval_ms" yaml:"progress_interval_ms"`
	AdviseIntervalMS    int   `json:"advise_interval_ms" yaml:"advise_interval_ms"`
	RequestTimeoutMS    int   `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	UseRedisClock       bool  `json:"use_redis_clock" yaml:"use_redis_clock"`
	NodeID              int64 `json:"node_id" yaml:"node_id"`
	AutoResumeOnStartup bool  `json:"auto_resume_on_startup" yaml:"auto_resume_on_startup"`
}

type NetworkConfig struct {
	ProbeURL         string `json:"probe_url" yaml:"probe_url"`
	ProbeIntervalMS  int    `json:"probe_interval_ms" yaml:"probe_interval_ms"`
	ProbeTimeoutMS   int    `json:"probe_timeout_ms" yaml:"probe_timeout_ms"`
	OfflineTimeoutMS int    `json:"offline_timeout_ms" yaml:"offline_timeout_ms"`
	SampleWindow     int    `json:"sample_window" yaml:"sample_window"`
	FailuresOffline  int    `json:"failures_offline" yaml:"failures_offline"`
}

type RetryConfig struct {
	Strategy    string  `json:"strategy" yaml:"strategy"` // "exponential", "linear", "fixed", "adaptive"
	BaseDelayMS int     `json:"base_delay_ms" yaml:"base_delay_ms"`
	Factor      float64 `json:"factor" yaml:"factor"`
	MaxDelayMS  int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	MaxJitterMS int     `json:"max_jitter_ms" yaml:"max_jitter_ms"`
}

type OptimizerConfig struct {
	MaxConcurrency    int `json:"max_concurrency" yaml:"max_concurrency"`
	PerPartOverheadMS int `json:"per_part_overhead_ms" yaml:"per_part_overhead_ms"`
}

type LedgerConfig struct {
	DataDir             string `json:"data_dir" yaml:"data_dir"`
	FSync               bool   `json:"fsync" yaml:"fsync"`
	CompactionThreshold int    `json:"compaction_threshold" yaml:"compaction_threshold"`
	MaxSegmentSize      int64  `json:"max_segment_size" yaml:"max_segment_size"`
	InMemory            bool   `json:"in_memory" yaml:"in_memory"`
}

type DestinationConfig struct {
	Mode    string `json:"mode" yaml:"mode"` // "http", "s3"
	BaseURL string `json:"base_url" yaml:"base_url"`
	// BaseURLs spreads uploads over several endpoints; BaseURL is added to them.
	BaseURLs []string `json:"base_urls" yaml:"base_urls"`
	S3       S3Config `json:"s3" yaml:"s3"`

	BreakerFailures      int `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerOpenTimeoutMS int `json:"breaker_open_timeout_ms" yaml:"breaker_open_timeout_ms"`
}

type S3Config struct {
	Bucket        string `json:"bucket" yaml:"bucket"`
	Region        string `json:"region" yaml:"region"`
	Endpoint      string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle  bool   `json:"use_path_style" yaml:"use_path_style"`
	PresignTTLSec int    `json:"presign_ttl_sec" yaml:"presign_ttl_sec"`
	KeyPrefix     string `json:"key_prefix" yaml:"key_prefix"`
}

type ReporterConfig struct {
	Mode         string `json:"mode" yaml:"mode"` // "log", "webhook", "redis"
	WebhookURL   string `json:"webhook_url" yaml:"webhook_url"`
	RedisChannel string `json:"redis_channel" yaml:"redis_channel"`
	MaxRetries   int    `json:"max_retries" yaml:"max_retries"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type CredentialsConfig struct {
	Token string `json:"token" yaml:"token"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8095",
		},
		Engine: EngineConfig{
			MaxRetries:          5,
			CompletionGraceMS:   5000,
			StaleAfterHours:     24,
			PruneAfterHours:     24,
			PruneIntervalSec:    600,
			StallTimeoutMS:      60000,
			WakeLockThreshold:   500 * 1024 * 1024, // 500MB
			PartAttempts:        3,
			PartBaseDelayMS:     1000,
			ExpirySkewMS:        60000,
			ProgressIntervalMS:  500,
			AdviseIntervalMS:    10000,
			RequestTimeoutMS:    15000,
			AutoResumeOnStartup: true,
		},
		Network: NetworkConfig{
			ProbeIntervalMS:  30000,
			ProbeTimeoutMS:   5000,
			OfflineTimeoutMS: 300000,
			SampleWindow:     10,
			FailuresOffline:  2,
		},
		Retry: RetryConfig{
			Strategy:    "adaptive",
			BaseDelayMS: 1000,
			Factor:      2,
			MaxDelayMS:  30000,
			MaxJitterMS: 1000,
		},
		Optimizer: OptimizerConfig{
			MaxConcurrency:    8,
			PerPartOverheadMS: 50,
		},
		Ledger: LedgerConfig{
			DataDir:             "./data/ledger",
			FSync:               true,
			CompactionThreshold: 4,
			MaxSegmentSize:      4 * 1024 * 1024, // 4MB
		},
		Destination: DestinationConfig{
			Mode: "http",
			S3: S3Config{
				PresignTTLSec: 3600,
			},
			BreakerFailures:      5,
			BreakerOpenTimeoutMS: 10000,
		},
		Reporter: ReporterConfig{
			Mode:         "log",
			RedisChannel: "uploads.completed",
			MaxRetries:   3,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Logger: logger.Config{
			LogLevel:    logger.LevelInfo,
			LogEncoding: logger.EncodingJSON,
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	configPath := path
	if configPath == "" {
		env := os.Getenv("ENV")
		if env == "" {
			env = "local"
		}
		configPath = filepath.Join("internal", "uploader", "config", env+".yaml")
	}

	cfg := DefaultConfig()

	parsedCfg, err := conflux.ParseConfig(configPath, cfg)
	if err != nil {
		log.Printf("Config file not found or failed to parse, using defaults if file not specified. Path: %s, Error: %v", configPath, err)
		if path != "" {
			return nil, err
		}
		return cfg, nil
	}

	return parsedCfg, nil
}

// MustLoad loads configuration or exits on error
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (e EngineConfig) CompletionGrace() time.Duration { return ms(e.CompletionGraceMS) }
func (e EngineConfig) StaleAfter() time.Duration      { return time.Duration(e.StaleAfterHours) * time.Hour }
func (e EngineConfig) PruneAfter() time.Duration      { return time.Duration(e.PruneAfterHours) * time.Hour }
func (e EngineConfig) PruneInterval() time.Duration {
	return time.Duration(e.PruneIntervalSec) * time.Second
}
func (e EngineConfig) StallTimeout() time.Duration     { return ms(e.StallTimeoutMS) }
func (e EngineConfig) PartBaseDelay() time.Duration    { return ms(e.PartBaseDelayMS) }
func (e EngineConfig) ExpirySkew() time.Duration       { return ms(e.ExpirySkewMS) }
func (e EngineConfig) ProgressInterval() time.Duration { return ms(e.ProgressIntervalMS) }
func (e EngineConfig) AdviseInterval() time.Duration   { return ms(e.AdviseIntervalMS) }
func (e EngineConfig) RequestTimeout() time.Duration   { return ms(e.RequestTimeoutMS) }

func (n NetworkConfig) ProbeInterval() time.Duration  { return ms(n.ProbeIntervalMS) }
func (n NetworkConfig) ProbeTimeout() time.Duration   { return ms(n.ProbeTimeoutMS) }
func (n NetworkConfig) OfflineTimeout() time.Duration { return ms(n.OfflineTimeoutMS) }

func (r RetryConfig) BaseDelay() time.Duration { return ms(r.BaseDelayMS) }
func (r RetryConfig) MaxDelay() time.Duration  { return ms(r.MaxDelayMS) }
func (r RetryConfig) MaxJitter() time.Duration { return ms(r.MaxJitterMS) }

func (o OptimizerConfig) PerPartOverhead() time.Duration { return ms(o.PerPartOverheadMS) }

func (d DestinationConfig) BreakerOpenTimeout() time.Duration { return ms(d.BreakerOpenTimeoutMS) }

// Endpoints returns BaseURL followed by BaseURLs without duplicates.
func (d DestinationConfig) Endpoints() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, u := range append([]string{d.BaseURL}, d.BaseURLs...) {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func (s S3Config) PresignTTL() time.Duration { return time.Duration(s.PresignTTLSec) * time.Second }
