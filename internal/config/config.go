// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	DB      DBConfig      `mapstructure:"db"`
	Browser BrowserConfig `mapstructure:"browser"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Extract ExtractConfig `mapstructure:"extract"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// stores, which only make sense for local runs.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	TaskTable    string `mapstructure:"task_table"`
	BreakerTable string `mapstructure:"breaker_table"`
	MaxConns     int    `mapstructure:"max_conns"`
	MinConns     int    `mapstructure:"min_conns"`
}

// BrowserConfig configures the headless browser subsystem.
type BrowserConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	Proxy             string `mapstructure:"proxy"`
	NavTimeoutSec     int    `mapstructure:"nav_timeout_seconds"`
	CookiesFile       string `mapstructure:"cookies_file"`
	SettleDelayMillis int    `mapstructure:"settle_delay_ms"`
}

// WorkerConfig governs the claim loop and retry policy.
type WorkerConfig struct {
	APIName           string `mapstructure:"api_name"`
	CaptchaTTLMinutes int    `mapstructure:"captcha_ttl_minutes"`
	PollIntervalMs    int    `mapstructure:"poll_interval_ms"`
	RetryBaseSeconds  int    `mapstructure:"retry_base_seconds"`
	RetryMaxMinutes   int    `mapstructure:"retry_max_minutes"`
}

// BreakerConfig tunes the per-upstream circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownMinutes  int `mapstructure:"cooldown_minutes"`
}

// ExtractConfig selects which listing sources are consulted.
type ExtractConfig struct {
	APIURLPattern string `mapstructure:"api_url_pattern"`
	ProbeEnabled  bool   `mapstructure:"probe_enabled"`
	MinQuality    int    `mapstructure:"min_quality"`
}

// StorageConfig sets paths and content types for result archiving.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for completion event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.task_table", "scrape_tasks")
	v.SetDefault("db.breaker_table", "circuit_breakers")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.settle_delay_ms", 1500)
	v.SetDefault("worker.api_name", "listing-api")
	v.SetDefault("worker.captcha_ttl_minutes", 30)
	v.SetDefault("worker.poll_interval_ms", 2000)
	v.SetDefault("worker.retry_base_seconds", 30)
	v.SetDefault("worker.retry_max_minutes", 30)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown_minutes", 5)
	v.SetDefault("extract.probe_enabled", false)
	v.SetDefault("extract.min_quality", 0)
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.CaptchaTTLMinutes <= 0 {
		return fmt.Errorf("worker.captcha_ttl_minutes must be > 0")
	}
	if c.Worker.PollIntervalMs <= 0 {
		return fmt.Errorf("worker.poll_interval_ms must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Storage.GCSBucket != "" && c.Storage.LocalDir != "" {
		return fmt.Errorf("storage.gcs_bucket and storage.local_dir are mutually exclusive")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// CaptchaTTL returns the configured captcha wait as a duration.
func (c Config) CaptchaTTL() time.Duration {
	return time.Duration(c.Worker.CaptchaTTLMinutes) * time.Minute
}

// PollInterval returns the idle claim sleep as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMs) * time.Millisecond
}

// NavTimeout returns the browser navigation timeout as a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSec) * time.Second
}
