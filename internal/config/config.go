// Package config provides configuration management for threatlens.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/correlation"
	"github.com/lvonguyen/threatlens/internal/enrichment"
	"github.com/lvonguyen/threatlens/internal/feeds"
	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/scheduler"
	"github.com/lvonguyen/threatlens/internal/splunk"
)

// Config holds all threatlens configuration.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Logging     LoggingConfig           `yaml:"logging"`
	Telemetry   TelemetryConfig         `yaml:"telemetry"`
	Redis       RedisConfig             `yaml:"redis"`
	Database    DatabaseConfig          `yaml:"database"`
	NATS        NATSConfig              `yaml:"nats"`
	RateLimit   gateway.RateLimitConfig `yaml:"rate_limit"`
	Collector   CollectorConfig         `yaml:"collector"`
	Feeds       []feeds.FeedConfig      `yaml:"feeds" validate:"dive"`
	Geo         enrichment.Config       `yaml:"geo"`
	Correlation correlation.Config      `yaml:"correlation"`
	Scheduler   scheduler.Config        `yaml:"scheduler"`
	Splunk      SplunkConfig            `yaml:"splunk"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gte=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" validate:"required_if=TracingEnabled true"`
	SamplingRate   float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis;
// the geo cache then stays in process, the rate limiter and the distributed
// job lock are off.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db" validate:"gte=0"`
	PoolSize    int    `yaml:"pool_size" validate:"gte=0"`
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// Password resolves the password from the environment.
func (c RedisConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// DatabaseConfig selects the indicator store: PostgreSQL when URLEnv resolves
// to a URL, else a bbolt file when BoltPath is set, else the in-memory store.
type DatabaseConfig struct {
	URLEnv          string        `yaml:"url_env"`
	MaxConns        int32         `yaml:"max_conns" validate:"gte=0"`
	MinConns        int32         `yaml:"min_conns" validate:"gte=0"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" validate:"gte=0"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" validate:"gte=0"`
	BoltPath        string        `yaml:"bolt_path"`
	// MemoryShards is log2 of the in-memory store's shard count.
	MemoryShards uint8 `yaml:"memory_shards" validate:"lte=10"`
}

// URL resolves the database URL from the environment.
func (c DatabaseConfig) URL() string {
	if c.URLEnv == "" {
		return ""
	}
	return os.Getenv(c.URLEnv)
}

// NATSConfig holds event bus settings. An empty URL disables publishing.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
	PublishTimeout time.Duration `yaml:"publish_timeout" validate:"gte=0"`
	MaxReconnects  int           `yaml:"max_reconnects"`
}

// CollectorConfig holds feed collection settings.
type CollectorConfig struct {
	Concurrency int `yaml:"concurrency" validate:"gte=0,lte=64"`
	// WatchFiles re-syncs enabled file:// feeds when their files change.
	WatchFiles    bool          `yaml:"watch_files"`
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"gte=0"`
}

// SplunkConfig holds the HEC bridge settings. The receiver accepts SIEM
// events as alerts; the sender forwards alert events to a Splunk index.
type SplunkConfig struct {
	Receiver splunk.ReceiverConfig `yaml:"receiver"`
	Sender   splunk.SenderConfig   `yaml:"sender"`
}

// Load reads configuration from a YAML file over the defaults and validates
// it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(c.Feeds))
	for _, f := range c.Feeds {
		if seen[f.Name] {
			errs = append(errs, fmt.Errorf("feed %q: duplicate name", f.Name))
		}
		seen[f.Name] = true
		if f.Format == feeds.FormatJSONFields && f.Fields.Value == "" {
			errs = append(errs, fmt.Errorf("feed %q: json_fields requires fields.value", f.Name))
		}
		if f.DefaultType != "" {
			if _, err := indicator.ParseType(f.DefaultType); err != nil {
				errs = append(errs, fmt.Errorf("feed %q: %w", f.Name, err))
			}
		}
	}
	if c.Database.MinConns > c.Database.MaxConns && c.Database.MaxConns > 0 {
		errs = append(errs, errors.New("database: min_conns exceeds max_conns"))
	}
	for job, spec := range c.Scheduler.Specs {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: spec for %s: %w", job, err))
		}
	}
	if c.Geo.MinInterval < 150*time.Millisecond {
		errs = append(errs, fmt.Errorf("geo: min_interval %s is below the provider limit of 150ms", c.Geo.MinInterval))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// EnabledFeeds returns the names of enabled feeds.
func (c *Config) EnabledFeeds() []string {
	var names []string
	for _, f := range c.Feeds {
		if f.Enabled {
			names = append(names, f.Name)
		}
	}
	return names
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
		Redis: RedisConfig{
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
		},
		Database: DatabaseConfig{
			URLEnv:          "THREATLENS_DATABASE_URL",
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
			MemoryShards:    6,
		},
		NATS: NATSConfig{
			Name:           "threatlens",
			ConnectTimeout: 10 * time.Second,
			PublishTimeout: 5 * time.Second,
			MaxReconnects:  10,
		},
		RateLimit: gateway.DefaultRateLimitConfig(),
		Collector: CollectorConfig{
			Concurrency:   4,
			WatchFiles:    true,
			WatchDebounce: 500 * time.Millisecond,
		},
		Geo:         enrichment.DefaultConfig(),
		Correlation: correlation.DefaultConfig(),
		Scheduler:   scheduler.DefaultConfig(),
		Splunk: SplunkConfig{
			Receiver: splunk.DefaultReceiverConfig(),
			Sender:   splunk.DefaultSenderConfig(),
		},
	}
}
