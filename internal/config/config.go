package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. FUELINGEST_STORE_DRIVER.
const EnvPrefix = "FUELINGEST"

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Credentials CredentialsConfig `yaml:"credentials" mapstructure:"credentials"`
	Adapter     AdapterConfig     `yaml:"adapter" mapstructure:"adapter"`
	Breaker     BreakerConfig     `yaml:"breaker" mapstructure:"breaker"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Writer      WriterConfig      `yaml:"writer" mapstructure:"writer"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Events      EventsConfig      `yaml:"events" mapstructure:"events"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CredentialsConfig configures connection-settings encryption.
type CredentialsConfig struct {
	Key          string   `yaml:"key" mapstructure:"key"`
	SecretFields []string `yaml:"secret_fields" mapstructure:"secret_fields"`
}

// AdapterConfig configures provider adapters.
type AdapterConfig struct {
	FetchTimeout   time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	UserAgent      string        `yaml:"user_agent" mapstructure:"user_agent"`
	UploadDir      string        `yaml:"upload_dir" mapstructure:"upload_dir"`
}

// BreakerConfig configures per-template circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// SchedulerConfig configures auto-load scheduling and run bounds.
type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	TickInterval  time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
	MaxConcurrent int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RunTimeout    time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
	Timezone      string        `yaml:"timezone" mapstructure:"timezone"`
}

// Location resolves Timezone.
func (c SchedulerConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: load timezone %q", c.Timezone)
	}
	return loc, nil
}

// WriterConfig configures the transaction writer.
type WriterConfig struct {
	ErrorSampleSize int `yaml:"error_sample_size" mapstructure:"error_sample_size"`
}

// CacheConfig configures the provider-call cache.
type CacheConfig struct {
	Backend   string        `yaml:"backend" mapstructure:"backend"` // memory, redis or none
	Prefix    string        `yaml:"prefix" mapstructure:"prefix"`
	FieldsTTL time.Duration `yaml:"fields_ttl" mapstructure:"fields_ttl"`
	HealthTTL time.Duration `yaml:"health_ttl" mapstructure:"health_ttl"`
	Redis     RedisConfig   `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// EventsConfig configures upload event notification.
type EventsConfig struct {
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" mapstructure:"delivery_timeout"`
	Log             bool          `yaml:"log" mapstructure:"log"`
	Kafka           KafkaConfig   `yaml:"kafka" mapstructure:"kafka"`
	Webhook         WebhookConfig `yaml:"webhook" mapstructure:"webhook"`
}

// KafkaConfig enables the Kafka publisher when Brokers is set.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" mapstructure:"brokers"`
	Topic    string   `yaml:"topic" mapstructure:"topic"`
	ClientID string   `yaml:"client_id" mapstructure:"client_id"`
}

// WebhookConfig enables the webhook notifier when URL is set.
type WebhookConfig struct {
	URL            string        `yaml:"url" mapstructure:"url"`
	Statuses       []string      `yaml:"statuses" mapstructure:"statuses"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	// .env is optional and never overrides variables already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "fuel-ingest.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("credentials.secret_fields", []string{"password", "api_key", "token", "client_secret", "secret"})
	v.SetDefault("adapter.fetch_timeout", "5m")
	v.SetDefault("adapter.connect_timeout", "10s")
	v.SetDefault("adapter.request_timeout", "60s")
	v.SetDefault("adapter.user_agent", "fuel-ingest/1.0")
	v.SetDefault("adapter.upload_dir", os.TempDir())
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "60s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.run_timeout", "15m")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("writer.error_sample_size", 20)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.prefix", "fuelingest:")
	v.SetDefault("cache.fields_ttl", "10m")
	v.SetDefault("cache.health_ttl", "60s")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("events.delivery_timeout", "30s")
	v.SetDefault("events.log", true)
	v.SetDefault("events.kafka.topic", "fuel.uploads")
	v.SetDefault("events.kafka.client_id", "fuel-ingest")
	v.SetDefault("events.webhook.timeout", "10s")
	v.SetDefault("events.webhook.max_attempts", 3)
	v.SetDefault("events.webhook.initial_backoff", "500ms")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs: serve, load, migrate
// or encrypt.
func (c *Config) Validate(mode string) error {
	var errs []string

	needStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.SQLitePath == "" {
				errs = append(errs, "store.sqlite_path is required for the sqlite driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("store.driver %q is not supported (postgres, sqlite)", c.Store.Driver))
		}
	}
	needKey := func() {
		if c.Credentials.Key == "" {
			errs = append(errs, "credentials.key is required")
		}
	}
	needRuntime := func() {
		if c.Scheduler.MaxConcurrent < 1 || c.Scheduler.MaxConcurrent > 64 {
			errs = append(errs, "scheduler.max_concurrent must be between 1 and 64")
		}
		if c.Scheduler.RunTimeout <= 0 {
			errs = append(errs, "scheduler.run_timeout must be > 0")
		}
		if c.Adapter.FetchTimeout <= 0 {
			errs = append(errs, "adapter.fetch_timeout must be > 0")
		}
		if c.Adapter.FetchTimeout > c.Scheduler.RunTimeout && c.Scheduler.RunTimeout > 0 {
			errs = append(errs, "adapter.fetch_timeout must not exceed scheduler.run_timeout")
		}
		if c.Breaker.FailureThreshold < 1 {
			errs = append(errs, "breaker.failure_threshold must be >= 1")
		}
		if _, err := c.Scheduler.Location(); err != nil {
			errs = append(errs, fmt.Sprintf("scheduler.timezone %q is not a known zone", c.Scheduler.Timezone))
		}
		switch c.Cache.Backend {
		case "memory", "none", "":
		case "redis":
			if c.Cache.Redis.Addr == "" {
				errs = append(errs, "cache.redis.addr is required for the redis backend")
			}
		default:
			errs = append(errs, fmt.Sprintf("cache.backend %q is not supported (memory, redis, none)", c.Cache.Backend))
		}
	}

	switch mode {
	case "serve":
		needStore()
		needKey()
		needRuntime()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "load":
		needStore()
		needKey()
		needRuntime()
	case "migrate":
		needStore()
	case "encrypt":
		needKey()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
