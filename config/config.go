package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"warden/notify"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Storage drivers
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// RateLimitConfig is a token bucket
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gt=0"`
	Burst             int     `mapstructure:"burst" validate:"gt=0"`
}

// APIConfig configures the HTTP server
type APIConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// MaxBodyBytes caps request bodies, including raw event payloads
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"gt=0"`
	// TrustProxy makes the rate limiter key on X-Forwarded-For
	TrustProxy bool `mapstructure:"trust_proxy"`
	// RateLimit applies to every API route per client IP
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	// IngestRateLimit is a global bucket for event ingestion
	IngestRateLimit RateLimitConfig `mapstructure:"ingest_rate_limit"`
}

// AuthConfig configures operator identity
type AuthConfig struct {
	// Enabled requires a bearer JWT on operator routes; otherwise X-Operator is trusted
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	// Format is "console" (colored, for terminals) or "json"
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// StorageConfig selects the incident store backend
type StorageConfig struct {
	Driver     string `mapstructure:"driver" validate:"oneof=memory sqlite"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// PipelineConfig configures the orchestrator
type PipelineConfig struct {
	Shards             int           `mapstructure:"shards" validate:"gt=0"`
	QueueSize          int           `mapstructure:"queue_size" validate:"gt=0"`
	StageTimeout       time.Duration `mapstructure:"stage_timeout" validate:"gt=0"`
	ReenrichInterval   time.Duration `mapstructure:"reenrich_interval" validate:"gt=0"`
	ReenrichAttempts   int           `mapstructure:"reenrich_attempts" validate:"gte=0"`
	MaxConflictRetries int           `mapstructure:"max_conflict_retries" validate:"gt=0"`
}

// CorrelationConfig configures incident grouping
type CorrelationConfig struct {
	Window         time.Duration `mapstructure:"window" validate:"gt=0"`
	MinOverlap     int           `mapstructure:"min_overlap" validate:"gt=0"`
	DedupCacheSize int           `mapstructure:"dedup_cache_size" validate:"gt=0"`
	// Kinds restricts which indicator kinds group events; empty means all
	Kinds []string `mapstructure:"kinds" validate:"dive,oneof=ip domain hash user host"`
}

// CacheConfig configures the in-process enrichment cache
type CacheConfig struct {
	Size        int           `mapstructure:"size" validate:"gt=0"`
	PositiveTTL time.Duration `mapstructure:"positive_ttl" validate:"gt=0"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl" validate:"gt=0,ltfield=PositiveTTL"`
}

// RedisConfig configures the shared enrichment cache tier
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// IntelProviderConfig is a REST threat-intel source
type IntelProviderConfig struct {
	Name              string        `mapstructure:"name" validate:"required"`
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxFailures       uint32        `mapstructure:"max_failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
}

// EnrichmentConfig configures the enrichment client
type EnrichmentConfig struct {
	LookupTimeout  time.Duration         `mapstructure:"lookup_timeout" validate:"gt=0"`
	MaxConcurrency int                   `mapstructure:"max_concurrency" validate:"gt=0"`
	Cache          CacheConfig           `mapstructure:"cache"`
	Redis          RedisConfig           `mapstructure:"redis"`
	Providers      []IntelProviderConfig `mapstructure:"providers" validate:"dive"`
	// InventoryFile is an optional YAML asset inventory consulted for hosts, IPs and users
	InventoryFile string `mapstructure:"inventory_file"`
}

// RetryConfig is the default step retry policy
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gt=0"`
	Jitter      float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// ActionProviderConfig is a REST response integration serving the listed actions
type ActionProviderConfig struct {
	Name         string        `mapstructure:"name" validate:"required"`
	BaseURL      string        `mapstructure:"base_url" validate:"required,url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Actions      []string      `mapstructure:"actions" validate:"min=1,dive,required"`
	MaxFailures  uint32        `mapstructure:"max_failures"`
	BreakerReset time.Duration `mapstructure:"breaker_reset"`
}

// PlaybooksConfig configures the playbook executor
type PlaybooksConfig struct {
	Dir                string                 `mapstructure:"dir"`
	MaxConcurrent      int                    `mapstructure:"max_concurrent" validate:"gt=0"`
	DefaultStepTimeout time.Duration          `mapstructure:"default_step_timeout" validate:"gt=0"`
	Retry              RetryConfig            `mapstructure:"retry"`
	AuditRetention     int                    `mapstructure:"audit_retention" validate:"gte=0"`
	ActionProviders    []ActionProviderConfig `mapstructure:"action_providers" validate:"dive"`
}

// NATSConfig configures the notification forwarder
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Name          string `mapstructure:"name"`
}

// NotifyConfig configures notification fan-out
type NotifyConfig struct {
	// Buffer is the per-subscriber channel size
	Buffer   int                    `mapstructure:"buffer" validate:"gt=0"`
	Webhooks []notify.WebhookConfig `mapstructure:"webhooks" validate:"dive"`
	NATS     NATSConfig             `mapstructure:"nats"`
}

// KafkaConfig configures raw event ingestion from Kafka
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	// Topics maps each topic to the sensor kind that produces it
	Topics   map[string]string `mapstructure:"topics"`
	MinBytes int               `mapstructure:"min_bytes"`
	MaxBytes int               `mapstructure:"max_bytes"`
	MaxWait  time.Duration     `mapstructure:"max_wait"`
}

// TracingConfig configures OpenTelemetry
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// SampleRatio is the fraction of root traces sampled
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
	ServiceName string  `mapstructure:"service_name"`
}

// Config holds all configuration for the Warden service
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Enrichment  EnrichmentConfig  `mapstructure:"enrichment"`
	Playbooks   PlaybooksConfig   `mapstructure:"playbooks"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.addr", ":8081")
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 15*time.Second)
	v.SetDefault("api.idle_timeout", 60*time.Second)
	v.SetDefault("api.shutdown_timeout", 30*time.Second)
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.max_body_bytes", 1<<20) // 1MB
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("api.rate_limit.requests_per_second", 100)
	v.SetDefault("api.rate_limit.burst", 100)
	v.SetDefault("api.ingest_rate_limit.requests_per_second", 5000)
	v.SetDefault("api.ingest_rate_limit.burst", 10000)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "warden")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("storage.driver", StorageMemory)
	v.SetDefault("storage.sqlite_path", "./data/warden.db")

	v.SetDefault("pipeline.shards", 8)
	v.SetDefault("pipeline.queue_size", 1024)
	v.SetDefault("pipeline.stage_timeout", 30*time.Second)
	v.SetDefault("pipeline.reenrich_interval", time.Minute)
	v.SetDefault("pipeline.reenrich_attempts", 3)
	v.SetDefault("pipeline.max_conflict_retries", 5)

	v.SetDefault("correlation.window", 30*time.Minute)
	v.SetDefault("correlation.min_overlap", 1)
	v.SetDefault("correlation.dedup_cache_size", 100000)
	v.SetDefault("correlation.kinds", []string{})

	v.SetDefault("enrichment.lookup_timeout", 3*time.Second)
	v.SetDefault("enrichment.max_concurrency", 8)
	v.SetDefault("enrichment.cache.size", 50000)
	v.SetDefault("enrichment.cache.positive_ttl", time.Hour)
	v.SetDefault("enrichment.cache.negative_ttl", 10*time.Minute)
	v.SetDefault("enrichment.redis.enabled", false)
	v.SetDefault("enrichment.redis.addr", "localhost:6379")
	v.SetDefault("enrichment.redis.db", 0)
	v.SetDefault("enrichment.redis.pool_size", 10)
	v.SetDefault("enrichment.redis.key_prefix", "warden:intel")
	v.SetDefault("enrichment.inventory_file", "")

	v.SetDefault("playbooks.dir", "./playbooks")
	v.SetDefault("playbooks.max_concurrent", 10)
	v.SetDefault("playbooks.default_step_timeout", 30*time.Second)
	v.SetDefault("playbooks.retry.max_attempts", 3)
	v.SetDefault("playbooks.retry.base_delay", time.Second)
	v.SetDefault("playbooks.retry.max_delay", 30*time.Second)
	v.SetDefault("playbooks.retry.jitter", 0.1)
	v.SetDefault("playbooks.audit_retention", 10000)

	v.SetDefault("notify.buffer", 256)
	v.SetDefault("notify.nats.enabled", false)
	v.SetDefault("notify.nats.url", "nats://localhost:4222")
	v.SetDefault("notify.nats.subject_prefix", "warden")
	v.SetDefault("notify.nats.name", "warden")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "warden")
	v.SetDefault("kafka.min_bytes", 1)
	v.SetDefault("kafka.max_bytes", 10<<20) // 10MB
	v.SetDefault("kafka.max_wait", 500*time.Millisecond)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "warden")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short names for the settings most often set per deployment
	_ = v.BindEnv("auth.jwt_secret", "WARDEN_JWT_SECRET")
	_ = v.BindEnv("storage.sqlite_path", "WARDEN_SQLITE_PATH")
	_ = v.BindEnv("enrichment.redis.password", "WARDEN_REDIS_PASSWORD")
}

// LoadConfig loads configuration from config.yaml in . or ./config and WARDEN_* environment variables
func LoadConfig() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or searches the default locations when path is empty
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file in the search path means defaults and env vars only
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

var validate = validator.New()

func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		return err
	}

	if config.Auth.Enabled {
		if len(config.Auth.JWTSecret) < 32 {
			return fmt.Errorf("JWT secret must be at least 32 characters when auth is enabled")
		}
		lower := strings.ToLower(config.Auth.JWTSecret)
		for _, weak := range []string{"secret", "password", "changeme", "default", "example"} {
			if strings.Contains(lower, weak) {
				return fmt.Errorf("JWT secret appears to contain a weak/default value")
			}
		}
	}

	if config.Storage.Driver == StorageSQLite && config.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
	}

	if config.Playbooks.Retry.MaxDelay < config.Playbooks.Retry.BaseDelay {
		return fmt.Errorf("playbooks.retry.max_delay must not be below base_delay")
	}

	if config.Enrichment.Redis.Enabled && config.Enrichment.Redis.Addr == "" {
		return fmt.Errorf("enrichment.redis.addr is required when redis is enabled")
	}

	seen := make(map[string]string)
	for _, p := range config.Playbooks.ActionProviders {
		for _, action := range p.Actions {
			if owner, ok := seen[action]; ok {
				return fmt.Errorf("action %q is served by both %q and %q", action, owner, p.Name)
			}
			seen[action] = p.Name
		}
	}

	if config.Notify.NATS.Enabled {
		u, err := url.Parse(config.Notify.NATS.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid NATS URL %q", config.Notify.NATS.URL)
		}
	}

	if config.Kafka.Enabled {
		if len(config.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if config.Kafka.GroupID == "" {
			return fmt.Errorf("kafka.group_id is required when kafka is enabled")
		}
		if len(config.Kafka.Topics) == 0 {
			return fmt.Errorf("kafka.topics must map at least one topic to a sensor")
		}
	}
	return nil
}
