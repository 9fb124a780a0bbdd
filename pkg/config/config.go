package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/rolegraph/pkg/observability"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Engine        rbac.Config
	Seed          SeedConfig
	Review        ReviewConfig
	Snapshot      SnapshotConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// RateLimitPerMinute caps requests per caller on the admin API. Zero disables limiting.
	RateLimitPerMinute int
	RateLimitBurst     int

	// AdminPermission, when set, is the permission key callers need for the admin API
	AdminPermission string
}

// StorageConfig selects and configures the repository backend
type StorageConfig struct {
	Type string

	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int

	RedisURL       string
	RedisPassword  string
	RedisDB        int
	RedisPoolSize  int
	RedisKeyPrefix string
}

// SeedConfig points at the YAML file of system roles and permissions
type SeedConfig struct {
	Path  string
	Watch bool
}

// ReviewConfig schedules the periodic conflict review. An empty schedule disables it.
type ReviewConfig struct {
	Schedule string
}

// SnapshotConfig configures graph snapshots in S3. An empty bucket disables them.
type SnapshotConfig struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Schedule     string
}

// Enabled reports whether snapshots are configured
func (s SnapshotConfig) Enabled() bool {
	return s.Bucket != ""
}

// AuditConfig configures the audit trail of graph changes and the webhooks fed from it
type AuditConfig struct {
	Enabled bool
	Workers int
	// QueueSize bounds events waiting to be written; changes beyond it are dropped and counted
	QueueSize int
	// MemoryCapacity bounds the in-memory trail used when storage is not SQL
	MemoryCapacity int
	// Retention prunes SQL audit events older than this on the review schedule. Zero keeps everything.
	Retention time.Duration

	FilePath     string
	FileMaxSize  int64
	FileMaxFiles int

	WebhooksEnabled      bool
	WebhookTimeout       time.Duration
	WebhookRetryInterval time.Duration
	WebhookMaxAttempts   int
	WebhookRateLimit     int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	engine, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}
	obs, err := loadObservabilityConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Engine:        engine,
		Seed:          loadSeedConfig(),
		Review:        ReviewConfig{Schedule: getEnv("ROLEGRAPH_REVIEW_SCHEDULE", "@every 15m")},
		Snapshot:      loadSnapshotConfig(),
		Audit:         loadAuditConfig(),
		Observability: obs,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("ROLEGRAPH_HOST", "0.0.0.0"),
		Port:            getEnv("ROLEGRAPH_PORT", "8080"),
		ReadTimeout:     getEnvDuration("ROLEGRAPH_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("ROLEGRAPH_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("ROLEGRAPH_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("ROLEGRAPH_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("ROLEGRAPH_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("ROLEGRAPH_HEALTH_PORT", "9090"),

		RateLimitPerMinute: getEnvInt("ROLEGRAPH_RATE_LIMIT_PER_MINUTE", 0),
		RateLimitBurst:     getEnvInt("ROLEGRAPH_RATE_LIMIT_BURST", 20),
		AdminPermission:    getEnv("ROLEGRAPH_ADMIN_PERMISSION", ""),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Type:             strings.ToLower(getEnv("ROLEGRAPH_STORAGE_TYPE", StorageMemory)),
		PostgresURL:      getEnv("ROLEGRAPH_POSTGRES_URL", ""),
		PostgresMaxConns: getEnvInt("ROLEGRAPH_POSTGRES_MAX_CONNS", 20),
		PostgresMinConns: getEnvInt("ROLEGRAPH_POSTGRES_MIN_CONNS", 2),
		RedisURL:         getEnv("ROLEGRAPH_REDIS_URL", ""),
		RedisPassword:    getEnv("ROLEGRAPH_REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("ROLEGRAPH_REDIS_DB", 0),
		RedisPoolSize:    getEnvInt("ROLEGRAPH_REDIS_POOL_SIZE", 10),
		RedisKeyPrefix:   getEnv("ROLEGRAPH_REDIS_KEY_PREFIX", "rolegraph"),
	}
}

func loadEngineConfig() (rbac.Config, error) {
	cfg := rbac.DefaultConfig()
	cfg.MaxDepth = getEnvInt("ROLEGRAPH_MAX_DEPTH", cfg.MaxDepth)
	cfg.CacheSize = getEnvInt("ROLEGRAPH_CACHE_SIZE", cfg.CacheSize)
	cfg.CacheTTL = getEnvDuration("ROLEGRAPH_CACHE_TTL", cfg.CacheTTL)

	policy, err := rbac.ParseWildcardPolicy(getEnv("ROLEGRAPH_WILDCARD_POLICY", string(cfg.WildcardPolicy)))
	if err != nil {
		return cfg, fmt.Errorf("ROLEGRAPH_WILDCARD_POLICY: %w", err)
	}
	cfg.WildcardPolicy = policy
	return cfg, nil
}

func loadSeedConfig() SeedConfig {
	return SeedConfig{
		Path:  getEnv("ROLEGRAPH_SEED_FILE", ""),
		Watch: getEnvBool("ROLEGRAPH_SEED_WATCH", false),
	}
}

func loadSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Bucket:       getEnv("ROLEGRAPH_SNAPSHOT_BUCKET", ""),
		Prefix:       getEnv("ROLEGRAPH_SNAPSHOT_PREFIX", "snapshots/"),
		Region:       getEnv("ROLEGRAPH_SNAPSHOT_REGION", "us-east-1"),
		Endpoint:     getEnv("ROLEGRAPH_SNAPSHOT_ENDPOINT", ""),
		AccessKey:    getEnv("ROLEGRAPH_SNAPSHOT_ACCESS_KEY", ""),
		SecretKey:    getEnv("ROLEGRAPH_SNAPSHOT_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("ROLEGRAPH_SNAPSHOT_USE_PATH_STYLE", false),
		Schedule:     getEnv("ROLEGRAPH_SNAPSHOT_SCHEDULE", "@daily"),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:        getEnvBool("ROLEGRAPH_AUDIT_ENABLED", true),
		Workers:        getEnvInt("ROLEGRAPH_AUDIT_WORKERS", 2),
		QueueSize:      getEnvInt("ROLEGRAPH_AUDIT_QUEUE_SIZE", 1024),
		MemoryCapacity: getEnvInt("ROLEGRAPH_AUDIT_MEMORY_CAPACITY", 10000),
		Retention:      getEnvDuration("ROLEGRAPH_AUDIT_RETENTION", 0),
		FilePath:       getEnv("ROLEGRAPH_AUDIT_FILE_PATH", ""),
		FileMaxSize:    getEnvInt64("ROLEGRAPH_AUDIT_FILE_MAX_SIZE", 100*1024*1024),
		FileMaxFiles:   getEnvInt("ROLEGRAPH_AUDIT_FILE_MAX_FILES", 10),

		WebhooksEnabled:      getEnvBool("ROLEGRAPH_WEBHOOKS_ENABLED", false),
		WebhookTimeout:       getEnvDuration("ROLEGRAPH_WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookRetryInterval: getEnvDuration("ROLEGRAPH_WEBHOOK_RETRY_INTERVAL", 30*time.Second),
		WebhookMaxAttempts:   getEnvInt("ROLEGRAPH_WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookRateLimit:     getEnvInt("ROLEGRAPH_WEBHOOK_RATE_LIMIT", 100),
	}
}

func loadObservabilityConfig() (ObservabilityConfig, error) {
	level, err := observability.ParseLogLevel(getEnv("ROLEGRAPH_LOG_LEVEL", "info"))
	if err != nil {
		return ObservabilityConfig{}, fmt.Errorf("ROLEGRAPH_LOG_LEVEL: %w", err)
	}

	return ObservabilityConfig{
		LogLevel:           level,
		MetricsEnabled:     getEnvBool("ROLEGRAPH_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("ROLEGRAPH_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ROLEGRAPH_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ROLEGRAPH_OTEL_SERVICE_NAME", "rolegraph"),
		OTelServiceVersion: getEnv("ROLEGRAPH_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("ROLEGRAPH_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("ROLEGRAPH_OTEL_SAMPLE_RATIO", 1),
	}, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Server.RateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit and burst cannot be negative")
	}
	if c.Server.AdminPermission != "" {
		if _, err := rbac.ParsePermissionKey(c.Server.AdminPermission); err != nil {
			return fmt.Errorf("invalid admin permission: %w", err)
		}
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
		if c.Storage.PostgresMinConns > c.Storage.PostgresMaxConns {
			return fmt.Errorf("postgres min conns cannot exceed max conns")
		}
	case StorageRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, postgres, or redis)", c.Storage.Type)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if c.Seed.Watch && c.Seed.Path == "" {
		return fmt.Errorf("seed file path is required when seed watch is enabled")
	}

	if c.Review.Schedule != "" {
		if _, err := cron.ParseStandard(c.Review.Schedule); err != nil {
			return fmt.Errorf("invalid review schedule %q: %w", c.Review.Schedule, err)
		}
	}

	if c.Snapshot.Enabled() && c.Snapshot.Schedule != "" {
		if _, err := cron.ParseStandard(c.Snapshot.Schedule); err != nil {
			return fmt.Errorf("invalid snapshot schedule %q: %w", c.Snapshot.Schedule, err)
		}
	}
	if (c.Snapshot.AccessKey == "") != (c.Snapshot.SecretKey == "") {
		return fmt.Errorf("snapshot access key and secret key must be set together")
	}

	if c.Audit.Enabled {
		if c.Audit.Workers <= 0 {
			return fmt.Errorf("audit workers must be positive")
		}
		if c.Audit.QueueSize <= 0 {
			return fmt.Errorf("audit queue size must be positive")
		}
		if c.Audit.MemoryCapacity <= 0 {
			return fmt.Errorf("audit memory capacity must be positive")
		}
		if c.Audit.Retention < 0 {
			return fmt.Errorf("audit retention cannot be negative")
		}
	}
	if c.Audit.WebhooksEnabled {
		if !c.Audit.Enabled {
			return fmt.Errorf("webhooks require the audit trail to be enabled")
		}
		if c.Audit.WebhookTimeout <= 0 || c.Audit.WebhookRetryInterval <= 0 {
			return fmt.Errorf("webhook timeout and retry interval must be positive")
		}
		if c.Audit.WebhookMaxAttempts <= 0 || c.Audit.WebhookRateLimit <= 0 {
			return fmt.Errorf("webhook max attempts and rate limit must be positive")
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
