package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration
type Config struct {
	// Store configuration (object store connection)
	Store StoreConfig `yaml:"store"`

	// Engine configuration (pipeline knobs)
	Engine EngineConfig `yaml:"engine"`

	// Cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// StoreConfig holds object store configuration
type StoreConfig struct {
	// ConnectionString, when set, is parsed and overrides the individual
	// fields below. Syntax: <scheme>://<key>:<secret>@<host>[:<port>]/<bucket>/<prefix>
	ConnectionString string `yaml:"connection_string"`

	Endpoint     string `yaml:"endpoint"` // empty for the provider default
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`

	// UseFake selects the in-memory backend. No network I/O happens and the
	// connection fields above are ignored.
	UseFake bool `yaml:"use_fake"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig holds retry behavior for object store requests
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterFraction    float64       `yaml:"jitter_fraction"`
}

// EngineConfig holds record pipeline configuration
type EngineConfig struct {
	// EncryptionKey protects fields declared secret. Records with secret
	// fields cannot be written or read without it.
	EncryptionKey string `yaml:"encryption_key"`

	// Concurrency bounds simultaneous object store requests per Database.
	Concurrency int `yaml:"concurrency"`

	// MetadataBudget is the encoded user-metadata byte budget per record.
	// Fields that would exceed it spill to the record body.
	MetadataBudget int `yaml:"metadata_budget"`

	// CompressionThreshold is the body size in bytes above which bodies are
	// gzip-compressed.
	CompressionThreshold int `yaml:"compression_threshold"`

	// ManifestMaxRetries bounds reload-and-retry loops on manifest write
	// conflicts.
	ManifestMaxRetries int `yaml:"manifest_max_retries"`
}

// CacheConfig holds read-through record cache configuration
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"` // memory driver only

	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  logrus.Level `yaml:"-"`
	LogFormat string       `yaml:"log_format"` // json or text

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"` // Use insecure gRPC connection
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Region:       "us-east-1",
			UsePathStyle: false,
			Retry: RetryConfig{
				MaxAttempts:       4,
				InitialDelay:      100 * time.Millisecond,
				MaxDelay:          5 * time.Second,
				BackoffMultiplier: 2.0,
				JitterFraction:    0.2,
			},
		},
		Engine: EngineConfig{
			Concurrency:          64,
			MetadataBudget:       1900,
			CompressionThreshold: 10 << 10,
			ManifestMaxRetries:   5,
		},
		Cache: CacheConfig{
			Enabled:    false,
			Driver:     "memory",
			TTL:        time.Minute,
			MaxEntries: 1024,
		},
		Observability: ObservabilityConfig{
			LogLevel:           logrus.InfoLevel,
			LogFormat:          "json",
			MetricsEnabled:     true,
			OTelEnabled:        false,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "pannier",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile loads configuration from a YAML file, then applies environment
// overrides on top.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadEnv applies environment variables on top of cfg
func loadEnv(cfg *Config) {
	// Store
	if conn := getEnv("PANNIER_CONNECTION", ""); conn != "" {
		cfg.Store.ConnectionString = conn
	}
	if endpoint := getEnv("PANNIER_S3_ENDPOINT", ""); endpoint != "" {
		cfg.Store.Endpoint = endpoint
	}
	if region := getEnv("PANNIER_S3_REGION", ""); region != "" {
		cfg.Store.Region = region
	}
	if bucket := getEnv("PANNIER_S3_BUCKET", ""); bucket != "" {
		cfg.Store.Bucket = bucket
	}
	if prefix := getEnv("PANNIER_S3_PREFIX", ""); prefix != "" {
		cfg.Store.Prefix = prefix
	}
	if accessKey := getEnv("PANNIER_S3_ACCESS_KEY", ""); accessKey != "" {
		cfg.Store.AccessKey = accessKey
	}
	if secretKey := getEnv("PANNIER_S3_SECRET_KEY", ""); secretKey != "" {
		cfg.Store.SecretKey = secretKey
	}
	if pathStyle := getEnv("PANNIER_S3_USE_PATH_STYLE", ""); pathStyle != "" {
		cfg.Store.UsePathStyle = strings.ToLower(pathStyle) == "true"
	}
	if useFake := getEnv("PANNIER_USE_FAKE", ""); useFake != "" {
		cfg.Store.UseFake = strings.ToLower(useFake) == "true" || useFake == "1"
	}
	if maxAttempts := getEnvInt("PANNIER_RETRY_MAX_ATTEMPTS", 0); maxAttempts > 0 {
		cfg.Store.Retry.MaxAttempts = maxAttempts
	}
	if initialDelay := getEnvDuration("PANNIER_RETRY_INITIAL_DELAY", 0); initialDelay > 0 {
		cfg.Store.Retry.InitialDelay = initialDelay
	}
	if maxDelay := getEnvDuration("PANNIER_RETRY_MAX_DELAY", 0); maxDelay > 0 {
		cfg.Store.Retry.MaxDelay = maxDelay
	}

	// Engine
	if key := getEnv("PANNIER_ENCRYPTION_KEY", ""); key != "" {
		cfg.Engine.EncryptionKey = key
	}
	if concurrency := getEnvInt("PANNIER_CONCURRENCY", 0); concurrency > 0 {
		cfg.Engine.Concurrency = concurrency
	}
	if budget := getEnvInt("PANNIER_METADATA_BUDGET", 0); budget > 0 {
		cfg.Engine.MetadataBudget = budget
	}
	if threshold := getEnvInt("PANNIER_COMPRESSION_THRESHOLD", 0); threshold > 0 {
		cfg.Engine.CompressionThreshold = threshold
	}

	// Cache
	if enabled := getEnv("PANNIER_CACHE_ENABLED", ""); enabled != "" {
		cfg.Cache.Enabled = strings.ToLower(enabled) == "true"
	}
	if driver := getEnv("PANNIER_CACHE_DRIVER", ""); driver != "" {
		cfg.Cache.Driver = driver
	}
	if ttl := getEnvDuration("PANNIER_CACHE_TTL", 0); ttl > 0 {
		cfg.Cache.TTL = ttl
	}
	if maxEntries := getEnvInt("PANNIER_CACHE_MAX_ENTRIES", 0); maxEntries > 0 {
		cfg.Cache.MaxEntries = maxEntries
	}
	if redisURL := getEnv("PANNIER_REDIS_URL", ""); redisURL != "" {
		cfg.Cache.RedisURL = redisURL
	}
	if redisPassword := getEnv("PANNIER_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.Cache.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("PANNIER_REDIS_DB", -1); redisDB >= 0 {
		cfg.Cache.RedisDB = redisDB
	}

	// Observability
	cfg.Observability.LogLevel = parseLogLevel(getEnv("PANNIER_LOG_LEVEL", cfg.Observability.LogLevel.String()))
	if format := getEnv("PANNIER_LOG_FORMAT", ""); format != "" {
		cfg.Observability.LogFormat = format
	}
	if metricsEnabled := getEnv("PANNIER_METRICS_ENABLED", ""); metricsEnabled != "" {
		cfg.Observability.MetricsEnabled = strings.ToLower(metricsEnabled) == "true"
	}
	if otelEnabled := getEnv("PANNIER_OTEL_ENABLED", ""); otelEnabled != "" {
		cfg.Observability.OTelEnabled = strings.ToLower(otelEnabled) == "true"
	}
	if endpoint := getEnv("PANNIER_OTEL_ENDPOINT", ""); endpoint != "" {
		cfg.Observability.OTelEndpoint = endpoint
	}
	if name := getEnv("PANNIER_OTEL_SERVICE_NAME", ""); name != "" {
		cfg.Observability.OTelServiceName = name
	}
	if version := getEnv("PANNIER_OTEL_SERVICE_VERSION", ""); version != "" {
		cfg.Observability.OTelServiceVersion = version
	}
	if insecure := getEnv("PANNIER_OTEL_INSECURE", ""); insecure != "" {
		cfg.Observability.OTelInsecure = strings.ToLower(insecure) == "true"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Resolve the connection string first so field checks see final values.
	if c.Store.ConnectionString != "" {
		conn, err := ParseConnection(c.Store.ConnectionString)
		if err != nil {
			return fmt.Errorf("invalid connection string: %w", err)
		}
		conn.apply(&c.Store)
	}

	if !c.Store.UseFake {
		if c.Store.Bucket == "" {
			return fmt.Errorf("store bucket is required")
		}
		if (c.Store.AccessKey == "") != (c.Store.SecretKey == "") {
			return fmt.Errorf("access key and secret key must be provided together")
		}
	}

	if c.Store.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Store.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry backoff multiplier must be at least 1")
	}

	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("engine concurrency must be at least 1")
	}
	if c.Engine.MetadataBudget < 128 {
		return fmt.Errorf("metadata budget must be at least 128 bytes")
	}
	if c.Engine.ManifestMaxRetries < 1 {
		return fmt.Errorf("manifest max retries must be at least 1")
	}

	switch c.Cache.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid cache driver: %s (must be memory or redis)", c.Cache.Driver)
	}
	if c.Cache.Enabled && c.Cache.Driver == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("redis URL is required for the redis cache driver")
	}

	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
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

// parseLogLevel parses a log level string
func parseLogLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
