// Package config provides configuration management for the relay.
//
// Configuration is resolved in three layers, later layers winning:
//  1. built-in defaults
//  2. an optional YAML file (config.yaml, config/config.yaml or $CONFIG_PATH)
//     in which ${VAR} and ${VAR:-default} placeholders are expanded
//  3. environment variables (a .env file is loaded first when present)
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Body size limits accepted by ValidateBodySizeLimit.
const (
	DefaultBodySizeLimit int64 = 10 * 1024 * 1024
	MinBodySizeLimit     int64 = 1024
	MaxBodySizeLimit     int64 = 100 * 1024 * 1024
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig           `yaml:"server"`
	Upstream  UpstreamConfig         `yaml:"upstream"`
	Auth      AuthConfig             `yaml:"auth"`
	RateLimit RateLimitConfig        `yaml:"rate_limit"`
	Quota     QuotaConfig            `yaml:"quota"`
	Storage   StorageConfig          `yaml:"storage"`
	Redis     RedisConfig            `yaml:"redis"`
	Usage     UsageConfig            `yaml:"usage"`
	Pricing   map[string]PriceConfig `yaml:"pricing"`
	Logging   LogConfig              `yaml:"logging"`
	Metrics   MetricsConfig          `yaml:"metrics"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	HTTP      HTTPConfig             `yaml:"http"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// BodySizeLimit accepts a plain byte count or a K/M suffix, e.g. "10M".
	BodySizeLimit string `yaml:"body_size_limit"`
	// TrustedProxies lists CIDRs whose X-Forwarded-For is believed. Empty
	// means the socket peer address is the client IP.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// UpstreamConfig describes the single provider endpoint requests are relayed to.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// AuthHeader is "authorization" (Bearer) or any other header name such as "x-api-key".
	AuthHeader string            `yaml:"auth_header"`
	Headers    map[string]string `yaml:"headers"`

	// Timeout is the overall per-request deadline in seconds, spanning all attempts.
	Timeout int `yaml:"timeout"`
	// AttemptTimeout bounds a single attempt in seconds (0 = only the overall deadline).
	AttemptTimeout int `yaml:"attempt_timeout"`

	MaxRetries       int     `yaml:"max_retries"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms"`
	BackoffFactor    float64 `yaml:"backoff_factor"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for the upstream.
type CircuitBreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	HalfOpenRequests int  `yaml:"half_open_requests"`
	OpenSeconds      int  `yaml:"open_seconds"`
}

// AuthConfig controls credential hashing and lookup caching.
type AuthConfig struct {
	// Pepper switches key hashing from SHA-256 to HMAC-SHA256 when set.
	Pepper    string `yaml:"pepper"`
	KeyPrefix string `yaml:"key_prefix"`
	// CacheBackend is "memory", "redis" or "none".
	CacheBackend string `yaml:"cache_backend"`
	// CacheTTL is in seconds; 0 disables caching.
	CacheTTL int `yaml:"cache_ttl"`
}

// RateLimitConfig selects the limiter backend and the tier table.
type RateLimitConfig struct {
	// Backend is "memory", "redis" or "token_bucket".
	Backend string                `yaml:"backend"`
	Tiers   map[string]TierConfig `yaml:"tiers"`
}

// TierConfig is a (requests, period) pair. Requests <= 0 means no ceiling.
type TierConfig struct {
	Requests int `yaml:"requests"`
	Period   int `yaml:"period"` // seconds
}

// QuotaConfig selects where provisional quota counters live.
type QuotaConfig struct {
	// Backend is "memory" or "redis".
	Backend           string `yaml:"backend"`
	DefaultTokenLimit int64  `yaml:"default_token_limit"`
}

// StorageConfig holds the persistence backend for credentials and usage.
type StorageConfig struct {
	// Type is "sqlite", "postgresql", "mongodb" or "memory".
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// RedisConfig is shared by the limiter, the quota counters and the credential cache.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// UsageConfig holds usage recording configuration
type UsageConfig struct {
	Enabled       bool `yaml:"enabled"`
	BufferSize    int  `yaml:"buffer_size"`
	FlushInterval int  `yaml:"flush_interval"` // seconds
	RetentionDays int  `yaml:"retention_days"`
	// CaptureLimit caps how many response bytes are retained for token accounting.
	CaptureLimit int `yaml:"capture_limit"`
}

// PriceConfig is a per-1K-token price pair.
type PriceConfig struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Format is "json", "text", "pretty" or "" (pretty on a terminal, json otherwise).
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// HTTPConfig holds upstream transport timeouts in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// LoadResult is returned by Load.
type LoadResult struct {
	Config *Config
	// Source is the YAML file that was read, or "" when only defaults and env were used.
	Source string
}

// buildDefaultConfig returns the built-in configuration.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Upstream: UpstreamConfig{
			BaseURL:          "https://api.anthropic.com/v1",
			AuthHeader:       "authorization",
			Timeout:          60,
			MaxRetries:       3,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     30000,
			BackoffFactor:    2.0,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				HalfOpenRequests: 1,
				OpenSeconds:      30,
			},
		},
		Auth: AuthConfig{
			KeyPrefix:    "sk-proxy-",
			CacheBackend: "memory",
			CacheTTL:     60,
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Tiers: map[string]TierConfig{
				"basic":     {Requests: 100, Period: 60},
				"premium":   {Requests: 1000, Period: 60},
				"unlimited": {Requests: 0, Period: 60},
			},
		},
		Quota: QuotaConfig{
			Backend:           "memory",
			DefaultTokenLimit: 1_000_000,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "data/tokenrelay.db",
			},
			PostgreSQL: PostgreSQLConfig{
				MaxConns: 10,
			},
			MongoDB: MongoDBConfig{
				Database: "tokenrelay",
			},
		},
		Usage: UsageConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5,
			RetentionDays: 90,
			CaptureLimit:  1024 * 1024,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "tokenrelay",
		},
		HTTP: HTTPConfig{
			Timeout:               600,
			ResponseHeaderTimeout: 600,
		},
	}
}

// Load reads configuration from defaults, an optional YAML file and the environment.
func Load() (*LoadResult, error) {
	// .env is optional; a missing file is not an error
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()

	source, err := loadYAML(cfg)
	if err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &LoadResult{Config: cfg, Source: source}, nil
}

// loadYAML merges the first config file found into cfg.
func loadYAML(cfg *Config) (string, error) {
	candidates := []string{"config.yaml", "config/config.yaml"}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		candidates = []string{p}
	}

	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(expandString(string(raw))), cfg); err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return path, nil
	}
	return "", nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} placeholders.
// An unset or empty variable without a default is left untouched so that a
// missing secret is visible instead of silently becoming "".
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		if v := os.Getenv(groups[1]); v != "" {
			return v
		}
		if groups[2] != "" {
			return groups[3]
		}
		return match
	})
}

// applyEnvOverrides maps well-known environment variables onto cfg.
func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}

	str("PORT", &cfg.Server.Port)
	str("BODY_SIZE_LIMIT", &cfg.Server.BodySizeLimit)
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Server.TrustedProxies = append(cfg.Server.TrustedProxies, p)
			}
		}
	}

	str("UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	str("UPSTREAM_API_KEY", &cfg.Upstream.APIKey)
	str("UPSTREAM_AUTH_HEADER", &cfg.Upstream.AuthHeader)
	num("UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	num("UPSTREAM_ATTEMPT_TIMEOUT", &cfg.Upstream.AttemptTimeout)
	num("UPSTREAM_MAX_RETRIES", &cfg.Upstream.MaxRetries)
	boolean("UPSTREAM_CIRCUIT_BREAKER_ENABLED", &cfg.Upstream.CircuitBreaker.Enabled)

	str("AUTH_PEPPER", &cfg.Auth.Pepper)
	str("AUTH_KEY_PREFIX", &cfg.Auth.KeyPrefix)
	str("AUTH_CACHE_BACKEND", &cfg.Auth.CacheBackend)
	num("AUTH_CACHE_TTL", &cfg.Auth.CacheTTL)

	str("RATE_LIMIT_BACKEND", &cfg.RateLimit.Backend)
	str("QUOTA_BACKEND", &cfg.Quota.Backend)
	if v := os.Getenv("QUOTA_DEFAULT_TOKEN_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("QUOTA_DEFAULT_TOKEN_LIMIT: invalid integer %q", v))
		} else {
			cfg.Quota.DefaultTokenLimit = n
		}
	}

	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	str("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	num("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns)
	str("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	str("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)
	str("REDIS_URL", &cfg.Redis.URL)

	boolean("USAGE_ENABLED", &cfg.Usage.Enabled)
	num("USAGE_BUFFER_SIZE", &cfg.Usage.BufferSize)
	num("USAGE_FLUSH_INTERVAL", &cfg.Usage.FlushInterval)
	num("USAGE_RETENTION_DAYS", &cfg.Usage.RetentionDays)

	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_LEVEL", &cfg.Logging.Level)

	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	boolean("OTEL_ENABLED", &cfg.Telemetry.Enabled)
	str("OTEL_EXPORTER_TYPE", &cfg.Telemetry.Exporter)
	str("OTEL_EXPORTER_ENDPOINT", &cfg.Telemetry.Endpoint)

	num("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	num("HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout)

	return errors.Join(errs...)
}

// Validate checks cross-field constraints after all layers are applied.
func (c *Config) Validate() error {
	var errs []error

	if err := ValidateBodySizeLimit(c.Server.BodySizeLimit); err != nil {
		errs = append(errs, err)
	}
	for _, p := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err != nil {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: invalid CIDR %q", p))
		}
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if c.Upstream.MaxRetries < 0 {
		errs = append(errs, errors.New("upstream.max_retries must be >= 0"))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be > 0"))
	}

	switch c.Storage.Type {
	case "sqlite", "postgresql", "mongodb", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q (valid: sqlite, postgresql, mongodb, memory)", c.Storage.Type))
	}
	switch c.RateLimit.Backend {
	case "memory", "token_bucket":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("rate_limit.backend=redis requires redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend))
	}
	switch c.Quota.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("quota.backend=redis requires redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown quota backend %q", c.Quota.Backend))
	}
	if c.Auth.CacheBackend == "redis" && c.Redis.URL == "" {
		errs = append(errs, errors.New("auth.cache_backend=redis requires redis.url"))
	}

	for name, tier := range c.RateLimit.Tiers {
		if tier.Requests > 0 && tier.Period <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.tiers.%s: period must be > 0", name))
		}
	}

	return errors.Join(errs...)
}

// BodySizeBytes returns the parsed body size limit, falling back to the default.
func (s ServerConfig) BodySizeBytes() int64 {
	n, err := ParseBodySizeLimit(s.BodySizeLimit)
	if err != nil || n == 0 {
		return DefaultBodySizeLimit
	}
	return n
}

var bodySizePattern = regexp.MustCompile(`^(\d+)([KkMmGg][Bb]?)?$`)

// ParseBodySizeLimit parses "1048576", "100K", "10MB" and similar.
// Empty input returns 0.
func ParseBodySizeLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	m := bodySizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid body size limit %q (expected e.g. 1048576, 100K, 10M)", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid body size limit %q: %w", s, err)
	}
	switch strings.ToUpper(strings.TrimSuffix(strings.ToUpper(m[2]), "B")) {
	case "K":
		n *= 1024
	case "M":
		n *= 1024 * 1024
	case "G":
		n *= 1024 * 1024 * 1024
	}
	return n, nil
}

// ValidateBodySizeLimit checks the format and the [1KB, 100MB] range.
func ValidateBodySizeLimit(s string) error {
	n, err := ParseBodySizeLimit(s)
	if err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if n < MinBodySizeLimit || n > MaxBodySizeLimit {
		return fmt.Errorf("body size limit %q out of range [1K, 100M]", s)
	}
	return nil
}
