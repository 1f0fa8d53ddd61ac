// Package app wires the relay's components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"tokenrelay/config"
	"tokenrelay/internal/auth"
	"tokenrelay/internal/cache"
	"tokenrelay/internal/core"
	"tokenrelay/internal/credential"
	"tokenrelay/internal/forward"
	"tokenrelay/internal/httpclient"
	"tokenrelay/internal/observability"
	"tokenrelay/internal/quota"
	"tokenrelay/internal/ratelimit"
	"tokenrelay/internal/relay"
	"tokenrelay/internal/server"
	"tokenrelay/internal/storage"
	"tokenrelay/internal/telemetry"
	"tokenrelay/internal/tokens"
	"tokenrelay/internal/usage"
)

// App represents the main application with all its dependencies.
type App struct {
	config *config.Config

	storage     storage.Storage
	redis       *redis.Client
	credentials credential.Store
	cache       cache.CredentialCache
	gate        *auth.Gate
	limiter     ratelimit.Limiter
	ledger      *quota.Ledger
	usage       *usage.Setup
	tracerStop  telemetry.ShutdownFunc
	server      *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig is the result of config.Load.
	AppConfig *config.LoadResult

	// Version is reported to tracing.
	Version string

	// Registry receives the relay's collectors and backs the metrics
	// endpoint. nil means the Prometheus default registry.
	Registry *prometheus.Registry
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil || cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig.Config
	app := &App{config: appCfg}

	if err := app.init(ctx, cfg); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if closeErr := app.Shutdown(shutdownCtx); closeErr != nil {
			return nil, fmt.Errorf("%w (also: close error: %v)", err, closeErr)
		}
		return nil, err
	}

	app.logStartupInfo(cfg.AppConfig.Source)
	return app, nil
}

func (a *App) init(ctx context.Context, cfg Config) error {
	appCfg := a.config

	var err error
	a.storage, err = storage.New(ctx, storage.Config{
		Type:   appCfg.Storage.Type,
		SQLite: storage.SQLiteConfig{Path: appCfg.Storage.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      appCfg.Storage.PostgreSQL.URL,
			MaxConns: appCfg.Storage.PostgreSQL.MaxConns,
		},
		MongoDB: storage.MongoDBConfig{
			URL:      appCfg.Storage.MongoDB.URL,
			Database: appCfg.Storage.MongoDB.Database,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if needsRedis(appCfg) {
		a.redis, err = storage.NewRedis(ctx, appCfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
	}

	a.credentials, err = credential.New(ctx, a.storage)
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	a.cache = newCredentialCache(appCfg.Auth, a.redis)
	a.gate = auth.NewGate(a.credentials, a.cache, credential.NewHasher(appCfg.Auth.Pepper))

	tiers, err := buildTiers(appCfg.RateLimit.Tiers)
	if err != nil {
		return err
	}
	a.limiter, err = ratelimit.New(ratelimit.Config{Backend: appCfg.RateLimit.Backend, Tiers: tiers}, a.redis)
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	counter, err := quota.NewCounter(appCfg.Quota.Backend, a.redis)
	if err != nil {
		return fmt.Errorf("failed to initialize quota counter: %w", err)
	}
	a.ledger = quota.NewLedger(counter, a.credentials)

	a.usage, err = usage.New(ctx, usage.Config{
		Enabled:       appCfg.Usage.Enabled,
		BufferSize:    appCfg.Usage.BufferSize,
		FlushInterval: time.Duration(appCfg.Usage.FlushInterval) * time.Second,
		RetentionDays: appCfg.Usage.RetentionDays,
	}, a.storage)
	if err != nil {
		return fmt.Errorf("failed to initialize usage tracking: %w", err)
	}

	tracer, stop, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:     appCfg.Telemetry.Enabled,
		Exporter:    appCfg.Telemetry.Exporter,
		Endpoint:    appCfg.Telemetry.Endpoint,
		ServiceName: appCfg.Telemetry.ServiceName,
		Version:     cfg.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerStop = stop

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if cfg.Registry != nil {
		registerer, gatherer = cfg.Registry, cfg.Registry
	}
	sinks := []observability.Sink{observability.NewLogSink(slog.Default())}
	if appCfg.Metrics.Enabled {
		sinks = append(sinks, observability.NewMetrics(registerer))
	}
	sink := observability.Multi(sinks...)

	engine, err := forward.NewEngine(
		forwardConfig(appCfg.Upstream),
		httpclient.NewHTTPClient(ptr(httpclient.FromSeconds(appCfg.HTTP.Timeout, appCfg.HTTP.ResponseHeaderTimeout))),
		forward.WithTracer(tracer),
		forward.WithObserver(relay.AttemptObserver(sink)),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize forwarding engine: %w", err)
	}
	if appCfg.Metrics.Enabled {
		probes := observability.Probes{BreakerState: engine.BreakerState}
		if l, ok := a.usage.Logger.(*usage.Logger); ok {
			probes.SyncWrites = l.SyncWrites
		}
		observability.RegisterProbes(registerer, probes)
	}

	handler := relay.NewHandler(relay.Deps{
		Gate:       a.gate,
		Limiter:    a.limiter,
		Ledger:     a.ledger,
		Forwarder:  engine,
		Accountant: tokens.NewAccountant(newTokenizer()),
		Recorder:   usage.NewRecorder(a.usage.Logger, a.ledger, a.credentials, tokens.NewPricing(buildPrices(appCfg.Pricing))),
		Sink:       sink,
	}, relay.Config{CaptureLimit: int64(appCfg.Usage.CaptureLimit)})

	a.server = server.New(handler.Serve, &server.Config{
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodySizeBytes(),
		Gatherer:        gatherer,
		TrustedProxies:  appCfg.Server.TrustedProxies,
		Health:          a.Health,
	})
	return nil
}

// Credentials returns the credential store.
func (a *App) Credentials() credential.Store {
	return a.credentials
}

// Gate returns the auth gate, used to evict cached credentials after a
// status change.
func (a *App) Gate() *auth.Gate {
	return a.gate
}

// UsageReader returns the reader over recorded usage, or nil when usage
// tracking is disabled.
func (a *App) UsageReader() usage.Reader {
	if a.usage == nil {
		return nil
	}
	return a.usage.Reader
}

// Handler returns the HTTP handler serving the relay.
func (a *App) Handler() http.Handler {
	return a.server
}

// Health pings the database and Redis concurrently.
func (a *App) Health(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.storage != nil {
		g.Go(func() error { return pingStorage(ctx, a.storage) })
	}
	if a.redis != nil {
		g.Go(func() error {
			if err := a.redis.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func pingStorage(ctx context.Context, s storage.Storage) error {
	var err error
	switch s.Type() {
	case storage.TypeSQLite:
		err = s.SQLiteDB().PingContext(ctx)
	case storage.TypePostgreSQL:
		err = s.PostgreSQLPool().Ping(ctx)
	case storage.TypeMongoDB:
		err = s.MongoDatabase().Client().Ping(ctx, nil)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", s.Type(), err)
	}
	return nil
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server (draining in-flight requests, which settle their
// reservations and write their usage entries), pending last-used writes,
// the usage logger, the limiter and quota counters, the tracer, the
// credential cache, and finally the database and Redis connections.
//
// Shutdown is idempotent. It attempts every step and returns the joined
// errors.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			slog.Error(name+" error", "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if a.server != nil {
		step("server shutdown", func() error { return a.server.Shutdown(ctx) })
	}
	if a.gate != nil {
		a.gate.Wait()
	}
	if a.usage != nil {
		step("usage close", a.usage.Close)
	}
	if a.limiter != nil {
		step("rate limiter close", a.limiter.Close)
	}
	if a.ledger != nil {
		step("quota close", a.ledger.Close)
	}
	if a.tracerStop != nil {
		step("tracer shutdown", func() error { return a.tracerStop(ctx) })
	}
	if a.cache != nil {
		step("cache close", a.cache.Close)
	}
	if a.credentials != nil {
		step("credential store close", a.credentials.Close)
	}
	if a.redis != nil {
		step("redis close", a.redis.Close)
	}
	if a.storage != nil {
		step("storage close", a.storage.Close)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo(source string) {
	cfg := a.config

	if source != "" {
		slog.Info("configuration loaded", "file", source)
	}
	slog.Info("upstream configured",
		"base_url", cfg.Upstream.BaseURL,
		"max_retries", cfg.Upstream.MaxRetries,
		"circuit_breaker", cfg.Upstream.CircuitBreaker.Enabled,
	)
	if cfg.Upstream.APIKey == "" {
		slog.Warn("UPSTREAM_API_KEY not set, requests are forwarded without upstream credentials")
	}
	if cfg.Auth.Pepper == "" {
		slog.Warn("AUTH_PEPPER not set, credential hashes are plain SHA-256")
	}

	slog.Info("storage configured", "type", cfg.Storage.Type)
	slog.Info("admission configured",
		"rate_limit_backend", cfg.RateLimit.Backend,
		"quota_backend", cfg.Quota.Backend,
		"auth_cache", cfg.Auth.CacheBackend,
	)

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if cfg.Usage.Enabled {
		slog.Info("usage tracking enabled",
			"buffer_size", cfg.Usage.BufferSize,
			"flush_interval", cfg.Usage.FlushInterval,
			"retention_days", cfg.Usage.RetentionDays,
		)
	} else {
		slog.Info("usage tracking disabled")
	}
}

func needsRedis(cfg *config.Config) bool {
	return cfg.RateLimit.Backend == ratelimit.BackendRedis ||
		cfg.Quota.Backend == quota.BackendRedis ||
		cfg.Auth.CacheBackend == "redis"
}

func newCredentialCache(cfg config.AuthConfig, client *redis.Client) cache.CredentialCache {
	ttl := time.Duration(cfg.CacheTTL) * time.Second
	if ttl <= 0 {
		return nil
	}
	switch cfg.CacheBackend {
	case "redis":
		return cache.NewRedisCache(client, ttl)
	case "memory", "":
		return cache.NewLocalCache(ttl)
	default:
		return nil
	}
}

func buildTiers(in map[string]config.TierConfig) (ratelimit.Tiers, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(ratelimit.Tiers, len(in))
	for name, t := range in {
		tier, err := core.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("rate_limit.tiers: %w", err)
		}
		out[tier] = ratelimit.Limit{Requests: t.Requests, Period: time.Duration(t.Period) * time.Second}
	}
	return out, nil
}

func buildPrices(in map[string]config.PriceConfig) map[string]tokens.Price {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]tokens.Price, len(in))
	for model, p := range in {
		out[model] = tokens.Price{Input: p.Input, Output: p.Output}
	}
	return out
}

func forwardConfig(u config.UpstreamConfig) forward.Config {
	cfg := forward.Config{
		BaseURL:         u.BaseURL,
		APIKey:          u.APIKey,
		AuthHeader:      u.AuthHeader,
		Headers:         u.Headers,
		MaxRetries:      u.MaxRetries,
		InitialBackoff:  time.Duration(u.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:      time.Duration(u.MaxBackoffMs) * time.Millisecond,
		BackoffFactor:   u.BackoffFactor,
		AttemptTimeout:  time.Duration(u.AttemptTimeout) * time.Second,
		RequestDeadline: time.Duration(u.Timeout) * time.Second,
	}
	if cb := u.CircuitBreaker; cb.Enabled {
		cfg.CircuitBreaker = &forward.CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			HalfOpenRequests: cb.HalfOpenRequests,
			OpenTimeout:      time.Duration(cb.OpenSeconds) * time.Second,
		}
	}
	return cfg
}

// newTokenizer prefers the offline BPE and falls back to the heuristic.
func newTokenizer() tokens.Tokenizer {
	bpe, err := tokens.NewBPE()
	if err != nil {
		slog.Warn("BPE tokenizer unavailable, estimating with heuristic", "error", err)
		return tokens.Heuristic{}
	}
	return bpe
}

func ptr[T any](v T) *T { return &v }
