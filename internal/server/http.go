// Package server hosts the relay behind an Echo HTTP server.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokenrelay/config"
	"tokenrelay/internal/relay"
)

// Server wraps the Echo server
type Server struct {
	echo *echo.Echo
}

// Config holds server configuration options
type Config struct {
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	BodySizeLimit   int64  // Max request body size in bytes (default: 10MB)

	// Gatherer backs the metrics endpoint; nil means the default registry.
	Gatherer prometheus.Gatherer

	// TrustedProxies are CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string

	// Health, when set, is consulted by GET /health.
	Health HealthChecker
}

// reservedPaths are never proxied. They answer 404 unless served below.
var reservedPaths = []string{
	"/api", "/api/*",
	"/admin", "/admin/*",
	"/dashboard", "/dashboard/*",
	"/static/*",
	"/user-login",
	"/user-dashboard",
	"/metrics",
}

// New creates the HTTP server. Every path that is not reserved is handed to
// proxy.
func New(proxy echo.HandlerFunc, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = ipExtractor(cfg.TrustedProxies)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if werr := relay.WriteError(c, err); werr != nil {
			slog.Debug("failed to write error response", "error", werr)
		}
	}

	metricsPath := "/metrics"
	if cfg.MetricsEndpoint != "" {
		// Normalize path to prevent traversal attacks
		metricsPath = path.Clean(cfg.MetricsEndpoint)
	}

	// Global middleware stack (order matters)
	e.Use(RequestID())
	e.Use(RequestLogger())
	e.Use(middleware.Recover())

	bodySizeLimit := config.DefaultBodySizeLimit
	if cfg.BodySizeLimit > 0 {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	h := &handlers{health: cfg.Health}
	for _, p := range reservedPaths {
		e.Any(p, h.notFound)
	}
	if metricsPath != "/metrics" {
		e.Any(metricsPath, h.notFound)
	}

	e.GET("/health", h.Health)
	if cfg.MetricsEnabled {
		gatherer := cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	e.Any("/*", proxy)

	return &Server{echo: e}
}

// ipExtractor trusts X-Forwarded-For only from the configured ranges.
func ipExtractor(trusted []string) echo.IPExtractor {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, cidr := range trusted {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			slog.Warn("ignoring invalid trusted proxy", "cidr", cidr, "error", err)
			continue
		}
		opts = append(opts, echo.TrustIPRange(ipNet))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
