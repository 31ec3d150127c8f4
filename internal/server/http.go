// Package server exposes the interception tier over HTTP so processes that
// cannot embed the Go transport can still read through it.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps the Echo server
type Server struct {
	echo *echo.Echo
}

// Config holds server configuration options
type Config struct {
	// Upstreams maps the {upstream} path segment to an origin.
	Upstreams       map[string]string
	MetricsEnabled  bool
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	// Gatherer defaults to the global Prometheus registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// New creates a server that forwards GET /o/{upstream}/{path} through rt.
func New(rt http.RoundTripper, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	p := &proxy{rt: rt, upstreams: normalizeUpstreams(cfg.Upstreams), logger: logger}

	e.GET("/health", health)
	if cfg.MetricsEnabled {
		metricsPath := "/metrics"
		if cfg.MetricsEndpoint != "" {
			// Normalize path to prevent traversal attacks
			metricsPath = path.Clean(cfg.MetricsEndpoint)
		}
		handler := promhttp.Handler()
		if cfg.Gatherer != nil {
			handler = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
		}
		e.GET(metricsPath, echo.WrapHandler(handler))
	}
	e.GET("/o/:upstream/*", p.forward)

	return &Server{echo: e}
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

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func normalizeUpstreams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for name, origin := range in {
		out[strings.ToLower(name)] = strings.TrimRight(origin, "/")
	}
	return out
}
