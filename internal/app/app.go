// Package app provides the main application struct for centralized dependency management
// and lifecycle control of coinwatch: the session and interception cache tiers, the
// retry executor, the market data façade and the optional HTTP surface.
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
	"github.com/prometheus/client_golang/prometheus/collectors"

	"coinwatch/config"
	"coinwatch/internal/cache"
	"coinwatch/internal/freshness"
	"coinwatch/internal/httpclient"
	"coinwatch/internal/intercept"
	"coinwatch/internal/market"
	"coinwatch/internal/observability"
	"coinwatch/internal/poll"
	"coinwatch/internal/prefs"
	"coinwatch/internal/retry"
	"coinwatch/internal/server"
)

// retryLabel is the operation label of the shared executor's metrics.
const retryLabel = "upstream"

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config   *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	sessionStore   cache.Store
	freshness      *freshness.Cache
	interceptStore intercept.Store
	transport      *intercept.Transport
	service        *market.Service
	prefs          *prefs.Store
	server         *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	AppConfig *config.Config
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	app := &App{
		config:   appCfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		prefs:    prefs.NewStore(appCfg.Prefs.Path),
	}

	// Session tier
	store, err := cache.New(cache.Config{
		Backend:    appCfg.Cache.Backend,
		MaxEntries: appCfg.Cache.MaxEntries,
		Redis: cache.RedisConfig{
			URL:    appCfg.Cache.RedisURL,
			Prefix: appCfg.Cache.RedisPrefix,
			TTL:    appCfg.Cache.RedisTTL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session cache: %w", err)
	}
	app.sessionStore = store
	app.freshness = freshness.New(store, freshness.Options{
		Coalesce:          appCfg.Cache.CoalesceInflight,
		RevalidateTimeout: appCfg.Cache.RevalidateTimeout,
		Metrics:           metrics,
		Logger:            logger,
	})

	// Network stack: base transport, optionally wrapped by the interception tier
	httpCfg := httpclient.DefaultConfig()
	if appCfg.API.Timeout > 0 {
		httpCfg.Timeout = appCfg.API.Timeout
	}
	if appCfg.API.ResponseHeaderTimeout > 0 {
		httpCfg.ResponseHeaderTimeout = appCfg.API.ResponseHeaderTimeout
	}
	var rt http.RoundTripper = httpclient.NewTransport(&httpCfg)

	if appCfg.Intercept.Enabled {
		istore, err := intercept.NewSQLiteStore(ctx, appCfg.Intercept.Path)
		if err != nil {
			closeErr := app.closeSession()
			if closeErr != nil {
				return nil, fmt.Errorf("failed to open interception store: %w (also: session close error: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("failed to open interception store: %w", err)
		}
		app.interceptStore = istore

		tr, err := intercept.NewTransport(rt, istore, intercept.Config{
			DataOrigins:   appCfg.Intercept.DataOrigins,
			StaticOrigins: appCfg.Intercept.StaticOrigins,
			DataTTL:       appCfg.Intercept.DataTTL,
			Generation:    appCfg.Intercept.Generation,
			Metrics:       metrics,
			Logger:        logger,
		})
		if err != nil {
			closeErr := errors.Join(istore.Close(), app.closeSession())
			if closeErr != nil {
				return nil, fmt.Errorf("failed to initialize interception tier: %w (also: close error: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("failed to initialize interception tier: %w", err)
		}
		app.transport = tr
		rt = tr
	}

	exec := retry.New(retry.Options{
		MaxAttempts: appCfg.Retry.MaxAttempts,
		BaseDelay:   appCfg.Retry.BaseDelay,
		MaxDelay:    appCfg.Retry.MaxDelay,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			metrics.RetryAttempt(retryLabel)
		},
		OnExhausted: func(attempts int, err error) {
			metrics.RetriesExhausted(retryLabel)
		},
	})

	client := market.NewClient(market.ClientConfig{
		BaseURL:    appCfg.API.BaseURL,
		HTTPClient: httpclient.NewHTTPClient(&httpCfg, rt),
		Metrics:    metrics,
	})
	app.service = market.NewService(client, app.freshness, exec)

	app.server = server.New(app.serverTransport(rt), &server.Config{
		Upstreams:       appCfg.Intercept.Upstreams,
		MetricsEnabled:  true,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		Gatherer:        registry,
		Logger:          logger,
	})

	app.logStartupInfo()
	return app, nil
}

// serverTransport is what proxied requests go through: the interception
// tier when enabled, the plain transport otherwise.
func (a *App) serverTransport(rt http.RoundTripper) http.RoundTripper {
	if a.transport != nil {
		return a.transport
	}
	return rt
}

// Service returns the market data façade.
func (a *App) Service() *market.Service {
	return a.service
}

// Prefs returns the preferences store.
func (a *App) Prefs() *prefs.Store {
	return a.prefs
}

// Metrics returns the application metrics.
func (a *App) Metrics() *observability.Metrics {
	return a.metrics
}

// Registry returns the Prometheus registry holding the application collectors.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Freshness returns the session-tier cache.
func (a *App) Freshness() *freshness.Cache {
	return a.freshness
}

// Intercept returns the interception transport, or nil when disabled.
func (a *App) Intercept() *intercept.Transport {
	return a.transport
}

// NewScheduler builds a poll scheduler from the poll configuration.
func (a *App) NewScheduler(tick poll.Tick, interval time.Duration, onResult func(poll.TickResult)) *poll.Scheduler {
	if interval <= 0 {
		interval = a.config.Poll.Interval
	}
	return poll.New(tick, poll.Options{
		Interval:     interval,
		BackoffFloor: a.config.Poll.BackoffFloor,
		BackoffCap:   a.config.Poll.BackoffCap,
		TickTimeout:  a.config.Poll.TickTimeout,
		OnResult:     onResult,
		Metrics:      a.metrics,
		Logger:       a.logger,
	})
}

// PrepareIntercept installs the configured static assets into the current
// generation and sweeps older namespaces. Install failure leaves the previous
// generation untouched and skips the sweep.
func (a *App) PrepareIntercept(ctx context.Context) error {
	if a.transport == nil {
		return nil
	}
	if len(a.config.Intercept.Precache) > 0 {
		if err := a.transport.Install(ctx, a.config.Intercept.Precache); err != nil {
			return fmt.Errorf("failed to install static assets: %w", err)
		}
	}
	if err := a.transport.Activate(ctx); err != nil {
		return fmt.Errorf("failed to activate interception namespace: %w", err)
	}
	return nil
}

// Handler returns the HTTP surface: health, metrics and the intercepting proxy.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	a.logger.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.logger.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, honoring the passed context timeout/cancellation.
// 2. Session tier: background revalidations are cancelled and awaited, then the store is closed.
// 3. Interception tier: in-flight refetches are awaited, then the store is closed.
//
// Shutdown is idempotent and safe for repeated calls; after the first call, subsequent calls are no-ops.
// It attempts every close step, aggregates failures, and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Shutdown HTTP server first (stop accepting new requests)
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	// 2. Session tier
	if err := a.closeSession(); err != nil {
		a.logger.Error("session cache close error", "error", err)
		errs = append(errs, fmt.Errorf("session cache close: %w", err))
	}

	// 3. Interception tier
	if a.transport != nil {
		a.transport.Wait()
	}
	if a.interceptStore != nil {
		if err := a.interceptStore.Close(); err != nil {
			a.logger.Error("interception store close error", "error", err)
			errs = append(errs, fmt.Errorf("interception store close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	a.logger.Info("application shutdown complete")
	return nil
}

func (a *App) closeSession() error {
	var errs []error
	if a.freshness != nil {
		errs = append(errs, a.freshness.Close())
	}
	if a.sessionStore != nil {
		errs = append(errs, a.sessionStore.Close())
	}
	return errors.Join(errs...)
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	a.logger.Info("market api configured", "base_url", cfg.API.BaseURL)
	a.logger.Info("session cache configured",
		"backend", cfg.Cache.Backend,
		"coalesce", cfg.Cache.CoalesceInflight,
	)
	if cfg.Intercept.Enabled {
		a.logger.Info("interception tier enabled",
			"path", cfg.Intercept.Path,
			"generation", cfg.Intercept.Generation,
			"data_ttl", cfg.Intercept.DataTTL,
		)
	} else {
		a.logger.Info("interception tier disabled")
	}
	a.logger.Info("retry configured", "max_attempts", cfg.Retry.MaxAttempts, "base_delay", cfg.Retry.BaseDelay)
}
