// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/analytics"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/beacon"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/cache"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/config"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/datastore"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/geoip"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/handler"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/handler/api"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/logging"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/middleware"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/scheduler"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/store"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/version"
)

// Version information - injected at build time via ldflags
var (
	appVersion   = "dev"
	appGitCommit = "unknown"
	appBuildTime = "unknown"
)

// Per-IP request budgets. Beacons are bursty on page load.
const (
	beaconRPS   = 20
	beaconBurst = 60
	apiRPS      = 5
	apiBurst    = 20
	apiTimeout  = 30 * time.Second
)

func main() {
	// Parse CLI flags
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	showHelp := flag.Bool("help", false, "Show help information")
	flag.BoolVar(showHelp, "h", false, "Show help information (shorthand)")

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "poddb-analytics - analytics telemetry collector for the PodDB admin console\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PODDB_DB_DRIVER            sqlite|postgres|mysql (default: sqlite)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PODDB_DB_DSN               Database DSN or SQLite path (default: ./data/analytics.db)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PODDB_SERVER_PORT          Server port (default: 8080)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PODDB_ENV                  Environment: development|production (default: development)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PODDB_ANALYTICS_ENABLED    Record analytics (default: true)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PODDB_ANALYTICS_THROTTLE   Minimum gap between tracked events (default: 1s)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PODDB_API_TOKEN            Bearer token for report endpoints (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PODDB_ALLOW_ORIGINS        Comma-separated origins allowed to send beacons\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PODDB_REDIS_URL            Redis URL for a shared report cache (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PODDB_GEOIP_DB_PATH        GeoLite2 .mmdb file for country lookups (optional)\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	info := version.Info{Version: appVersion, GitCommit: appGitCommit, BuildTime: appBuildTime}
	if *showVersion {
		_, _ = fmt.Printf("poddb-analytics %s\n", info)
		os.Exit(0)
	}

	if err := run(info); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run(info version.Info) error {
	// Load .env file if present (ignored in production if not found)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	logger := logging.NewLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel), cfg.IsDevelopment(), reg)
	slog.SetDefault(logger)

	slog.Info("starting poddb-analytics",
		"version", info.String(),
		"env", cfg.Env,
		"driver", cfg.DBDriver,
	)

	dialect := datastore.Dialect(cfg.DBDriver)
	var dataDir string
	if dialect == datastore.DialectSQLite {
		dataDir = filepath.Dir(cfg.DBDSN)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := store.Open(dialect, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("error closing database", "error", err)
		}
	}()

	if cfg.Migrate {
		if err := store.Migrate(db, dialect); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		slog.Info("migrations completed")
	}

	ds := datastore.NewSQLStore(db, dialect)
	metrics := analytics.NewMetrics(reg)

	resolver := geoip.NewResolver()
	if err := resolver.Open(cfg.GeoIPDBPath); err != nil {
		// Lookups stay disabled; sessions are written without a country.
		slog.Warn("geoip database unavailable", "path", cfg.GeoIPDBPath, "error", err)
	}
	defer func() { _ = resolver.Close() }()

	reportCache, cacheBackend := cache.New(cache.Config{
		RedisURL:   cfg.RedisURL,
		Prefix:     cfg.CachePrefix,
		DefaultTTL: cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
	}, logger.With("component", "cache"))
	defer func() { _ = reportCache.Close() }()

	collectorLogger := logger.With("component", "analytics")
	collectorOpts := []analytics.Option{
		analytics.WithEnabled(cfg.AnalyticsEnabled),
		analytics.WithSilentMode(cfg.SilentMode),
		analytics.WithThrottle(cfg.ThrottleInterval),
		analytics.WithWriteTimeout(cfg.WriteTimeout),
		analytics.WithMetrics(metrics),
		analytics.WithLogger(collectorLogger),
	}
	if resolver.Enabled() {
		collectorOpts = append(collectorOpts, analytics.WithGeoResolver(resolver))
	}

	hub := beacon.NewHub(ds, beacon.Config{
		CookieName:       cfg.CookieName,
		CookieSecure:     cfg.CookieSecure,
		CookieCrossSite:  len(cfg.AllowOrigins) > 0,
		IdleTimeout:      cfg.SessionIdleTimeout,
		CollectorOptions: collectorOpts,
		Metrics:          metrics,
		Logger:           logger.With("component", "beacon"),
	})

	schedCfg := scheduler.Config{
		Sweeper:       hub,
		Store:         ds,
		RetentionDays: cfg.RetentionDays,
		Logger:        logger.With("component", "scheduler"),
	}
	if resolver.Enabled() {
		schedCfg.GeoIP = resolver
	}
	sched := scheduler.New(schedCfg)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	reporter := analytics.NewReporter(ds, collectorLogger, metrics)
	reportsHandler := api.NewHandler(reporter,
		api.WithCache(reportCache, cfg.CacheTTL),
		api.WithLogger(logger.With("component", "api")),
	)
	healthHandler := handler.NewHealthHandler(db, hub, info, handler.HealthOptions{
		APIToken:     cfg.APIToken,
		CacheBackend: cacheBackend,
		DataDir:      dataDir,
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig(cfg.IsDevelopment())))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/live", healthHandler.Liveness)
	r.Get("/health/ready", healthHandler.Readiness)
	r.With(middleware.BearerToken(cfg.APIToken)).
		Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	beaconLimiter := middleware.NewIPRateLimiter(beaconRPS, beaconBurst)
	r.Route("/t", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.AllowOrigins))
		r.Use(beaconLimiter.BeaconMiddleware())
		r.Mount("/", hub.Routes())
	})

	apiLimiter := middleware.NewIPRateLimiter(apiRPS, apiBurst)
	r.Route("/api/analytics", func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))
		r.Use(apiLimiter.Middleware())
		r.Mount("/", reportsHandler.Routes(cfg.APIToken))
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddr(),
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", srv.Addr, "cache", cacheBackend, "geoip", resolver.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			sched.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Live tabs are ended as if they unloaded so their sessions get closed out.
	if err := hub.Shutdown(ctx); err != nil {
		slog.Warn("analytics writes did not drain", "error", err)
	}
	sched.Stop()

	slog.Info("server stopped")
	return nil
}
