package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelai/acctproxy/internal/account"
	"github.com/kestrelai/acctproxy/internal/auth"
	"github.com/kestrelai/acctproxy/internal/autorefresh"
	"github.com/kestrelai/acctproxy/internal/config"
	"github.com/kestrelai/acctproxy/internal/events"
	"github.com/kestrelai/acctproxy/internal/maintenance"
	"github.com/kestrelai/acctproxy/internal/provider"
	"github.com/kestrelai/acctproxy/internal/ratelimit"
	"github.com/kestrelai/acctproxy/internal/relay"
	"github.com/kestrelai/acctproxy/internal/scheduler"
	"github.com/kestrelai/acctproxy/internal/server"
	"github.com/kestrelai/acctproxy/internal/store"
	"github.com/kestrelai/acctproxy/internal/telemetry"
	"github.com/kestrelai/acctproxy/internal/transport"
	"github.com/kestrelai/acctproxy/internal/usagecache"
	"github.com/kestrelai/acctproxy/internal/usagepoll"
	"github.com/kestrelai/acctproxy/internal/writer"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("acctproxy starting", "version", version)

	backend, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer backend.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	crypto := account.NewCrypto(cfg.EncryptionKey)
	if _, err := crypto.DeriveKey("salt"); err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	transportMgr := transport.NewManager(cfg)

	registry := provider.NewDefaultRegistry()
	accounts := account.NewAccountStore(backend, crypto, registry)
	tokens := account.NewTokenManager(accounts, registry, cfg, transportMgr)
	sched := scheduler.New(accounts, cfg)
	rateLimitMgr := ratelimit.NewManager(accounts)

	w := writer.New(backend, cfg.WriterQueueCapacity, cfg.WriterBatchSize, cfg.WriterBatchInterval)

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	r := relay.New(accounts, tokens, sched, registry, rateLimitMgr, w, cfg, transportMgr, metrics)

	usageCache := usagecache.New(cfg.UsageCacheTTL)
	fetcher := usagepoll.NewProbeFetcher(registry, tokens, transportMgr)
	usagePoller := usagepoll.New(accounts, registry, fetcher, usageCache, cfg.UsagePollInterval)

	autoRefresher := autorefresh.New(accounts, registry, tokens, cfg.AutoRefreshInterval, cfg.AutoRefreshThreshold, cfg.AutoRefreshConcurrency)

	maintainer := maintenance.New(backend, cfg.MaintenanceInterval, cfg.RequestRetentionDays, cfg.DataRetentionDays)

	authMw := auth.NewMiddleware(cfg.AdminToken, backend)

	srv := server.New(cfg, backend, authMw, rateLimitMgr, r, transportMgr, metricsHandler, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)
	go autoRefresher.Run(ctx)
	go usagePoller.Run(ctx)

	go maintainer.Run(ctx)

	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
