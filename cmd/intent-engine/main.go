package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intentstack/intent-engine/internal/api"
	"github.com/intentstack/intent-engine/internal/cache"
	"github.com/intentstack/intent-engine/internal/config"
	"github.com/intentstack/intent-engine/internal/experiments"
	"github.com/intentstack/intent-engine/internal/ingest"
	"github.com/intentstack/intent-engine/internal/metrics"
	"github.com/intentstack/intent-engine/internal/notify"
	"github.com/intentstack/intent-engine/internal/repo"
	"github.com/intentstack/intent-engine/internal/services"
	"github.com/intentstack/intent-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting intent-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

	store, err := repo.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", slog.String("path", cfg.Database.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	fulfillment := ingest.NewFulfillmentAggregator(logger, store, store, cacheProvider, cfg.Cache.FulfillmentTTL)
	ingester := ingest.NewIngester(logger, store, fulfillment)

	var sender notify.Sender = notify.NoopSender{}
	if cfg.Notifications.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.Notifications.WebhookURL, cfg.Notifications.Timeout, logger)
	}

	lifecycle := experiments.NewLifecycle(logger, store, store, nil)
	monitor := experiments.NewGuardrailMonitor(logger, store, store, lifecycle, sender, cfg.Notifications.Recipients)
	poller := experiments.NewPoller(logger, store, monitor, cfg.Guardrails.PollInterval)

	signalService := services.NewSignalService(logger, store, store, ingester, fulfillment)
	experimentService := services.NewExperimentService(logger, store, lifecycle, monitor)

	server := api.NewServer(cfg.Server, logger, signalService, experimentService)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller.Start(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	poller.Wait()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("intent-engine stopped")
}
