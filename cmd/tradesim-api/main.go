package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradesim/internal/api"
	"tradesim/internal/auth"
	"tradesim/internal/bootstrap"
	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/logging"
	"tradesim/internal/metrics"
	"tradesim/internal/outbox"
	"tradesim/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	defer logCloser.Close()

	stores, err := bootstrap.OpenStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("open stores failed", "err", err)
		os.Exit(1)
	}
	defer stores.Close()

	m := metrics.New()
	eng := engine.New(engine.Options{
		Stocks:  stores.Stocks,
		Users:   stores.Users,
		Logs:    stores.Logs,
		Rules:   cfg.Rules,
		Metrics: m,
		Logger:  logger,
	})

	hub := ws.NewHub(logger)
	var publisher outbox.Publisher = hub
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := outbox.NewKafkaPublisher(cfg.Kafka.Brokers)
		if err != nil {
			logger.Error("kafka publisher init failed", "err", err)
			os.Exit(1)
		}
		defer kp.Close()
		publisher = kp
	}
	relay := outbox.NewRelay(outbox.Options{
		Store:         stores.Outbox,
		Publisher:     publisher,
		DispatchEvery: cfg.RelayEvery,
		RetryEvery:    cfg.RelayEvery * 10,
		MaxRetries:    cfg.RelayMaxRetries,
		Metrics:       m,
		Logger:        logger,
	})
	// An in-memory outbox is only visible to this process, so it relays
	// here. With Postgres and Kafka the worker owns delivery.
	if len(cfg.Kafka.Brokers) == 0 || cfg.Store.DatabaseURL == "" {
		go relay.Run(ctx)
	}

	var verifier auth.Verifier
	var accounts *auth.SupabaseClient
	if cfg.SupabaseURL != "" && cfg.SupabaseAnonKey != "" {
		accounts = auth.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
		verifier = accounts
	}
	if cfg.JWTSecret != "" {
		jv, err := auth.NewJWTVerifier(cfg.JWTSecret)
		if err != nil {
			logger.Error("jwt verifier init failed", "err", err)
			os.Exit(1)
		}
		verifier = jv
	}

	server := api.New(api.Options{
		Engine:   eng,
		Relay:    relay,
		Verifier: verifier,
		Accounts: accounts,
		Hub:      hub,
		Metrics:  m,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("tradesim api listening", "addr", cfg.Addr, "market_store", cfg.Store.MarketStore, "postgres", cfg.Store.DatabaseURL != "")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
