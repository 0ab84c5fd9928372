package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradesim/internal/bootstrap"
	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/logging"
	"tradesim/internal/metrics"
	"tradesim/internal/outbox"
	"tradesim/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
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

	// Without brokers the API relays to its websocket hub, so the worker
	// only sweeps the trade log.
	var relay *outbox.Relay
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := outbox.NewKafkaPublisher(cfg.Kafka.Brokers)
		if err != nil {
			logger.Error("kafka publisher init failed", "err", err)
			os.Exit(1)
		}
		defer kp.Close()
		relay = outbox.NewRelay(outbox.Options{
			Store:         stores.Outbox,
			Publisher:     kp,
			DispatchEvery: cfg.DispatchEvery,
			RetryEvery:    cfg.RetryEvery,
			BatchSize:     cfg.BatchSize,
			MaxRetries:    cfg.MaxRetries,
			Metrics:       m,
			Logger:        logger,
		})
	}

	if cfg.RunOnce {
		if err := runOnce(ctx, eng, relay, cfg); err != nil {
			logger.Error("worker run-once failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	var consumerDone chan error
	if relay != nil {
		go relay.Run(ctx)
		if cfg.Store.MarketStore != "redis" {
			logger.Warn("order consumer shares no market state with the api", "market_store", cfg.Store.MarketStore)
		}
		consumer, err := queue.NewConsumer(eng, queue.ConsumerOptions{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.OrderTopic,
			GroupID: cfg.Kafka.GroupID,
			Metrics: m,
			Logger:  logger,
		})
		if err != nil {
			logger.Error("order consumer init failed", "err", err)
			os.Exit(1)
		}
		defer consumer.Close()
		consumerDone = make(chan error, 1)
		go func() {
			err := consumer.Run(ctx)
			if err != nil {
				_ = consumer.Close()
			}
			consumerDone <- err
		}()
	}

	ticker := time.NewTicker(cfg.TradeLogGCEvery)
	defer ticker.Stop()

	logger.Info("worker started",
		"metrics_addr", cfg.MetricsAddr,
		"kafka", len(cfg.Kafka.Brokers) > 0,
		"trade_log_gc_every", cfg.TradeLogGCEvery.String(),
	)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case err := <-consumerDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				// The reader has left the group; the uncommitted order goes to
				// the next member.
				logger.Error("order consumer stopped", "err", err)
				stop()
				os.Exit(1)
			}
			consumerDone = nil
		case <-ticker.C:
			if _, _, err := eng.SweepTradeLog(ctx, cfg.TradeLogRetention, cfg.StaleQueuingAfter); err != nil {
				logger.Error("trade log sweep failed", "err", err)
			}
		}
	}
}

func runOnce(ctx context.Context, eng *engine.Engine, relay *outbox.Relay, cfg config.WorkerConfig) error {
	if relay != nil {
		if _, err := relay.DispatchOnce(ctx); err != nil {
			return err
		}
		if _, err := relay.RetryOnce(ctx); err != nil {
			return err
		}
	}
	_, _, err := eng.SweepTradeLog(ctx, cfg.TradeLogRetention, cfg.StaleQueuingAfter)
	return err
}
