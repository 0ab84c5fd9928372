// Package bootstrap opens the storage backends named by configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"tradesim/internal/config"
	"tradesim/internal/db"
	"tradesim/internal/store"
	"tradesim/internal/store/badgerstore"
	"tradesim/internal/store/memstore"
	"tradesim/internal/store/pgstore"
	"tradesim/internal/store/redisstore"
)

type Stores struct {
	Stocks store.StockStore
	Users  store.UserStore
	Logs   store.TradeLog
	Outbox store.Outbox
	Pool   *pgxpool.Pool

	closers []func()
}

func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func OpenStores(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := &Stores{}
	if err := out.openMarket(ctx, cfg); err != nil {
		out.Close()
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		outbox := memstore.NewOutbox()
		out.Users = memstore.NewUsers(outbox)
		out.Logs = memstore.NewTradeLog()
		out.Outbox = outbox
		logger.Warn("DATABASE_URL not set, player state is kept in memory")
	} else {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.closers = append(out.closers, pool.Close)
		if err := db.EnsureSchema(ctx, pool); err != nil {
			out.Close()
			return nil, err
		}
		out.Pool = pool
		out.Users = pgstore.NewUsers(pool)
		out.Logs = pgstore.NewTradeLog(pool)
		out.Outbox = pgstore.NewOutbox(pool)
	}
	logger.Info("stores ready", "market_store", cfg.MarketStore, "postgres", cfg.DatabaseURL != "")
	return out, nil
}

func (s *Stores) openMarket(ctx context.Context, cfg config.StoreConfig) error {
	switch cfg.MarketStore {
	case "", "memory":
		s.Stocks = memstore.NewStocks()
	case "badger":
		bs, err := badgerstore.Open(badgerstore.OpenOptions{Path: cfg.BadgerDir})
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() { _ = bs.Close() })
		s.Stocks = bs
	case "redis":
		rdb, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		s.Stocks = redisstore.New(rdb)
	default:
		return fmt.Errorf("unknown market store %q", cfg.MarketStore)
	}
	return nil
}
