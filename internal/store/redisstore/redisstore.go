// Package redisstore keeps market state in Redis, one JSON value per session
// plus an index set of session ids.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

const (
	keyPrefix = "tradesim:stock:"
	indexKey  = "tradesim:stocks"
)

type Store struct {
	rdb        *redis.Client
	maxRetries int
}

func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 20
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, maxRetries: 16}
}

func key(id string) string {
	return keyPrefix + id
}

func decode(raw []byte) (game.Stock, error) {
	var st game.Stock
	err := json.Unmarshal(raw, &st)
	return st, err
}

func (s *Store) Get(ctx context.Context, id string) (game.Stock, error) {
	raw, err := s.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return game.Stock{}, store.ErrNotFound
	}
	if err != nil {
		return game.Stock{}, err
	}
	return decode(raw)
}

func (s *Store) List(ctx context.Context) ([]game.Stock, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]game.Stock, 0, len(ids))
	for _, id := range ids {
		st, err := s.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, st game.Stock) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, key(st.ID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrAlreadyExists
	}
	return s.rdb.SAdd(ctx, indexKey, st.ID).Err()
}

// Update is a WATCH/MULTI optimistic write; fn reruns when another client
// touched the key between read and commit.
func (s *Store) Update(ctx context.Context, id string, fn func(*game.Stock) error) (game.Stock, error) {
	var out game.Stock
	k := key(id)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		st, err := decode(raw)
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		st.UpdatedAt = time.Now().UTC()
		next, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, next, 0)
			return nil
		})
		if err == nil {
			out = st
		}
		return err
	}
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return out, store.ErrConflict
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key(id))
		pipe.SRem(ctx, indexKey, id)
		return nil
	})
	return err
}
