// Package badgerstore keeps market state in an embedded Badger key-value
// database, one JSON document per session.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

const keyPrefix = "stock:"

type OpenOptions struct {
	Path     string
	InMemory bool
}

type Store struct {
	db         *badger.DB
	maxRetries int
}

func Open(opts OpenOptions) (*Store, error) {
	var bopts badger.Options
	switch {
	case opts.InMemory:
		bopts = badger.DefaultOptions("").WithInMemory(true)
	case strings.TrimSpace(opts.Path) != "":
		bopts = badger.DefaultOptions(opts.Path)
	default:
		return nil, errors.New("badgerstore: path is required")
	}
	db, err := badger.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, maxRetries: 16}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

func readStock(txn *badger.Txn, id string) (game.Stock, error) {
	var out game.Stock
	item, err := txn.Get(key(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return out, store.ErrNotFound
		}
		return out, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	})
	return out, err
}

func writeStock(txn *badger.Txn, st game.Stock) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return txn.Set(key(st.ID), raw)
}

func (s *Store) Get(_ context.Context, id string) (game.Stock, error) {
	var out game.Stock
	err := s.db.View(func(txn *badger.Txn) error {
		st, err := readStock(txn, id)
		out = st
		return err
	})
	return out, err
}

func (s *Store) List(_ context.Context) ([]game.Stock, error) {
	var out []game.Stock
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var st game.Stock
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

func (s *Store) Create(_ context.Context, st game.Stock) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key(st.ID))
		if err == nil {
			return store.ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeStock(txn, st)
	})
}

// Update retries on Badger's optimistic transaction conflicts, so a guard
// inside fn (for example a float check) sees the value it writes over.
func (s *Store) Update(ctx context.Context, id string, fn func(*game.Stock) error) (game.Stock, error) {
	var out game.Stock
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			st, err := readStock(txn, id)
			if err != nil {
				return err
			}
			if err := fn(&st); err != nil {
				return err
			}
			st.UpdatedAt = time.Now().UTC()
			out = st
			return writeStock(txn, st)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return out, err
	}
	return out, store.ErrConflict
}

func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	})
}
