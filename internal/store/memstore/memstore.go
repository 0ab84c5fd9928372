// Package memstore keeps every store in process memory. It backs tests and
// the single-process dev mode.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

type Stocks struct {
	mu    sync.Mutex
	items map[string]game.Stock
}

func NewStocks() *Stocks {
	return &Stocks{items: make(map[string]game.Stock)}
}

func (s *Stocks) Get(_ context.Context, id string) (game.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.items[id]
	if !ok {
		return game.Stock{}, store.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *Stocks) List(_ context.Context) ([]game.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]game.Stock, 0, len(s.items))
	for _, st := range s.items {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Stocks) Create(_ context.Context, st game.Stock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[st.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.items[st.ID] = st.Clone()
	return nil
}

func (s *Stocks) Update(_ context.Context, id string, fn func(*game.Stock) error) (game.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.items[id]
	if !ok {
		return game.Stock{}, store.ErrNotFound
	}
	next := st.Clone()
	if err := fn(&next); err != nil {
		return game.Stock{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.items[id] = next
	return next.Clone(), nil
}

func (s *Stocks) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

var errNoOutbox = errors.New("memstore: users store has no outbox")

type userKey struct{ stockID, userID string }

type Users struct {
	mu     sync.Mutex
	items  map[userKey]game.StockUser
	outbox *Outbox
}

func NewUsers(outbox *Outbox) *Users {
	return &Users{items: make(map[userKey]game.StockUser), outbox: outbox}
}

func (u *Users) Get(_ context.Context, stockID, userID string) (game.StockUser, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.items[userKey{stockID, userID}]
	if !ok {
		return game.StockUser{}, store.ErrNotFound
	}
	return v.Clone(), nil
}

func (u *Users) ListBySession(_ context.Context, stockID string) ([]game.StockUser, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []game.StockUser
	for k, v := range u.items {
		if k.stockID == stockID {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (u *Users) Count(ctx context.Context, stockID string) (int, error) {
	list, err := u.ListBySession(ctx, stockID)
	return len(list), err
}

func (u *Users) Create(_ context.Context, v game.StockUser) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	k := userKey{v.StockID, v.UserID}
	if _, ok := u.items[k]; ok {
		return store.ErrAlreadyExists
	}
	u.items[k] = v.Clone()
	return nil
}

func (u *Users) Update(ctx context.Context, stockID, userID string, fn func(*game.StockUser) error, events ...game.OutboxMessage) (game.StockUser, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	k := userKey{stockID, userID}
	v, ok := u.items[k]
	if !ok {
		return game.StockUser{}, store.ErrNotFound
	}
	next := v.Clone()
	if err := fn(&next); err != nil {
		return game.StockUser{}, err
	}
	if len(events) > 0 {
		if u.outbox == nil {
			return game.StockUser{}, errNoOutbox
		}
		if err := u.outbox.Append(ctx, events...); err != nil {
			return game.StockUser{}, err
		}
	}
	u.items[k] = next
	return next.Clone(), nil
}

func (u *Users) Delete(_ context.Context, stockID, userID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.items, userKey{stockID, userID})
	return nil
}

func (u *Users) DeleteBySession(_ context.Context, stockID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for k := range u.items {
		if k.stockID == stockID {
			delete(u.items, k)
		}
	}
	return nil
}
