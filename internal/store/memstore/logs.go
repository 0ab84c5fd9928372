package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

type TradeLog struct {
	mu    sync.Mutex
	items map[string]game.TradeLogEntry
}

func NewTradeLog() *TradeLog {
	return &TradeLog{items: make(map[string]game.TradeLogEntry)}
}

func (l *TradeLog) Claim(_ context.Context, e game.TradeLogEntry) (game.TradeLogEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.items[e.QueueID]; ok {
		return existing, false, nil
	}
	e.Status = game.TradeQueuing
	l.items[e.QueueID] = e
	return e, true, nil
}

func (l *TradeLog) Finish(_ context.Context, queueID string, status game.TradeStatus, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.items[queueID]
	if !ok {
		return store.ErrNotFound
	}
	if e.Status != game.TradeQueuing {
		return store.ErrNotClaimable
	}
	e.Status = status
	e.FailedReason = reason
	l.items[queueID] = e
	return nil
}

func (l *TradeLog) Release(_ context.Context, queueID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.items[queueID]; ok && e.Status == game.TradeQueuing {
		delete(l.items, queueID)
	}
	return nil
}

func (l *TradeLog) Get(_ context.Context, queueID string) (game.TradeLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.items[queueID]
	if !ok {
		return game.TradeLogEntry{}, store.ErrNotFound
	}
	return e, nil
}

func (l *TradeLog) ListBySession(_ context.Context, stockID string) ([]game.TradeLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []game.TradeLogEntry
	for _, e := range l.items {
		if e.StockID == stockID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (l *TradeLog) DeleteBySession(_ context.Context, stockID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.items {
		if e.StockID == stockID {
			delete(l.items, k)
		}
	}
	return nil
}

func (l *TradeLog) Sweep(_ context.Context, resolvedBefore, staleBefore time.Time) (int64, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var deleted, cancelled int64
	for k, e := range l.items {
		switch {
		case e.Status == game.TradeQueuing && e.Date.Before(staleBefore):
			e.Status = game.TradeCancel
			e.FailedReason = "abandoned while queuing"
			l.items[k] = e
			cancelled++
		case e.Status != game.TradeQueuing && e.Date.Before(resolvedBefore):
			delete(l.items, k)
			deleted++
		}
	}
	return deleted, cancelled, nil
}

type Outbox struct {
	mu    sync.Mutex
	order []string
	items map[string]game.OutboxMessage
}

func NewOutbox() *Outbox {
	return &Outbox{items: make(map[string]game.OutboxMessage)}
}

func (o *Outbox) Append(_ context.Context, msgs ...game.OutboxMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range msgs {
		if _, ok := o.items[m.ID]; ok {
			return store.ErrAlreadyExists
		}
	}
	for _, m := range msgs {
		if m.Status == "" {
			m.Status = game.OutboxPending
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		o.items[m.ID] = m
		o.order = append(o.order, m.ID)
	}
	return nil
}

func (o *Outbox) filter(limit int, keep func(game.OutboxMessage) bool) []game.OutboxMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []game.OutboxMessage
	for _, id := range o.order {
		m := o.items[id]
		if !keep(m) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (o *Outbox) FetchPending(_ context.Context, limit int) ([]game.OutboxMessage, error) {
	return o.filter(limit, func(m game.OutboxMessage) bool {
		return m.Status == game.OutboxPending
	}), nil
}

func (o *Outbox) FetchRetryable(_ context.Context, maxRetries, limit int) ([]game.OutboxMessage, error) {
	return o.filter(limit, func(m game.OutboxMessage) bool {
		return m.Status == game.OutboxFailed && m.RetryCount < maxRetries
	}), nil
}

func (o *Outbox) DeadLetters(_ context.Context, maxRetries, limit int) ([]game.OutboxMessage, error) {
	return o.filter(limit, func(m game.OutboxMessage) bool {
		return m.Status == game.OutboxFailed && m.RetryCount >= maxRetries
	}), nil
}

func (o *Outbox) MarkProcessed(_ context.Context, id string, at time.Time) error {
	return o.mutate(id, func(m *game.OutboxMessage) {
		m.Status = game.OutboxProcessed
		m.ErrorMessage = ""
		m.ProcessedAt = &at
	})
}

func (o *Outbox) MarkFailed(_ context.Context, id, errMsg string, incrementRetry bool) error {
	return o.mutate(id, func(m *game.OutboxMessage) {
		m.Status = game.OutboxFailed
		m.ErrorMessage = errMsg
		if incrementRetry {
			m.RetryCount++
		}
	})
}

func (o *Outbox) Requeue(_ context.Context, id string) error {
	return o.mutate(id, func(m *game.OutboxMessage) {
		m.Status = game.OutboxPending
		m.RetryCount = 0
		m.ErrorMessage = ""
	})
}

func (o *Outbox) Get(_ context.Context, id string) (game.OutboxMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.items[id]
	if !ok {
		return game.OutboxMessage{}, store.ErrNotFound
	}
	return m, nil
}

// All returns every message in insertion order.
func (o *Outbox) All() []game.OutboxMessage {
	return o.filter(0, func(game.OutboxMessage) bool { return true })
}

func (o *Outbox) mutate(id string, fn func(*game.OutboxMessage)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.items[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&m)
	o.items[id] = m
	return nil
}
