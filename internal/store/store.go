// Package store declares the persistence boundaries of the engine. Market
// state and player state live in separate stores with no shared transaction;
// the trade log and the outbox belong to the messaging subsystem.
package store

import (
	"context"
	"errors"
	"time"

	"tradesim/internal/game"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("concurrent update, retries exhausted")
	ErrNotClaimable  = errors.New("trade log entry is not in QUEUING state")
)

// StockStore holds one market document per session.
type StockStore interface {
	Get(ctx context.Context, id string) (game.Stock, error)
	List(ctx context.Context) ([]game.Stock, error)
	Create(ctx context.Context, s game.Stock) error
	// Update runs fn against the latest stored value and writes the result
	// only if nobody else wrote in between; fn may run more than once.
	Update(ctx context.Context, id string, fn func(*game.Stock) error) (game.Stock, error)
	Delete(ctx context.Context, id string) error
}

// UserStore holds per-player documents keyed by (stockID, userID).
type UserStore interface {
	Get(ctx context.Context, stockID, userID string) (game.StockUser, error)
	ListBySession(ctx context.Context, stockID string) ([]game.StockUser, error)
	Count(ctx context.Context, stockID string) (int, error)
	Create(ctx context.Context, u game.StockUser) error
	// Update locks the player row, applies fn and appends events to the
	// outbox in the same unit of work.
	Update(ctx context.Context, stockID, userID string, fn func(*game.StockUser) error, events ...game.OutboxMessage) (game.StockUser, error)
	Delete(ctx context.Context, stockID, userID string) error
	DeleteBySession(ctx context.Context, stockID string) error
}

// TradeLog is the idempotency log keyed by delivery id.
type TradeLog interface {
	// Claim inserts entry as QUEUING. When a row already exists it is
	// returned with claimed=false and nothing is written.
	Claim(ctx context.Context, entry game.TradeLogEntry) (existing game.TradeLogEntry, claimed bool, err error)
	// Finish moves a QUEUING row to a terminal status exactly once.
	Finish(ctx context.Context, queueID string, status game.TradeStatus, reason string) error
	// Release drops a QUEUING row so the delivery counts as never attempted.
	Release(ctx context.Context, queueID string) error
	Get(ctx context.Context, queueID string) (game.TradeLogEntry, error)
	ListBySession(ctx context.Context, stockID string) ([]game.TradeLogEntry, error)
	DeleteBySession(ctx context.Context, stockID string) error
	// Sweep deletes resolved rows dated before resolvedBefore and cancels
	// QUEUING rows dated before staleBefore.
	Sweep(ctx context.Context, resolvedBefore, staleBefore time.Time) (deleted, cancelled int64, err error)
}

// Outbox is the append-only event log drained by the relay.
type Outbox interface {
	Append(ctx context.Context, msgs ...game.OutboxMessage) error
	FetchPending(ctx context.Context, limit int) ([]game.OutboxMessage, error)
	FetchRetryable(ctx context.Context, maxRetries, limit int) ([]game.OutboxMessage, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, errMsg string, incrementRetry bool) error
	DeadLetters(ctx context.Context, maxRetries, limit int) ([]game.OutboxMessage, error)
	Requeue(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (game.OutboxMessage, error)
}
