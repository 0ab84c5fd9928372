package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

// DeliveryContext carries the identity of one delivery from the order queue
// or the Idempotency-Key header. The trade log is keyed by DeliveryID.
type DeliveryContext struct {
	DeliveryID string
}

// splitError means the market write went through, the player write did not,
// and undoing the market write failed too.
type splitError struct {
	cause        error
	compensation error
}

func (e *splitError) Error() string {
	return fmt.Sprintf("%v; market compensation failed: %v; reconcile required", e.cause, e.compensation)
}

func (e *splitError) Unwrap() []error {
	return []error{ErrReconcileRequired, e.cause}
}

// logged runs fn at most once per delivery id. A redelivery of a finished
// delivery is answered from the log and reported as replayed.
func logged[T any](ctx context.Context, e *Engine, dc DeliveryContext, entry game.TradeLogEntry, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if dc.DeliveryID == "" {
		out, err := fn(ctx)
		return out, false, err
	}
	entry.QueueID = dc.DeliveryID
	entry.Status = game.TradeQueuing
	existing, claimed, err := e.logs.Claim(ctx, entry)
	if err != nil {
		return zero, false, fmt.Errorf("claim delivery %s: %w", dc.DeliveryID, err)
	}
	if !claimed {
		return zero, true, replay(existing, entry)
	}

	out, err := fn(ctx)
	var split *splitError
	switch {
	case err == nil:
		e.finish(ctx, entry.QueueID, game.TradeSuccess, "")
	case errors.As(err, &split), isRejection(err):
		e.finish(ctx, entry.QueueID, game.TradeFailed, err.Error())
	default:
		// nothing was applied; let the redelivery try again
		if rerr := e.logs.Release(context.WithoutCancel(ctx), entry.QueueID); rerr != nil {
			e.log.Warn("release trade log claim failed", "queue_id", entry.QueueID, "error", rerr)
		}
	}
	return out, false, err
}

func replay(existing, entry game.TradeLogEntry) error {
	if existing.StockID != entry.StockID || existing.UserID != entry.UserID || existing.Action != entry.Action {
		return fmt.Errorf("%w: %s", ErrDeliveryIDReused, existing.QueueID)
	}
	switch existing.Status {
	case game.TradeSuccess:
		return nil
	case game.TradeQueuing:
		return ErrOrderInFlight
	default:
		reason := existing.FailedReason
		if reason == "" {
			reason = string(existing.Status)
		}
		return fmt.Errorf("%w: %s", ErrOrderRejected, reason)
	}
}

func (e *Engine) finish(ctx context.Context, queueID string, status game.TradeStatus, reason string) {
	ctx = context.WithoutCancel(ctx)
	delay := 50 * time.Millisecond
	for attempt := 0; attempt < 4; attempt++ {
		err := e.logs.Finish(ctx, queueID, status, reason)
		if err == nil {
			return
		}
		if errors.Is(err, store.ErrNotClaimable) || errors.Is(err, store.ErrNotFound) {
			e.log.Warn("trade log row finished elsewhere", "queue_id", queueID, "status", status, "error", err)
			return
		}
		e.log.Warn("finish trade log row failed", "queue_id", queueID, "attempt", attempt+1, "error", err)
		_ = sleepWithContext(ctx, delay)
		delay *= 2
	}
	e.log.Error("trade log row left QUEUING", "queue_id", queueID, "status", status)
}

// SweepTradeLog deletes resolved rows older than retention and cancels rows
// stuck in QUEUING for longer than staleAfter.
func (e *Engine) SweepTradeLog(ctx context.Context, retention, staleAfter time.Duration) (int64, int64, error) {
	now := e.now()
	deleted, cancelled, err := e.logs.Sweep(ctx, now.Add(-retention), now.Add(-staleAfter))
	if err != nil {
		return deleted, cancelled, err
	}
	e.metrics.TradeLogSwept(deleted, cancelled)
	if deleted > 0 || cancelled > 0 {
		e.log.Info("trade log swept", "deleted", deleted, "cancelled", cancelled)
	}
	return deleted, cancelled, nil
}
