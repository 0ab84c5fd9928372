package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

func TestTradeLogClaimOnce(t *testing.T) {
	ctx := context.Background()
	l := NewTradeLog()
	entry := game.TradeLogEntry{QueueID: "d1", StockID: "s1", Action: game.ActionBuy, Quantity: 2}

	if _, claimed, err := l.Claim(ctx, entry); err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	existing, claimed, err := l.Claim(ctx, entry)
	if err != nil || claimed || existing.Status != game.TradeQueuing {
		t.Fatalf("second claim: %+v claimed=%v err=%v", existing, claimed, err)
	}
	if err := l.Finish(ctx, "d1", game.TradeSuccess, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := l.Finish(ctx, "d1", game.TradeFailed, "late"); !errors.Is(err, store.ErrNotClaimable) {
		t.Fatalf("second finish err=%v", err)
	}
	if err := l.Release(ctx, "d1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := l.Get(ctx, "d1"); got.Status != game.TradeSuccess {
		t.Fatalf("release must not drop a resolved row: %+v", got)
	}
}

func TestTradeLogSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewTradeLog()
	rows := []game.TradeLogEntry{
		{QueueID: "old-done", Date: now.Add(-48 * time.Hour)},
		{QueueID: "new-done", Date: now.Add(-time.Hour)},
		{QueueID: "stuck", Date: now.Add(-time.Hour)},
		{QueueID: "fresh", Date: now.Add(-time.Minute)},
	}
	for _, r := range rows {
		if _, _, err := l.Claim(ctx, r); err != nil {
			t.Fatalf("claim %s: %v", r.QueueID, err)
		}
	}
	_ = l.Finish(ctx, "old-done", game.TradeSuccess, "")
	_ = l.Finish(ctx, "new-done", game.TradeFailed, "stale quote")

	deleted, cancelled, err := l.Sweep(ctx, now.Add(-24*time.Hour), now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 || cancelled != 1 {
		t.Fatalf("deleted=%d cancelled=%d", deleted, cancelled)
	}
	if _, err := l.Get(ctx, "old-done"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old row should be gone, err=%v", err)
	}
	if got, _ := l.Get(ctx, "stuck"); got.Status != game.TradeCancel {
		t.Fatalf("stuck row status=%s", got.Status)
	}
	if got, _ := l.Get(ctx, "fresh"); got.Status != game.TradeQueuing {
		t.Fatalf("fresh row status=%s", got.Status)
	}
}
