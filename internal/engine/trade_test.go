package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

func TestTradeBuyThenSell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1", "u2")

	res, err := f.eng.Trade(ctx, DeliveryContext{DeliveryID: "d1"}, buyOrder("u1", 4, 5000))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Status != game.TradeSuccess || res.Money != 980000 || res.Holding != 4 || res.Remaining != 16 {
		t.Fatalf("unexpected buy result %+v", res)
	}

	f.clock.Advance(time.Minute)
	res, err = f.eng.Trade(ctx, DeliveryContext{DeliveryID: "d2"}, sellOrder("u1", 2, 5100))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.Tick != 1 || res.Money != 990200 || res.Holding != 2 || res.Remaining != 18 {
		t.Fatalf("unexpected sell result %+v", res)
	}

	u := f.player(t, "u1")
	hist := u.StockStorages[0].StockCountHistory
	if hist[0] != 4 || hist[1] != -2 {
		t.Fatalf("history=%v", hist)
	}

	msgs := f.outbox.All()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 outbox messages, got %d", len(msgs))
	}
	if msgs[0].EventType != game.EventPurchased || msgs[0].Topic != DefaultTopics().Purchased {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].EventType != game.EventSold || msgs[1].Status != game.OutboxPending {
		t.Fatalf("unexpected second message %+v", msgs[1])
	}

	entry, err := f.logs.Get(ctx, "d2")
	if err != nil || entry.Status != game.TradeSuccess {
		t.Fatalf("log entry %+v err=%v", entry, err)
	}
}

func TestTradeRequiresDeliveryID(t *testing.T) {
	f := newFixture(t)
	f.startRound(t, "u1")
	_, err := f.eng.Trade(context.Background(), DeliveryContext{}, buyOrder("u1", 1, 5000))
	if !errors.Is(err, ErrDeliveryIDRequired) {
		t.Fatalf("expected ErrDeliveryIDRequired, got %v", err)
	}
}

func TestTradeReplayAppliesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1", "u2")
	dc := DeliveryContext{DeliveryID: "dup"}

	first, err := f.eng.Trade(ctx, dc, buyOrder("u1", 3, 5000))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := f.eng.Trade(ctx, dc, buyOrder("u1", 3, 5000))
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if first.Status != game.TradeSuccess || second.Status != game.TradeSuccess {
		t.Fatalf("both deliveries must report success: %+v %+v", first, second)
	}
	if first.Replayed || !second.Replayed {
		t.Fatalf("replay flags wrong: %+v %+v", first, second)
	}
	if u := f.player(t, "u1"); u.Money != 985000 || u.Holding("ACME") != 3 {
		t.Fatalf("applied more than once: money=%d holding=%d", u.Money, u.Holding("ACME"))
	}
	if st := f.session(t); st.RemainingStocks["ACME"] != 17 {
		t.Fatalf("remaining=%d", st.RemainingStocks["ACME"])
	}
	if n := len(f.outbox.All()); n != 1 {
		t.Fatalf("expected one event, got %d", n)
	}
}

func TestTradeReplayOfRejectedOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1")
	dc := DeliveryContext{DeliveryID: "stale"}

	_, err := f.eng.Trade(ctx, dc, buyOrder("u1", 1, 4900))
	if !errors.Is(err, game.ErrStaleQuote) {
		t.Fatalf("expected ErrStaleQuote, got %v", err)
	}
	entry, _ := f.logs.Get(ctx, "stale")
	if entry.Status != game.TradeFailed || !strings.Contains(entry.FailedReason, "price has changed") {
		t.Fatalf("log entry %+v", entry)
	}

	res, err := f.eng.Trade(ctx, dc, buyOrder("u1", 1, 5000))
	if !errors.Is(err, ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
	if res.Status != game.TradeFailed || !res.Replayed {
		t.Fatalf("unexpected replay result %+v", res)
	}
	if u := f.player(t, "u1"); u.Money != f.rules.InitialMoney {
		t.Fatalf("rejected order moved money: %d", u.Money)
	}
}

func TestTradeDeliveryIDReusedForOtherPlayer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1", "u2")
	if _, err := f.eng.Trade(ctx, DeliveryContext{DeliveryID: "k"}, buyOrder("u1", 1, 5000)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	_, err := f.eng.Trade(ctx, DeliveryContext{DeliveryID: "k"}, buyOrder("u2", 1, 5000))
	if !errors.Is(err, ErrDeliveryIDReused) {
		t.Fatalf("expected ErrDeliveryIDReused, got %v", err)
	}
}

func TestTradeInFlightDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1")
	if _, _, err := f.logs.Claim(ctx, game.TradeLogEntry{QueueID: "busy", StockID: "s1", UserID: "u1", Action: game.ActionBuy}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, err := f.eng.Trade(ctx, DeliveryContext{DeliveryID: "busy"}, buyOrder("u1", 1, 5000))
	if !errors.Is(err, ErrOrderInFlight) || res.Status != game.TradeQueuing {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestTradeValidationOrder(t *testing.T) {
	closeMarket := func(f *fixture) {
		closed := false
		if _, err := f.eng.PatchSession(context.Background(), "s1", game.StockPatch{IsTransaction: &closed}); err != nil {
			panic(err)
		}
	}
	setMoney := func(m int64) func(*fixture) {
		return func(f *fixture) {
			_, err := f.users.Update(context.Background(), "s1", "u1", func(u *game.StockUser) error {
				u.Money = m
				return nil
			})
			if err != nil {
				panic(err)
			}
		}
	}
	addPlayer := func(f *fixture) {
		if _, err := f.eng.RegisterPlayer(context.Background(), "s1", RegisterInput{UserID: "u3", Nickname: "u3"}); err != nil {
			panic(err)
		}
	}

	cases := []struct {
		name  string
		setup []func(*fixture)
		edit  func(*Order)
		want  error
	}{
		{name: "unknown action", edit: func(o *Order) { o.Action = "HOLD" }, want: game.ErrInvalidAction},
		{name: "non-positive amount", edit: func(o *Order) { o.Amount = 0 }, want: game.ErrInvalidAmount},
		{name: "unknown session", edit: func(o *Order) { o.StockID = "nope"; o.Round = 9 }, want: game.ErrSessionNotFound},
		{name: "stale round before closed market", setup: []func(*fixture){closeMarket}, edit: func(o *Order) { o.Round = 0 }, want: game.ErrStaleRound},
		{name: "closed market before unknown player", setup: []func(*fixture){closeMarket}, edit: func(o *Order) { o.UserID = "ghost" }, want: game.ErrMarketClosed},
		{name: "unknown player before unknown company", edit: func(o *Order) { o.UserID = "ghost"; o.Company = "NOPE" }, want: game.ErrPlayerNotFound},
		{name: "unknown company", edit: func(o *Order) { o.Company = "NOPE" }, want: game.ErrCompanyNotFound},
		{name: "float before stale quote", edit: func(o *Order) { o.Amount = 21; o.UnitPrice = 1 }, want: game.ErrFloatExhausted},
		{name: "stale quote before funds", setup: []func(*fixture){setMoney(0)}, edit: func(o *Order) { o.UnitPrice = 4900 }, want: game.ErrStaleQuote},
		{name: "funds before holding cap", setup: []func(*fixture){addPlayer, setMoney(1000)}, edit: func(o *Order) { o.Amount = 15 }, want: game.ErrInsufficientFunds},
		{name: "holding cap", setup: []func(*fixture){addPlayer}, edit: func(o *Order) { o.Amount = 14 }, want: game.ErrHoldingLimit},
		{name: "sell without shares", edit: func(o *Order) { o.Action = game.ActionSell }, want: game.ErrInsufficientShares},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.startRound(t, "u1", "u2")
			for _, s := range tc.setup {
				s(f)
			}
			o := buyOrder("u1", 2, 5000)
			tc.edit(&o)
			res, err := f.eng.Trade(ctx, DeliveryContext{DeliveryID: "v"}, o)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if res.Status != game.TradeFailed || res.Message == "" {
				t.Fatalf("unexpected result %+v", res)
			}
			entry, err := f.logs.Get(ctx, "v")
			if err != nil || entry.Status != game.TradeFailed || entry.FailedReason != res.Message {
				t.Fatalf("log entry %+v err=%v", entry, err)
			}
			if st := f.session(t); st.RemainingStocks["ACME"] != 20 {
				t.Fatalf("rejected order moved the float: %d", st.RemainingStocks["ACME"])
			}
		})
	}
}

func TestTradeCompensatesMarketWhenPlayerWriteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1", "u2")
	dc := DeliveryContext{DeliveryID: "flaky"}

	f.users.failUpdates(errStoreDown)
	_, err := f.eng.Trade(ctx, dc, buyOrder("u1", 5, 5000))
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if st := f.session(t); st.RemainingStocks["ACME"] != 20 {
		t.Fatalf("market write not compensated: %d", st.RemainingStocks["ACME"])
	}
	if _, err := f.logs.Get(ctx, "flaky"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("claim should be released after a transient failure, got %v", err)
	}

	f.users.failUpdates(nil)
	res, err := f.eng.Trade(ctx, dc, buyOrder("u1", 5, 5000))
	if err != nil || res.Replayed {
		t.Fatalf("redelivery should apply: res=%+v err=%v", res, err)
	}
	if st := f.session(t); st.RemainingStocks["ACME"] != 15 {
		t.Fatalf("remaining=%d", st.RemainingStocks["ACME"])
	}
}

func TestTradeSplitFailureIsLoggedAndReconciled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1", "u2")

	f.users.failUpdates(errStoreDown)
	f.stocks.arm(func(call int) error {
		if call == 2 {
			return errStoreDown
		}
		return nil
	})
	res, err := f.eng.Trade(ctx, DeliveryContext{DeliveryID: "split"}, buyOrder("u1", 5, 5000))
	if !errors.Is(err, ErrReconcileRequired) {
		t.Fatalf("expected ErrReconcileRequired, got %v", err)
	}
	if res.Status != game.TradeFailed {
		t.Fatalf("status=%s", res.Status)
	}
	entry, _ := f.logs.Get(ctx, "split")
	if entry.Status != game.TradeFailed || !strings.Contains(entry.FailedReason, "reconcile") {
		t.Fatalf("log entry %+v", entry)
	}
	if st := f.session(t); st.RemainingStocks["ACME"] != 15 {
		t.Fatalf("expected the diverged float, got %d", st.RemainingStocks["ACME"])
	}

	f.users.failUpdates(nil)
	f.stocks.arm(nil)
	rep, err := f.eng.Reconcile(ctx, "s1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(rep.Drift) != 1 || rep.Drift[0].Company != "ACME" || rep.Drift[0].Recorded != 15 || rep.Drift[0].Expected != 20 {
		t.Fatalf("drift=%+v", rep.Drift)
	}
	if st := f.session(t); st.RemainingStocks["ACME"] != 20 {
		t.Fatalf("remaining after reconcile=%d", st.RemainingStocks["ACME"])
	}
}

func TestFloatConservedUnderSequentialOrders(t *testing.T) {
	players := []string{"u1", "u2", "u3"}
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		f := newFixture(rt)
		f.startRound(rt, players...)
		st := f.session(rt)

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			f.clock.Advance(time.Duration(rapid.IntRange(0, 40).Draw(rt, "seconds")) * time.Second)
			company := rapid.SampledFrom([]string{"ACME", "BOLT"}).Draw(rt, "company")
			tick := st.Tick(f.clock.Now())
			o := Order{
				StockID:   "s1",
				UserID:    rapid.SampledFrom(players).Draw(rt, "user"),
				Action:    rapid.SampledFrom([]game.Action{game.ActionBuy, game.ActionSell}).Draw(rt, "action"),
				Company:   company,
				Amount:    rapid.Int64Range(1, 8).Draw(rt, "amount"),
				UnitPrice: st.Companies[company][tick].Price,
				Round:     1,
			}
			res, err := f.eng.Trade(ctx, DeliveryContext{DeliveryID: fmt.Sprintf("p%d", i)}, o)
			if err != nil && !isRejection(err) {
				rt.Fatalf("unexpected error: %v", err)
			}
			if err == nil && res.Status != game.TradeSuccess {
				rt.Fatalf("status=%s", res.Status)
			}
		}

		after := f.session(rt)
		for _, c := range []string{"ACME", "BOLT"} {
			total := after.RemainingStocks[c]
			if total < 0 {
				rt.Fatalf("%s float negative: %d", c, total)
			}
			for _, p := range players {
				u := f.player(rt, p)
				if h := u.Holding(c); h < 0 {
					rt.Fatalf("%s holds %d of %s", p, h, c)
				}
				total += u.Holding(c)
			}
			if total != after.InitialStocks[c] {
				rt.Fatalf("%s: remaining + holdings = %d, want %d", c, total, after.InitialStocks[c])
			}
		}
	})
}
