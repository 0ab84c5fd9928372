package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

type stubRanker struct {
	order []string
	err   error
}

func (r stubRanker) Rank(context.Context, []game.StockUser) ([]string, error) {
	return r.order, r.err
}

func TestCreateSessionStartsCrowding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	st, err := f.eng.CreateSession(ctx, CreateSessionInput{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.ID == "" || st.Phase != game.PhaseCrowding || st.IsTransaction {
		t.Fatalf("unexpected session %+v", st)
	}
	for _, c := range f.rules.Companies {
		if len(st.Companies[c]) != game.TickCount {
			t.Fatalf("%s has %d ticks", c, len(st.Companies[c]))
		}
		if st.RemainingStocks[c] != f.rules.MaxFloat || st.InitialStocks[c] != f.rules.MaxFloat {
			t.Fatalf("%s float=%d initial=%d", c, st.RemainingStocks[c], st.InitialStocks[c])
		}
	}
	list, err := f.eng.ListSessions(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list=%v err=%v", list, err)
	}
}

func TestSetPhaseFollowsTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.eng.CreateSession(ctx, CreateSessionInput{ID: "s1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.eng.SetPhase(ctx, "s1", game.PhasePlaying); !errors.Is(err, game.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.eng.SetPhase(ctx, "s1", game.PhaseCrowding); err != nil {
		t.Fatalf("same phase must be a no-op: %v", err)
	}
	if _, err := f.eng.SetPhase(ctx, "missing", game.PhaseWaiting); !errors.Is(err, game.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestIntroResultSeatsPlayers(t *testing.T) {
	cases := []struct {
		name   string
		ranker Ranker
		want   []string
	}{
		{name: "fallback", want: []string{"a", "b", "c"}},
		{name: "ranker", ranker: stubRanker{order: []string{"c", "b", "a"}}, want: []string{"c", "b", "a"}},
		{name: "ranker error", ranker: stubRanker{err: errors.New("timeout")}, want: []string{"a", "b", "c"}},
		{name: "ranker drops a player", ranker: stubRanker{order: []string{"c", "a"}}, want: []string{"a", "b", "c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.eng.ranker = tc.ranker
			f.startRound(t, "a", "b", "c")
			got := f.session(t).IntroOrder
			if len(got) != len(tc.want) {
				t.Fatalf("order=%v want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("order=%v want %v", got, tc.want)
				}
			}
		})
	}
}

func TestInitRoundRejectsOpenMarket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1")
	if _, err := f.eng.InitRound(ctx, "s1", InitRoundInput{Round: 2}); !errors.Is(err, ErrRoundInProgress) {
		t.Fatalf("expected ErrRoundInProgress, got %v", err)
	}
}

func TestNextRoundResetsPlayersKeepsScores(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1", "u2")
	if _, err := f.eng.Trade(ctx, DeliveryContext{DeliveryID: "b"}, buyOrder("u1", 2, 5000)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := f.eng.SettleRound(ctx, "s1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	st, err := f.eng.InitRound(ctx, "s1", InitRoundInput{Round: 2, Custom: customSeries()})
	if err != nil {
		t.Fatalf("init round 2: %v", err)
	}
	if st.Round != 2 || !st.StartedTime.IsZero() {
		t.Fatalf("round=%d started=%v", st.Round, st.StartedTime)
	}
	u := f.player(t, "u1")
	if u.Money != f.rules.InitialMoney || len(u.StockStorages) != 0 || len(u.ResultByRound) != 2 {
		t.Fatalf("player after init: %+v", u)
	}
	hints := 0
	for _, series := range st.Companies {
		for _, pt := range series {
			if pt.HasHint("u1") {
				hints++
			}
		}
	}
	if want := game.HintCountPerPlayer(2, f.rules.MaxHints); hints != want {
		t.Fatalf("u1 has %d hints, want %d", hints, want)
	}

	f.clock.Advance(time.Minute)
	st, err = f.eng.SetPhase(ctx, "s1", game.PhasePlaying)
	if err != nil {
		t.Fatalf("next round: %v", err)
	}
	if !st.IsTransaction || !st.StartedTime.Equal(f.clock.Now()) {
		t.Fatalf("trading=%v started=%v", st.IsTransaction, st.StartedTime)
	}
}

func TestResetSessionClearsScores(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1")
	if _, err := f.eng.SettleRound(ctx, "s1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	st, err := f.eng.ResetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st.Phase != game.PhaseCrowding || st.Round != 0 {
		t.Fatalf("session after reset %+v", st)
	}
	if u := f.player(t, "u1"); len(u.ResultByRound) != 0 || u.Money != f.rules.InitialMoney {
		t.Fatalf("player after reset %+v", u)
	}
}

func TestPatchSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1")
	interval := 3
	st, err := f.eng.PatchSession(ctx, "s1", game.StockPatch{FluctuationsInterval: &interval})
	if err != nil || st.FluctuationsInterval != 3 {
		t.Fatalf("patch: %+v err=%v", st, err)
	}
	bad := 0
	if _, err := f.eng.PatchSession(ctx, "s1", game.StockPatch{FluctuationsInterval: &bad}); !errors.Is(err, ErrInvalidPatch) {
		t.Fatalf("expected ErrInvalidPatch, got %v", err)
	}
	if _, err := f.eng.PatchSession(ctx, "missing", game.StockPatch{}); !errors.Is(err, game.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1", "u2")
	if _, err := f.eng.Trade(ctx, DeliveryContext{DeliveryID: "b"}, buyOrder("u1", 1, 5000)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := f.eng.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.stocks.Get(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("session still present: %v", err)
	}
	if n, _ := f.users.Count(ctx, "s1"); n != 0 {
		t.Fatalf("%d players left", n)
	}
	if _, err := f.logs.Get(ctx, "b"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("trade log row left: %v", err)
	}
	if n := len(f.outbox.All()); n != 1 {
		t.Fatalf("outbox rows must outlive the session, got %d", n)
	}
}

func TestPlayers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.eng.CreateSession(ctx, CreateSessionInput{ID: "s1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.eng.RegisterPlayer(ctx, "s1", RegisterInput{UserID: "u1", Nickname: "ann", Gender: "f"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.eng.RegisterPlayer(ctx, "s1", RegisterInput{UserID: "u1", Nickname: "ann"}); !errors.Is(err, game.ErrPlayerAlreadyExists) {
		t.Fatalf("expected ErrPlayerAlreadyExists, got %v", err)
	}
	if _, err := f.eng.RegisterPlayer(ctx, "missing", RegisterInput{UserID: "u1", Nickname: "ann"}); !errors.Is(err, game.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	u, err := f.eng.UpdateIntroduction(ctx, "s1", "u1", "  likes bonds ")
	if err != nil || u.UserInfo.Introduction == nil || *u.UserInfo.Introduction != "likes bonds" {
		t.Fatalf("intro: %+v err=%v", u.UserInfo, err)
	}
	if _, err := f.eng.UpdateIntroduction(ctx, "s1", "ghost", "x"); !errors.Is(err, game.ErrPlayerNotFound) {
		t.Fatalf("expected ErrPlayerNotFound, got %v", err)
	}
	if err := f.eng.RemovePlayer(ctx, "s1", "u1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := f.eng.RemovePlayer(ctx, "s1", "u1"); !errors.Is(err, game.ErrPlayerNotFound) {
		t.Fatalf("expected ErrPlayerNotFound, got %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := f.eng.RegisterPlayer(ctx, "s1", RegisterInput{UserID: id, Nickname: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := f.eng.RemoveAllPlayers(ctx, "s1"); err != nil {
		t.Fatalf("remove all: %v", err)
	}
	list, err := f.eng.ListPlayers(ctx, "s1")
	if err != nil || len(list) != 0 {
		t.Fatalf("list=%v err=%v", list, err)
	}
}

func TestRemovePlayerReturnsShares(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1", "u2", "u3")

	for i, u := range []string{"u1", "u2", "u3"} {
		if _, err := f.eng.Trade(ctx, DeliveryContext{DeliveryID: fmt.Sprintf("d%d", i)}, buyOrder(u, int64(i+2), 5000)); err != nil {
			t.Fatalf("buy %s: %v", u, err)
		}
	}
	if got := f.session(t).RemainingStocks["ACME"]; got != 11 {
		t.Fatalf("remaining after buys=%d, want 11", got)
	}

	if err := f.eng.RemovePlayer(ctx, "s1", "u1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := f.session(t).RemainingStocks["ACME"]; got != 13 {
		t.Fatalf("remaining after remove=%d, want 13", got)
	}

	if err := f.eng.RemoveAllPlayers(ctx, "s1"); err != nil {
		t.Fatalf("remove all: %v", err)
	}
	st := f.session(t)
	for _, c := range []string{"ACME", "BOLT"} {
		if st.RemainingStocks[c] != st.InitialStocks[c] {
			t.Fatalf("%s remaining=%d, want %d", c, st.RemainingStocks[c], st.InitialStocks[c])
		}
	}
}

func TestSweepTradeLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startRound(t, "u1")
	if _, err := f.eng.Trade(ctx, DeliveryContext{DeliveryID: "done"}, buyOrder("u1", 1, 5000)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, _, err := f.logs.Claim(ctx, game.TradeLogEntry{QueueID: "stuck", StockID: "s1", UserID: "u1", Date: f.clock.Now()}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	deleted, cancelled, err := f.eng.SweepTradeLog(ctx, time.Hour, 10*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 || cancelled != 1 {
		t.Fatalf("deleted=%d cancelled=%d", deleted, cancelled)
	}
	entry, err := f.logs.Get(ctx, "stuck")
	if err != nil || entry.Status != game.TradeCancel {
		t.Fatalf("stuck entry %+v err=%v", entry, err)
	}
}
