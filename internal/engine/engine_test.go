package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tradesim/internal/game"
	"tradesim/internal/store"
	"tradesim/internal/store/memstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	acmeSeries = []int64{5000, 5100, 4900, 5000, 5200, 5300, 5100, 5000, 4800, 5000}
	boltSeries = []int64{15000, 15500, 14000, 14500, 15000, 16000, 15000, 14000, 15000, 15500}
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fatalHelper interface {
	Helper()
	Fatalf(format string, args ...any)
}

type fixture struct {
	eng    *Engine
	stocks *flakyStocks
	users  *flakyUsers
	logs   *memstore.TradeLog
	outbox *memstore.Outbox
	clock  *testClock
	rules  game.Rules
}

func newFixture(t fatalHelper) *fixture {
	t.Helper()
	outbox := memstore.NewOutbox()
	f := &fixture{
		stocks: &flakyStocks{StockStore: memstore.NewStocks()},
		users:  &flakyUsers{UserStore: memstore.NewUsers(outbox)},
		logs:   memstore.NewTradeLog(),
		outbox: outbox,
		clock:  &testClock{t: t0},
	}
	f.rules = game.DefaultRules()
	f.rules.Companies = []string{"ACME", "BOLT"}
	f.rules.MaxFloat = 20
	f.eng = New(Options{
		Stocks: f.stocks,
		Users:  f.users,
		Logs:   f.logs,
		Rules:  f.rules,
		Now:    f.clock.Now,
		Seed:   7,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func customSeries() map[string][]int64 {
	return map[string][]int64{"ACME": acmeSeries, "BOLT": boltSeries}
}

// startRound creates session s1 with the given players and walks it into
// PLAYING for round 1 at t0.
func (f *fixture) startRound(t fatalHelper, players ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.eng.CreateSession(ctx, CreateSessionInput{ID: "s1", Custom: customSeries()}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	genders := []string{"M", "F"}
	for i, p := range players {
		if _, err := f.eng.RegisterPlayer(ctx, "s1", RegisterInput{UserID: p, Nickname: p, Gender: genders[i%2]}); err != nil {
			t.Fatalf("register %s: %v", p, err)
		}
	}
	if _, err := f.eng.InitRound(ctx, "s1", InitRoundInput{Round: 1, Custom: customSeries()}); err != nil {
		t.Fatalf("init round: %v", err)
	}
	for _, ph := range []game.Phase{game.PhaseWaiting, game.PhaseIntroInput, game.PhaseIntroResult, game.PhasePlaying} {
		if _, err := f.eng.SetPhase(ctx, "s1", ph); err != nil {
			t.Fatalf("set phase %s: %v", ph, err)
		}
	}
}

func (f *fixture) player(t fatalHelper, userID string) game.StockUser {
	t.Helper()
	u, err := f.users.Get(context.Background(), "s1", userID)
	if err != nil {
		t.Fatalf("get player %s: %v", userID, err)
	}
	return u
}

func (f *fixture) session(t fatalHelper) game.Stock {
	t.Helper()
	st, err := f.stocks.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return st
}

func (f *fixture) editPlayer(t fatalHelper, userID string, fn func(*game.StockUser)) {
	t.Helper()
	_, err := f.users.Update(context.Background(), "s1", userID, func(u *game.StockUser) error {
		fn(u)
		return nil
	})
	if err != nil {
		t.Fatalf("edit player %s: %v", userID, err)
	}
}

func buyOrder(user string, amount, price int64) Order {
	return Order{StockID: "s1", UserID: user, Action: game.ActionBuy, Company: "ACME", Amount: amount, UnitPrice: price, Round: 1}
}

func sellOrder(user string, amount, price int64) Order {
	o := buyOrder(user, amount, price)
	o.Action = game.ActionSell
	return o
}

var errStoreDown = errors.New("store unavailable")

// flakyStocks fails Update calls once armed; fail decides per call number
// (1-based, counted from arming).
type flakyStocks struct {
	store.StockStore
	mu    sync.Mutex
	calls int
	fail  func(call int) error
}

func (s *flakyStocks) arm(fail func(call int) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = 0
	s.fail = fail
}

func (s *flakyStocks) Update(ctx context.Context, id string, fn func(*game.Stock) error) (game.Stock, error) {
	s.mu.Lock()
	fail := s.fail
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if fail != nil {
		if err := fail(n); err != nil {
			return game.Stock{}, err
		}
	}
	return s.StockStore.Update(ctx, id, fn)
}

type flakyUsers struct {
	store.UserStore
	mu   sync.Mutex
	fail error
}

func (u *flakyUsers) failUpdates(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fail = err
}

func (u *flakyUsers) Update(ctx context.Context, stockID, userID string, fn func(*game.StockUser) error, events ...game.OutboxMessage) (game.StockUser, error) {
	u.mu.Lock()
	fail := u.fail
	u.mu.Unlock()
	if fail != nil {
		return game.StockUser{}, fail
	}
	return u.UserStore.Update(ctx, stockID, userID, fn, events...)
}

func TestBarrierWriteWaitsForReaders(t *testing.T) {
	b := newBarriers()
	releaseRead := b.read("s1")

	acquired := make(chan struct{})
	go func() {
		release := b.write("s1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatalf("write side acquired while an order was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	releaseRead()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("write side never acquired after readers drained")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) != 0 {
		t.Fatalf("barrier entries leaked: %d", len(b.sessions))
	}
}
