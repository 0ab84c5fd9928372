package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

type CreateSessionInput struct {
	ID     string             `json:"id,omitempty"`
	Custom map[string][]int64 `json:"custom,omitempty"`
}

type InitRoundInput struct {
	Round  int                `json:"round"`
	Custom map[string][]int64 `json:"custom,omitempty"`
}

func (e *Engine) freshStock(id string) game.Stock {
	now := e.now()
	return game.Stock{
		ID:                   id,
		Phase:                game.PhaseCrowding,
		FluctuationsInterval: e.rules.FluctuationsInterval,
		TransactionInterval:  e.rules.TransactionInterval,
		InitialMoney:         e.rules.InitialMoney,
		Companies:            map[string][]game.PricePoint{},
		RemainingStocks:      map[string]int64{},
		InitialStocks:        map[string]int64{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func (e *Engine) generate(custom map[string][]int64, players []string) (game.Market, error) {
	var m game.Market
	var err error
	e.withRand(func(rng *rand.Rand) {
		m, err = game.GenerateMarket(rng, game.MarketInput{
			Companies:      e.rules.Companies,
			Custom:         custom,
			BasePrice:      e.rules.BasePrice,
			PriceIncrement: e.rules.PriceIncrement,
			MaxHints:       e.rules.MaxHints,
			MaxFloat:       e.rules.MaxFloat,
			Players:        players,
		})
	})
	if err != nil {
		return m, fmt.Errorf("%w: %v", game.ErrInvalidSeries, err)
	}
	return m, nil
}

func installMarket(st *game.Stock, m game.Market) {
	st.Companies = m.Companies
	st.RemainingStocks = m.RemainingStocks
	st.InitialStocks = make(map[string]int64, len(m.RemainingStocks))
	for c, n := range m.RemainingStocks {
		st.InitialStocks[c] = n
	}
}

// CreateSession opens a session in CROWDING with a practice market and no
// hints handed out yet.
func (e *Engine) CreateSession(ctx context.Context, in CreateSessionInput) (game.Stock, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	st := e.freshStock(id)
	m, err := e.generate(in.Custom, nil)
	if err != nil {
		return st, err
	}
	installMarket(&st, m)
	if err := e.stocks.Create(ctx, st); err != nil {
		return st, err
	}
	e.log.Info("session created", "stock_id", id)
	return st, nil
}

func (e *Engine) GetSession(ctx context.Context, id string) (game.Stock, error) {
	return e.loadStock(ctx, id)
}

func (e *Engine) ListSessions(ctx context.Context) ([]game.Stock, error) {
	return e.stocks.List(ctx)
}

func (e *Engine) PatchSession(ctx context.Context, id string, p game.StockPatch) (game.Stock, error) {
	if p.FluctuationsInterval != nil && *p.FluctuationsInterval <= 0 {
		return game.Stock{}, fmt.Errorf("%w: fluctuations_interval must be > 0", ErrInvalidPatch)
	}
	if p.TransactionInterval != nil && *p.TransactionInterval < 0 {
		return game.Stock{}, fmt.Errorf("%w: transaction_interval must be >= 0", ErrInvalidPatch)
	}
	if p.Round != nil && *p.Round < 0 {
		return game.Stock{}, fmt.Errorf("%w: round must be >= 0", ErrInvalidPatch)
	}
	st, err := e.stocks.Update(ctx, id, func(st *game.Stock) error {
		p.Apply(st)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return st, game.ErrSessionNotFound
	}
	return st, err
}

// ResetSession puts the session back to CROWDING with a fresh practice
// market. Registered players stay but lose money, holdings, loans and scores.
func (e *Engine) ResetSession(ctx context.Context, id string) (game.Stock, error) {
	release := e.barriers.write(id)
	defer release()

	m, err := e.generate(nil, nil)
	if err != nil {
		return game.Stock{}, err
	}
	st, err := e.stocks.Update(ctx, id, func(st *game.Stock) error {
		next := e.freshStock(id)
		next.CreatedAt = st.CreatedAt
		installMarket(&next, m)
		*st = next
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return st, game.ErrSessionNotFound
	}
	if err != nil {
		return st, err
	}
	if err := e.resetPlayers(ctx, st, true); err != nil {
		return st, err
	}
	e.log.Info("session reset", "stock_id", id)
	return st, nil
}

// InitRound generates the round market, hands out hints to the registered
// players and restores their starting money. Trading stays closed until the
// session enters PLAYING.
func (e *Engine) InitRound(ctx context.Context, id string, in InitRoundInput) (game.Stock, error) {
	if in.Round < 0 {
		return game.Stock{}, fmt.Errorf("%w: round must be >= 0", ErrInvalidPatch)
	}
	release := e.barriers.write(id)
	defer release()

	cur, err := e.loadStock(ctx, id)
	if err != nil {
		return cur, err
	}
	if cur.IsTransaction {
		return cur, ErrRoundInProgress
	}
	players, err := e.users.ListBySession(ctx, id)
	if err != nil {
		return cur, err
	}
	ids := make([]string, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.UserID)
	}
	m, err := e.generate(in.Custom, ids)
	if err != nil {
		return cur, err
	}
	st, err := e.stocks.Update(ctx, id, func(st *game.Stock) error {
		if st.IsTransaction {
			return ErrRoundInProgress
		}
		st.Round = in.Round
		st.StartedTime = time.Time{}
		st.IsTransaction = false
		installMarket(st, m)
		return nil
	})
	if err != nil {
		return st, err
	}
	if err := e.resetPlayers(ctx, st, false); err != nil {
		return st, err
	}
	e.log.Info("round initialised", "stock_id", id, "round", in.Round, "players", len(ids))
	return st, nil
}

// resetPlayers restores every player to the session's starting money.
// Scores are kept between rounds and cleared only on a full reset.
func (e *Engine) resetPlayers(ctx context.Context, st game.Stock, clearResults bool) error {
	players, err := e.users.ListBySession(ctx, st.ID)
	if err != nil {
		return err
	}
	var failed []string
	for _, p := range players {
		_, err := e.users.Update(ctx, st.ID, p.UserID, func(u *game.StockUser) error {
			u.Money = st.InitialMoney
			u.LoanCount = 0
			u.StockStorages = nil
			if clearResults {
				u.ResultByRound = nil
			}
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Error("reset player failed", "stock_id", st.ID, "user_id", p.UserID, "error", err)
			failed = append(failed, p.UserID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("reset players %s: %w", strings.Join(failed, ","), ErrReconcileRequired)
	}
	return nil
}

// DeleteSession removes the session together with its players and trade log
// rows. Outbox rows are kept.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	release := e.barriers.write(id)
	defer release()

	if _, err := e.loadStock(ctx, id); err != nil {
		return err
	}
	if err := e.users.DeleteBySession(ctx, id); err != nil {
		return fmt.Errorf("delete players: %w", err)
	}
	if err := e.logs.DeleteBySession(ctx, id); err != nil {
		return fmt.Errorf("delete trade log: %w", err)
	}
	if err := e.stocks.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	e.log.Info("session deleted", "stock_id", id)
	return nil
}

// SetPhase moves the session along the phase table. Entering INTRO_RESULT
// seats the players, PLAYING opens trading and starts the clock, RESULT
// closes trading.
func (e *Engine) SetPhase(ctx context.Context, id string, to game.Phase) (game.Stock, error) {
	cur, err := e.loadStock(ctx, id)
	if err != nil {
		return cur, err
	}
	if err := game.ValidateTransition(cur.Phase, to); err != nil {
		return cur, err
	}
	if cur.Phase == to {
		return cur, nil
	}

	var order []string
	if to == game.PhaseIntroResult {
		order, err = e.seating(ctx, id)
		if err != nil {
			return cur, err
		}
	}
	now := e.now()
	return e.stocks.Update(ctx, id, func(st *game.Stock) error {
		if st.Phase == to {
			return nil
		}
		if err := game.ValidateTransition(st.Phase, to); err != nil {
			return err
		}
		st.Phase = to
		switch to {
		case game.PhaseIntroResult:
			st.IntroOrder = order
		case game.PhasePlaying:
			st.IsTransaction = true
			st.StartedTime = now
		case game.PhaseResult:
			st.IsTransaction = false
		}
		return nil
	})
}

func (e *Engine) seating(ctx context.Context, id string) ([]string, error) {
	players, err := e.users.ListBySession(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.ranker != nil {
		order, err := e.ranker.Rank(ctx, players)
		if err == nil && sameMembers(order, players) {
			return order, nil
		}
		if err == nil {
			err = errors.New("ranking does not cover the roster")
		}
		e.log.Warn("ranking failed, seating by gender", "stock_id", id, "error", err)
	}
	return game.AlternatingGenderOrder(players), nil
}

func sameMembers(order []string, players []game.StockUser) bool {
	if len(order) != len(players) {
		return false
	}
	a := append([]string(nil), order...)
	b := make([]string, 0, len(players))
	for _, p := range players {
		b = append(b, p.UserID)
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
