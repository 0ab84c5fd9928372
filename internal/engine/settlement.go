package engine

import (
	"context"
	"errors"
	"fmt"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

type PlayerSettlement struct {
	UserID      string           `json:"user_id"`
	Money       int64            `json:"money"`
	Released    map[string]int64 `json:"released"`
	LoanPenalty int64            `json:"loan_penalty"`
}

type SettlementFailure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

type SettlementReport struct {
	StockID string              `json:"stock_id"`
	Round   int                 `json:"round"`
	Tick    int                 `json:"tick"`
	Players []PlayerSettlement  `json:"players"`
	Failed  []SettlementFailure `json:"failed,omitempty"`
}

// SettleRound closes trading, waits for in-flight orders, then liquidates
// every player at the current tick price and moves the session to RESULT.
// A player that cannot be settled is reported and does not stop the others.
func (e *Engine) SettleRound(ctx context.Context, stockID string) (SettlementReport, error) {
	rep := SettlementReport{StockID: stockID}
	if _, err := e.stocks.Update(ctx, stockID, func(st *game.Stock) error {
		st.IsTransaction = false
		return nil
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return rep, game.ErrSessionNotFound
		}
		return rep, err
	}

	release := e.barriers.write(stockID)
	defer release()

	stock, err := e.loadStock(ctx, stockID)
	if err != nil {
		return rep, err
	}
	rep.Round = stock.Round
	rep.Tick = stock.Tick(e.now())

	players, err := e.users.ListBySession(ctx, stockID)
	if err != nil {
		return rep, err
	}
	credit := make(map[string]int64)
	for _, p := range players {
		var released map[string]int64
		var penalty int64
		u, err := e.users.Update(ctx, stockID, p.UserID, func(u *game.StockUser) error {
			penalty = int64(u.LoanCount) * e.rules.LoanSettlementPrice
			released = u.Liquidate(stock, rep.Tick, e.rules.LoanSettlementPrice)
			u.LastActivityTime = e.now()
			return nil
		})
		e.metrics.SettledPlayer(err == nil)
		if err != nil {
			e.log.Error("settle player failed", "stock_id", stockID, "user_id", p.UserID, "error", err)
			rep.Failed = append(rep.Failed, SettlementFailure{UserID: p.UserID, Error: err.Error()})
			continue
		}
		for c, n := range released {
			credit[c] += n
		}
		rep.Players = append(rep.Players, PlayerSettlement{
			UserID:      u.UserID,
			Money:       u.Money,
			Released:    released,
			LoanPenalty: penalty,
		})
	}

	_, err = e.stocks.Update(ctx, stockID, func(st *game.Stock) error {
		if st.RemainingStocks == nil {
			st.RemainingStocks = make(map[string]int64)
		}
		for c, n := range credit {
			st.RemainingStocks[c] += n
		}
		if game.CanTransition(st.Phase, game.PhaseResult) {
			st.Phase = game.PhaseResult
		}
		return nil
	})
	if err != nil {
		e.log.Error("credit float after settlement failed", "stock_id", stockID, "error", err)
		return rep, fmt.Errorf("credit float: %w: %v", ErrReconcileRequired, err)
	}
	e.log.Info("round settled", "stock_id", stockID, "round", rep.Round, "tick", rep.Tick, "players", len(rep.Players), "failed", len(rep.Failed))
	if len(rep.Failed) > 0 {
		return rep, fmt.Errorf("%d players not settled", len(rep.Failed))
	}
	return rep, nil
}

// EndGame settles the last round and reveals the ranking.
func (e *Engine) EndGame(ctx context.Context, stockID string) (SettlementReport, error) {
	rep, err := e.SettleRound(ctx, stockID)
	if err != nil {
		return rep, err
	}
	visible := true
	if _, err := e.PatchSession(ctx, stockID, game.StockPatch{IsVisibleRank: &visible}); err != nil {
		return rep, err
	}
	e.log.Info("game ended", "stock_id", stockID)
	return rep, nil
}
