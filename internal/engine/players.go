package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

type RegisterInput struct {
	UserID       string  `json:"user_id"`
	Nickname     string  `json:"nickname"`
	Gender       string  `json:"gender"`
	Introduction *string `json:"introduction,omitempty"`
}

func (e *Engine) RegisterPlayer(ctx context.Context, stockID string, in RegisterInput) (game.StockUser, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.Nickname = strings.TrimSpace(in.Nickname)
	if in.UserID == "" {
		return game.StockUser{}, fmt.Errorf("user id is required")
	}
	if in.Nickname == "" {
		return game.StockUser{}, fmt.Errorf("nickname is required")
	}
	st, err := e.loadStock(ctx, stockID)
	if err != nil {
		return game.StockUser{}, err
	}
	u := game.StockUser{
		StockID: stockID,
		UserID:  in.UserID,
		UserInfo: game.UserInfo{
			Nickname:     in.Nickname,
			Gender:       strings.ToUpper(strings.TrimSpace(in.Gender)),
			Introduction: in.Introduction,
		},
		Money:            st.InitialMoney,
		LastActivityTime: e.now(),
	}
	if err := e.users.Create(ctx, u); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return u, game.ErrPlayerAlreadyExists
		}
		return u, err
	}
	e.log.Info("player registered", "stock_id", stockID, "user_id", u.UserID)
	return u, nil
}

func (e *Engine) GetPlayer(ctx context.Context, stockID, userID string) (game.StockUser, error) {
	return e.loadUser(ctx, stockID, userID)
}

func (e *Engine) ListPlayers(ctx context.Context, stockID string) ([]game.StockUser, error) {
	if _, err := e.loadStock(ctx, stockID); err != nil {
		return nil, err
	}
	return e.users.ListBySession(ctx, stockID)
}

func (e *Engine) UpdateIntroduction(ctx context.Context, stockID, userID, intro string) (game.StockUser, error) {
	intro = strings.TrimSpace(intro)
	u, err := e.users.Update(ctx, stockID, userID, func(u *game.StockUser) error {
		if intro == "" {
			u.UserInfo.Introduction = nil
		} else {
			u.UserInfo.Introduction = &intro
		}
		u.LastActivityTime = e.now()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return u, game.ErrPlayerNotFound
	}
	return u, err
}

// RemovePlayer deletes one player and returns their shares to the float.
// It holds the session barrier so no order of theirs is mid-flight.
func (e *Engine) RemovePlayer(ctx context.Context, stockID, userID string) error {
	release := e.barriers.write(stockID)
	defer release()

	u, err := e.loadUser(ctx, stockID, userID)
	if err != nil {
		return err
	}
	if err := e.users.Delete(ctx, stockID, userID); err != nil {
		return err
	}
	return e.creditFloat(ctx, stockID, heldShares(u))
}

func (e *Engine) RemoveAllPlayers(ctx context.Context, stockID string) error {
	release := e.barriers.write(stockID)
	defer release()

	if _, err := e.loadStock(ctx, stockID); err != nil {
		return err
	}
	players, err := e.users.ListBySession(ctx, stockID)
	if err != nil {
		return err
	}
	if err := e.users.DeleteBySession(ctx, stockID); err != nil {
		return err
	}
	credit := make(map[string]int64)
	for _, p := range players {
		for c, n := range heldShares(p) {
			credit[c] += n
		}
	}
	return e.creditFloat(ctx, stockID, credit)
}

func heldShares(u game.StockUser) map[string]int64 {
	out := make(map[string]int64)
	for _, s := range u.StockStorages {
		if s.StockCountCurrent > 0 {
			out[s.CompanyName] += s.StockCountCurrent
		}
	}
	return out
}

// creditFloat adds released shares back to the market. Only companies of
// the current market are credited.
func (e *Engine) creditFloat(ctx context.Context, stockID string, credit map[string]int64) error {
	if len(credit) == 0 {
		return nil
	}
	_, err := e.stocks.Update(context.WithoutCancel(ctx), stockID, func(st *game.Stock) error {
		for c, n := range credit {
			if _, ok := st.RemainingStocks[c]; ok {
				st.RemainingStocks[c] += n
			}
		}
		return nil
	})
	if err != nil {
		e.log.Error("return shares to float failed", "stock_id", stockID, "error", err)
		return fmt.Errorf("return shares: %w: %v", ErrReconcileRequired, err)
	}
	return nil
}
