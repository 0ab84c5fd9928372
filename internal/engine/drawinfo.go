package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

type DrawResult struct {
	Company   string `json:"company"`
	Tick      int    `json:"tick"`
	Direction string `json:"direction"`
	Price     int64  `json:"price"`
	Money     int64  `json:"money"`
	Replayed  bool   `json:"replayed,omitempty"`
}

// DrawInfo sells the caller one more hint: a random future (company, tick)
// they do not hold yet. The hint is written to the market first and taken
// back if charging the player fails.
func (e *Engine) DrawInfo(ctx context.Context, dc DeliveryContext, stockID, userID string) (DrawResult, error) {
	release := e.barriers.read(stockID)
	defer release()

	entry := game.TradeLogEntry{
		StockID:  stockID,
		UserID:   userID,
		Action:   game.ActionDrawInfo,
		Price:    e.rules.DrawInfoPrice,
		Quantity: 1,
		Date:     e.now(),
	}
	res, replayed, err := logged(ctx, e, dc, entry, func(ctx context.Context) (DrawResult, error) {
		return e.drawInfo(ctx, stockID, userID)
	})
	res.Replayed = replayed
	return res, err
}

func (e *Engine) drawInfo(ctx context.Context, stockID, userID string) (DrawResult, error) {
	stock, err := e.loadStock(ctx, stockID)
	if err != nil {
		return DrawResult{}, err
	}
	if !stock.IsTransaction {
		return DrawResult{}, game.ErrMarketClosed
	}
	user, err := e.loadUser(ctx, stockID, userID)
	if err != nil {
		return DrawResult{}, err
	}
	price := e.rules.DrawInfoPrice
	if user.Money < price {
		return DrawResult{}, fmt.Errorf("%w: hint costs %d", game.ErrInsufficientFunds, price)
	}
	tick := stock.Tick(e.now())
	candidates := game.UndisclosedHints(stock.Companies, userID, tick)
	if len(candidates) == 0 {
		return DrawResult{}, game.ErrNoHintAvailable
	}
	var pick game.HintRef
	e.withRand(func(rng *rand.Rand) {
		pick = candidates[rng.Intn(len(candidates))]
	})

	var series []game.PricePoint
	_, err = e.stocks.Update(ctx, stockID, func(st *game.Stock) error {
		s, ok := st.Companies[pick.Company]
		if !ok || pick.Tick >= len(s) {
			return fmt.Errorf("%w: %s", game.ErrCompanyNotFound, pick.Company)
		}
		if !s[pick.Tick].HasHint(userID) {
			s[pick.Tick].HintHolders = append(s[pick.Tick].HintHolders, userID)
		}
		series = s
		return nil
	})
	if err != nil {
		return DrawResult{}, err
	}

	msg, err := e.newEvent(game.EventInfoDrawn, game.TradeEvent{
		EventID:   newEventID(),
		StockID:   stockID,
		UserID:    userID,
		Round:     stock.Round,
		Tick:      pick.Tick,
		Company:   pick.Company,
		Amount:    1,
		UnitPrice: price,
		At:        e.now(),
	})
	if err != nil {
		return DrawResult{}, e.undoHint(ctx, stockID, userID, pick, err)
	}
	u, err := e.users.Update(ctx, stockID, userID, func(u *game.StockUser) error {
		if u.Money < price {
			return fmt.Errorf("%w: hint costs %d", game.ErrInsufficientFunds, price)
		}
		u.Money -= price
		u.LastActivityTime = e.now()
		return nil
	}, msg)
	if errors.Is(err, store.ErrNotFound) {
		err = game.ErrPlayerNotFound
	}
	if err != nil {
		return DrawResult{}, e.undoHint(ctx, stockID, userID, pick, err)
	}
	return DrawResult{
		Company:   pick.Company,
		Tick:      pick.Tick,
		Direction: game.Direction(series, pick.Tick),
		Price:     series[pick.Tick].Price,
		Money:     u.Money,
	}, nil
}

func (e *Engine) undoHint(ctx context.Context, stockID, userID string, h game.HintRef, cause error) error {
	_, err := e.stocks.Update(context.WithoutCancel(ctx), stockID, func(st *game.Stock) error {
		s := st.Companies[h.Company]
		if h.Tick >= len(s) {
			return nil
		}
		holders := s[h.Tick].HintHolders[:0]
		for _, id := range s[h.Tick].HintHolders {
			if id != userID {
				holders = append(holders, id)
			}
		}
		s[h.Tick].HintHolders = holders
		return nil
	})
	e.metrics.Compensation(err == nil)
	if err == nil {
		return cause
	}
	e.log.Error("hint compensation failed", "stock_id", stockID, "user_id", userID, "company", h.Company, "tick", h.Tick, "error", err)
	return &splitError{cause: cause, compensation: err}
}
