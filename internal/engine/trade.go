package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradesim/internal/game"
)

type Order struct {
	StockID   string      `json:"stock_id"`
	UserID    string      `json:"user_id"`
	Action    game.Action `json:"action"`
	Company   string      `json:"company"`
	Amount    int64       `json:"amount"`
	UnitPrice int64       `json:"unit_price"`
	Round     int         `json:"round"`
}

type TradeResult struct {
	Status    game.TradeStatus `json:"status"`
	Message   string           `json:"message"`
	Replayed  bool             `json:"replayed,omitempty"`
	Tick      int              `json:"tick"`
	UnitPrice int64            `json:"unit_price,omitempty"`
	Money     int64            `json:"money,omitempty"`
	Holding   int64            `json:"holding,omitempty"`
	Remaining int64            `json:"remaining,omitempty"`
}

// quote is what validation fixed for the apply step.
type quote struct {
	tick  int
	price int64
	cap   int64
}

// Trade validates and applies one buy or sell. The delivery id makes the
// financial effect at-most-once: a redelivery of a succeeded order returns
// success without touching either store.
func (e *Engine) Trade(ctx context.Context, dc DeliveryContext, o Order) (TradeResult, error) {
	start := e.now()
	o.Action = game.Action(strings.ToUpper(strings.TrimSpace(string(o.Action))))
	o.Company = strings.TrimSpace(o.Company)
	if strings.TrimSpace(dc.DeliveryID) == "" {
		return TradeResult{Status: game.TradeFailed, Message: ErrDeliveryIDRequired.Error()}, ErrDeliveryIDRequired
	}

	release := e.barriers.read(o.StockID)
	defer release()

	entry := game.TradeLogEntry{
		StockID:  o.StockID,
		UserID:   o.UserID,
		Round:    o.Round,
		Action:   o.Action,
		Company:  o.Company,
		Price:    o.UnitPrice,
		Quantity: o.Amount,
		Date:     start,
	}
	res, replayed, err := logged(ctx, e, dc, entry, func(ctx context.Context) (TradeResult, error) {
		return e.trade(ctx, o)
	})

	switch {
	case replayed && err == nil:
		res = TradeResult{Status: game.TradeSuccess, Message: "already processed", Replayed: true}
	case replayed && errors.Is(err, ErrOrderInFlight):
		res = TradeResult{Status: game.TradeQueuing, Message: err.Error(), Replayed: true}
	case replayed:
		res = TradeResult{Status: game.TradeFailed, Message: err.Error(), Replayed: true}
	case err != nil:
		res.Status = game.TradeFailed
		res.Message = err.Error()
	default:
		res.Status = game.TradeSuccess
	}
	e.metrics.ObserveOrder(string(o.Action), outcome(res, err), e.now().Sub(start))
	if err != nil && !replayed && !isRejection(err) {
		e.log.Warn("order failed", "stock_id", o.StockID, "user_id", o.UserID, "delivery_id", dc.DeliveryID, "error", err)
	}
	return res, err
}

func outcome(res TradeResult, err error) string {
	switch {
	case res.Replayed:
		return "replayed"
	case err == nil:
		return "success"
	case errors.Is(err, ErrReconcileRequired):
		return "split"
	case isRejection(err):
		return "rejected"
	default:
		return "error"
	}
}

func (e *Engine) trade(ctx context.Context, o Order) (TradeResult, error) {
	q, err := e.validateOrder(ctx, o)
	if err != nil {
		return TradeResult{}, err
	}
	buy := o.Action == game.ActionBuy

	remaining, err := e.moveFloat(ctx, o, signed(buy, o.Amount), true)
	if err != nil {
		return TradeResult{}, err
	}

	ev := game.EventSold
	if buy {
		ev = game.EventPurchased
	}
	msg, err := e.newEvent(ev, game.TradeEvent{
		EventID:   newEventID(),
		StockID:   o.StockID,
		UserID:    o.UserID,
		Round:     o.Round,
		Tick:      q.tick,
		Company:   o.Company,
		Amount:    o.Amount,
		UnitPrice: q.price,
		At:        e.now(),
	})
	if err != nil {
		return TradeResult{}, e.undoFloat(ctx, o, buy, err)
	}

	cost := q.price * o.Amount
	u, err := e.users.Update(ctx, o.StockID, o.UserID, func(u *game.StockUser) error {
		if buy {
			if u.Money < cost {
				return fmt.Errorf("%w: need %d, have %d", game.ErrInsufficientFunds, cost, u.Money)
			}
			if q.cap > 0 && u.Holding(o.Company)+o.Amount > q.cap {
				return fmt.Errorf("%w: at most %d shares of %s", game.ErrHoldingLimit, q.cap, o.Company)
			}
			u.Money -= cost
			u.ApplyDelta(o.Company, q.tick, o.Amount)
		} else {
			if u.Holding(o.Company) < o.Amount {
				return fmt.Errorf("%w: hold %d of %s", game.ErrInsufficientShares, u.Holding(o.Company), o.Company)
			}
			u.Money += cost
			u.ApplyDelta(o.Company, q.tick, -o.Amount)
		}
		u.LastActivityTime = e.now()
		return nil
	}, msg)
	if err != nil {
		return TradeResult{}, e.undoFloat(ctx, o, buy, err)
	}

	verb := "sold"
	if buy {
		verb = "purchased"
	}
	return TradeResult{
		Message:   fmt.Sprintf("%s %d %s at %d", verb, o.Amount, o.Company, q.price),
		Tick:      q.tick,
		UnitPrice: q.price,
		Money:     u.Money,
		Holding:   u.Holding(o.Company),
		Remaining: remaining,
	}, nil
}

// validateOrder runs the checks in a fixed order; the first failure wins.
func (e *Engine) validateOrder(ctx context.Context, o Order) (quote, error) {
	var q quote
	if o.Action != game.ActionBuy && o.Action != game.ActionSell {
		return q, fmt.Errorf("%w: %q", game.ErrInvalidAction, o.Action)
	}
	if o.Amount <= 0 {
		return q, game.ErrInvalidAmount
	}
	stock, err := e.loadStock(ctx, o.StockID)
	if err != nil {
		return q, err
	}
	if stock.Round != o.Round {
		return q, fmt.Errorf("%w: session is on round %d", game.ErrStaleRound, stock.Round)
	}
	if !stock.IsTransaction {
		return q, game.ErrMarketClosed
	}
	user, err := e.loadUser(ctx, o.StockID, o.UserID)
	if err != nil {
		return q, err
	}
	series, ok := stock.Companies[o.Company]
	if !ok || len(series) != game.TickCount {
		return q, fmt.Errorf("%w: %s", game.ErrCompanyNotFound, o.Company)
	}
	buy := o.Action == game.ActionBuy
	if buy && stock.RemainingStocks[o.Company] < o.Amount {
		return q, fmt.Errorf("%w: %d left", game.ErrFloatExhausted, stock.RemainingStocks[o.Company])
	}
	q.tick = stock.Tick(e.now())
	q.price = series[q.tick].Price
	if q.price != o.UnitPrice {
		return q, fmt.Errorf("%w: price is now %d", game.ErrStaleQuote, q.price)
	}
	if buy && user.Money < q.price*o.Amount {
		return q, fmt.Errorf("%w: need %d, have %d", game.ErrInsufficientFunds, q.price*o.Amount, user.Money)
	}
	if buy && e.rules.EnforceHoldingLimit {
		players, err := e.users.Count(ctx, o.StockID)
		if err != nil {
			return q, err
		}
		float := initialFloat(stock, o.Company, e.rules.MaxFloat)
		if game.IsStockOverLimit(players, user.Holding(o.Company), o.Amount, float) {
			return q, fmt.Errorf("%w: at most %d shares of %s", game.ErrHoldingLimit, game.HoldingLimit(players, float), o.Company)
		}
		q.cap = game.HoldingLimit(players, float)
	}
	if !buy && user.Holding(o.Company) < o.Amount {
		return q, fmt.Errorf("%w: hold %d of %s", game.ErrInsufficientShares, user.Holding(o.Company), o.Company)
	}
	return q, nil
}

func initialFloat(stock game.Stock, company string, fallback int64) int64 {
	if n, ok := stock.InitialStocks[company]; ok && n > 0 {
		return n
	}
	return fallback
}

func signed(neg bool, n int64) int64 {
	if neg {
		return -n
	}
	return n
}

// moveFloat adds delta to the company float. A decrement applies only if the
// float covers it. guard re-checks the round and the trading gate at write
// time; compensations skip the guard.
func (e *Engine) moveFloat(ctx context.Context, o Order, delta int64, guard bool) (int64, error) {
	var remaining int64
	_, err := e.stocks.Update(ctx, o.StockID, func(st *game.Stock) error {
		if guard {
			if st.Round != o.Round {
				return fmt.Errorf("%w: session is on round %d", game.ErrStaleRound, st.Round)
			}
			if !st.IsTransaction {
				return game.ErrMarketClosed
			}
		}
		if st.RemainingStocks == nil {
			st.RemainingStocks = make(map[string]int64)
		}
		left := st.RemainingStocks[o.Company]
		if left+delta < 0 {
			return fmt.Errorf("%w: %d left", game.ErrFloatExhausted, left)
		}
		st.RemainingStocks[o.Company] = left + delta
		remaining = left + delta
		return nil
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// undoFloat reverses the market write after the player write failed. The
// returned error is cause, or a split error if the reversal failed too.
func (e *Engine) undoFloat(ctx context.Context, o Order, buy bool, cause error) error {
	_, err := e.moveFloat(context.WithoutCancel(ctx), o, signed(buy, -o.Amount), false)
	e.metrics.Compensation(err == nil)
	if err == nil {
		return cause
	}
	e.log.Error("market compensation failed",
		"stock_id", o.StockID,
		"user_id", o.UserID,
		"company", o.Company,
		"amount", o.Amount,
		"action", o.Action,
		"cause", cause,
		"error", err,
	)
	return &splitError{cause: cause, compensation: err}
}
