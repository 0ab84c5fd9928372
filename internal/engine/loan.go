package engine

import (
	"context"
	"errors"
	"fmt"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

type LoanResult struct {
	Money     int64 `json:"money"`
	LoanCount int   `json:"loan_count"`
	Charged   int64 `json:"charged,omitempty"`
	Replayed  bool  `json:"replayed,omitempty"`
}

// Borrow grants one loan when cash alone and cash plus holdings are both
// under the boundary.
func (e *Engine) Borrow(ctx context.Context, dc DeliveryContext, stockID, userID string) (LoanResult, error) {
	release := e.barriers.read(stockID)
	defer release()

	entry := game.TradeLogEntry{
		StockID:  stockID,
		UserID:   userID,
		Action:   game.ActionLoan,
		Price:    e.rules.LoanPrice,
		Quantity: 1,
		Date:     e.now(),
	}
	res, replayed, err := logged(ctx, e, dc, entry, func(ctx context.Context) (LoanResult, error) {
		stock, err := e.loadStock(ctx, stockID)
		if err != nil {
			return LoanResult{}, err
		}
		tick := stock.Tick(e.now())
		u, err := e.users.Update(ctx, stockID, userID, func(u *game.StockUser) error {
			if !game.LoanEligible(*u, stock, tick, e.rules.BoundaryLoanPrice) {
				return fmt.Errorf("%w: worth %d", game.ErrLoanNotEligible, u.Money+u.HoldingsValue(stock, tick))
			}
			u.Money += e.rules.LoanPrice
			u.LoanCount++
			u.LastActivityTime = e.now()
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			return LoanResult{}, game.ErrPlayerNotFound
		}
		if err != nil {
			return LoanResult{}, err
		}
		e.log.Info("loan granted", "stock_id", stockID, "user_id", userID, "loan_count", u.LoanCount)
		return LoanResult{Money: u.Money, LoanCount: u.LoanCount}, nil
	})
	res.Replayed = replayed
	return res, err
}

// SettleLoan charges loanCount * loanSettlementPrice. Cash may go negative.
func (e *Engine) SettleLoan(ctx context.Context, dc DeliveryContext, stockID, userID string) (LoanResult, error) {
	release := e.barriers.read(stockID)
	defer release()

	entry := game.TradeLogEntry{
		StockID: stockID,
		UserID:  userID,
		Action:  game.ActionLoanSettle,
		Price:   e.rules.LoanSettlementPrice,
		Date:    e.now(),
	}
	res, replayed, err := logged(ctx, e, dc, entry, func(ctx context.Context) (LoanResult, error) {
		var charged int64
		u, err := e.users.Update(ctx, stockID, userID, func(u *game.StockUser) error {
			charged = u.RepayLoans(e.rules.LoanSettlementPrice)
			u.LastActivityTime = e.now()
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			return LoanResult{}, game.ErrPlayerNotFound
		}
		if err != nil {
			return LoanResult{}, err
		}
		return LoanResult{Money: u.Money, LoanCount: u.LoanCount, Charged: charged}, nil
	})
	res.Replayed = replayed
	return res, err
}
