package game

// Liquidate sells every open position at the tick price, charges the loan
// liability and records the round score. It returns the quantities released
// back to the market per company.
func (u *StockUser) Liquidate(stock Stock, tick int, loanSettlementPrice int64) map[string]int64 {
	released := make(map[string]int64)
	for _, s := range u.StockStorages {
		if s.StockCountCurrent == 0 {
			continue
		}
		qty := s.StockCountCurrent
		price, ok := stock.PriceAt(s.CompanyName, tick)
		if ok {
			u.Money += qty * price
		}
		released[s.CompanyName] += qty
	}
	for company, qty := range released {
		u.ApplyDelta(company, tick, -qty)
	}
	u.RepayLoans(loanSettlementPrice)
	u.SetResult(stock.Round, u.Money)
	return released
}

// RepayLoans withdraws the full loan liability. Money may go negative.
func (u *StockUser) RepayLoans(loanSettlementPrice int64) int64 {
	due := int64(u.LoanCount) * loanSettlementPrice
	u.Money -= due
	u.LoanCount = 0
	return due
}

// LoanEligible reports whether the player is short enough of cash, counting
// open positions at the tick price, to borrow.
func LoanEligible(u StockUser, stock Stock, tick int, boundary int64) bool {
	if u.Money >= boundary {
		return false
	}
	return u.Money+u.HoldingsValue(stock, tick) < boundary
}

// Direction of the price move into tick.
func Direction(series []PricePoint, tick int) string {
	if tick <= 0 || tick >= len(series) {
		return "FLAT"
	}
	switch d := series[tick].Price - series[tick-1].Price; {
	case d > 0:
		return "RISING"
	case d < 0:
		return "FALLING"
	default:
		return "FLAT"
	}
}
