package engine

import (
	"context"
	"sort"

	"tradesim/internal/game"
)

type FloatDrift struct {
	Company  string `json:"company"`
	Recorded int64  `json:"recorded"`
	Expected int64  `json:"expected"`
}

type ReconcileReport struct {
	StockID string       `json:"stock_id"`
	Drift   []FloatDrift `json:"drift"`
}

// Reconcile rebuilds remainingStocks from the initial float minus what the
// players hold. It repairs the market after a failed compensation and is a
// no-op when the stores agree.
func (e *Engine) Reconcile(ctx context.Context, stockID string) (ReconcileReport, error) {
	rep := ReconcileReport{StockID: stockID}
	release := e.barriers.write(stockID)
	defer release()

	if _, err := e.loadStock(ctx, stockID); err != nil {
		return rep, err
	}
	players, err := e.users.ListBySession(ctx, stockID)
	if err != nil {
		return rep, err
	}
	held := make(map[string]int64)
	for _, p := range players {
		for _, s := range p.StockStorages {
			held[s.CompanyName] += s.StockCountCurrent
		}
	}

	_, err = e.stocks.Update(ctx, stockID, func(st *game.Stock) error {
		rep.Drift = rep.Drift[:0]
		if st.RemainingStocks == nil {
			st.RemainingStocks = make(map[string]int64)
		}
		for company := range st.Companies {
			expected := initialFloat(*st, company, e.rules.MaxFloat) - held[company]
			if expected < 0 {
				expected = 0
			}
			if st.RemainingStocks[company] != expected {
				rep.Drift = append(rep.Drift, FloatDrift{Company: company, Recorded: st.RemainingStocks[company], Expected: expected})
				st.RemainingStocks[company] = expected
			}
		}
		return nil
	})
	if err != nil {
		return rep, err
	}
	sort.Slice(rep.Drift, func(i, j int) bool { return rep.Drift[i].Company < rep.Drift[j].Company })
	if len(rep.Drift) > 0 {
		e.log.Warn("float reconciled", "stock_id", stockID, "companies", len(rep.Drift))
	}
	return rep, nil
}
