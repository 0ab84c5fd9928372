package engine

import (
	"context"
	"sort"
)

type RankEntry struct {
	Rank          int      `json:"rank"`
	UserID        string   `json:"user_id"`
	Nickname      string   `json:"nickname"`
	Money         int64    `json:"money"`
	HoldingsValue int64    `json:"holdings_value"`
	Total         int64    `json:"total"`
	ResultByRound []*int64 `json:"result_by_round"`
}

// Ranking orders players by cash plus holdings at the current tick. Hidden
// rankings are only returned when force is set.
func (e *Engine) Ranking(ctx context.Context, stockID string, force bool) ([]RankEntry, error) {
	stock, err := e.loadStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	if !stock.IsVisibleRank && !force {
		return nil, ErrRankingHidden
	}
	players, err := e.users.ListBySession(ctx, stockID)
	if err != nil {
		return nil, err
	}
	tick := stock.Tick(e.now())
	out := make([]RankEntry, 0, len(players))
	for _, p := range players {
		hv := p.HoldingsValue(stock, tick)
		out = append(out, RankEntry{
			UserID:        p.UserID,
			Nickname:      p.UserInfo.Nickname,
			Money:         p.Money,
			HoldingsValue: hv,
			Total:         p.Money + hv,
			ResultByRound: p.ResultByRound,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].UserID < out[j].UserID
	})
	for i := range out {
		out[i].Rank = i + 1
		if i > 0 && out[i].Total == out[i-1].Total {
			out[i].Rank = out[i-1].Rank
		}
	}
	return out, nil
}
