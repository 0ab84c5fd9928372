package game

import "time"

// ViewFor is the session as one player may see it: prices up to the current
// tick plus the ticks the player holds a hint for. Other players' hints are
// removed. Once the round is in RESULT the whole series is revealed.
func (s Stock) ViewFor(userID string, now time.Time) Stock {
	out := s.Clone()
	tick := s.Tick(now)
	for _, series := range out.Companies {
		for i := range series {
			holds := series[i].HasHint(userID)
			series[i].HintHolders = nil
			if holds {
				series[i].HintHolders = []string{userID}
			}
			if s.Phase != PhaseResult && i > tick && !holds {
				series[i].Price = 0
			}
		}
	}
	return out
}
