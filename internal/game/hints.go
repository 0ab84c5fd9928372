package game

import (
	"math/rand"
	"sort"
)

const (
	poolRising  = 0
	poolFalling = 1
)

type hintKey struct {
	company string
	tick    int
}

type hintCandidate struct {
	hintKey
	delta int64
}

type hintPool struct {
	original  []hintCandidate
	remaining []hintCandidate
}

func newHintPool(c []hintCandidate) *hintPool {
	return &hintPool{original: c, remaining: append([]hintCandidate(nil), c...)}
}

func (p *hintPool) refill() {
	p.remaining = append(p.remaining[:0], p.original...)
}

// take pops the smallest move the player does not already hold, refilling
// the pool once if it has run dry.
func (p *hintPool) take(held map[hintKey]bool) (hintCandidate, bool) {
	if len(p.original) == 0 {
		return hintCandidate{}, false
	}
	refilled := false
	if len(p.remaining) == 0 {
		p.refill()
		refilled = true
	}
	for {
		for i, c := range p.remaining {
			if held[c.hintKey] {
				continue
			}
			p.remaining = append(p.remaining[:i], p.remaining[i+1:]...)
			return c, true
		}
		if refilled {
			return hintCandidate{}, false
		}
		p.refill()
		refilled = true
	}
}

// HintCountPerPlayer is clamp(floor(90/players), 1, 3) * 2 capped at maxHints.
func HintCountPerPlayer(players, maxHints int) int {
	if players <= 0 {
		return 0
	}
	n := 90 / players
	if n < 1 {
		n = 1
	}
	if n > 3 {
		n = 3
	}
	n *= 2
	if maxHints > 0 && n > maxHints {
		n = maxHints
	}
	return n
}

func hintCandidates(companies map[string][]PricePoint) (rising, falling []hintCandidate) {
	for name, series := range companies {
		for t := 1; t < len(series); t++ {
			d := series[t].Price - series[t-1].Price
			switch {
			case d > 0:
				rising = append(rising, hintCandidate{hintKey{name, t}, d})
			case d < 0:
				falling = append(falling, hintCandidate{hintKey{name, t}, d})
			}
		}
	}
	sortCandidates(rising)
	sortCandidates(falling)
	return rising, falling
}

func sortCandidates(c []hintCandidate) {
	sort.Slice(c, func(i, j int) bool {
		di, dj := abs64(c[i].delta), abs64(c[j].delta)
		if di != dj {
			return di < dj
		}
		if c[i].company != c[j].company {
			return c[i].company < c[j].company
		}
		return c[i].tick < c[j].tick
	})
}

// AllocateHints writes hint holders into companies. Players receive hints
// round-robin in one shuffled order, each kept balanced between rising and
// falling moves, smallest moves first.
func AllocateHints(rng *rand.Rand, companies map[string][]PricePoint, players []string, maxHints int) {
	per := HintCountPerPlayer(len(players), maxHints)
	if per == 0 {
		return
	}
	rising, falling := hintCandidates(companies)
	pools := [2]*hintPool{newHintPool(rising), newHintPool(falling)}

	order := append([]string(nil), players...)
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	counts := make(map[string]*[2]int, len(order))
	held := make(map[string]map[hintKey]bool, len(order))
	for _, p := range order {
		counts[p] = &[2]int{}
		held[p] = make(map[hintKey]bool)
	}

	for r := 0; r < per; r++ {
		for _, p := range order {
			c, pool, ok := pickHint(pools, counts[p], held[p])
			if !ok {
				continue
			}
			counts[p][pool]++
			held[p][c.hintKey] = true
			pt := &companies[c.company][c.tick]
			pt.HintHolders = append(pt.HintHolders, p)
		}
	}
}

func pickHint(pools [2]*hintPool, count *[2]int, held map[hintKey]bool) (hintCandidate, int, bool) {
	pref := poolRising
	switch {
	case count[poolRising] > count[poolFalling]:
		pref = poolFalling
	case count[poolRising] == count[poolFalling]:
		if len(pools[poolFalling].remaining) > len(pools[poolRising].remaining) {
			pref = poolFalling
		}
	}
	for _, idx := range []int{pref, 1 - pref} {
		if c, ok := pools[idx].take(held); ok {
			return c, idx, true
		}
	}
	return hintCandidate{}, 0, false
}

// UndisclosedHints lists future (company, tick) pairs userID holds no hint for.
func UndisclosedHints(companies map[string][]PricePoint, userID string, currentTick int) []HintRef {
	var out []HintRef
	for name, series := range companies {
		for t := currentTick + 1; t < len(series); t++ {
			if !series[t].HasHint(userID) {
				out = append(out, HintRef{Company: name, Tick: t})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Company != out[j].Company {
			return out[i].Company < out[j].Company
		}
		return out[i].Tick < out[j].Tick
	})
	return out
}

type HintRef struct {
	Company string `json:"company"`
	Tick    int    `json:"tick"`
}
