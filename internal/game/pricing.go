package game

import (
	"fmt"
	"math/rand"
	"sort"
)

type MarketInput struct {
	Companies      []string
	Custom         map[string][]int64
	BasePrice      int64
	PriceIncrement int64
	MaxHints       int
	MaxFloat       int64
	Players        []string
}

type Market struct {
	Companies       map[string][]PricePoint
	RemainingStocks map[string]int64
}

// GenerateMarket builds the 10-tick series for every company and hands out
// the price-direction hints to players.
func GenerateMarket(rng *rand.Rand, in MarketInput) (Market, error) {
	inc := in.PriceIncrement
	if inc <= 0 {
		inc = 1
	}
	base := roundToIncrement(in.BasePrice, inc)
	if base <= 0 {
		return Market{}, fmt.Errorf("base price must be > 0")
	}

	names := append([]string(nil), in.Companies...)
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	var extra []string
	for n := range in.Custom {
		if !seen[n] {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	names = append(names, extra...)
	if len(names) == 0 {
		return Market{}, fmt.Errorf("at least one company is required")
	}

	out := Market{
		Companies:       make(map[string][]PricePoint, len(names)),
		RemainingStocks: make(map[string]int64, len(names)),
	}
	for _, name := range names {
		var prices []int64
		if custom, ok := in.Custom[name]; ok {
			if err := validateSeries(custom); err != nil {
				return Market{}, fmt.Errorf("%s: %w", name, err)
			}
			prices = custom
		} else {
			prices = GenerateSeries(rng, base, inc)
		}
		series := make([]PricePoint, TickCount)
		for i, p := range prices {
			series[i] = PricePoint{Price: p}
		}
		out.Companies[name] = series
		out.RemainingStocks[name] = in.MaxFloat
	}

	AllocateHints(rng, out.Companies, in.Players, in.MaxHints)
	return out, nil
}

// GenerateSeries walks from base for TickCount prices, every one a positive
// multiple of inc.
func GenerateSeries(rng *rand.Rand, base, inc int64) []int64 {
	prices := make([]int64, TickCount)
	prices[0] = base
	for t := 1; t < TickCount; t++ {
		prices[t] = nextPrice(rng, prices[t-1], base, inc)
	}
	return prices
}

func nextPrice(rng *rand.Rand, prev, base, inc int64) int64 {
	a := signedDelta(rng, prev/2)
	b := signedDelta(rng, base/2)
	first, second := a, b
	if abs64(b) > abs64(a) {
		first, second = b, a
	}
	for _, d := range []int64{first, second} {
		if p := roundToIncrement(prev+d, inc); p > 0 {
			return p
		}
	}
	return inc
}

func signedDelta(rng *rand.Rand, bound int64) int64 {
	if bound <= 0 {
		return 0
	}
	return rng.Int63n(2*bound+1) - bound
}

func roundToIncrement(v, inc int64) int64 {
	if inc <= 1 {
		return v
	}
	half := inc / 2
	if v >= 0 {
		return ((v + half) / inc) * inc
	}
	return -(((-v + half) / inc) * inc)
}

func validateSeries(prices []int64) error {
	if len(prices) != TickCount {
		return ErrInvalidSeries
	}
	for _, p := range prices {
		if p <= 0 {
			return ErrInvalidSeries
		}
	}
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
