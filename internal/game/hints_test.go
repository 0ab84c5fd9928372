package game

import (
	"fmt"
	"math/rand"
	"testing"

	"pgregory.net/rapid"
)

func TestHintCountPerPlayer(t *testing.T) {
	tests := []struct {
		players, max, want int
	}{
		{players: 1, max: 10, want: 6},
		{players: 30, max: 10, want: 6},
		{players: 31, max: 10, want: 4},
		{players: 45, max: 10, want: 4},
		{players: 46, max: 10, want: 2},
		{players: 200, max: 10, want: 2},
		{players: 5, max: 4, want: 4},
		{players: 0, max: 4, want: 0},
	}
	for _, tc := range tests {
		if got := HintCountPerPlayer(tc.players, tc.max); got != tc.want {
			t.Fatalf("players=%d max=%d got=%d want=%d", tc.players, tc.max, got, tc.want)
		}
	}
}

// zigzag builds a series that alternates direction so both pools are populated.
func zigzag(start int64, steps []int64) []PricePoint {
	series := make([]PricePoint, TickCount)
	series[0].Price = start
	for t := 1; t < TickCount; t++ {
		d := steps[t-1]
		if t%2 == 0 {
			d = -d
		}
		series[t].Price = series[t-1].Price + d
	}
	return series
}

func countHints(companies map[string][]PricePoint) map[string][2]int {
	out := make(map[string][2]int)
	for _, series := range companies {
		for t := 1; t < len(series); t++ {
			d := series[t].Price - series[t-1].Price
			for _, h := range series[t].HintHolders {
				c := out[h]
				if d > 0 {
					c[poolRising]++
				} else {
					c[poolFalling]++
				}
				out[h] = c
			}
		}
	}
	return out
}

func TestAllocateHintsBalancedAndComplete(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nCompanies := rapid.IntRange(3, 8).Draw(t, "companies")
		nPlayers := rapid.IntRange(1, 60).Draw(t, "players")
		maxHints := rapid.IntRange(1, 8).Draw(t, "maxHints")
		seed := rapid.Int64().Draw(t, "seed")

		companies := make(map[string][]PricePoint, nCompanies)
		for i := 0; i < nCompanies; i++ {
			steps := rapid.SliceOfN(rapid.Int64Range(1, 500), TickCount-1, TickCount-1).Draw(t, fmt.Sprintf("steps%d", i))
			companies[fmt.Sprintf("C%d", i)] = zigzag(10_000, steps)
		}
		players := make([]string, nPlayers)
		for i := range players {
			players[i] = fmt.Sprintf("p%d", i)
		}

		AllocateHints(rand.New(rand.NewSource(seed)), companies, players, maxHints)

		want := HintCountPerPlayer(nPlayers, maxHints)
		counts := countHints(companies)
		for _, p := range players {
			c := counts[p]
			if c[0]+c[1] != want {
				t.Fatalf("player %s got %d hints, want %d", p, c[0]+c[1], want)
			}
			diff := c[0] - c[1]
			if diff < -1 || diff > 1 {
				t.Fatalf("player %s unbalanced: rising=%d falling=%d", p, c[0], c[1])
			}
		}
	})
}

func TestAllocateHintsSmallestMovesFirst(t *testing.T) {
	companies := map[string][]PricePoint{
		"ACME": zigzag(10_000, []int64{10, 900, 20, 800, 30, 700, 40, 600, 50}),
	}
	AllocateHints(rand.New(rand.NewSource(3)), companies, []string{"solo"}, 2)
	var got []int
	for t := 1; t < TickCount; t++ {
		if companies["ACME"][t].HasHint("solo") {
			got = append(got, t)
		}
	}
	// rising moves at odd ticks (10 smallest at t=1), falling at even ticks
	// (600 smallest at t=8).
	if len(got) != 2 || got[0] != 1 || got[1] != 8 {
		t.Fatalf("hint ticks=%v want [1 8]", got)
	}
}

func TestAllocateHintsWithoutMovesIsNoop(t *testing.T) {
	flat := make([]PricePoint, TickCount)
	for i := range flat {
		flat[i].Price = 500
	}
	companies := map[string][]PricePoint{"FLAT": flat}
	AllocateHints(rand.New(rand.NewSource(1)), companies, []string{"a", "b"}, 6)
	for _, p := range companies["FLAT"] {
		if len(p.HintHolders) != 0 {
			t.Fatalf("flat series should carry no hints")
		}
	}
}

func TestUndisclosedHints(t *testing.T) {
	companies := map[string][]PricePoint{
		"ACME": make([]PricePoint, TickCount),
	}
	companies["ACME"][5].HintHolders = []string{"u1"}
	refs := UndisclosedHints(companies, "u1", 3)
	// ticks 4..9 minus tick 5
	if len(refs) != 5 {
		t.Fatalf("refs=%v", refs)
	}
	for _, r := range refs {
		if r.Tick <= 3 || r.Tick == 5 {
			t.Fatalf("unexpected ref %+v", r)
		}
	}
}

func TestAlternatingGenderOrder(t *testing.T) {
	players := []StockUser{
		{UserID: "1", UserInfo: UserInfo{Nickname: "dana", Gender: "F"}},
		{UserID: "2", UserInfo: UserInfo{Nickname: "ben", Gender: "male"}},
		{UserID: "3", UserInfo: UserInfo{Nickname: "ada", Gender: "female"}},
		{UserID: "4", UserInfo: UserInfo{Nickname: "cy", Gender: "F"}},
		{UserID: "5", UserInfo: UserInfo{Nickname: "eli", Gender: ""}},
		{UserID: "6", UserInfo: UserInfo{Nickname: "al", Gender: "M"}},
	}
	got := AlternatingGenderOrder(players)
	want := []string{"3", "6", "4", "2", "1", "5"}
	if len(got) != len(want) {
		t.Fatalf("got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got=%v want=%v", got, want)
		}
	}
}
