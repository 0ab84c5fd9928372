package game

import "testing"

func flatStock(round int, company string, price int64) Stock {
	series := make([]PricePoint, TickCount)
	for i := range series {
		series[i] = PricePoint{Price: price}
	}
	return Stock{Round: round, Companies: map[string][]PricePoint{company: series}}
}

func TestLiquidateScoresRound(t *testing.T) {
	stock := flatStock(2, "ACME", 5000)
	u := StockUser{Money: 100000, LoanCount: 1}
	u.ApplyDelta("ACME", 3, 10)

	released := u.Liquidate(stock, 9, 2000000)

	want := int64(100000 + 10*5000 - 2000000)
	if u.Money != want {
		t.Fatalf("money=%d want %d", u.Money, want)
	}
	if u.LoanCount != 0 {
		t.Fatalf("loanCount=%d", u.LoanCount)
	}
	if u.Holding("ACME") != 0 {
		t.Fatalf("holding=%d", u.Holding("ACME"))
	}
	if released["ACME"] != 10 {
		t.Fatalf("released=%v", released)
	}
	if len(u.ResultByRound) != 3 || u.ResultByRound[0] != nil || u.ResultByRound[1] != nil {
		t.Fatalf("results=%v", u.ResultByRound)
	}
	if *u.ResultByRound[2] != want {
		t.Fatalf("result=%d want %d", *u.ResultByRound[2], want)
	}
	var sum int64
	for _, d := range u.StockStorages[0].StockCountHistory {
		sum += d
	}
	if sum != 0 {
		t.Fatalf("history does not net to zero: %v", u.StockStorages[0].StockCountHistory)
	}
}

func TestLoanEligible(t *testing.T) {
	stock := flatStock(1, "ACME", 15000)
	u := StockUser{Money: 900000}
	if !LoanEligible(u, stock, 0, 1000000) {
		t.Fatalf("expected eligible with 900000 cash and no holdings")
	}
	u.ApplyDelta("ACME", 0, 10)
	if LoanEligible(u, stock, 0, 1000000) {
		t.Fatalf("expected ineligible once holdings are worth 150000")
	}
	if LoanEligible(StockUser{Money: 1000000}, stock, 0, 1000000) {
		t.Fatalf("cash at the boundary must not be eligible")
	}
}

func TestRepayLoansMayGoNegative(t *testing.T) {
	u := StockUser{Money: 500, LoanCount: 2}
	if due := u.RepayLoans(1000); due != 2000 {
		t.Fatalf("due=%d", due)
	}
	if u.Money != -1500 || u.LoanCount != 0 {
		t.Fatalf("money=%d loans=%d", u.Money, u.LoanCount)
	}
}

func TestDirection(t *testing.T) {
	series := []PricePoint{{Price: 100}, {Price: 200}, {Price: 150}, {Price: 150}}
	cases := []struct {
		tick int
		want string
	}{
		{0, "FLAT"},
		{1, "RISING"},
		{2, "FALLING"},
		{3, "FLAT"},
		{9, "FLAT"},
	}
	for _, tc := range cases {
		if got := Direction(series, tc.tick); got != tc.want {
			t.Fatalf("tick %d: got %s want %s", tc.tick, got, tc.want)
		}
	}
}
