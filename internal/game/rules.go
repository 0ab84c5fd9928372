package game

import (
	"errors"
	"fmt"
)

// Rules are the tunable economics of a session. Every session created by an
// engine shares one Rules value.
type Rules struct {
	Companies            []string `yaml:"companies"`
	InitialMoney         int64    `yaml:"initial_money"`
	BasePrice            int64    `yaml:"base_price"`
	PriceIncrement       int64    `yaml:"price_increment"`
	MaxHints             int      `yaml:"max_hints"`
	MaxFloat             int64    `yaml:"max_float"`
	LoanPrice            int64    `yaml:"loan_price"`
	LoanSettlementPrice  int64    `yaml:"loan_settlement_price"`
	BoundaryLoanPrice    int64    `yaml:"boundary_loan_price"`
	DrawInfoPrice        int64    `yaml:"draw_info_price"`
	FluctuationsInterval int      `yaml:"fluctuations_interval"`
	TransactionInterval  int      `yaml:"transaction_interval"`
	EnforceHoldingLimit  bool     `yaml:"enforce_holding_limit"`
}

var DefaultCompanies = []string{
	"Apex Robotics",
	"Blue Harbor Foods",
	"Cedar Energy",
	"Delta Biotech",
	"Echo Media",
	"Fjord Shipping",
}

func DefaultRules() Rules {
	return Rules{
		Companies:            append([]string(nil), DefaultCompanies...),
		InitialMoney:         DefaultInitialMoney,
		BasePrice:            DefaultBasePrice,
		PriceIncrement:       DefaultPriceIncrement,
		MaxHints:             DefaultMaxHints,
		MaxFloat:             DefaultMaxFloat,
		LoanPrice:            DefaultLoanPrice,
		LoanSettlementPrice:  DefaultLoanSettlementPrice,
		BoundaryLoanPrice:    DefaultBoundaryLoanPrice,
		DrawInfoPrice:        DefaultDrawInfoPrice,
		FluctuationsInterval: DefaultFluctuationsInterval,
		TransactionInterval:  DefaultTransactionInterval,
		EnforceHoldingLimit:  true,
	}
}

func (r Rules) Validate() error {
	if len(r.Companies) == 0 {
		return errors.New("rules: at least one company is required")
	}
	seen := make(map[string]bool, len(r.Companies))
	for _, c := range r.Companies {
		if c == "" {
			return errors.New("rules: company name must not be empty")
		}
		if seen[c] {
			return fmt.Errorf("rules: duplicate company %q", c)
		}
		seen[c] = true
	}
	switch {
	case r.InitialMoney <= 0:
		return errors.New("rules: initial_money must be > 0")
	case r.BasePrice <= 0:
		return errors.New("rules: base_price must be > 0")
	case r.PriceIncrement <= 0 || r.PriceIncrement > r.BasePrice:
		return errors.New("rules: price_increment must be in (0, base_price]")
	case r.BasePrice%r.PriceIncrement != 0:
		return errors.New("rules: base_price must be a multiple of price_increment")
	case r.MaxHints < 0:
		return errors.New("rules: max_hints must be >= 0")
	case r.MaxFloat <= 0:
		return errors.New("rules: max_float must be > 0")
	case r.LoanPrice < 0 || r.LoanSettlementPrice < 0 || r.BoundaryLoanPrice < 0:
		return errors.New("rules: loan prices must be >= 0")
	case r.DrawInfoPrice < 0:
		return errors.New("rules: draw_info_price must be >= 0")
	case r.FluctuationsInterval <= 0:
		return errors.New("rules: fluctuations_interval must be > 0")
	case r.TransactionInterval < 0:
		return errors.New("rules: transaction_interval must be >= 0")
	}
	return nil
}
