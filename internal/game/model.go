package game

import (
	"errors"
	"strings"
	"time"
)

const (
	// TickCount is the number of price slots in one round.
	TickCount = 10

	DefaultInitialMoney         = int64(1_000_000)
	DefaultBasePrice            = int64(100_000)
	DefaultPriceIncrement       = int64(100)
	DefaultMaxHints             = 6
	DefaultMaxFloat             = int64(100)
	DefaultLoanPrice            = int64(1_000_000)
	DefaultLoanSettlementPrice  = int64(2_000_000)
	DefaultBoundaryLoanPrice    = int64(1_000_000)
	DefaultDrawInfoPrice        = int64(50_000)
	DefaultFluctuationsInterval = 1
	DefaultTransactionInterval  = 2
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrStaleRound          = errors.New("round has changed, resubmit the order")
	ErrMarketClosed        = errors.New("trading is closed")
	ErrPlayerNotFound      = errors.New("player not found")
	ErrCompanyNotFound     = errors.New("company not found")
	ErrFloatExhausted      = errors.New("not enough shares left in the market")
	ErrStaleQuote          = errors.New("price has changed, resubmit the order")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrHoldingLimit        = errors.New("holding limit exceeded")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrInvalidAmount       = errors.New("amount must be > 0")
	ErrInvalidAction       = errors.New("action must be BUY or SELL")
	ErrLoanNotEligible     = errors.New("loan not available: cash and holdings above boundary")
	ErrInvalidTransition   = errors.New("invalid phase transition")
	ErrNoHintAvailable     = errors.New("no undisclosed hint left")
	ErrInvalidSeries       = errors.New("custom series must have 10 positive prices")
	ErrPlayerAlreadyExists = errors.New("player already registered")
)

// CurrentTick maps wall-clock time to the price slot in effect.
func CurrentTick(started, now time.Time, intervalMinutes int) int {
	if started.IsZero() || now.Before(started) {
		return 0
	}
	if intervalMinutes <= 0 {
		intervalMinutes = 1
	}
	tick := int(now.Sub(started) / (time.Duration(intervalMinutes) * time.Minute))
	if tick > TickCount-1 {
		return TickCount - 1
	}
	return tick
}

// HoldingLimit caps how many shares of one company a single player may hold.
// One player gets the whole float; otherwise twice the fair share.
func HoldingLimit(playerCount int, initialFloat int64) int64 {
	if initialFloat <= 0 {
		return 0
	}
	if playerCount <= 1 {
		return initialFloat
	}
	limit := 2 * initialFloat / int64(playerCount)
	if limit < 1 {
		return 1
	}
	if limit > initialFloat {
		return initialFloat
	}
	return limit
}

func IsStockOverLimit(playerCount int, holding, amount, initialFloat int64) bool {
	return holding+amount > HoldingLimit(playerCount, initialFloat)
}

func normalizeGender(g string) string {
	g = strings.ToUpper(strings.TrimSpace(g))
	if g == "" {
		return ""
	}
	switch g[0] {
	case 'M':
		return "M"
	case 'F', 'W':
		return "F"
	default:
		return "X"
	}
}
