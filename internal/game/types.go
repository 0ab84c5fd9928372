package game

import (
	"encoding/json"
	"time"
)

type Phase string

const (
	PhaseCrowding    Phase = "CROWDING"
	PhaseWaiting     Phase = "WAITING"
	PhaseIntroInput  Phase = "INTRO_INPUT"
	PhaseIntroResult Phase = "INTRO_RESULT"
	PhasePlaying     Phase = "PLAYING"
	PhaseResult      Phase = "RESULT"
)

type Action string

const (
	ActionBuy        Action = "BUY"
	ActionSell       Action = "SELL"
	ActionDrawInfo   Action = "DRAW_INFO"
	ActionLoan       Action = "LOAN"
	ActionLoanSettle Action = "LOAN_SETTLE"
)

type PricePoint struct {
	Price       int64    `json:"price"`
	HintHolders []string `json:"hint_holders"`
}

func (p PricePoint) HasHint(userID string) bool {
	for _, h := range p.HintHolders {
		if h == userID {
			return true
		}
	}
	return false
}

// Stock is the market state of one game session.
type Stock struct {
	ID                   string                  `json:"id"`
	Phase                Phase                   `json:"phase"`
	StartedTime          time.Time               `json:"started_time"`
	Round                int                     `json:"round"`
	FluctuationsInterval int                     `json:"fluctuations_interval"`
	TransactionInterval  int                     `json:"transaction_interval"`
	IsTransaction        bool                    `json:"is_transaction"`
	IsVisibleRank        bool                    `json:"is_visible_rank"`
	InitialMoney         int64                   `json:"initial_money"`
	Companies            map[string][]PricePoint `json:"companies"`
	RemainingStocks      map[string]int64        `json:"remaining_stocks"`
	InitialStocks        map[string]int64        `json:"initial_stocks"`
	IntroOrder           []string                `json:"intro_order,omitempty"`
	CreatedAt            time.Time               `json:"created_at"`
	UpdatedAt            time.Time               `json:"updated_at"`
}

func (s Stock) Tick(now time.Time) int {
	return CurrentTick(s.StartedTime, now, s.FluctuationsInterval)
}

func (s Stock) PriceAt(company string, tick int) (int64, bool) {
	series, ok := s.Companies[company]
	if !ok || tick < 0 || tick >= len(series) {
		return 0, false
	}
	return series[tick].Price, true
}

// Clone deep-copies the maps so callers can mutate the result freely.
func (s Stock) Clone() Stock {
	out := s
	out.Companies = make(map[string][]PricePoint, len(s.Companies))
	for name, series := range s.Companies {
		cp := make([]PricePoint, len(series))
		for i, p := range series {
			cp[i] = PricePoint{Price: p.Price, HintHolders: append([]string(nil), p.HintHolders...)}
		}
		out.Companies[name] = cp
	}
	out.RemainingStocks = cloneCounts(s.RemainingStocks)
	out.InitialStocks = cloneCounts(s.InitialStocks)
	out.IntroOrder = append([]string(nil), s.IntroOrder...)
	return out
}

func cloneCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// StockPatch enumerates the session fields a caller may overwrite.
type StockPatch struct {
	Round                *int       `json:"round,omitempty"`
	FluctuationsInterval *int       `json:"fluctuations_interval,omitempty"`
	TransactionInterval  *int       `json:"transaction_interval,omitempty"`
	IsTransaction        *bool      `json:"is_transaction,omitempty"`
	IsVisibleRank        *bool      `json:"is_visible_rank,omitempty"`
	StartedTime          *time.Time `json:"started_time,omitempty"`
}

func (p StockPatch) Apply(s *Stock) {
	if p.Round != nil {
		s.Round = *p.Round
	}
	if p.FluctuationsInterval != nil {
		s.FluctuationsInterval = *p.FluctuationsInterval
	}
	if p.TransactionInterval != nil {
		s.TransactionInterval = *p.TransactionInterval
	}
	if p.IsTransaction != nil {
		s.IsTransaction = *p.IsTransaction
	}
	if p.IsVisibleRank != nil {
		s.IsVisibleRank = *p.IsVisibleRank
	}
	if p.StartedTime != nil {
		s.StartedTime = *p.StartedTime
	}
}

type UserInfo struct {
	Nickname     string  `json:"nickname"`
	Gender       string  `json:"gender"`
	Introduction *string `json:"introduction,omitempty"`
}

type StockStorage struct {
	CompanyName       string           `json:"company_name"`
	StockCountCurrent int64            `json:"stock_count_current"`
	StockCountHistory [TickCount]int64 `json:"stock_count_history"`
}

// StockUser is one player's state inside a session.
type StockUser struct {
	StockID          string         `json:"stock_id"`
	UserID           string         `json:"user_id"`
	UserInfo         UserInfo       `json:"user_info"`
	Money            int64          `json:"money"`
	LoanCount        int            `json:"loan_count"`
	LastActivityTime time.Time      `json:"last_activity_time"`
	StockStorages    []StockStorage `json:"stock_storages"`
	ResultByRound    []*int64       `json:"result_by_round"`
}

func (u StockUser) Holding(company string) int64 {
	for _, s := range u.StockStorages {
		if s.CompanyName == company {
			return s.StockCountCurrent
		}
	}
	return 0
}

// ApplyDelta records a share movement at tick and recomputes the running count.
func (u *StockUser) ApplyDelta(company string, tick int, delta int64) {
	idx := -1
	for i := range u.StockStorages {
		if u.StockStorages[i].CompanyName == company {
			idx = i
			break
		}
	}
	if idx < 0 {
		u.StockStorages = append(u.StockStorages, StockStorage{CompanyName: company})
		idx = len(u.StockStorages) - 1
	}
	st := &u.StockStorages[idx]
	st.StockCountHistory[tick] += delta
	var sum int64
	for t := 0; t <= tick; t++ {
		sum += st.StockCountHistory[t]
	}
	st.StockCountCurrent = sum
}

// SetResult stores the round score, padding skipped rounds with null.
func (u *StockUser) SetResult(round int, value int64) {
	if round < 0 {
		return
	}
	for len(u.ResultByRound) <= round {
		u.ResultByRound = append(u.ResultByRound, nil)
	}
	v := value
	u.ResultByRound[round] = &v
}

// HoldingsValue prices every open position at tick.
func (u StockUser) HoldingsValue(stock Stock, tick int) int64 {
	var total int64
	for _, s := range u.StockStorages {
		price, ok := stock.PriceAt(s.CompanyName, tick)
		if !ok {
			continue
		}
		total += s.StockCountCurrent * price
	}
	return total
}

func (u StockUser) Clone() StockUser {
	out := u
	out.StockStorages = append([]StockStorage(nil), u.StockStorages...)
	out.ResultByRound = make([]*int64, len(u.ResultByRound))
	for i, r := range u.ResultByRound {
		if r != nil {
			v := *r
			out.ResultByRound[i] = &v
		}
	}
	if u.UserInfo.Introduction != nil {
		intro := *u.UserInfo.Introduction
		out.UserInfo.Introduction = &intro
	}
	return out
}

type TradeStatus string

const (
	TradeQueuing TradeStatus = "QUEUING"
	TradeSuccess TradeStatus = "SUCCESS"
	TradeFailed  TradeStatus = "FAILED"
	TradeCancel  TradeStatus = "CANCEL"
)

// TradeLogEntry is the idempotency record of one delivery.
type TradeLogEntry struct {
	QueueID      string      `json:"queue_id"`
	StockID      string      `json:"stock_id"`
	UserID       string      `json:"user_id"`
	Round        int         `json:"round"`
	Action       Action      `json:"action"`
	Company      string      `json:"company"`
	Price        int64       `json:"price"`
	Quantity     int64       `json:"quantity"`
	Date         time.Time   `json:"date"`
	Status       TradeStatus `json:"status"`
	FailedReason string      `json:"failed_reason,omitempty"`
}

type EventType string

const (
	EventPurchased EventType = "PURCHASED"
	EventSold      EventType = "SOLD"
	EventInfoDrawn EventType = "INFO_DRAWN"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxProcessed OutboxStatus = "PROCESSED"
	OutboxFailed    OutboxStatus = "FAILED"
)

type OutboxMessage struct {
	ID           string          `json:"id"`
	EventType    EventType       `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Topic        string          `json:"topic"`
	Status       OutboxStatus    `json:"status"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TradeEvent is the payload of PURCHASED, SOLD and INFO_DRAWN messages.
type TradeEvent struct {
	EventID   string    `json:"event_id"`
	StockID   string    `json:"stock_id"`
	UserID    string    `json:"user_id"`
	Round     int       `json:"round"`
	Tick      int       `json:"tick"`
	Company   string    `json:"company"`
	Amount    int64     `json:"amount"`
	UnitPrice int64     `json:"unit_price"`
	At        time.Time `json:"at"`
}
