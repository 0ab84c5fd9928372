// Package engine runs game sessions: market generation, order processing,
// settlement, loans and the paid hint draw. Market state and player state
// live in separate stores; the engine sequences writes across them and
// compensates when the second write fails.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradesim/internal/game"
	"tradesim/internal/metrics"
	"tradesim/internal/store"
)

var (
	ErrOrderInFlight      = errors.New("an order with this delivery id is still being processed")
	ErrOrderRejected      = errors.New("order was rejected")
	ErrDeliveryIDRequired = errors.New("delivery id is required")
	ErrDeliveryIDReused   = errors.New("delivery id was already used for a different order")
	ErrReconcileRequired  = errors.New("market and player state diverged, reconcile the session")
	ErrRoundInProgress    = errors.New("trading is open, settle the round first")
	ErrRankingHidden      = errors.New("ranking is not visible yet")
	ErrInvalidPatch       = errors.New("invalid session patch")
)

// Ranker orders players for the introduction round. When it fails or is
// absent the engine seats players by AlternatingGenderOrder.
type Ranker interface {
	Rank(ctx context.Context, players []game.StockUser) ([]string, error)
}

type Topics struct {
	Purchased string
	Sold      string
	InfoDrawn string
}

func DefaultTopics() Topics {
	return Topics{
		Purchased: "tradesim.purchased",
		Sold:      "tradesim.sold",
		InfoDrawn: "tradesim.info-drawn",
	}
}

func (t Topics) For(ev game.EventType) string {
	switch ev {
	case game.EventPurchased:
		return t.Purchased
	case game.EventSold:
		return t.Sold
	default:
		return t.InfoDrawn
	}
}

type Options struct {
	Stocks  store.StockStore
	Users   store.UserStore
	Logs    store.TradeLog
	Rules   game.Rules
	Topics  Topics
	Ranker  Ranker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
	Seed    int64
}

type Engine struct {
	stocks  store.StockStore
	users   store.UserStore
	logs    store.TradeLog
	rules   game.Rules
	topics  Topics
	ranker  Ranker
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	rand *rand.Rand

	barriers *barriers
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Topics == (Topics{}) {
		opts.Topics = DefaultTopics()
	}
	if len(opts.Rules.Companies) == 0 {
		opts.Rules = game.DefaultRules()
	}
	return &Engine{
		stocks:   opts.Stocks,
		users:    opts.Users,
		logs:     opts.Logs,
		rules:    opts.Rules,
		topics:   opts.Topics,
		ranker:   opts.Ranker,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		now:      opts.Now,
		rand:     rand.New(rand.NewSource(opts.Seed)),
		barriers: newBarriers(),
	}
}

func (e *Engine) Rules() game.Rules {
	return e.rules
}

// Now reports the engine clock that ticks and trade windows are measured on.
func (e *Engine) Now() time.Time {
	return e.now().UTC()
}

func (e *Engine) withRand(fn func(*rand.Rand)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.rand)
}

func (e *Engine) loadStock(ctx context.Context, id string) (game.Stock, error) {
	st, err := e.stocks.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return st, game.ErrSessionNotFound
	}
	return st, err
}

func (e *Engine) loadUser(ctx context.Context, stockID, userID string) (game.StockUser, error) {
	u, err := e.users.Get(ctx, stockID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return u, game.ErrPlayerNotFound
	}
	return u, err
}

func (e *Engine) newEvent(ev game.EventType, payload game.TradeEvent) (game.OutboxMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return game.OutboxMessage{}, err
	}
	return game.OutboxMessage{
		ID:        payload.EventID,
		EventType: ev,
		Payload:   raw,
		Topic:     e.topics.For(ev),
		Status:    game.OutboxPending,
		CreatedAt: payload.At,
	}, nil
}

func newEventID() string {
	return uuid.NewString()
}

// rejections are business outcomes recorded as FAILED in the trade log.
var rejections = []error{
	game.ErrSessionNotFound,
	game.ErrStaleRound,
	game.ErrMarketClosed,
	game.ErrPlayerNotFound,
	game.ErrCompanyNotFound,
	game.ErrFloatExhausted,
	game.ErrStaleQuote,
	game.ErrInsufficientFunds,
	game.ErrHoldingLimit,
	game.ErrInsufficientShares,
	game.ErrInvalidAmount,
	game.ErrInvalidAction,
	game.ErrLoanNotEligible,
	game.ErrNoHintAvailable,
}

func isRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

// IsFinal reports whether err is a settled outcome for a delivery, so
// redelivering it cannot change anything.
func IsFinal(err error) bool {
	return isRejection(err) ||
		errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrDeliveryIDRequired) ||
		errors.Is(err, ErrDeliveryIDReused) ||
		errors.Is(err, ErrReconcileRequired)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
