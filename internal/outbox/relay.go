// Package outbox drains persisted trade events to a broker. Delivery is
// at-least-once: a row is marked PROCESSED only after the publisher accepts it.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"tradesim/internal/game"
	"tradesim/internal/metrics"
	"tradesim/internal/store"
)

const (
	DefaultDispatchEvery = 5 * time.Second
	DefaultRetryEvery    = 30 * time.Second
	DefaultBatchSize     = 100
	DefaultMaxRetries    = 5
)

// Publisher hands one event to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

type Options struct {
	Store         store.Outbox
	Publisher     Publisher
	DispatchEvery time.Duration
	RetryEvery    time.Duration
	BatchSize     int
	MaxRetries    int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

type Relay struct {
	store      store.Outbox
	pub        Publisher
	dispatch   time.Duration
	retry      time.Duration
	batch      int
	maxRetries int
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time

	dispatching atomic.Bool
	retrying    atomic.Bool
}

// SweepReport counts the outcome of one sweep.
type SweepReport struct {
	Published  int  `json:"published"`
	Failed     int  `json:"failed"`
	DeadLetter int  `json:"dead_lettered"`
	Skipped    bool `json:"skipped"`
}

func NewRelay(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.DispatchEvery <= 0 {
		opts.DispatchEvery = DefaultDispatchEvery
	}
	if opts.RetryEvery <= 0 {
		opts.RetryEvery = DefaultRetryEvery
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Relay{
		store:      opts.Store,
		pub:        opts.Publisher,
		dispatch:   opts.DispatchEvery,
		retry:      opts.RetryEvery,
		batch:      opts.BatchSize,
		maxRetries: opts.MaxRetries,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		now:        opts.Now,
	}
}

func (r *Relay) MaxRetries() int { return r.maxRetries }

// DispatchOnce publishes PENDING rows oldest first. A failed publish moves
// the row to FAILED without touching its retry count.
func (r *Relay) DispatchOnce(ctx context.Context) (SweepReport, error) {
	if !r.dispatching.CompareAndSwap(false, true) {
		return SweepReport{Skipped: true}, nil
	}
	defer r.dispatching.Store(false)

	msgs, err := r.store.FetchPending(ctx, r.batch)
	if err != nil {
		return SweepReport{}, err
	}
	var rep SweepReport
	for _, m := range msgs {
		if err := r.publish(ctx, m); err != nil {
			r.log.Error("outbox publish failed", "id", m.ID, "event", m.EventType, "err", err)
			if err := r.store.MarkFailed(ctx, m.ID, err.Error(), false); err != nil {
				r.log.Error("outbox mark failed", "id", m.ID, "err", err)
			}
			rep.Failed++
			r.metrics.RelayResult("dispatch", "failed")
			continue
		}
		rep.Published++
		r.metrics.RelayResult("dispatch", "published")
	}
	return rep, nil
}

// RetryOnce republishes FAILED rows below the retry ceiling. Every failure
// counts one retry; rows that reach the ceiling are parked as dead letters.
func (r *Relay) RetryOnce(ctx context.Context) (SweepReport, error) {
	if !r.retrying.CompareAndSwap(false, true) {
		return SweepReport{Skipped: true}, nil
	}
	defer r.retrying.Store(false)

	msgs, err := r.store.FetchRetryable(ctx, r.maxRetries, r.batch)
	if err != nil {
		return SweepReport{}, err
	}
	var rep SweepReport
	for _, m := range msgs {
		if err := r.publish(ctx, m); err != nil {
			if err := r.store.MarkFailed(ctx, m.ID, err.Error(), true); err != nil {
				r.log.Error("outbox mark failed", "id", m.ID, "err", err)
				continue
			}
			rep.Failed++
			r.metrics.RelayResult("retry", "failed")
			if m.RetryCount+1 >= r.maxRetries {
				rep.DeadLetter++
				r.metrics.DeadLetter()
				r.log.Warn("outbox message parked", "id", m.ID, "event", m.EventType, "retries", m.RetryCount+1, "err", err)
			}
			continue
		}
		rep.Published++
		r.metrics.RelayResult("retry", "published")
	}
	return rep, nil
}

func (r *Relay) publish(ctx context.Context, m game.OutboxMessage) error {
	if err := r.pub.Publish(ctx, m.Topic, eventKey(m), m.Payload); err != nil {
		return err
	}
	if err := r.store.MarkProcessed(ctx, m.ID, r.now()); err != nil {
		// The broker already has it; the next sweep publishes it again.
		r.log.Error("outbox mark processed failed", "id", m.ID, "err", err)
		return nil
	}
	return nil
}

// eventKey keeps a session's events on one partition.
func eventKey(m game.OutboxMessage) string {
	var head struct {
		StockID string `json:"stock_id"`
	}
	if err := json.Unmarshal(m.Payload, &head); err != nil || head.StockID == "" {
		return m.ID
	}
	return head.StockID
}

func (r *Relay) DeadLetters(ctx context.Context, limit int) ([]game.OutboxMessage, error) {
	if limit <= 0 {
		limit = r.batch
	}
	return r.store.DeadLetters(ctx, r.maxRetries, limit)
}

// Requeue resets a parked row to PENDING with a zero retry count.
func (r *Relay) Requeue(ctx context.Context, id string) error {
	if err := r.store.Requeue(ctx, id); err != nil {
		return err
	}
	r.log.Info("outbox message requeued", "id", id)
	return nil
}

// Run drives both sweeps until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	dispatch := time.NewTicker(r.dispatch)
	defer dispatch.Stop()
	retry := time.NewTicker(r.retry)
	defer retry.Stop()

	r.log.Info("outbox relay started", "dispatch_every", r.dispatch.String(), "retry_every", r.retry.String(), "max_retries", r.maxRetries)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay shutdown")
			return
		case <-dispatch.C:
			go r.sweep(ctx, "dispatch", r.DispatchOnce)
		case <-retry.C:
			go r.sweep(ctx, "retry", r.RetryOnce)
		}
	}
}

func (r *Relay) sweep(ctx context.Context, kind string, fn func(context.Context) (SweepReport, error)) {
	rep, err := fn(ctx)
	if err != nil {
		r.log.Error("outbox sweep failed", "sweep", kind, "err", err)
		return
	}
	if rep.Published > 0 || rep.Failed > 0 {
		r.log.Info("outbox sweep complete", "sweep", kind, "published", rep.Published, "failed", rep.Failed, "dead_lettered", rep.DeadLetter)
	}
}
