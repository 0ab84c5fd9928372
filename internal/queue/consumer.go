// Package queue consumes order messages from Kafka and feeds them to the
// engine with the broker's delivery id, so redeliveries replay instead of
// executing twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"tradesim/internal/engine"
	"tradesim/internal/metrics"
)

const deliveryHeader = "delivery-id"

// OrderMessage is the wire shape of one queued order.
type OrderMessage struct {
	Payload    engine.Order `json:"payload"`
	DeliveryID string       `json:"deliveryId,omitempty"`
}

// Outcome labels returned by Handle and counted in metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomeAbandoned = "abandoned"
)

// messageReader is the part of *kafka.Reader the run loop drives.
type messageReader interface {
	Config() kafka.ReaderConfig
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Trader is the slice of the engine the consumer needs.
type Trader interface {
	Trade(ctx context.Context, dc engine.DeliveryContext, o engine.Order) (engine.TradeResult, error)
}

type ConsumerOptions struct {
	Brokers     []string
	Topic       string
	GroupID     string
	MaxAttempts int
	Backoff     time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Consumer struct {
	reader      messageReader
	trader      Trader
	maxAttempts int
	backoff     time.Duration
	metrics     *metrics.Metrics
	log         *slog.Logger
}

func NewConsumer(trader Trader, opts ConsumerOptions) (*Consumer, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(opts.Topic) == "" {
		return nil, errors.New("order topic is required")
	}
	if opts.GroupID == "" {
		opts.GroupID = "tradesim-orders"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  opts.Brokers,
		Topic:    opts.Topic,
		GroupID:  opts.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  250 * time.Millisecond,
		Dialer: &kafka.Dialer{
			Timeout:   30 * time.Second,
			DualStack: true,
			KeepAlive: 30 * time.Second,
		},
	})
	return newConsumer(reader, trader, opts), nil
}

func newConsumer(reader messageReader, trader Trader, opts ConsumerOptions) *Consumer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	return &Consumer{
		reader:      reader,
		trader:      trader,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		metrics:     opts.Metrics,
		log:         opts.Logger,
	}
}

// Run fetches, handles and commits messages until ctx is cancelled. An
// abandoned order is left uncommitted and stops the loop with an error, so
// the group redelivers it to the next member that joins.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("order consumer started", "topic", c.reader.Config().Topic, "group", c.reader.Config().GroupID)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("order consumer shutdown")
				return nil
			}
			return fmt.Errorf("fetch order: %w", err)
		}
		outcome := c.Handle(ctx, msg)
		c.metrics.Consumed(outcome)
		if ctx.Err() != nil {
			return nil
		}
		if !shouldCommit(outcome) {
			return fmt.Errorf("order at %s/%d offset %d %s, offset not committed", msg.Topic, msg.Partition, msg.Offset, outcome)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit order offset failed", "offset", msg.Offset, "err", err)
		}
	}
}

// shouldCommit reports whether an outcome is final. Only orders the engine
// has answered, or that can never parse, move the offset.
func shouldCommit(outcome string) bool {
	switch outcome {
	case OutcomeProcessed, OutcomeRejected, OutcomeMalformed:
		return true
	default:
		return false
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Handle processes one message and returns its outcome label. Final outcomes
// are acknowledged; transient failures are retried with linear backoff.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) string {
	var om OrderMessage
	if err := json.Unmarshal(msg.Value, &om); err != nil {
		c.log.Warn("drop malformed order", "offset", msg.Offset, "err", err)
		return OutcomeMalformed
	}
	dc := engine.DeliveryContext{DeliveryID: DeliveryID(msg, om)}

	for attempt := 1; ; attempt++ {
		res, err := c.trader.Trade(ctx, dc, om.Payload)
		switch {
		case err == nil:
			c.log.Info("order processed", "delivery_id", dc.DeliveryID, "user_id", om.Payload.UserID, "action", om.Payload.Action, "replayed", res.Replayed)
			return OutcomeProcessed
		case engine.IsFinal(err):
			c.log.Info("order rejected", "delivery_id", dc.DeliveryID, "user_id", om.Payload.UserID, "reason", err.Error())
			return OutcomeRejected
		case attempt >= c.maxAttempts:
			c.log.Error("order abandoned after retries", "delivery_id", dc.DeliveryID, "attempts", attempt, "err", err)
			return OutcomeAbandoned
		}
		c.log.Warn("order failed, retrying", "delivery_id", dc.DeliveryID, "attempt", attempt, "err", err)
		if err := sleepWithContext(ctx, time.Duration(attempt)*c.backoff); err != nil {
			return OutcomeAbandoned
		}
	}
}

// DeliveryID prefers an explicit id from the producer, then the header, then
// the message coordinates, which are stable across redeliveries.
func DeliveryID(msg kafka.Message, om OrderMessage) string {
	if id := strings.TrimSpace(om.DeliveryID); id != "" {
		return id
	}
	for _, h := range msg.Headers {
		if h.Key == deliveryHeader && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return fmt.Sprintf("%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
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
