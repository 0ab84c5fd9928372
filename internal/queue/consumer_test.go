package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"tradesim/internal/engine"
	"tradesim/internal/game"
)

type scriptedTrader struct {
	errs  []error
	calls int
	seen  []string
}

func (s *scriptedTrader) Trade(_ context.Context, dc engine.DeliveryContext, _ engine.Order) (engine.TradeResult, error) {
	s.calls++
	s.seen = append(s.seen, dc.DeliveryID)
	if s.calls <= len(s.errs) {
		return engine.TradeResult{}, s.errs[s.calls-1]
	}
	return engine.TradeResult{Status: game.TradeSuccess}, nil
}

func orderMessage(t *testing.T, deliveryID string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(OrderMessage{
		Payload:    engine.Order{StockID: "s1", UserID: "u1", Action: game.ActionBuy, Company: "ACME", Amount: 1, UnitPrice: 5000, Round: 1},
		DeliveryID: deliveryID,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Topic: "orders", Partition: 2, Offset: 41, Value: b}
}

func newTestConsumer(tr Trader) *Consumer {
	return newConsumer(nil, tr, ConsumerOptions{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestHandleOutcomes(t *testing.T) {
	transient := errors.New("connection reset")
	cases := []struct {
		name      string
		errs      []error
		want      string
		wantCalls int
	}{
		{name: "ok", want: "processed", wantCalls: 1},
		{name: "rejected", errs: []error{game.ErrInsufficientFunds}, want: "rejected", wantCalls: 1},
		{name: "replayed rejection", errs: []error{engine.ErrOrderRejected}, want: "rejected", wantCalls: 1},
		{name: "transient then ok", errs: []error{transient, transient}, want: "processed", wantCalls: 3},
		{name: "transient forever", errs: []error{transient, transient, transient}, want: "abandoned", wantCalls: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &scriptedTrader{errs: tc.errs}
			got := newTestConsumer(tr).Handle(context.Background(), orderMessage(t, "d1"))
			if got != tc.want || tr.calls != tc.wantCalls {
				t.Fatalf("outcome=%s calls=%d, want %s/%d", got, tr.calls, tc.want, tc.wantCalls)
			}
			for _, id := range tr.seen {
				if id != "d1" {
					t.Fatalf("delivery id changed across retries: %v", tr.seen)
				}
			}
		})
	}
}

func TestHandleDropsMalformed(t *testing.T) {
	tr := &scriptedTrader{}
	got := newTestConsumer(tr).Handle(context.Background(), kafka.Message{Value: []byte("{")})
	if got != "malformed" || tr.calls != 0 {
		t.Fatalf("outcome=%s calls=%d", got, tr.calls)
	}
}

func TestDeliveryIDFallbacks(t *testing.T) {
	msg := orderMessage(t, "")
	if got := DeliveryID(msg, OrderMessage{}); got != "orders:2:41" {
		t.Fatalf("coordinates fallback=%s", got)
	}
	msg.Headers = []kafka.Header{{Key: deliveryHeader, Value: []byte("hdr")}}
	if got := DeliveryID(msg, OrderMessage{}); got != "hdr" {
		t.Fatalf("header fallback=%s", got)
	}
	if got := DeliveryID(msg, OrderMessage{DeliveryID: "body"}); got != "body" {
		t.Fatalf("explicit id=%s", got)
	}
}

// memReader serves queued messages, then calls drained and blocks until
// ctx is done.
type memReader struct {
	msgs    []kafka.Message
	commits []int64
	drained func()
}

func (r *memReader) Config() kafka.ReaderConfig {
	return kafka.ReaderConfig{Topic: "orders", GroupID: "test"}
}

func (r *memReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		if r.drained != nil {
			r.drained()
		}
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *memReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.commits = append(r.commits, m.Offset)
	}
	return nil
}

func (r *memReader) Close() error { return nil }

func TestShouldCommit(t *testing.T) {
	cases := map[string]bool{
		OutcomeProcessed: true,
		OutcomeRejected:  true,
		OutcomeMalformed: true,
		OutcomeAbandoned: false,
		"":               false,
	}
	for outcome, want := range cases {
		if got := shouldCommit(outcome); got != want {
			t.Fatalf("shouldCommit(%q)=%t, want %t", outcome, got, want)
		}
	}
}

func TestRunLeavesAbandonedOrderUncommitted(t *testing.T) {
	transient := errors.New("connection reset")
	first := orderMessage(t, "d1")
	first.Offset = 10
	second := orderMessage(t, "d2")
	second.Offset = 11
	third := orderMessage(t, "d3")
	third.Offset = 12
	rd := &memReader{msgs: []kafka.Message{first, second, third}}
	// d1 succeeds, d2 fails on every attempt.
	tr := &scriptedTrader{errs: []error{nil, transient, transient, transient}}
	c := newConsumer(rd, tr, ConsumerOptions{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	err := c.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "offset 11") {
		t.Fatalf("expected abandoned error for offset 11, got %v", err)
	}
	if len(rd.commits) != 1 || rd.commits[0] != 10 {
		t.Fatalf("commits=%v, want only offset 10", rd.commits)
	}
	if len(rd.msgs) != 1 {
		t.Fatalf("run kept consuming past the abandoned order: %d left", len(rd.msgs))
	}
}

func TestRunCommitsFinalOutcomes(t *testing.T) {
	ok := orderMessage(t, "d1")
	ok.Offset = 1
	rejected := orderMessage(t, "d2")
	rejected.Offset = 2
	malformed := kafka.Message{Topic: "orders", Offset: 3, Value: []byte("{")}
	rd := &memReader{msgs: []kafka.Message{ok, rejected, malformed}}
	tr := &scriptedTrader{errs: []error{nil, game.ErrInsufficientFunds}}
	c := newConsumer(rd, tr, ConsumerOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rd.drained = cancel

	if err := c.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rd.commits) != 3 || rd.commits[0] != 1 || rd.commits[1] != 2 || rd.commits[2] != 3 {
		t.Fatalf("commits=%v", rd.commits)
	}
}
