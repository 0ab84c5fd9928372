package syncq

import (
	"context"
	"testing"
)

func TestReplayStopsAtFirstRetry(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, key := range []string{"a", "b", "c"} {
		if err := q.Push(Command{Method: "POST", Path: "/v1/sessions/s1/buy", IdempotencyKey: key}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	var sent []string
	rep, err := q.Replay(context.Background(), func(_ context.Context, c Command) Outcome {
		sent = append(sent, c.IdempotencyKey)
		if c.IdempotencyKey == "b" {
			return Retry
		}
		return Done
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rep.Replayed != 1 || rep.Remaining != 2 || len(sent) != 2 {
		t.Fatalf("report=%+v sent=%v", rep, sent)
	}

	left, err := q.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(left) != 2 || left[0].IdempotencyKey != "b" || left[1].IdempotencyKey != "c" {
		t.Fatalf("left=%+v", left)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cmds, err := q.Load()
	if err != nil || len(cmds) != 0 {
		t.Fatalf("cmds=%v err=%v", cmds, err)
	}
}
