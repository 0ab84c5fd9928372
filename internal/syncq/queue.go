// Package syncq keeps orders that could not reach the API in a local file
// so they can be replayed later under their original idempotency keys.
package syncq

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

type Command struct {
	Method         string         `json:"method"`
	Path           string         `json:"path"`
	Body           map[string]any `json:"body,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Queue is a JSON file of pending commands.
type Queue struct {
	mu   sync.Mutex
	path string
}

func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Queue{path: filepath.Join(dir, "queue.json")}, nil
}

// Default opens the queue under ~/.tsim.
func Default() (*Queue, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(home, ".tsim"))
}

func (q *Queue) Load() ([]Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

func (q *Queue) load() ([]Command, error) {
	raw, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Command{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Command{}, nil
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) Save(commands []Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save(commands)
}

func (q *Queue) save(commands []Command) error {
	raw, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(q.path, raw, 0o600)
}

func (q *Queue) Push(cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	commands, err := q.load()
	if err != nil {
		return err
	}
	commands = append(commands, cmd)
	return q.save(commands)
}

// Outcome classifies one replay attempt.
type Outcome int

const (
	// Done drops the command: it was applied or definitively rejected.
	Done Outcome = iota
	// Retry keeps the command for the next replay.
	Retry
)

type ReplayReport struct {
	Replayed  int
	Remaining int
}

// Replay sends queued commands in order. Commands whose send returns Retry
// stay queued; replay stops at the first one so later orders never overtake
// an earlier one.
func (q *Queue) Replay(ctx context.Context, send func(context.Context, Command) Outcome) (ReplayReport, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	commands, err := q.load()
	if err != nil {
		return ReplayReport{}, err
	}
	var rep ReplayReport
	i := 0
	for ; i < len(commands); i++ {
		if ctx.Err() != nil || send(ctx, commands[i]) == Retry {
			break
		}
		rep.Replayed++
	}
	remaining := append([]Command{}, commands[i:]...)
	rep.Remaining = len(remaining)
	return rep, q.save(remaining)
}
