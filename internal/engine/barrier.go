package engine

import "sync"

// barriers hands out one RWMutex per session. Orders share the read side;
// settlement, round init and reconciliation take the write side so they
// start only after in-flight orders drain. The lock is process-local.
type barriers struct {
	mu       sync.Mutex
	sessions map[string]*barrier
}

type barrier struct {
	sync.RWMutex
	refs int
}

func newBarriers() *barriers {
	return &barriers{sessions: make(map[string]*barrier)}
}

func (b *barriers) acquire(id string) *barrier {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		s = &barrier{}
		b.sessions[id] = s
	}
	s.refs++
	return s
}

func (b *barriers) drop(id string, s *barrier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(b.sessions, id)
	}
}

func (b *barriers) read(id string) func() {
	s := b.acquire(id)
	s.RLock()
	return func() {
		s.RUnlock()
		b.drop(id, s)
	}
}

func (b *barriers) write(id string) func() {
	s := b.acquire(id)
	s.Lock()
	return func() {
		s.Unlock()
		b.drop(id, s)
	}
}
