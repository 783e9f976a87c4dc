package task

import (
	"context"
	"sync"
)

// CountdownBarrier releases all waiters once it has been counted down to zero.
// Participants call Arrive exactly once; Await blocks until every participant has arrived.
type CountdownBarrier struct {
	mu        sync.Mutex
	remaining int
	released  chan struct{}
}

func NewCountdownBarrier(participants int) *CountdownBarrier {
	b := &CountdownBarrier{
		remaining: participants,
		released:  make(chan struct{}),
	}
	if participants <= 0 {
		close(b.released)
	}
	return b
}

// Arrive decrements the barrier and returns the number of participants still missing.
// Arrivals after release are ignored.
func (b *CountdownBarrier) Arrive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return 0
	}
	b.remaining--
	if b.remaining == 0 {
		close(b.released)
	}
	return b.remaining
}

// Await blocks until the barrier is released or ctx is done.
func (b *CountdownBarrier) Await(ctx context.Context) error {
	select {
	case <-b.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BarrierSet holds one CountdownBarrier per key, all sized to the same number of participants.
// Keys without a barrier are not synchronized: arriving at or awaiting them never blocks.
type BarrierSet[K comparable] struct {
	barriers map[K]*CountdownBarrier
}

// NewBarrierSet creates a barrier for every key in keys, each expecting participants arrivals.
func NewBarrierSet[K comparable](participants int, keys ...K) *BarrierSet[K] {
	barriers := make(map[K]*CountdownBarrier, len(keys))
	for _, key := range keys {
		barriers[key] = NewCountdownBarrier(participants)
	}
	return &BarrierSet[K]{barriers: barriers}
}

// Has returns true if key is synchronized.
func (s *BarrierSet[K]) Has(key K) bool {
	_, ok := s.barriers[key]
	return ok
}

// Arrive counts down the barrier for key and returns the number of participants still missing.
func (s *BarrierSet[K]) Arrive(key K) int {
	if b, ok := s.barriers[key]; ok {
		return b.Arrive()
	}
	return 0
}

// Await blocks until the barrier for key is released.
func (s *BarrierSet[K]) Await(ctx context.Context, key K) error {
	if b, ok := s.barriers[key]; ok {
		return b.Await(ctx)
	}
	return nil
}
