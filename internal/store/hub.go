package store

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub is an in-process fan-out of change batches to collection
// subscribers. Unlike a lossy notifier it never drops a batch: each
// subscriber has an unbounded queue drained by its own goroutine, so a
// slow consumer cannot block writers or lose changes.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*hubSubscriber
	nextID atomic.Uint64
}

type hubSubscriber struct {
	hub        *Hub
	id         uint64
	collection string
	onBatch    BatchFunc

	mu      sync.Mutex
	queue   [][]Change
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]*hubSubscriber)}
}

// Register adds a subscriber for collection. If initial is non-nil it is
// queued ahead of anything published afterwards. Callers that need the
// initial batch to be consistent with later changes must serialize
// Register with their own writes.
func (h *Hub) Register(ctx context.Context, collection string, initial []Change, onBatch BatchFunc) *Subscription {
	s := &hubSubscriber{
		hub:        h,
		id:         h.nextID.Add(1),
		collection: collection,
		onBatch:    onBatch,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if initial != nil {
		s.queue = append(s.queue, initial)
		s.wake <- struct{}{}
	}

	h.mu.Lock()
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[uint64]*hubSubscriber)
	}
	h.subs[collection][s.id] = s
	h.mu.Unlock()

	go s.run(ctx)

	return NewSubscription(func() error {
		h.unregister(s)
		return nil
	})
}

// Publish queues batch for every subscriber of collection.
func (h *Hub) Publish(collection string, batch []Change) {
	if len(batch) == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs[collection] {
		s.enqueue(batch)
	}
}

// Subscribers returns the number of live subscribers on collection.
func (h *Hub) Subscribers(collection string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[collection])
}

func (h *Hub) unregister(s *hubSubscriber) {
	h.mu.Lock()
	if m := h.subs[s.collection]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(h.subs, s.collection)
		}
	}
	h.mu.Unlock()
	s.stop()
}

func (s *hubSubscriber) enqueue(batch []Change) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, batch)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *hubSubscriber) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *hubSubscriber) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.hub.unregister(s)
			return
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.onBatch(batch)
		}
	}
}
