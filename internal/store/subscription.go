package store

import (
	"sync"
	"sync/atomic"
)

// Subscription is a scoped handle on a live stream. Its release function
// runs exactly once, however many times Close is called.
type Subscription struct {
	once    sync.Once
	release func() error
	err     error
	closed  atomic.Bool
}

// NewSubscription wraps release in a scoped handle.
func NewSubscription(release func() error) *Subscription {
	return &Subscription{release: release}
}

// Close releases the stream. Later calls return the first call's result.
func (s *Subscription) Close() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.closed.Store(true)
		if s.release != nil {
			s.err = s.release()
		}
	})
	return s.err
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	return s != nil && s.closed.Load()
}

// Slot holds at most one live subscription. Replacing the content always
// releases the previous one before the next is acquired.
type Slot struct {
	mu  sync.Mutex
	cur *Subscription
}

// Replace releases the current subscription, if any, then stores the
// result of acquire. If acquire fails the slot is left empty.
func (s *Slot) Replace(acquire func() (*Subscription, error)) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
	sub, err := acquire()
	if err != nil {
		return nil, err
	}
	s.cur = sub
	return sub, nil
}

// Release closes the current subscription and empties the slot. It is a
// no-op on an empty slot.
func (s *Slot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
}

// Active reports whether the slot holds a subscription.
func (s *Slot) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}
