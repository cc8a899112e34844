package store

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next after the subscription was closed.
var ErrClosed = errors.New("store: subscription closed")

// Subscription receives events in write order. A key with an undelivered
// event is coalesced: the newer event takes the older one's place, and the
// merged event is an echo only if both were.
type Subscription struct {
	store *Store

	mu      sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}
}

// Subscribe registers a new subscriber. Close it when done.
func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{store: s, wake: make(chan struct{}, 1)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (sub *Subscription) push(ev Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	merged := false
	for i := range sub.pending {
		if sub.pending[i].Key == ev.Key {
			ev.Echo = ev.Echo && sub.pending[i].Echo
			sub.pending[i] = ev
			merged = true
			break
		}
	}
	if !merged {
		sub.pending = append(sub.pending, ev)
	}
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx is done or the subscription
// is closed.
func (sub *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		sub.mu.Lock()
		if len(sub.pending) > 0 {
			ev := sub.pending[0]
			sub.pending = sub.pending[1:]
			sub.mu.Unlock()
			return ev, nil
		}
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-sub.wake:
		}
	}
}

// Pending returns the number of undelivered events.
func (sub *Subscription) Pending() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.pending)
}

// Close unregisters the subscription and wakes a blocked Next.
func (sub *Subscription) Close() {
	sub.store.mu.Lock()
	delete(sub.store.subs, sub)
	sub.store.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.pending = nil
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}
