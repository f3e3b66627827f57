package kv

import (
	"context"
	"sync"
)

// Hub tracks active per-key subscriptions and fans commit notifications
// out to them. Store implementations call Broadcast after every
// successful commit, once per mutated key, in commit order.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscription on key. The subscription
// observes every broadcast for that key issued after Subscribe returns.
func (h *Hub) Subscribe(key Key) *Subscription {
	s := &Subscription{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	ks := key.String()

	h.mu.Lock()
	set, ok := h.subs[ks]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[ks] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	s.detach = func() {
		h.mu.Lock()
		if set, ok := h.subs[ks]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, ks)
			}
		}
		h.mu.Unlock()
	}

	return s
}

// Broadcast wakes every subscription watching the key with the given
// string form. Each call queues exactly one notification per subscriber.
func (h *Hub) Broadcast(key string) {
	h.mu.Lock()
	for s := range h.subs[key] {
		s.notify()
	}
	h.mu.Unlock()
}

// Subscription is a blocking, pull-based cursor over commits to one key.
// It carries no payload: a notification means the watched entry changed
// and should be re-read.
type Subscription struct {
	mu      sync.Mutex
	pending int

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	detach func()
}

func (s *Subscription) notify() {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until a commit lands on the watched key, returning true,
// or until the subscription is cancelled or ctx expires, returning
// false. Commits are reported one Next call per commit, in commit
// order. Once Next has returned false it always returns false.
func (s *Subscription) Next(ctx context.Context) bool {
	for {
		select {
		case <-s.done:
			return false
		default:
		}

		s.mu.Lock()
		if s.pending > 0 {
			s.pending--
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Cancel terminates the subscription, unblocking any pending Next call
// and detaching it from the hub. Cancel is idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		if s.detach != nil {
			s.detach()
		}
	})
}
