// ABOUTME: Thread-safe TTL store for pending OAuth authorization requests
// ABOUTME: Each state token maps to its PKCE verifier and can be taken exactly once

package auth

import (
	"container/list"
	"sync"
	"time"
)

// PendingAuth is what the broker remembers between /authorize and /callback.
type PendingAuth struct {
	Verifier  string // PKCE code verifier
	CreatedAt time.Time
}

type stateEntry struct {
	pending PendingAuth
	element *list.Element
}

// StateStore holds pending authorization requests keyed by state token.
// Entries expire after ttl; when full, the oldest entry is evicted.
type StateStore struct {
	mu      sync.Mutex
	entries map[string]*stateEntry
	order   *list.List // state tokens in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewStateStore creates a store and starts its background janitor.
func NewStateStore(ttl time.Duration, maxSize int) *StateStore {
	s := &StateStore{
		entries: make(map[string]*stateEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Put records a pending authorization under state.
func (s *StateStore) Put(state string, p PendingAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}

	if existing, ok := s.entries[state]; ok {
		s.order.Remove(existing.element)
		delete(s.entries, state)
	}

	if len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.order.PushBack(state)
	s.entries[state] = &stateEntry{pending: p, element: elem}
}

// Take removes and returns the pending authorization for state.
// The second result is false if the state is unknown, already used or expired.
func (s *StateStore) Take(state string) (PendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return PendingAuth{}, false
	}
	s.order.Remove(entry.element)
	delete(s.entries, state)

	if s.now().Sub(entry.pending.CreatedAt) > s.ttl {
		return PendingAuth{}, false
	}
	return entry.pending, true
}

// Len returns the number of pending entries, including expired ones not yet swept.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictOldest must be called with mu held.
func (s *StateStore) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.entries, key)
}

func (s *StateStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

// sweep drops expired entries. Entries are in insertion order, so it stops
// at the first live one.
func (s *StateStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for e := s.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		entry := s.entries[key]
		if now.Sub(entry.pending.CreatedAt) <= s.ttl {
			return
		}
		next := e.Next()
		s.order.Remove(e)
		delete(s.entries, key)
		e = next
	}
}

// Close stops the background janitor. It is safe to call multiple times.
func (s *StateStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
