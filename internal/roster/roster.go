// Package roster holds a session's local view of its contacts and the
// subscription state negotiated with each of them.
package roster

import (
	"sync"

	"mellium.im/xmpp/jid"
)

// Subscription represents the authorization state between the session
// owner and a contact.
type Subscription string

const (
	// SubscriptionNone means no authorization in either direction.
	SubscriptionNone Subscription = "none"
	// SubscriptionTo means we are authorized to see the contact.
	SubscriptionTo Subscription = "to"
	// SubscriptionFrom means the contact is authorized to see us.
	SubscriptionFrom Subscription = "from"
	// SubscriptionBoth means mutual authorization.
	SubscriptionBoth Subscription = "both"
)

// Entry is a single roster row. Entries are created on the first
// subscription or presence event referencing the contact and live for
// the session's lifetime.
type Entry struct {
	JID          jid.JID
	Subscription Subscription
}

// Store is a per-session roster keyed by bare identifier. The owning
// session's receive loop is the only writer; the lock makes snapshot
// reads from other goroutines safe.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewStore creates an empty roster store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*Entry),
	}
}

// Subscription returns the subscription state for a contact,
// defaulting to none for contacts never seen.
func (s *Store) Subscription(contact jid.JID) Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[contact.Bare().String()]; ok {
		return e.Subscription
	}
	return SubscriptionNone
}

// Contains reports whether the contact has a roster entry.
func (s *Store) Contains(contact jid.JID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[contact.Bare().String()]
	return ok
}

// SetSubscription records the subscription state for a contact,
// creating the entry if needed.
func (s *Store) SetSubscription(contact jid.JID, sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bare := contact.Bare()
	key := bare.String()
	if e, ok := s.entries[key]; ok {
		e.Subscription = sub
		return
	}
	s.entries[key] = &Entry{JID: bare, Subscription: sub}
}

// All returns a snapshot of every roster entry.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, *e)
	}
	return entries
}

// Count returns the number of roster entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
