// Package presence tracks the online status of contacts and of the
// local session itself.
package presence

import (
	"sync"

	"mellium.im/xmpp/jid"
)

// Status is the observed connection status of an identifier.
type Status string

const (
	// StatusUnknown means no presence event has been seen yet.
	StatusUnknown Status = "unknown"
	// StatusOnline means the identifier's connection is up.
	StatusOnline Status = "online"
	// StatusOffline means the identifier disconnected.
	StatusOffline Status = "offline"
)

// Tracker records contact presence as reported by the relay, keyed by
// bare identifier. Unseen contacts report StatusUnknown.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status
	own      Status
}

// NewTracker creates a tracker with no observed presence.
func NewTracker() *Tracker {
	return &Tracker{
		statuses: make(map[string]Status),
		own:      StatusUnknown,
	}
}

// Set records the presence of a contact.
func (t *Tracker) Set(contact jid.JID, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[contact.Bare().String()] = status
}

// Get returns the last observed presence of a contact.
func (t *Tracker) Get(contact jid.JID) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.statuses[contact.Bare().String()]; ok {
		return s
	}
	return StatusUnknown
}

// IsOnline reports whether the contact was last seen online.
func (t *Tracker) IsOnline(contact jid.JID) bool {
	return t.Get(contact) == StatusOnline
}

// SetOwn records the local session's own status.
func (t *Tracker) SetOwn(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.own = status
}

// Own returns the local session's own status.
func (t *Tracker) Own() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.own
}
