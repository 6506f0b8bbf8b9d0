// Package wire defines the typed protocol events exchanged with the
// relay. The transport layer is responsible for framing and delivery;
// the core only produces and consumes these values.
package wire

import (
	"time"

	"mellium.im/xmpp/jid"
)

// SubAction identifies a subscription management event. The values
// mirror the presence subscription verbs used on the relay channel.
type SubAction string

const (
	// Subscribe asks the target to grant presence/message access.
	Subscribe SubAction = "subscribe"
	// Subscribed grants access to the requester.
	Subscribed SubAction = "subscribed"
	// Unsubscribe cancels our interest in the target.
	Unsubscribe SubAction = "unsubscribe"
	// Unsubscribed denies a pending request or revokes a grant.
	Unsubscribed SubAction = "unsubscribed"
)

// Event is a protocol event addressed between two identifiers.
type Event interface {
	// Addr returns the originating and destination identifiers.
	Addr() (from, to jid.JID)
}

// Message is a point-to-point text message. It is transient: it exists
// only while being routed and dispatched.
type Message struct {
	From jid.JID
	To   jid.JID
	ID   string
	Body string
	Sent time.Time
}

func (m Message) Addr() (jid.JID, jid.JID) { return m.From, m.To }

// Presence reports the connection status of an identifier.
type Presence struct {
	From   jid.JID
	To     jid.JID // zero value means broadcast
	Online bool
}

func (p Presence) Addr() (jid.JID, jid.JID) { return p.From, p.To }

// Subscription carries a subscription management action.
type Subscription struct {
	From   jid.JID
	To     jid.JID
	Action SubAction
}

func (s Subscription) Addr() (jid.JID, jid.JID) { return s.From, s.To }
