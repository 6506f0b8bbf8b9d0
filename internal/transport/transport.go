// Package transport abstracts the connection to the relay. A Conn is a
// bidirectional stream of wire events; implementations own framing,
// authentication and delivery (internal/xmpp for a real server,
// internal/relay for the in-process relay).
package transport

import (
	"context"

	"mellium.im/xmpp/jid"

	"github.com/peerchat/peerchat/internal/wire"
)

// Conn is a live connection to the relay under a single identifier.
type Conn interface {
	// Send enqueues an outbound event. It must not block on network
	// I/O; delivery is best effort.
	Send(ctx context.Context, ev wire.Event) error

	// Events returns the inbound event stream. The channel is closed
	// when the connection terminates; events arrive in the order the
	// relay emitted them.
	Events() <-chan wire.Event

	// Close terminates the connection and closes the event stream.
	Close() error
}

// Dialer authenticates an identifier against the relay and opens a
// connection for it.
type Dialer interface {
	Dial(ctx context.Context, addr jid.JID, password string) (Conn, error)
}
