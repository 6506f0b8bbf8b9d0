// Package route decides whether a message in flight is deliverable
// given subscription state and presence. The registry of live sessions
// is injected rather than ambient, so routing is testable with fakes.
package route

import (
	"mellium.im/xmpp/jid"

	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/roster"
	"github.com/peerchat/peerchat/internal/wire"
)

// Endpoint is the router's view of a recipient session.
type Endpoint interface {
	// Online reports whether the session's connection is up.
	Online() bool
	// SubscriptionFor returns the session's roster state for a peer.
	SubscriptionFor(peer jid.JID) roster.Subscription
	// Deliver hands a routed message to the session for dispatch.
	Deliver(msg wire.Message)
}

// Registry resolves an identifier to its session endpoint. Entries
// survive disconnection so routing can distinguish an offline
// recipient from an unknown one.
type Registry interface {
	Lookup(addr jid.JID) (Endpoint, bool)
}

// Binder is implemented by transport connections that carry an
// in-process registry (internal/relay). Sessions attach themselves
// through it after dialing; transports backed by a remote server do
// not implement it.
type Binder interface {
	Bind(ep Endpoint)
}

// Reason explains why a message was dropped. Drops are expected,
// logged outcomes of the routing policy, never errors.
type Reason string

const (
	// NoMutualSubscription: the recipient has not mutually authorized
	// the sender.
	NoMutualSubscription Reason = "no mutual subscription"
	// RecipientOffline: the recipient's connection is not online and
	// there is no store-and-forward.
	RecipientOffline Reason = "recipient offline"
	// UnknownRecipient: no session is known for the identifier.
	UnknownRecipient Reason = "unknown recipient"
)

// Result is the routing outcome for one message.
type Result struct {
	Delivered bool
	Reason    Reason
}

var delivered = Result{Delivered: true}

// Router applies the delivery policy.
type Router struct {
	reg Registry
	log *logging.Logger
}

// NewRouter creates a router over a session registry.
func NewRouter(reg Registry, log *logging.Logger) *Router {
	return &Router{reg: reg, log: log}
}

// Route delivers msg or drops it. Rules, in order: self-addressed
// messages bypass every check; the recipient's roster entry for the
// sender must be "both"; the recipient must be online.
func (r *Router) Route(msg wire.Message) Result {
	to := msg.To.Bare()
	ep, ok := r.reg.Lookup(to)
	if !ok {
		r.log.Warn("%s skipped (unknown recipient)", to)
		return Result{Reason: UnknownRecipient}
	}

	if msg.From.Bare().Equal(to) {
		ep.Deliver(msg)
		return delivered
	}

	if ep.SubscriptionFor(msg.From) != roster.SubscriptionBoth {
		r.log.Info("message from %s to %s dropped (no mutual subscription)", msg.From.Bare(), to)
		return Result{Reason: NoMutualSubscription}
	}

	if !ep.Online() {
		r.log.Info("%s skipped (not online)", to)
		return Result{Reason: RecipientOffline}
	}

	ep.Deliver(msg)
	return delivered
}
