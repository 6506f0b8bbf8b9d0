// Package session owns one logical connection to the relay under a
// single identifier: its lifecycle, roster, presence view,
// authorization policy and message callback.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/peerchat/peerchat/internal/dispatch"
	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/presence"
	"github.com/peerchat/peerchat/internal/roster"
	"github.com/peerchat/peerchat/internal/route"
	"github.com/peerchat/peerchat/internal/subscription"
	"github.com/peerchat/peerchat/internal/transport"
	"github.com/peerchat/peerchat/internal/wire"
)

// ErrTimeout is returned by WaitOnline when the connection does not
// come up in time.
var ErrTimeout = errors.New("timed out waiting for session to come online")

// State is the connection state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOnline
	StateOffline
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "disconnected"
	}
}

// RosterEntry is a snapshot row combining subscription and presence.
type RosterEntry struct {
	JID          jid.JID
	Subscription roster.Subscription
	Presence     presence.Status
}

// Session is a live or logically-active connection for one identifier.
// All relay events are processed in arrival order by a single receive
// goroutine; the public API is fire-and-forget except WaitOnline.
type Session struct {
	addr jid.JID
	log  *logging.Logger

	roster     *roster.Store
	presence   *presence.Tracker
	dispatcher *dispatch.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	policy subscription.Policy
	conn   transport.Conn
	online chan struct{}
}

// Dial creates a session and connects it in the background. Callers
// that need the connection up synchronize with WaitOnline.
func Dial(dialer transport.Dialer, addr jid.JID, password string, log *logging.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		addr:     addr.Bare(),
		log:      log,
		roster:   roster.NewStore(),
		presence: presence.NewTracker(),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateConnecting,
		online:   make(chan struct{}),
	}
	s.dispatcher = dispatch.New(0, log)

	go s.connect(dialer, password)
	return s
}

func (s *Session) connect(dialer transport.Dialer, password string) {
	conn, err := dialer.Dial(s.ctx, s.addr, password)
	if err != nil {
		s.log.Error("connection for %s failed: %v", s.addr, err)
		s.mu.Lock()
		s.state = StateOffline
		s.mu.Unlock()
		s.presence.SetOwn(presence.StatusOffline)
		return
	}

	select {
	case <-s.ctx.Done():
		conn.Close()
		return
	default:
	}

	if b, ok := conn.(route.Binder); ok {
		b.Bind(s)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateOnline
	close(s.online)
	s.mu.Unlock()
	s.presence.SetOwn(presence.StatusOnline)

	go s.receive(conn)
}

// receive is the single event-processing goroutine. Roster and
// presence are mutated here only.
func (s *Session) receive(conn transport.Conn) {
	for ev := range conn.Events() {
		switch ev := ev.(type) {
		case wire.Subscription:
			s.handleSubscription(ev)
		case wire.Presence:
			status := presence.StatusOffline
			if ev.Online {
				status = presence.StatusOnline
			}
			s.presence.Set(ev.From, status)
		case wire.Message:
			s.handleMessage(ev)
		}
	}
	s.markOffline()
}

func (s *Session) handleSubscription(ev wire.Subscription) {
	from := ev.From.Bare()
	switch ev.Action {
	case wire.Subscribe:
		s.log.Info("subscription request from %s (policy %s)", from, s.Policy())
	case wire.Unsubscribed:
		s.log.Info("subscription to %s denied or revoked", from)
	}

	cur := s.roster.Subscription(from)
	next, replies := subscription.Apply(cur, ev.Action, s.Policy())
	// Recording the state even when unchanged makes the contact
	// observable in the roster at "none".
	s.roster.SetSubscription(from, next)

	for _, action := range replies {
		s.send(wire.Subscription{From: s.addr, To: from, Action: action})
		if action == wire.Subscribed {
			// The new subscriber learns our presence right away.
			s.send(wire.Presence{From: s.addr, To: from, Online: s.State() == StateOnline})
		}
	}
}

// handleMessage guards messages arriving on the connection itself.
// Transports that route in process apply the full policy before
// delivery; a remote server does not, so the mutual-subscription rule
// is enforced again here. Self-addressed messages always pass.
func (s *Session) handleMessage(msg wire.Message) {
	from := msg.From.Bare()
	if !from.Equal(s.addr) && s.roster.Subscription(from) != roster.SubscriptionBoth {
		s.log.Info("message from %s to %s dropped (no mutual subscription)", from, s.addr)
		return
	}
	s.dispatcher.Dispatch(from, msg.Body)
}

// Online implements route.Endpoint.
func (s *Session) Online() bool {
	return s.State() == StateOnline
}

// SubscriptionFor implements route.Endpoint.
func (s *Session) SubscriptionFor(peer jid.JID) roster.Subscription {
	return s.roster.Subscription(peer)
}

// Deliver implements route.Endpoint: the router has already accepted
// the message, so it goes straight to the dispatcher.
func (s *Session) Deliver(msg wire.Message) {
	s.dispatcher.Dispatch(msg.From.Bare(), msg.Body)
}

// Addr returns the session's bare identifier.
func (s *Session) Addr() jid.JID {
	return s.addr
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Policy returns the current authorization policy.
func (s *Session) Policy() subscription.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// AuthorizeSubscriptions approves inbound subscription requests from
// now on. Requests denied before this call are not replayed; the
// contact must ask again.
func (s *Session) AuthorizeSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = subscription.AutoAuthorize
}

// RejectSubscriptions restores the default denying policy.
func (s *Session) RejectSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = subscription.Reject
}

// SetMessageCallback registers the handler invoked for delivered
// messages, replacing any previous one.
func (s *Session) SetMessageCallback(cb dispatch.Callback) {
	s.dispatcher.SetCallback(cb)
}

// Subscribe asks target to authorize us. It does not change our own
// roster entry for target; that only advances when the authorization
// response arrives.
func (s *Session) Subscribe(target jid.JID) {
	s.send(wire.Subscription{From: s.addr, To: target.Bare(), Action: wire.Subscribe})
}

// Unsubscribe cancels our subscription to target.
func (s *Session) Unsubscribe(target jid.JID) {
	s.send(wire.Subscription{From: s.addr, To: target.Bare(), Action: wire.Unsubscribe})
}

// Send emits a point-to-point message. Sending is fire-and-forget:
// when the session is not online the message is a logged drop, never
// an error.
func (s *Session) Send(recipient jid.JID, body string) {
	if s.State() != StateOnline {
		s.log.Info("send to %s skipped (session %s)", recipient.Bare(), s.State())
		return
	}
	s.send(wire.Message{
		From: s.addr,
		To:   recipient.Bare(),
		ID:   uuid.NewString(),
		Body: body,
		Sent: time.Now(),
	})
}

func (s *Session) send(ev wire.Event) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.log.Debug("not connected, dropping outbound %T", ev)
		return
	}
	if err := conn.Send(s.ctx, ev); err != nil {
		s.log.Warn("send failed: %v", err)
	}
}

// WaitOnline blocks until the connection state becomes online or the
// timeout elapses.
func (s *Session) WaitOnline(timeout time.Duration) error {
	select {
	case <-s.online:
		return nil
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// Roster returns a snapshot of the roster keyed by bare identifier,
// merging subscription state with last observed presence. Reads from
// other sessions' goroutines see an eventually consistent view.
func (s *Session) Roster() map[string]RosterEntry {
	entries := s.roster.All()
	out := make(map[string]RosterEntry, len(entries))
	for _, e := range entries {
		out[e.JID.String()] = RosterEntry{
			JID:          e.JID,
			Subscription: e.Subscription,
			Presence:     s.presence.Get(e.JID),
		}
	}
	return out
}

// Presence returns the last observed presence for a contact.
func (s *Session) Presence(contact jid.JID) presence.Status {
	return s.presence.Get(contact)
}

// Disconnect closes the connection and stops event processing. Roster
// and presence stay as last observed.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateOffline
	s.mu.Unlock()

	s.presence.SetOwn(presence.StatusOffline)
	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.dispatcher.Close()
}

func (s *Session) markOffline() {
	s.mu.Lock()
	if s.state == StateOnline {
		s.state = StateOffline
	}
	s.mu.Unlock()
	s.presence.SetOwn(presence.StatusOffline)
}
