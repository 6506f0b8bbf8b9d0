// Package relay is an in-process relay: it keeps the account table,
// the registry of live peers, distributes presence, and runs the
// message router. It serves local operation and tests; a real server
// plays this role for the xmpp transport.
package relay

import (
	"context"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/register"
	"github.com/peerchat/peerchat/internal/route"
	"github.com/peerchat/peerchat/internal/transport"
	"github.com/peerchat/peerchat/internal/wire"
)

const inboxSize = 64

type peer struct {
	addr   jid.JID
	inbox  chan wire.Event
	ep     route.Endpoint
	online bool
}

// Relay implements transport.Dialer, register.Directory and
// route.Registry in one process.
type Relay struct {
	mu       sync.Mutex
	log      *logging.Logger
	accounts map[string]string
	peers    map[string]*peer
	router   *route.Router
}

// New creates an empty relay.
func New(log *logging.Logger) *Relay {
	r := &Relay{
		log:      log,
		accounts: make(map[string]string),
		peers:    make(map[string]*peer),
	}
	r.router = route.NewRouter(r, log)
	return r
}

// CreateAccount implements register.Directory.
func (r *Relay) CreateAccount(_ context.Context, addr jid.JID, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addr.Bare().String()
	if _, ok := r.accounts[key]; ok {
		return register.ErrAccountExists
	}
	r.accounts[key] = password
	return nil
}

// DeleteAccount implements register.Directory.
func (r *Relay) DeleteAccount(_ context.Context, addr jid.JID, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addr.Bare().String()
	stored, ok := r.accounts[key]
	if !ok {
		return register.ErrAccountNotFound
	}
	if stored != password {
		return register.ErrAuthentication
	}
	delete(r.accounts, key)
	delete(r.peers, key)
	return nil
}

// Dial implements transport.Dialer. The peer entry survives later
// disconnection so the router can tell an offline recipient from an
// unknown one.
func (r *Relay) Dial(_ context.Context, addr jid.JID, password string) (transport.Conn, error) {
	r.mu.Lock()

	key := addr.Bare().String()
	stored, ok := r.accounts[key]
	if !ok {
		r.mu.Unlock()
		return nil, register.ErrAccountNotFound
	}
	if stored != password {
		r.mu.Unlock()
		return nil, register.ErrAuthentication
	}

	p := &peer{
		addr:   addr.Bare(),
		inbox:  make(chan wire.Event, inboxSize),
		online: true,
	}
	r.peers[key] = p

	// Tell the newcomer who is already online, then announce it.
	for _, other := range r.peers {
		if other != p && other.online {
			p.inbox <- wire.Presence{From: other.addr, Online: true}
		}
	}
	r.mu.Unlock()

	r.broadcast(wire.Presence{From: p.addr, Online: true}, p)
	r.log.Debug("%s connected", p.addr)

	return &Conn{relay: r, peer: p}, nil
}

// Lookup implements route.Registry.
func (r *Relay) Lookup(addr jid.JID) (route.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[addr.Bare().String()]
	if !ok || p.ep == nil {
		return nil, false
	}
	return p.ep, true
}

func (r *Relay) bind(p *peer, ep route.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ep = ep
}

func (r *Relay) handle(from *peer, ev wire.Event) {
	switch ev := ev.(type) {
	case wire.Message:
		r.router.Route(ev)
	case wire.Subscription:
		r.deliver(ev.To, ev)
	case wire.Presence:
		if ev.To.Equal(jid.JID{}) {
			r.broadcast(ev, from)
		} else {
			r.deliver(ev.To, ev)
		}
	}
}

func (r *Relay) deliver(to jid.JID, ev wire.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[to.Bare().String()]
	if !ok || !p.online {
		r.log.Debug("%s unreachable, dropping %T", to.Bare(), ev)
		return
	}
	select {
	case p.inbox <- ev:
	default:
		r.log.Warn("inbox of %s full, dropping %T", p.addr, ev)
	}
}

func (r *Relay) broadcast(ev wire.Event, except *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.peers {
		if p == except || !p.online {
			continue
		}
		select {
		case p.inbox <- ev:
		default:
			r.log.Warn("inbox of %s full, dropping %T", p.addr, ev)
		}
	}
}

func (r *Relay) detach(p *peer) {
	r.mu.Lock()
	if !p.online {
		r.mu.Unlock()
		return
	}
	p.online = false
	close(p.inbox)
	r.mu.Unlock()

	r.broadcast(wire.Presence{From: p.addr, Online: false}, p)
	r.log.Debug("%s disconnected", p.addr)
}

// Conn is one peer's connection to the relay.
type Conn struct {
	relay *Relay
	peer  *peer
	once  sync.Once
}

// Send implements transport.Conn. Events are handed to the relay
// immediately; full recipient inboxes drop rather than block.
func (c *Conn) Send(_ context.Context, ev wire.Event) error {
	c.relay.handle(c.peer, ev)
	return nil
}

// Events implements transport.Conn.
func (c *Conn) Events() <-chan wire.Event {
	return c.peer.inbox
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.once.Do(func() { c.relay.detach(c.peer) })
	return nil
}

// Bind attaches the session endpoint used by the router. Sessions
// call this through the route.Binder upgrade after dialing.
func (c *Conn) Bind(ep route.Endpoint) {
	c.relay.bind(c.peer, ep)
}
