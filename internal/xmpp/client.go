// Package xmpp adapts an XMPP server connection to the transport
// event stream. Presence subscription verbs carry the subscription
// protocol; chat messages carry the message channel.
package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/transport"
	"github.com/peerchat/peerchat/internal/wire"
)

const dialTimeout = 30 * time.Second

// Dialer connects identifiers to an XMPP relay server.
type Dialer struct {
	Server string // defaults to the identifier's domain
	Port   int    // defaults to 5222

	log *logging.Logger
}

// NewDialer creates a dialer for the given relay server.
func NewDialer(server string, port int, log *logging.Logger) *Dialer {
	if port == 0 {
		port = 5222
	}
	return &Dialer{Server: server, Port: port, log: log}
}

// Dial implements transport.Dialer: TCP, StartTLS, SASL, resource
// binding, then a receive goroutine translating stanzas into events.
func (d *Dialer) Dial(ctx context.Context, addr jid.JID, password string) (transport.Conn, error) {
	server := d.Server
	if server == "" {
		server = addr.Domain().String()
	}

	netConn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", server, d.Port), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial server: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: addr.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(ctx, addr.Domain(), addr, netConn, 0, negotiator)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("failed to negotiate session: %w", err)
	}

	c := &Conn{
		session: session,
		local:   session.LocalAddr(),
		events:  make(chan wire.Event, 64),
		log:     d.log,
	}

	// Initial presence makes the server start delivering.
	_ = session.Encode(ctx, stanza.Presence{})

	go c.receive()
	return c, nil
}

// Conn is a live XMPP connection translating stanzas to wire events.
type Conn struct {
	session *xmpp.Session
	local   jid.JID
	events  chan wire.Event
	log     *logging.Logger

	mu     sync.Mutex
	closed bool
}

// Send implements transport.Conn.
func (c *Conn) Send(ctx context.Context, ev wire.Event) error {
	switch ev := ev.(type) {
	case wire.Message:
		msg := struct {
			stanza.Message
			Body string `xml:"body"`
		}{
			Message: stanza.Message{
				ID:   ev.ID,
				To:   ev.To,
				Type: stanza.ChatMessage,
			},
			Body: ev.Body,
		}
		return c.session.Encode(ctx, msg)

	case wire.Subscription:
		return c.session.Encode(ctx, stanza.Presence{
			To:   ev.To.Bare(),
			Type: presenceType(ev.Action),
		})

	case wire.Presence:
		p := stanza.Presence{To: ev.To.Bare()}
		if !ev.Online {
			p.Type = stanza.UnavailablePresence
		}
		return c.session.Encode(ctx, p)
	}
	return nil
}

// Events implements transport.Conn.
func (c *Conn) Events() <-chan wire.Event {
	return c.events
}

// Close implements transport.Conn. The receive goroutine closes the
// event channel on its way out.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.session.Encode(context.Background(), stanza.Presence{Type: stanza.UnavailablePresence})
	return c.session.Close()
}

func (c *Conn) receive() {
	defer close(c.events)

	dec := xml.NewTokenDecoder(c.session.TokenReader())
	for {
		tok, err := dec.Token()
		if err != nil {
			if err != io.EOF {
				c.log.Debug("stream for %s ended: %v", c.local.Bare(), err)
			}
			return
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "message":
			c.handleMessage(dec, start)
		case "presence":
			c.handlePresence(dec, start)
		default:
			_ = dec.Skip()
		}
	}
}

func (c *Conn) handleMessage(dec *xml.Decoder, start xml.StartElement) {
	var msg struct {
		stanza.Message
		Body string `xml:"body"`
	}
	if err := dec.DecodeElement(&msg, &start); err != nil {
		c.log.Debug("failed to decode message stanza: %v", err)
		return
	}
	if msg.Body == "" {
		return
	}

	c.emit(wire.Message{
		From: msg.From,
		To:   msg.To,
		ID:   msg.ID,
		Body: msg.Body,
		Sent: time.Now(),
	})
}

func (c *Conn) handlePresence(dec *xml.Decoder, start xml.StartElement) {
	var from, to jid.JID
	var ptype stanza.PresenceType
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "from":
			from, _ = jid.Parse(attr.Value)
		case "to":
			to, _ = jid.Parse(attr.Value)
		case "type":
			ptype = stanza.PresenceType(attr.Value)
		}
	}
	_ = dec.Skip()

	switch ptype {
	case "":
		c.emit(wire.Presence{From: from, To: to, Online: true})
	case stanza.UnavailablePresence:
		c.emit(wire.Presence{From: from, To: to, Online: false})
	case stanza.SubscribePresence:
		c.emit(wire.Subscription{From: from, To: to, Action: wire.Subscribe})
	case stanza.SubscribedPresence:
		c.emit(wire.Subscription{From: from, To: to, Action: wire.Subscribed})
	case stanza.UnsubscribePresence:
		c.emit(wire.Subscription{From: from, To: to, Action: wire.Unsubscribe})
	case stanza.UnsubscribedPresence:
		c.emit(wire.Subscription{From: from, To: to, Action: wire.Unsubscribed})
	}
}

func (c *Conn) emit(ev wire.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event channel full, dropping %T", ev)
	}
}

func presenceType(action wire.SubAction) stanza.PresenceType {
	switch action {
	case wire.Subscribe:
		return stanza.SubscribePresence
	case wire.Subscribed:
		return stanza.SubscribedPresence
	case wire.Unsubscribe:
		return stanza.UnsubscribePresence
	default:
		return stanza.UnsubscribedPresence
	}
}
