// Package ibr performs in-band account registration and removal
// (XEP-0077) against an XMPP relay, implementing the directory
// contract of internal/register.
package ibr

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"net"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/peerchat/peerchat/internal/register"
)

const dialTimeout = 30 * time.Second

// Directory registers and removes accounts over the relay's
// account-management channel.
type Directory struct {
	Server string // defaults to the identifier's domain
	Port   int    // defaults to 5222
}

// NewDirectory creates a directory client for the given relay server.
func NewDirectory(server string, port int) *Directory {
	if port == 0 {
		port = 5222
	}
	return &Directory{Server: server, Port: port}
}

type query struct {
	XMLName  xml.Name  `xml:"jabber:iq:register query"`
	Username string    `xml:"username,omitempty"`
	Password string    `xml:"password,omitempty"`
	Remove   *struct{} `xml:"remove,omitempty"`
}

type request struct {
	stanza.IQ
	Query query
}

type response struct {
	stanza.IQ
	Error struct {
		Conflict      *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas conflict"`
		NotAuthorized *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas not-authorized"`
		ItemNotFound  *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas item-not-found"`
	} `xml:"jabber:client error"`
}

// CreateAccount implements register.Directory. Registration runs on a
// fresh stream before authentication, as the protocol requires.
func (d *Directory) CreateAccount(ctx context.Context, addr jid.JID, password string) error {
	session, err := d.negotiate(ctx, addr, "")
	if err != nil {
		return fmt.Errorf("%w: %v", register.ErrUnavailable, err)
	}
	defer session.Close()

	req := request{
		IQ: stanza.IQ{Type: stanza.SetIQ},
		Query: query{
			Username: addr.Localpart(),
			Password: password,
		},
	}
	resp, err := d.roundTrip(ctx, session, req)
	if err != nil {
		return fmt.Errorf("%w: %v", register.ErrUnavailable, err)
	}

	if resp.IQ.Type == stanza.ErrorIQ {
		if resp.Error.Conflict != nil {
			return register.ErrAccountExists
		}
		return fmt.Errorf("%w: registration refused", register.ErrUnavailable)
	}
	return nil
}

// DeleteAccount implements register.Directory. Removal requires an
// authenticated stream; a credential mismatch therefore surfaces as
// ErrAuthentication before the removal query is even sent.
func (d *Directory) DeleteAccount(ctx context.Context, addr jid.JID, password string) error {
	session, err := d.negotiate(ctx, addr, password)
	if err != nil {
		return fmt.Errorf("%w: %v", register.ErrAuthentication, err)
	}
	defer session.Close()

	req := request{
		IQ:    stanza.IQ{Type: stanza.SetIQ},
		Query: query{Remove: &struct{}{}},
	}
	resp, err := d.roundTrip(ctx, session, req)
	if err != nil {
		return fmt.Errorf("%w: %v", register.ErrUnavailable, err)
	}

	if resp.IQ.Type == stanza.ErrorIQ {
		switch {
		case resp.Error.NotAuthorized != nil:
			return register.ErrAuthentication
		case resp.Error.ItemNotFound != nil:
			return register.ErrAccountNotFound
		}
		return fmt.Errorf("%w: removal refused", register.ErrUnavailable)
	}
	return nil
}

// negotiate opens a stream to the relay. An empty password skips SASL,
// leaving the pre-authentication stream registration needs.
func (d *Directory) negotiate(ctx context.Context, addr jid.JID, password string) (*xmpp.Session, error) {
	server := d.Server
	if server == "" {
		server = addr.Domain().String()
	}

	netConn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", server, d.Port), dialTimeout)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		ServerName: addr.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	features := []xmpp.StreamFeature{xmpp.StartTLS(tlsConfig)}
	if password != "" {
		features = append(features,
			xmpp.SASL("", password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
			xmpp.BindResource(),
		)
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{Features: features}
	})

	session, err := xmpp.NewSession(ctx, addr.Domain(), addr, netConn, 0, negotiator)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return session, nil
}

func (d *Directory) roundTrip(ctx context.Context, session *xmpp.Session, req request) (*response, error) {
	req.IQ.ID = fmt.Sprintf("reg-%d", time.Now().UnixNano())
	if err := session.Encode(ctx, req); err != nil {
		return nil, err
	}

	dec := xml.NewTokenDecoder(session.TokenReader())
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "iq" {
			_ = dec.Skip()
			continue
		}

		var resp response
		if err := dec.DecodeElement(&resp, &start); err != nil {
			return nil, err
		}
		if resp.IQ.ID != req.IQ.ID {
			continue
		}
		return &resp, nil
	}
}
