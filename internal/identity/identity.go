// Package identity produces unique peer identifiers scoped to a domain.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"
)

// ErrInvalidDomain is returned when the domain is empty or malformed.
var ErrInvalidDomain = errors.New("invalid domain")

// Resolve creates a new identifier under the given domain. The local
// part is random, so two calls never collide on the directory.
func Resolve(domain string) (jid.JID, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return jid.JID{}, ErrInvalidDomain
	}

	local := uuid.NewString()
	addr, err := jid.New(local, domain, "")
	if err != nil {
		return jid.JID{}, fmt.Errorf("%w: %q: %v", ErrInvalidDomain, domain, err)
	}
	return addr, nil
}
