// Package register manages account lifecycle on the remote directory.
package register

import (
	"context"
	"errors"
	"fmt"

	"mellium.im/xmpp/jid"

	"github.com/peerchat/peerchat/internal/logging"
)

// Directory errors. ErrUnavailable is transient and may be retried by
// the caller; the others are definitive.
var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
	ErrAuthentication  = errors.New("authentication failed")
	ErrUnavailable     = errors.New("directory unavailable")
)

// Directory is the remote account directory. Implementations talk to
// the relay's account-management channel (internal/xmpp/register) or
// hold the table in process (internal/relay).
type Directory interface {
	CreateAccount(ctx context.Context, addr jid.JID, password string) error
	DeleteAccount(ctx context.Context, addr jid.JID, password string) error
}

// Service creates and destroys accounts for identifiers. It retains no
// state between calls; the directory is the source of truth.
type Service struct {
	dir Directory
	log *logging.Logger
}

// NewService wraps a directory.
func NewService(dir Directory, log *logging.Logger) *Service {
	return &Service{dir: dir, log: log}
}

// Register creates the account. Not idempotent: registering an
// existing identifier fails with ErrAccountExists.
func (s *Service) Register(ctx context.Context, addr jid.JID, password string) error {
	if err := s.dir.CreateAccount(ctx, addr, password); err != nil {
		return fmt.Errorf("register %s: %w", addr.Bare(), err)
	}
	s.log.Info("registered %s", addr.Bare())
	return nil
}

// Unregister deletes the account. The password must match the one the
// account was registered with.
func (s *Service) Unregister(ctx context.Context, addr jid.JID, password string) error {
	if err := s.dir.DeleteAccount(ctx, addr, password); err != nil {
		return fmt.Errorf("unregister %s: %w", addr.Bare(), err)
	}
	s.log.Info("unregistered %s", addr.Bare())
	return nil
}
