package register

import (
	"context"
	"errors"
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/peerchat/peerchat/internal/logging"
)

type stubDirectory struct {
	createErr error
	deleteErr error
}

func (d *stubDirectory) CreateAccount(_ context.Context, _ jid.JID, _ string) error {
	return d.createErr
}

func (d *stubDirectory) DeleteAccount(_ context.Context, _ jid.JID, _ string) error {
	return d.deleteErr
}

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", s, err)
	}
	return j
}

func TestRegisterSuccess(t *testing.T) {
	svc := NewService(&stubDirectory{}, logging.Discard())
	if err := svc.Register(context.Background(), mustJID(t, "alice@example.net"), "pw"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
}

func TestRegisterWrapsDirectoryError(t *testing.T) {
	svc := NewService(&stubDirectory{createErr: ErrAccountExists}, logging.Discard())
	err := svc.Register(context.Background(), mustJID(t, "alice@example.net"), "pw")
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestUnregisterWrapsDirectoryError(t *testing.T) {
	svc := NewService(&stubDirectory{deleteErr: ErrAuthentication}, logging.Discard())
	err := svc.Unregister(context.Background(), mustJID(t, "alice@example.net"), "pw")
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}
