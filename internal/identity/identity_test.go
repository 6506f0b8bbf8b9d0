package identity

import (
	"errors"
	"strings"
	"testing"
)

func TestResolveProducesUniqueIdentifiers(t *testing.T) {
	a, err := Resolve("example.net")
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	b, err := Resolve("example.net")
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}

	if a.Domain().String() != "example.net" {
		t.Fatalf("unexpected domain %s", a.Domain())
	}
	if a.Localpart() == "" {
		t.Fatalf("expected a non-empty local part")
	}
	if a.Equal(b) {
		t.Fatalf("two resolved identifiers collided: %s", a)
	}
}

func TestResolveRejectsEmptyDomain(t *testing.T) {
	if _, err := Resolve("  "); !errors.Is(err, ErrInvalidDomain) {
		t.Fatalf("expected ErrInvalidDomain, got %v", err)
	}
}

func TestResolveRejectsMalformedDomain(t *testing.T) {
	// Domain parts are capped at 1023 bytes.
	if _, err := Resolve(strings.Repeat("a", 2048)); !errors.Is(err, ErrInvalidDomain) {
		t.Fatalf("expected ErrInvalidDomain, got %v", err)
	}
}
