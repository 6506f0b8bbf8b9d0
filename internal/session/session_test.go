package session

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/presence"
	"github.com/peerchat/peerchat/internal/relay"
	"github.com/peerchat/peerchat/internal/roster"
)

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", s, err)
	}
	return j
}

// syncWriter serializes reads and writes so the relay log can be
// inspected while sessions are still emitting.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

type received struct {
	from jid.JID
	body string
}

type collector struct {
	mu   sync.Mutex
	msgs []received
}

func (c *collector) add(from jid.JID, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, received{from: from, body: body})
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) last() received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[len(c.msgs)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newRelay(t *testing.T, logSink io.Writer, addrs ...jid.JID) *relay.Relay {
	t.Helper()
	log := logging.Discard()
	if logSink != nil {
		log = logging.NewWriter(logging.LevelDebug, logSink)
	}
	r := relay.New(log)
	for _, addr := range addrs {
		if err := r.CreateAccount(context.Background(), addr, "pw"); err != nil {
			t.Fatalf("failed to create account %s: %v", addr, err)
		}
	}
	return r
}

func dialOnline(t *testing.T, r *relay.Relay, addr jid.JID) *Session {
	t.Helper()
	s := Dial(r, addr, "pw", logging.Discard())
	if err := s.WaitOnline(2 * time.Second); err != nil {
		t.Fatalf("session %s never came online: %v", addr, err)
	}
	return s
}

func TestSelfMessageAlwaysDelivered(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	r := newRelay(t, nil, alice)

	s := dialOnline(t, r, alice)
	defer s.Disconnect()

	var got collector
	s.SetMessageCallback(got.add)

	s.Send(alice, "note to self")

	waitFor(t, "self message", func() bool { return got.len() == 1 })
	if m := got.last(); !m.from.Equal(alice) || m.body != "note to self" {
		t.Fatalf("unexpected delivery %+v", m)
	}
}

func TestMessageBlockedWithoutMutualSubscription(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	bob := mustJID(t, "bob@example.net")
	r := newRelay(t, nil, alice, bob)

	sa := dialOnline(t, r, alice)
	defer sa.Disconnect()
	sb := dialOnline(t, r, bob)
	defer sb.Disconnect()

	var got collector
	sb.SetMessageCallback(got.add)

	sa.Send(bob, "should not arrive")

	time.Sleep(100 * time.Millisecond)
	if got.len() != 0 {
		t.Fatalf("message delivered without mutual subscription: %+v", got.last())
	}
}

func TestSubscriptionDeniedByDefault(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	bob := mustJID(t, "bob@example.net")
	r := newRelay(t, nil, alice, bob)

	sa := dialOnline(t, r, alice)
	defer sa.Disconnect()
	sb := dialOnline(t, r, bob)
	defer sb.Disconnect()

	sa.Subscribe(bob)

	// The request is recorded on both sides but no authorization is
	// granted.
	waitFor(t, "denied entry on bob", func() bool {
		e, ok := sb.Roster()[alice.String()]
		return ok && e.Subscription == roster.SubscriptionNone
	})
	waitFor(t, "denial observed by alice", func() bool {
		e, ok := sa.Roster()[bob.String()]
		return ok && e.Subscription == roster.SubscriptionNone
	})
}

func TestMutualSubscriptionFromSingleRequest(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	bob := mustJID(t, "bob@example.net")
	r := newRelay(t, nil, alice, bob)

	sa := dialOnline(t, r, alice)
	defer sa.Disconnect()
	sb := dialOnline(t, r, bob)
	defer sb.Disconnect()

	sa.AuthorizeSubscriptions()
	sb.AuthorizeSubscriptions()

	sa.Subscribe(bob)

	waitFor(t, "mutual subscription on alice", func() bool {
		return sa.Roster()[bob.String()].Subscription == roster.SubscriptionBoth
	})
	waitFor(t, "mutual subscription on bob", func() bool {
		return sb.Roster()[alice.String()].Subscription == roster.SubscriptionBoth
	})
}

func TestStagedMutualSubscription(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	bob := mustJID(t, "bob@example.net")
	r := newRelay(t, nil, alice, bob)

	sa := dialOnline(t, r, alice)
	defer sa.Disconnect()
	sb := dialOnline(t, r, bob)
	defer sb.Disconnect()

	// Round one: only alice authorizes, bob asks. Alice grants the
	// inbound side; her counter request is denied by bob's default
	// policy, so the relationship stalls half way.
	sa.AuthorizeSubscriptions()
	sb.Subscribe(alice)

	waitFor(t, "alice at from", func() bool {
		return sa.Roster()[bob.String()].Subscription == roster.SubscriptionFrom
	})
	waitFor(t, "bob at to", func() bool {
		return sb.Roster()[alice.String()].Subscription == roster.SubscriptionTo
	})
	time.Sleep(100 * time.Millisecond)
	if got := sa.Roster()[bob.String()].Subscription; got != roster.SubscriptionFrom {
		t.Fatalf("denied counter request must not regress alice, got %s", got)
	}

	// Round two: bob authorizes too and alice asks back.
	sb.AuthorizeSubscriptions()
	sa.Subscribe(bob)

	waitFor(t, "alice at both", func() bool {
		return sa.Roster()[bob.String()].Subscription == roster.SubscriptionBoth
	})
	waitFor(t, "bob at both", func() bool {
		return sb.Roster()[alice.String()].Subscription == roster.SubscriptionBoth
	})
}

func TestMessageDeliveredExactlyOnce(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	bob := mustJID(t, "bob@example.net")
	r := newRelay(t, nil, alice, bob)

	sa := dialOnline(t, r, alice)
	defer sa.Disconnect()
	sb := dialOnline(t, r, bob)
	defer sb.Disconnect()

	var got collector
	sb.SetMessageCallback(got.add)

	sa.AuthorizeSubscriptions()
	sb.AuthorizeSubscriptions()
	sa.Subscribe(bob)
	waitFor(t, "mutual subscription", func() bool {
		return sa.Roster()[bob.String()].Subscription == roster.SubscriptionBoth &&
			sb.Roster()[alice.String()].Subscription == roster.SubscriptionBoth
	})

	sa.Send(bob, "hello bob")

	waitFor(t, "delivery", func() bool { return got.len() >= 1 })
	time.Sleep(100 * time.Millisecond)
	if got.len() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got.len())
	}
	if m := got.last(); !m.from.Equal(alice) || m.body != "hello bob" {
		t.Fatalf("unexpected delivery %+v", m)
	}
}

func TestAuthorizationIsNotRetroactive(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	bob := mustJID(t, "bob@example.net")
	r := newRelay(t, nil, alice, bob)

	sa := dialOnline(t, r, alice)
	defer sa.Disconnect()
	sb := dialOnline(t, r, bob)
	defer sb.Disconnect()

	sa.Subscribe(bob)
	waitFor(t, "denial observed by alice", func() bool {
		e, ok := sa.Roster()[bob.String()]
		return ok && e.Subscription == roster.SubscriptionNone
	})

	// Authorizing later does not replay the denied request.
	sb.AuthorizeSubscriptions()
	time.Sleep(100 * time.Millisecond)
	if got := sb.Roster()[alice.String()].Subscription; got != roster.SubscriptionNone {
		t.Fatalf("denied request was replayed, bob has %s", got)
	}

	// A fresh request goes through.
	sa.AuthorizeSubscriptions()
	sa.Subscribe(bob)
	waitFor(t, "mutual subscription after retry", func() bool {
		return sa.Roster()[bob.String()].Subscription == roster.SubscriptionBoth &&
			sb.Roster()[alice.String()].Subscription == roster.SubscriptionBoth
	})
}

func TestRejectRestoresDenyingPolicy(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	bob := mustJID(t, "bob@example.net")
	r := newRelay(t, nil, alice, bob)

	sa := dialOnline(t, r, alice)
	defer sa.Disconnect()
	sb := dialOnline(t, r, bob)
	defer sb.Disconnect()

	sb.AuthorizeSubscriptions()
	sb.RejectSubscriptions()

	sa.Subscribe(bob)

	waitFor(t, "denial observed by alice", func() bool {
		e, ok := sa.Roster()[bob.String()]
		return ok && e.Subscription == roster.SubscriptionNone
	})
	if got := sb.Roster()[alice.String()].Subscription; got != roster.SubscriptionNone {
		t.Fatalf("expected no grant from bob, got %s", got)
	}
}

func TestOfflineRecipientIsSkipped(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	bob := mustJID(t, "bob@example.net")
	var logSink syncWriter
	r := newRelay(t, &logSink, alice, bob)

	sa := dialOnline(t, r, alice)
	defer sa.Disconnect()
	sb := dialOnline(t, r, bob)

	sa.AuthorizeSubscriptions()
	sb.AuthorizeSubscriptions()
	sa.Subscribe(bob)
	waitFor(t, "mutual subscription", func() bool {
		return sa.Roster()[bob.String()].Subscription == roster.SubscriptionBoth
	})

	sb.Disconnect()
	waitFor(t, "bob seen offline", func() bool {
		return sa.Presence(bob) == presence.StatusOffline
	})

	sa.Send(bob, "too late")

	waitFor(t, "skip log entry", func() bool {
		return strings.Contains(logSink.String(), "bob@example.net skipped (not online)")
	})
}

func TestSendWhileNotOnlineIsDropped(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	bob := mustJID(t, "bob@example.net")
	r := newRelay(t, nil, alice, bob)

	sa := dialOnline(t, r, alice)
	sa.Disconnect()

	// Must not panic or error; the drop is logged only.
	sa.Send(bob, "after disconnect")
	if sa.State() != StateOffline {
		t.Fatalf("expected offline state, got %s", sa.State())
	}
}

func TestWaitOnlineTimeout(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	r := newRelay(t, nil) // no accounts, dial will fail

	s := Dial(r, alice, "pw", logging.Discard())
	defer s.Disconnect()

	if err := s.WaitOnline(100 * time.Millisecond); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	waitFor(t, "failed session to settle offline", func() bool {
		return s.State() == StateOffline
	})
}

func TestPresenceObservedAcrossLifecycle(t *testing.T) {
	alice := mustJID(t, "alice@example.net")
	bob := mustJID(t, "bob@example.net")
	r := newRelay(t, nil, alice, bob)

	sa := dialOnline(t, r, alice)
	defer sa.Disconnect()

	if got := sa.Presence(bob); got != presence.StatusUnknown {
		t.Fatalf("expected unknown before bob connects, got %s", got)
	}

	sb := dialOnline(t, r, bob)
	waitFor(t, "bob seen online", func() bool {
		return sa.Presence(bob) == presence.StatusOnline
	})

	sb.Disconnect()
	waitFor(t, "bob seen offline", func() bool {
		return sa.Presence(bob) == presence.StatusOffline
	})
}
