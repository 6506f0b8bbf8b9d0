package subscription

import (
	"testing"

	"github.com/peerchat/peerchat/internal/roster"
	"github.com/peerchat/peerchat/internal/wire"
)

func TestInboundRequestDeniedByDefault(t *testing.T) {
	next, replies := Apply(roster.SubscriptionNone, wire.Subscribe, Reject)

	if next != roster.SubscriptionNone {
		t.Fatalf("expected state none, got %s", next)
	}
	if len(replies) != 1 || replies[0] != wire.Unsubscribed {
		t.Fatalf("expected a single unsubscribed reply, got %v", replies)
	}
}

func TestInboundRequestApprovedUnderAutoAuthorize(t *testing.T) {
	next, replies := Apply(roster.SubscriptionNone, wire.Subscribe, AutoAuthorize)

	if next != roster.SubscriptionFrom {
		t.Fatalf("expected state from, got %s", next)
	}
	if len(replies) != 2 || replies[0] != wire.Subscribed || replies[1] != wire.Subscribe {
		t.Fatalf("expected approval plus counter request, got %v", replies)
	}
}

func TestApprovalDoesNotCounterRequestWhenAlreadySubscribed(t *testing.T) {
	next, replies := Apply(roster.SubscriptionTo, wire.Subscribe, AutoAuthorize)

	if next != roster.SubscriptionBoth {
		t.Fatalf("expected state both, got %s", next)
	}
	if len(replies) != 1 || replies[0] != wire.Subscribed {
		t.Fatalf("expected approval only, got %v", replies)
	}
}

func TestPeerApprovalAdvancesOurSubscription(t *testing.T) {
	cases := []struct {
		cur, want roster.Subscription
	}{
		{roster.SubscriptionNone, roster.SubscriptionTo},
		{roster.SubscriptionFrom, roster.SubscriptionBoth},
		{roster.SubscriptionTo, roster.SubscriptionTo},
		{roster.SubscriptionBoth, roster.SubscriptionBoth},
	}
	for _, c := range cases {
		next, replies := Apply(c.cur, wire.Subscribed, Reject)
		if next != c.want {
			t.Fatalf("subscribed on %s: expected %s, got %s", c.cur, c.want, next)
		}
		if len(replies) != 0 {
			t.Fatalf("subscribed on %s: unexpected replies %v", c.cur, replies)
		}
	}
}

func TestUnsubscribeDropsInboundComponent(t *testing.T) {
	next, _ := Apply(roster.SubscriptionBoth, wire.Unsubscribe, AutoAuthorize)
	if next != roster.SubscriptionTo {
		t.Fatalf("expected both to fall back to to, got %s", next)
	}

	next, _ = Apply(roster.SubscriptionFrom, wire.Unsubscribe, AutoAuthorize)
	if next != roster.SubscriptionNone {
		t.Fatalf("expected from to fall back to none, got %s", next)
	}
}

func TestUnsubscribedDropsOutboundComponent(t *testing.T) {
	next, _ := Apply(roster.SubscriptionBoth, wire.Unsubscribed, AutoAuthorize)
	if next != roster.SubscriptionFrom {
		t.Fatalf("expected both to fall back to from, got %s", next)
	}

	next, _ = Apply(roster.SubscriptionTo, wire.Unsubscribed, AutoAuthorize)
	if next != roster.SubscriptionNone {
		t.Fatalf("expected to to fall back to none, got %s", next)
	}
}

func TestDenialLeavesStateUntouched(t *testing.T) {
	// A denial received while we hold no subscription must not grant
	// anything.
	next, _ := Apply(roster.SubscriptionNone, wire.Unsubscribed, Reject)
	if next != roster.SubscriptionNone {
		t.Fatalf("expected none, got %s", next)
	}
}

func TestNoDirectJumpFromNoneToBoth(t *testing.T) {
	for _, action := range []wire.SubAction{wire.Subscribe, wire.Subscribed, wire.Unsubscribe, wire.Unsubscribed} {
		for _, pol := range []Policy{Reject, AutoAuthorize} {
			next, _ := Apply(roster.SubscriptionNone, action, pol)
			if next == roster.SubscriptionBoth {
				t.Fatalf("action %s under %s jumped none to both", action, pol)
			}
		}
	}
}
