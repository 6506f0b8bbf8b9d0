// Package subscription implements the state machine governing who may
// message whom. Transitions are expressed as a pure function over the
// current roster state, the inbound action and the local authorization
// policy, so the table is testable in isolation.
package subscription

import (
	"github.com/peerchat/peerchat/internal/roster"
	"github.com/peerchat/peerchat/internal/wire"
)

// Policy controls how inbound subscription requests are answered.
type Policy int

const (
	// Reject denies inbound requests. This is the default: a request
	// is acknowledged as denied and grants nothing.
	Reject Policy = iota
	// AutoAuthorize approves inbound requests as they arrive. It never
	// retroactively approves requests received while rejecting.
	AutoAuthorize
)

// String returns the policy name.
func (p Policy) String() string {
	if p == AutoAuthorize {
		return "auto-authorize"
	}
	return "reject"
}

// Apply advances the subscription state for one contact given an
// inbound action, and returns the actions to send back to that
// contact. The caller owns persisting the new state and emitting the
// replies in order.
//
// Approving a request also requests the reverse subscription when we
// do not hold it yet, so a single subscribe call converges to mutual
// "both" once both sides authorize.
func Apply(cur roster.Subscription, action wire.SubAction, pol Policy) (roster.Subscription, []wire.SubAction) {
	switch action {
	case wire.Subscribe:
		if pol != AutoAuthorize {
			// Denied, not silently dropped: the contact learns the
			// outcome but gains no access.
			return cur, []wire.SubAction{wire.Unsubscribed}
		}
		next := addFrom(cur)
		replies := []wire.SubAction{wire.Subscribed}
		if next != roster.SubscriptionBoth {
			replies = append(replies, wire.Subscribe)
		}
		return next, replies

	case wire.Subscribed:
		return addTo(cur), nil

	case wire.Unsubscribe:
		return dropFrom(cur), []wire.SubAction{wire.Unsubscribed}

	case wire.Unsubscribed:
		return dropTo(cur), nil
	}
	return cur, nil
}

func addFrom(cur roster.Subscription) roster.Subscription {
	switch cur {
	case roster.SubscriptionNone, roster.SubscriptionFrom:
		return roster.SubscriptionFrom
	default:
		return roster.SubscriptionBoth
	}
}

func addTo(cur roster.Subscription) roster.Subscription {
	switch cur {
	case roster.SubscriptionNone, roster.SubscriptionTo:
		return roster.SubscriptionTo
	default:
		return roster.SubscriptionBoth
	}
}

func dropFrom(cur roster.Subscription) roster.Subscription {
	switch cur {
	case roster.SubscriptionBoth, roster.SubscriptionTo:
		return roster.SubscriptionTo
	default:
		return roster.SubscriptionNone
	}
}

func dropTo(cur roster.Subscription) roster.Subscription {
	switch cur {
	case roster.SubscriptionBoth, roster.SubscriptionFrom:
		return roster.SubscriptionFrom
	default:
		return roster.SubscriptionNone
	}
}
