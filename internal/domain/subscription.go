package domain

import "time"

// SubscriptionStatus represents the possible states of a user's subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusFree      SubscriptionStatus = "free"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// Subscription holds the billing state attached to a usage record.
//
// ExternalID is the payment processor's subscription id. It is never cleared
// once set, even after cancellation, so billing history stays attributable.
type Subscription struct {
	Status          SubscriptionStatus
	PlanID          string
	ExternalID      string
	NextBillingDate time.Time // zero when the processor did not report one
}

// Unlimited reports whether this subscription grants unlimited merges.
// Both an active status and a non-empty external id are required; anything
// else falls back to the free-tier quota.
func (s *Subscription) Unlimited() bool {
	return s != nil && s.Status == SubscriptionStatusActive && s.ExternalID != ""
}

// SubscriptionEventKind identifies a normalized payment-processor event.
type SubscriptionEventKind string

const (
	EventActivated     SubscriptionEventKind = "activated"
	EventRenewed       SubscriptionEventKind = "renewed"
	EventCancelled     SubscriptionEventKind = "cancelled"
	EventSuspended     SubscriptionEventKind = "suspended"
	EventPaymentFailed SubscriptionEventKind = "payment_failed"
)

// SubscriptionEvent is a normalized event from the payment processor's
// webhook stream. Events are keyed by the external subscription id; the
// processor does not know our user ids.
type SubscriptionEvent struct {
	Kind                   SubscriptionEventKind
	ExternalSubscriptionID string
	NextBillingDate        time.Time // zero when absent from the event
}

// NextStatus maps an event kind to the subscription status it produces.
// Returns false for unknown kinds, which handlers drop with a warning.
//
// State machine:
//
//	free|cancelled|expired --activated/renewed--> active
//	active --cancelled--> cancelled
//	active --suspended/payment_failed--> expired
//
// The mapping is absolute per kind, so reapplying an event is idempotent.
func (k SubscriptionEventKind) NextStatus() (SubscriptionStatus, bool) {
	switch k {
	case EventActivated, EventRenewed:
		return SubscriptionStatusActive, true
	case EventCancelled:
		return SubscriptionStatusCancelled, true
	case EventSuspended, EventPaymentFailed:
		return SubscriptionStatusExpired, true
	default:
		return "", false
	}
}
