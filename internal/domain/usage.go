// Package domain contains core business types and interfaces.
//
// This file defines the per-user usage record and the admission decision
// produced by the entitlement tracker.
package domain

import "time"

// FreeDailyMergeLimit is the number of merges a free-tier user may perform
// per calendar day.
const FreeDailyMergeLimit int64 = 5

// UsageRecord tracks merge usage for a single user.
//
// The user id is an opaque string owned by the external identity provider.
// DailyMerges counts merges attributed to the calendar day of LastUsed; there
// is no separate day-key field, so day identity is always derived from
// LastUsed.
type UsageRecord struct {
	UserID       string
	TotalMerges  int64
	DailyMerges  int64
	LastUsed     time.Time // zero value when the user has never merged
	CreatedAt    time.Time
	Subscription *Subscription // nil for users without any subscription history
}

// EffectiveDailyMerges returns the number of merges that count against
// today's quota. A daily counter from a prior day is stale and reads as zero.
func (u *UsageRecord) EffectiveDailyMerges(now time.Time) int64 {
	if u == nil || u.LastUsed.IsZero() {
		return 0
	}
	if !SameDay(u.LastUsed, now) {
		return 0
	}
	return u.DailyMerges
}

// IsPro reports whether the user holds an active paid entitlement.
func (u *UsageRecord) IsPro() bool {
	return u != nil && u.Subscription.Unlimited()
}

// AdmissionDecision is the outcome of an entitlement check.
type AdmissionDecision struct {
	Admitted  bool
	Unlimited bool      // true for active subscribers; quota fields are zero
	DailyUsed int64     // merges counted against today's quota
	Remaining int64     // merges left today (free tier only)
	Limit     int64     // the free-tier daily limit
	ResetAt   time.Time // when the quota resets; set on rejection
}

// Day boundaries use a single server-side clock reference in UTC. The SQL
// conditional in the repository truncates the same way; keep them in sync.

// SameDay reports whether two instants fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// StartOfDay truncates t to UTC midnight.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextReset returns the next UTC midnight after t, i.e. when a free-tier
// user's daily counter stops counting.
func NextReset(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1)
}
