// Package service contains the business logic layer.
//
// This file implements the entitlement tracker: deciding whether a user may
// merge right now, and advancing usage counters after a successful merge.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/bindery-app/bindery/internal/domain"
	"github.com/bindery-app/bindery/internal/metrics"
)

// =============================================================================
// Interface Definitions
// =============================================================================

// UsageStore is the durable per-user usage record store.
//
// RecordMerge must apply its read-decide-write as a single atomic transition
// per user id: two concurrent calls for the same user must never both observe
// the same before-state and lose an increment.
type UsageStore interface {
	GetUsage(ctx context.Context, userID string) (*domain.UsageRecord, error)
	RecordMerge(ctx context.Context, userID string, now time.Time) (*domain.UsageRecord, error)
	ApplySubscriptionEvent(ctx context.Context, event domain.SubscriptionEvent) (string, error)
	LinkSubscription(ctx context.Context, userID string, sub domain.Subscription) (*domain.UsageRecord, error)
}

// EntitlementService defines admission and usage-tracking operations.
type EntitlementService interface {
	// CheckAdmission decides whether the user may merge right now.
	// A quota rejection is a decision, not an error; errors mean the check
	// itself could not be performed (and admission fails closed).
	CheckAdmission(ctx context.Context, userID string) (*domain.AdmissionDecision, error)

	// RecordSuccess advances usage counters after a merge has completed.
	// Call exactly once per successful merge, never speculatively. On error
	// the caller must still deliver the merged output; undercounting is an
	// accepted degraded mode.
	RecordSuccess(ctx context.Context, userID string) (*domain.UsageRecord, error)

	// ApplySubscriptionEvent applies a normalized payment-processor event,
	// keyed by external subscription id. Unknown ids are surfaced as an
	// unmatched error and never create records.
	ApplySubscriptionEvent(ctx context.Context, event domain.SubscriptionEvent) error

	// LinkSubscription attaches a verified subscription to the user's record.
	LinkSubscription(ctx context.Context, userID string, sub domain.Subscription) (*domain.UsageRecord, error)

	// Usage returns the user's current record alongside the admission
	// decision it implies, for the status endpoint.
	Usage(ctx context.Context, userID string) (*domain.UsageRecord, *domain.AdmissionDecision, error)
}

// =============================================================================
// Implementation
// =============================================================================

type entitlementService struct {
	store        UsageStore
	logger       *slog.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

// NewEntitlementService creates a new EntitlementService.
// storeTimeout bounds every store call; admission checks that hit it deny.
func NewEntitlementService(store UsageStore, logger *slog.Logger, storeTimeout time.Duration) EntitlementService {
	return &entitlementService{
		store:        store,
		logger:       logger,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// CheckAdmission decides whether the user may merge right now.
func (s *entitlementService) CheckAdmission(ctx context.Context, userID string) (*domain.AdmissionDecision, error) {
	const op = "entitlement.check_admission"

	if userID == "" {
		return nil, domain.Invalid(op, "user id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	now := s.now()

	rec, err := s.store.GetUsage(ctx, userID)
	if err != nil {
		// A user with no record has full quota remaining.
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			return &domain.AdmissionDecision{
				Admitted:  true,
				Remaining: domain.FreeDailyMergeLimit,
				Limit:     domain.FreeDailyMergeLimit,
			}, nil
		}
		// Fail closed: if entitlement cannot be proven, deny rather than
		// silently admit during an outage.
		return nil, domain.Unavailable(err, op)
	}

	return s.decide(rec, now), nil
}

// decide computes the admission decision from a loaded record. Pure logic,
// shared with Usage.
func (s *entitlementService) decide(rec *domain.UsageRecord, now time.Time) *domain.AdmissionDecision {
	if rec.IsPro() {
		return &domain.AdmissionDecision{Admitted: true, Unlimited: true}
	}

	used := rec.EffectiveDailyMerges(now)
	if used < domain.FreeDailyMergeLimit {
		return &domain.AdmissionDecision{
			Admitted:  true,
			DailyUsed: used,
			Remaining: domain.FreeDailyMergeLimit - used,
			Limit:     domain.FreeDailyMergeLimit,
		}
	}

	return &domain.AdmissionDecision{
		Admitted:  false,
		DailyUsed: used,
		Limit:     domain.FreeDailyMergeLimit,
		ResetAt:   domain.NextReset(now),
	}
}

// RecordSuccess advances usage counters after a successful merge.
func (s *entitlementService) RecordSuccess(ctx context.Context, userID string) (*domain.UsageRecord, error) {
	const op = "entitlement.record_success"

	if userID == "" {
		return nil, domain.Invalid(op, "user id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	rec, err := s.store.RecordMerge(ctx, userID, s.now())
	if err != nil {
		// The merge already succeeded and the file was delivered, so this is
		// undercounting, not a request failure. Alert loudly.
		metrics.UsageRecordFailures.Inc()
		s.logger.Error("usage recording failed after successful merge",
			"user_id", userID,
			"error", err,
		)
		return nil, domain.Unavailable(err, op)
	}
	return rec, nil
}

// ApplySubscriptionEvent applies a normalized payment-processor event.
func (s *entitlementService) ApplySubscriptionEvent(ctx context.Context, event domain.SubscriptionEvent) error {
	const op = "entitlement.apply_subscription_event"

	if event.ExternalSubscriptionID == "" {
		return domain.Invalid(op, "external subscription id is required")
	}
	if _, ok := event.Kind.NextStatus(); !ok {
		return domain.Invalid(op, "unknown subscription event kind")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	userID, err := s.store.ApplySubscriptionEvent(ctx, event)
	if err != nil {
		return err
	}

	s.logger.Info("subscription event applied",
		"user_id", userID,
		"kind", event.Kind,
		"subscription_id", event.ExternalSubscriptionID,
	)
	return nil
}

// LinkSubscription attaches a verified subscription to the user's record.
func (s *entitlementService) LinkSubscription(ctx context.Context, userID string, sub domain.Subscription) (*domain.UsageRecord, error) {
	const op = "entitlement.link_subscription"

	if userID == "" {
		return nil, domain.Invalid(op, "user id is required")
	}
	if sub.ExternalID == "" {
		return nil, domain.Invalid(op, "external subscription id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	return s.store.LinkSubscription(ctx, userID, sub)
}

// Usage returns the current record plus the decision it implies.
func (s *entitlementService) Usage(ctx context.Context, userID string) (*domain.UsageRecord, *domain.AdmissionDecision, error) {
	const op = "entitlement.usage"

	if userID == "" {
		return nil, nil, domain.Invalid(op, "user id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	now := s.now()

	rec, err := s.store.GetUsage(ctx, userID)
	if err != nil {
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			rec = &domain.UsageRecord{UserID: userID}
			return rec, s.decide(rec, now), nil
		}
		return nil, nil, domain.Unavailable(err, op)
	}

	return rec, s.decide(rec, now), nil
}
