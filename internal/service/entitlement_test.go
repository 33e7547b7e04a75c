package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bindery-app/bindery/internal/domain"
)

// =============================================================================
// Fake Store
// =============================================================================

// fakeUsageStore is an in-memory UsageStore with the same atomicity contract
// as the SQL implementation: RecordMerge applies its read-decide-write under
// one lock.
type fakeUsageStore struct {
	mu      sync.Mutex
	records map[string]*domain.UsageRecord

	failGet    error // returned by GetUsage when set
	failRecord error // returned by RecordMerge when set
	failApply  error // returned by ApplySubscriptionEvent when set
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{records: make(map[string]*domain.UsageRecord)}
}

func (f *fakeUsageStore) GetUsage(ctx context.Context, userID string) (*domain.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failGet != nil {
		return nil, f.failGet
	}
	rec, ok := f.records[userID]
	if !ok {
		return nil, domain.NotFound("fake.get_usage", "usage record", userID)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeUsageStore) RecordMerge(ctx context.Context, userID string, now time.Time) (*domain.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failRecord != nil {
		return nil, f.failRecord
	}

	rec, ok := f.records[userID]
	if !ok {
		rec = &domain.UsageRecord{UserID: userID, CreatedAt: now}
		f.records[userID] = rec
	}

	rec.TotalMerges++
	if !rec.LastUsed.IsZero() && domain.SameDay(rec.LastUsed, now) {
		rec.DailyMerges++
	} else {
		rec.DailyMerges = 1
	}
	rec.LastUsed = now

	cp := *rec
	return &cp, nil
}

func (f *fakeUsageStore) ApplySubscriptionEvent(ctx context.Context, event domain.SubscriptionEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failApply != nil {
		return "", f.failApply
	}

	for _, rec := range f.records {
		if rec.Subscription != nil && rec.Subscription.ExternalID == event.ExternalSubscriptionID {
			status, _ := event.Kind.NextStatus()
			rec.Subscription.Status = status
			if !event.NextBillingDate.IsZero() {
				rec.Subscription.NextBillingDate = event.NextBillingDate
			}
			return rec.UserID, nil
		}
	}
	return "", domain.UnmatchedSubscription("fake.apply_subscription_event", event.ExternalSubscriptionID)
}

func (f *fakeUsageStore) LinkSubscription(ctx context.Context, userID string, sub domain.Subscription) (*domain.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[userID]
	if !ok {
		rec = &domain.UsageRecord{UserID: userID}
		f.records[userID] = rec
	}
	cp := sub
	rec.Subscription = &cp

	out := *rec
	return &out, nil
}

// seed installs a record without going through RecordMerge.
func (f *fakeUsageStore) seed(rec *domain.UsageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.UserID] = rec
}

func newTestEntitlement(store UsageStore, now time.Time) *entitlementService {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewEntitlementService(store, logger, time.Second).(*entitlementService)
	svc.now = func() time.Time { return now }
	return svc
}

var testNoon = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Admission Tests
// =============================================================================

func TestCheckAdmission_NewUserHasFullQuota(t *testing.T) {
	store := newFakeUsageStore()
	svc := newTestEntitlement(store, testNoon)

	decision, err := svc.CheckAdmission(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Admitted {
		t.Error("new user should be admitted")
	}
	if decision.Remaining != domain.FreeDailyMergeLimit {
		t.Errorf("expected %d remaining, got %d", domain.FreeDailyMergeLimit, decision.Remaining)
	}
}

func TestCheckAdmission_UnderLimit(t *testing.T) {
	store := newFakeUsageStore()
	store.seed(&domain.UsageRecord{
		UserID:      "u1",
		TotalMerges: 20,
		DailyMerges: 4,
		LastUsed:    testNoon.Add(-time.Hour),
	})
	svc := newTestEntitlement(store, testNoon)

	decision, err := svc.CheckAdmission(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Admitted {
		t.Error("user under the limit should be admitted")
	}
	if decision.DailyUsed != 4 || decision.Remaining != 1 {
		t.Errorf("expected 4 used / 1 remaining, got %d / %d", decision.DailyUsed, decision.Remaining)
	}
}

func TestCheckAdmission_AtLimitRejects(t *testing.T) {
	store := newFakeUsageStore()
	store.seed(&domain.UsageRecord{
		UserID:      "u1",
		DailyMerges: 5,
		LastUsed:    testNoon.Add(-time.Hour),
	})
	svc := newTestEntitlement(store, testNoon)

	decision, err := svc.CheckAdmission(context.Background(), "u1")
	if err != nil {
		t.Fatalf("a quota rejection is a decision, not an error: %v", err)
	}
	if decision.Admitted {
		t.Error("user at the limit should be rejected")
	}
	wantReset := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !decision.ResetAt.Equal(wantReset) {
		t.Errorf("expected reset at %v, got %v", wantReset, decision.ResetAt)
	}
}

func TestCheckAdmission_StaleCounterFromYesterdayAdmits(t *testing.T) {
	store := newFakeUsageStore()
	store.seed(&domain.UsageRecord{
		UserID:      "u1",
		DailyMerges: 5,
		LastUsed:    testNoon.AddDate(0, 0, -1),
	})
	svc := newTestEntitlement(store, testNoon)

	decision, err := svc.CheckAdmission(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Admitted {
		t.Error("yesterday's exhausted counter should not block today")
	}
	if decision.DailyUsed != 0 || decision.Remaining != domain.FreeDailyMergeLimit {
		t.Errorf("expected fresh quota, got %d used / %d remaining", decision.DailyUsed, decision.Remaining)
	}
}

func TestCheckAdmission_ActiveSubscriberBypassesQuota(t *testing.T) {
	store := newFakeUsageStore()
	store.seed(&domain.UsageRecord{
		UserID:      "u1",
		DailyMerges: 500,
		LastUsed:    testNoon.Add(-time.Minute),
		Subscription: &domain.Subscription{
			Status:     domain.SubscriptionStatusActive,
			ExternalID: "I-SUB1",
		},
	})
	svc := newTestEntitlement(store, testNoon)

	decision, err := svc.CheckAdmission(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Admitted || !decision.Unlimited {
		t.Errorf("active subscriber should bypass the quota, got %+v", decision)
	}
}

func TestCheckAdmission_LapsedSubscriberFallsBackToQuota(t *testing.T) {
	for _, status := range []domain.SubscriptionStatus{
		domain.SubscriptionStatusCancelled,
		domain.SubscriptionStatusExpired,
	} {
		store := newFakeUsageStore()
		store.seed(&domain.UsageRecord{
			UserID:      "u1",
			DailyMerges: 5,
			LastUsed:    testNoon.Add(-time.Minute),
			Subscription: &domain.Subscription{
				Status:     status,
				ExternalID: "I-SUB1",
			},
		})
		svc := newTestEntitlement(store, testNoon)

		decision, err := svc.CheckAdmission(context.Background(), "u1")
		if err != nil {
			t.Fatalf("status %s: unexpected error: %v", status, err)
		}
		if decision.Admitted {
			t.Errorf("status %s: lapsed subscriber at the limit should be rejected", status)
		}
	}
}

func TestCheckAdmission_StoreFailureDenies(t *testing.T) {
	store := newFakeUsageStore()
	store.failGet = errors.New("connection refused")
	svc := newTestEntitlement(store, testNoon)

	decision, err := svc.CheckAdmission(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected an error when the store is unreachable")
	}
	if decision != nil {
		t.Error("no decision should be returned on store failure")
	}
	if domain.ErrorCode(err) != domain.EUNAVAILABLE {
		t.Errorf("expected %s, got %s", domain.EUNAVAILABLE, domain.ErrorCode(err))
	}
}

func TestCheckAdmission_EmptyUserID(t *testing.T) {
	svc := newTestEntitlement(newFakeUsageStore(), testNoon)

	if _, err := svc.CheckAdmission(context.Background(), ""); domain.ErrorCode(err) != domain.EINVALID {
		t.Errorf("expected %s, got %v", domain.EINVALID, err)
	}
}

// =============================================================================
// Usage Recording Tests
// =============================================================================

func TestRecordSuccess_IncrementsBothCounters(t *testing.T) {
	store := newFakeUsageStore()
	store.seed(&domain.UsageRecord{
		UserID:      "u1",
		TotalMerges: 7,
		DailyMerges: 2,
		LastUsed:    testNoon.Add(-time.Hour),
	})
	svc := newTestEntitlement(store, testNoon)

	rec, err := svc.RecordSuccess(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.TotalMerges != 8 || rec.DailyMerges != 3 {
		t.Errorf("expected 8 total / 3 daily, got %d / %d", rec.TotalMerges, rec.DailyMerges)
	}
	if !rec.LastUsed.Equal(testNoon) {
		t.Errorf("expected last used %v, got %v", testNoon, rec.LastUsed)
	}
}

func TestRecordSuccess_FirstMergeCreatesRecord(t *testing.T) {
	store := newFakeUsageStore()
	svc := newTestEntitlement(store, testNoon)

	rec, err := svc.RecordSuccess(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.TotalMerges != 1 || rec.DailyMerges != 1 {
		t.Errorf("expected 1 total / 1 daily, got %d / %d", rec.TotalMerges, rec.DailyMerges)
	}
}

func TestRecordSuccess_DayRolloverResetsToOne(t *testing.T) {
	store := newFakeUsageStore()
	store.seed(&domain.UsageRecord{
		UserID:      "u1",
		TotalMerges: 9,
		DailyMerges: 5,
		LastUsed:    testNoon.AddDate(0, 0, -1),
	})
	svc := newTestEntitlement(store, testNoon)

	rec, err := svc.RecordSuccess(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The merge being recorded belongs to the new day: daily restarts at 1,
	// not 0, while the lifetime total keeps counting.
	if rec.DailyMerges != 1 {
		t.Errorf("expected daily counter 1 after rollover, got %d", rec.DailyMerges)
	}
	if rec.TotalMerges != 10 {
		t.Errorf("expected 10 total, got %d", rec.TotalMerges)
	}
}

func TestRecordSuccess_StoreFailureIsUnavailable(t *testing.T) {
	store := newFakeUsageStore()
	store.failRecord = errors.New("connection refused")
	svc := newTestEntitlement(store, testNoon)

	_, err := svc.RecordSuccess(context.Background(), "u1")
	if domain.ErrorCode(err) != domain.EUNAVAILABLE {
		t.Errorf("expected %s, got %v", domain.EUNAVAILABLE, err)
	}
}

// Concurrent merges for one user must never lose an increment: the store's
// atomicity contract is what CheckAdmission's correctness rests on.
func TestRecordSuccess_ConcurrentIncrementsAreNotLost(t *testing.T) {
	store := newFakeUsageStore()
	svc := newTestEntitlement(store, testNoon)

	const workers = 10
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := svc.RecordSuccess(context.Background(), "u1"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := store.GetUsage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.TotalMerges != workers || rec.DailyMerges != workers {
		t.Errorf("expected %d total / %d daily, got %d / %d", workers, workers, rec.TotalMerges, rec.DailyMerges)
	}
}

// =============================================================================
// Subscription Event Tests
// =============================================================================

func TestApplySubscriptionEvent_UpdatesMatchedRecord(t *testing.T) {
	store := newFakeUsageStore()
	store.seed(&domain.UsageRecord{
		UserID: "u1",
		Subscription: &domain.Subscription{
			Status:     domain.SubscriptionStatusActive,
			ExternalID: "I-SUB1",
		},
	})
	svc := newTestEntitlement(store, testNoon)

	err := svc.ApplySubscriptionEvent(context.Background(), domain.SubscriptionEvent{
		Kind:                   domain.EventCancelled,
		ExternalSubscriptionID: "I-SUB1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := store.GetUsage(context.Background(), "u1")
	if rec.Subscription.Status != domain.SubscriptionStatusCancelled {
		t.Errorf("expected cancelled, got %s", rec.Subscription.Status)
	}
}

// PayPal redelivers webhook events; applying the same event again must land
// on the same state and keep the entitlement intact.
func TestApplySubscriptionEvent_Redelivery(t *testing.T) {
	store := newFakeUsageStore()
	store.seed(&domain.UsageRecord{
		UserID: "u1",
		Subscription: &domain.Subscription{
			Status:     domain.SubscriptionStatusFree,
			ExternalID: "I-SUB1",
		},
	})
	svc := newTestEntitlement(store, testNoon)

	activated := domain.SubscriptionEvent{
		Kind:                   domain.EventActivated,
		ExternalSubscriptionID: "I-SUB1",
	}
	for i := 0; i < 2; i++ {
		if err := svc.ApplySubscriptionEvent(context.Background(), activated); err != nil {
			t.Fatalf("apply %d: %v", i+1, err)
		}
	}

	rec, err := store.GetUsage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Subscription.Status != domain.SubscriptionStatusActive {
		t.Errorf("expected active after redelivery, got %s", rec.Subscription.Status)
	}

	decision, err := svc.CheckAdmission(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Unlimited {
		t.Error("redelivered activation must not disturb the entitlement")
	}
}

func TestApplySubscriptionEvent_UnmatchedSubscription(t *testing.T) {
	svc := newTestEntitlement(newFakeUsageStore(), testNoon)

	err := svc.ApplySubscriptionEvent(context.Background(), domain.SubscriptionEvent{
		Kind:                   domain.EventActivated,
		ExternalSubscriptionID: "I-UNKNOWN",
	})
	if domain.ErrorCode(err) != domain.EUNMATCHED {
		t.Errorf("expected %s, got %v", domain.EUNMATCHED, err)
	}
}

func TestApplySubscriptionEvent_RejectsInvalidEvents(t *testing.T) {
	svc := newTestEntitlement(newFakeUsageStore(), testNoon)

	tests := []struct {
		name  string
		event domain.SubscriptionEvent
	}{
		{"missing subscription id", domain.SubscriptionEvent{Kind: domain.EventActivated}},
		{"unknown kind", domain.SubscriptionEvent{Kind: "upgraded", ExternalSubscriptionID: "I-SUB1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.ApplySubscriptionEvent(context.Background(), tt.event)
			if domain.ErrorCode(err) != domain.EINVALID {
				t.Errorf("expected %s, got %v", domain.EINVALID, err)
			}
		})
	}
}

func TestLinkSubscription_GrantsUnlimitedAccess(t *testing.T) {
	store := newFakeUsageStore()
	store.seed(&domain.UsageRecord{
		UserID:      "u1",
		DailyMerges: 5,
		LastUsed:    testNoon.Add(-time.Minute),
	})
	svc := newTestEntitlement(store, testNoon)

	_, err := svc.LinkSubscription(context.Background(), "u1", domain.Subscription{
		Status:     domain.SubscriptionStatusActive,
		PlanID:     "P-PRO",
		ExternalID: "I-SUB1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, err := svc.CheckAdmission(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Admitted || !decision.Unlimited {
		t.Errorf("linked subscriber should be unlimited, got %+v", decision)
	}
}

func TestLinkSubscription_RequiresExternalID(t *testing.T) {
	svc := newTestEntitlement(newFakeUsageStore(), testNoon)

	_, err := svc.LinkSubscription(context.Background(), "u1", domain.Subscription{
		Status: domain.SubscriptionStatusActive,
	})
	if domain.ErrorCode(err) != domain.EINVALID {
		t.Errorf("expected %s, got %v", domain.EINVALID, err)
	}
}

// =============================================================================
// Usage Summary Tests
// =============================================================================

func TestUsage_NewUserGetsEmptyRecord(t *testing.T) {
	svc := newTestEntitlement(newFakeUsageStore(), testNoon)

	rec, decision, err := svc.Usage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.TotalMerges != 0 || rec.DailyMerges != 0 {
		t.Errorf("expected zeroed record, got %+v", rec)
	}
	if !decision.Admitted || decision.Remaining != domain.FreeDailyMergeLimit {
		t.Errorf("expected full quota, got %+v", decision)
	}
}

func TestUsage_ReflectsCurrentDay(t *testing.T) {
	store := newFakeUsageStore()
	store.seed(&domain.UsageRecord{
		UserID:      "u1",
		TotalMerges: 42,
		DailyMerges: 5,
		LastUsed:    testNoon.AddDate(0, 0, -3),
	})
	svc := newTestEntitlement(store, testNoon)

	rec, decision, err := svc.Usage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.TotalMerges != 42 {
		t.Errorf("expected lifetime total 42, got %d", rec.TotalMerges)
	}
	if decision.DailyUsed != 0 || !decision.Admitted {
		t.Errorf("stale daily counter should read as zero, got %+v", decision)
	}
}
