// Package repository provides Postgres-backed persistence for usage records.
//
// The pool is constructed in main and injected here; there is no package-level
// connection state. All day-boundary comparisons happen in UTC, matching
// domain.SameDay.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bindery-app/bindery/internal/domain"
)

// Repository wraps a pgx connection pool with typed queries.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a Repository backed by the given pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const usageColumns = `user_id, total_merges, daily_merges, last_used,
	subscription_status, plan_id, paypal_subscription_id, next_billing_date, created_at`

// GetUsage returns the usage record for a user, or a not-found error when the
// user has never merged and never subscribed.
func (r *Repository) GetUsage(ctx context.Context, userID string) (*domain.UsageRecord, error) {
	const op = "repository.get_usage"

	row := r.pool.QueryRow(ctx, `SELECT `+usageColumns+` FROM usage_records WHERE user_id = $1`, userID)
	rec, err := scanUsageRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound(op, "usage record", userID)
		}
		return nil, domain.Unavailable(err, op)
	}
	return rec, nil
}

// RecordMerge advances the usage counters for one successful merge.
//
// The read-decide-write happens inside a single INSERT ... ON CONFLICT
// statement: total_merges always increments, daily_merges increments when
// last_used falls on the same UTC day as now and resets to 1 otherwise.
// Two concurrent calls for the same user serialize on the row, so no
// increment is ever lost.
func (r *Repository) RecordMerge(ctx context.Context, userID string, now time.Time) (*domain.UsageRecord, error) {
	const op = "repository.record_merge"

	row := r.pool.QueryRow(ctx, `
		INSERT INTO usage_records (user_id, total_merges, daily_merges, last_used, created_at, updated_at)
		VALUES ($1, 1, 1, $2, $2, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			total_merges = usage_records.total_merges + 1,
			daily_merges = CASE
				WHEN usage_records.last_used IS NOT NULL
					AND (usage_records.last_used AT TIME ZONE 'UTC')::date = ($2::timestamptz AT TIME ZONE 'UTC')::date
				THEN usage_records.daily_merges + 1
				ELSE 1
			END,
			last_used = $2,
			updated_at = $2
		RETURNING `+usageColumns,
		userID, now.UTC())
	rec, err := scanUsageRecord(row)
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}
	return rec, nil
}

// ApplySubscriptionEvent updates the subscription state of the record whose
// external subscription id matches the event. Returns the affected user id,
// or an unmatched error when no record carries that id; unmatched events
// never create records.
func (r *Repository) ApplySubscriptionEvent(ctx context.Context, event domain.SubscriptionEvent) (string, error) {
	const op = "repository.apply_subscription_event"

	status, ok := event.Kind.NextStatus()
	if !ok {
		return "", domain.Invalid(op, "unknown subscription event kind")
	}

	var nextBilling sql.NullTime
	if !event.NextBillingDate.IsZero() {
		nextBilling = sql.NullTime{Time: event.NextBillingDate.UTC(), Valid: true}
	}

	var userID string
	err := r.pool.QueryRow(ctx, `
		UPDATE usage_records SET
			subscription_status = $2,
			next_billing_date = COALESCE($3, next_billing_date),
			updated_at = now()
		WHERE paypal_subscription_id = $1
		RETURNING user_id`,
		event.ExternalSubscriptionID, string(status), nextBilling).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.UnmatchedSubscription(op, event.ExternalSubscriptionID)
		}
		return "", domain.Unavailable(err, op)
	}
	return userID, nil
}

// LinkSubscription attaches a verified subscription to a user's record,
// creating the record if the user has never merged.
func (r *Repository) LinkSubscription(ctx context.Context, userID string, sub domain.Subscription) (*domain.UsageRecord, error) {
	const op = "repository.link_subscription"

	var nextBilling sql.NullTime
	if !sub.NextBillingDate.IsZero() {
		nextBilling = sql.NullTime{Time: sub.NextBillingDate.UTC(), Valid: true}
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO usage_records (user_id, subscription_status, plan_id, paypal_subscription_id, next_billing_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (user_id) DO UPDATE SET
			subscription_status = EXCLUDED.subscription_status,
			plan_id = EXCLUDED.plan_id,
			paypal_subscription_id = EXCLUDED.paypal_subscription_id,
			next_billing_date = EXCLUDED.next_billing_date,
			updated_at = now()
		RETURNING `+usageColumns,
		userID, string(sub.Status), sub.PlanID, sub.ExternalID, nextBilling)
	rec, err := scanUsageRecord(row)
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}
	return rec, nil
}

func scanUsageRecord(row pgx.Row) (*domain.UsageRecord, error) {
	var (
		rec         domain.UsageRecord
		lastUsed    sql.NullTime
		subStatus   sql.NullString
		planID      sql.NullString
		externalID  sql.NullString
		nextBilling sql.NullTime
	)

	err := row.Scan(
		&rec.UserID,
		&rec.TotalMerges,
		&rec.DailyMerges,
		&lastUsed,
		&subStatus,
		&planID,
		&externalID,
		&nextBilling,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastUsed.Valid {
		rec.LastUsed = lastUsed.Time.UTC()
	}
	if subStatus.Valid {
		rec.Subscription = &domain.Subscription{
			Status:     domain.SubscriptionStatus(subStatus.String),
			PlanID:     planID.String,
			ExternalID: externalID.String,
		}
		if nextBilling.Valid {
			rec.Subscription.NextBillingDate = nextBilling.Time.UTC()
		}
	}
	return &rec, nil
}
