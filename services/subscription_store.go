package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketingTasksAPI/internal/billing"
	"marketingTasksAPI/internal/types/subscription"
)

// SubscriptionStore persists the one-row-per-user subscription table. Every
// method is a single statement; nothing is retried.
type SubscriptionStore interface {
	GetByUserID(ctx context.Context, userID string) (*subscription.Subscription, error)
	FindUserIDByCustomerID(ctx context.Context, customerID string) (string, error)
	UpsertPending(ctx context.Context, userID, customerID, subscriptionID string, now time.Time) (*subscription.Subscription, error)
	ApplyCreated(ctx context.Context, userID string, snap *billing.SubscriptionSnapshot, now time.Time) error
	RefreshPeriodEnd(ctx context.Context, userID, subscriptionID string, periodEnd time.Time, activatePending bool, now time.Time) (activated bool, err error)
	ApplyDeleted(ctx context.Context, userID, subscriptionID string, now time.Time) error
	ActivatePending(ctx context.Context, userID string, now time.Time) (bool, error)
	MarkCancelAtPeriodEnd(ctx context.Context, userID string, now time.Time) (*subscription.Subscription, error)
}

type PostgresSubscriptionStore struct {
	db *pgxpool.Pool
}

func NewPostgresSubscriptionStore(db *pgxpool.Pool) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db}
}

const subscriptionColumns = `
	id::text,
	user_id,
	COALESCE(stripe_customer_id, ''),
	COALESCE(stripe_subscription_id, ''),
	tier,
	status,
	current_period_start,
	current_period_end,
	cancel_at_period_end,
	cancelled_at,
	created_at,
	updated_at`

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var s subscription.Subscription
	var tier, status string
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.StripeCustomerID,
		&s.StripeSubscriptionID,
		&tier,
		&status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.CancelledAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Tier = subscription.Tier(tier)
	s.Status = subscription.Status(status)
	return &s, nil
}

func (s *PostgresSubscriptionStore) GetByUserID(ctx context.Context, userID string) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`

	sub, err := scanSubscription(s.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresSubscriptionStore) FindUserIDByCustomerID(ctx context.Context, customerID string) (string, error) {
	query := `
		SELECT user_id
		FROM subscriptions
		WHERE stripe_customer_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var userID string
	if err := s.db.QueryRow(ctx, query, customerID).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSubscriptionNotFound
		}
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}
	return userID, nil
}

// UpsertPending records a freshly started checkout. The tier is left alone;
// it only changes once payment is confirmed.
func (s *PostgresSubscriptionStore) UpsertPending(ctx context.Context, userID, customerID, subscriptionID string, now time.Time) (*subscription.Subscription, error) {
	query := `
		INSERT INTO subscriptions (
			id, user_id, stripe_customer_id, stripe_subscription_id,
			tier, status, cancel_at_period_end, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, 'free', 'pending', false, $5, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			status = 'pending',
			cancel_at_period_end = false,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(s.db.QueryRow(ctx, query, uuid.New(), userID, customerID, subscriptionID, now))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert pending subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresSubscriptionStore) ApplyCreated(ctx context.Context, userID string, snap *billing.SubscriptionSnapshot, now time.Time) error {
	query := `
		UPDATE subscriptions
		SET tier = 'premium',
			status = 'active',
			stripe_subscription_id = COALESCE(NULLIF($2, ''), stripe_subscription_id),
			current_period_start = $3,
			current_period_end = $4,
			updated_at = $5
		WHERE user_id = $1
	`

	tag, err := s.db.Exec(ctx, query, userID, snap.ID, nullableTime(snap.CurrentPeriodStart), nullableTime(snap.CurrentPeriodEnd), now)
	if err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// RefreshPeriodEnd is the renewal path. It only applies when subscriptionID
// is the one on the row (or the row has none yet); otherwise it returns
// ErrStaleSubscription and writes nothing. Tier and status are untouched
// except that a pending row holding exactly this subscription is promoted
// when activatePending is set.
func (s *PostgresSubscriptionStore) RefreshPeriodEnd(ctx context.Context, userID, subscriptionID string, periodEnd time.Time, activatePending bool, now time.Time) (bool, error) {
	query := `
		WITH prev AS (
			SELECT user_id,
				(stripe_subscription_id IS NULL OR stripe_subscription_id = $2::text) AS matched,
				(COALESCE(stripe_subscription_id = $2::text, false)
					AND status = 'pending' AND $4::boolean) AS promote
			FROM subscriptions
			WHERE user_id = $1
			FOR UPDATE
		)
		UPDATE subscriptions s
		SET current_period_end = CASE WHEN prev.matched
				THEN COALESCE($3::timestamptz, s.current_period_end)
				ELSE s.current_period_end END,
			tier = CASE WHEN prev.promote THEN 'premium' ELSE s.tier END,
			status = CASE WHEN prev.promote THEN 'active' ELSE s.status END,
			updated_at = CASE WHEN prev.matched THEN $5::timestamptz ELSE s.updated_at END
		FROM prev
		WHERE s.user_id = prev.user_id
		RETURNING prev.matched, prev.promote
	`

	var matched, activated bool
	err := s.db.QueryRow(ctx, query, userID, subscriptionID, nullableTime(periodEnd), activatePending, now).Scan(&matched, &activated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrSubscriptionNotFound
		}
		return false, fmt.Errorf("failed to refresh period end: %w", err)
	}
	if !matched {
		return false, ErrStaleSubscription
	}
	return activated, nil
}

// ApplyDeleted downgrades the row to free when subscriptionID is the one it
// holds. A deletion for an older subscription returns ErrStaleSubscription.
func (s *PostgresSubscriptionStore) ApplyDeleted(ctx context.Context, userID, subscriptionID string, now time.Time) error {
	query := `
		WITH prev AS (
			SELECT user_id,
				(stripe_subscription_id IS NULL OR stripe_subscription_id = $2::text) AS matched
			FROM subscriptions
			WHERE user_id = $1
			FOR UPDATE
		)
		UPDATE subscriptions s
		SET tier = CASE WHEN prev.matched THEN 'free' ELSE s.tier END,
			status = CASE WHEN prev.matched THEN 'cancelled' ELSE s.status END,
			cancelled_at = CASE WHEN prev.matched THEN $3::timestamptz ELSE s.cancelled_at END,
			updated_at = CASE WHEN prev.matched THEN $3::timestamptz ELSE s.updated_at END
		FROM prev
		WHERE s.user_id = prev.user_id
		RETURNING prev.matched
	`

	var matched bool
	if err := s.db.QueryRow(ctx, query, userID, subscriptionID, now).Scan(&matched); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	if !matched {
		return ErrStaleSubscription
	}
	return nil
}

// ActivatePending flips a pending row to active. Zero affected rows means the
// row was already activated (or never pending) and is not an error.
func (s *PostgresSubscriptionStore) ActivatePending(ctx context.Context, userID string, now time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET status = 'active',
			tier = 'premium',
			updated_at = $2
		WHERE user_id = $1 AND status = 'pending'
	`

	tag, err := s.db.Exec(ctx, query, userID, now)
	if err != nil {
		return false, fmt.Errorf("failed to activate pending subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresSubscriptionStore) MarkCancelAtPeriodEnd(ctx context.Context, userID string, now time.Time) (*subscription.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET cancel_at_period_end = true,
			updated_at = $2
		WHERE user_id = $1
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(s.db.QueryRow(ctx, query, userID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to flag cancellation: %w", err)
	}
	return sub, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
