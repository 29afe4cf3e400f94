package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketingTasksAPI/internal/types/usage"
)

type UsageStore interface {
	Get(ctx context.Context, userID string) (*usage.Usage, error)
	// Increment adds n to the counter, creating the row when missing. A
	// negative limit means unlimited; otherwise the write is refused with
	// ErrQuotaExceeded when the new total would pass limit.
	Increment(ctx context.Context, userID string, n, limit int, resetDate, now time.Time) (*usage.Usage, error)
	// Reset zeroes the counter only if it is still due at now, so concurrent
	// resets of the same row apply once.
	Reset(ctx context.Context, userID string, next, now time.Time) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type PostgresUsageStore struct {
	db *pgxpool.Pool
}

func NewPostgresUsageStore(db *pgxpool.Pool) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

func (s *PostgresUsageStore) Get(ctx context.Context, userID string) (*usage.Usage, error) {
	query := `
		SELECT user_id, usage_this_month, reset_date, updated_at
		FROM quota_usage
		WHERE user_id = $1
	`

	var u usage.Usage
	err := s.db.QueryRow(ctx, query, userID).Scan(&u.UserID, &u.UsageThisMonth, &u.ResetDate, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUsageNotFound
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return &u, nil
}

func (s *PostgresUsageStore) Increment(ctx context.Context, userID string, n, limit int, resetDate, now time.Time) (*usage.Usage, error) {
	query := `
		INSERT INTO quota_usage (user_id, usage_this_month, reset_date, updated_at)
		SELECT $1::text, $2::int, $4::timestamptz, $5::timestamptz
		WHERE $3::int < 0 OR $2::int <= $3::int
		ON CONFLICT (user_id) DO UPDATE SET
			usage_this_month = quota_usage.usage_this_month + EXCLUDED.usage_this_month,
			updated_at = EXCLUDED.updated_at
		WHERE $3::int < 0 OR quota_usage.usage_this_month + EXCLUDED.usage_this_month <= $3::int
		RETURNING user_id, usage_this_month, reset_date, updated_at
	`

	var u usage.Usage
	err := s.db.QueryRow(ctx, query, userID, n, limit, resetDate.UTC(), now).
		Scan(&u.UserID, &u.UsageThisMonth, &u.ResetDate, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuotaExceeded
		}
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}
	return &u, nil
}

func (s *PostgresUsageStore) Reset(ctx context.Context, userID string, next, now time.Time) (bool, error) {
	query := `
		UPDATE quota_usage
		SET usage_this_month = 0,
			reset_date = $2,
			updated_at = $3
		WHERE user_id = $1 AND reset_date <= $3
	`

	tag, err := s.db.Exec(ctx, query, userID, next.UTC(), now)
	if err != nil {
		return false, fmt.Errorf("failed to reset usage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresUsageStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT user_id
		FROM quota_usage
		WHERE reset_date <= $1
		ORDER BY reset_date ASC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due usage: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}
	return userIDs, nil
}
