//go:build integration

package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"marketingTasksAPI/internal/billing"
	"marketingTasksAPI/internal/database"
	"marketingTasksAPI/internal/types/subscription"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("billing_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := database.Connect(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger, _ := newTestLogger()
	applied, err := database.Migrate(ctx, pool, logger)
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	applied, err = database.Migrate(ctx, pool, logger)
	require.NoError(t, err)
	require.Zero(t, applied)

	return pool
}

func TestPostgresSubscriptionLifecycle(t *testing.T) {
	pool := setupPostgres(t)
	store := NewPostgresSubscriptionStore(pool)
	ctx := context.Background()

	_, err := store.GetByUserID(ctx, "user_1")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	row, err := store.UpsertPending(ctx, "user_1", "cus_1", "sub_1", testNow)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPending, row.Status)
	assert.Equal(t, subscription.TierFree, row.Tier)

	userID, err := store.FindUserIDByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", userID)

	activated, err := store.RefreshPeriodEnd(ctx, "user_1", "sub_1", time.Time{}, false, testNow)
	require.NoError(t, err)
	assert.False(t, activated)

	_, err = store.RefreshPeriodEnd(ctx, "user_1", "sub_old", testNow.AddDate(0, 1, 0), true, testNow)
	assert.ErrorIs(t, err, ErrStaleSubscription)
	got, err := store.GetByUserID(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPending, got.Status)
	assert.Nil(t, got.CurrentPeriodEnd)

	activated, err = store.RefreshPeriodEnd(ctx, "user_1", "sub_1", testNow.AddDate(0, 1, 0), true, testNow)
	require.NoError(t, err)
	assert.True(t, activated)

	activated, err = store.RefreshPeriodEnd(ctx, "user_1", "sub_1", testNow.AddDate(0, 1, 0), true, testNow)
	require.NoError(t, err)
	assert.False(t, activated)

	ok, err := store.ActivatePending(ctx, "user_1", testNow)
	require.NoError(t, err)
	assert.False(t, ok)

	flagged, err := store.MarkCancelAtPeriodEnd(ctx, "user_1", testNow)
	require.NoError(t, err)
	assert.True(t, flagged.CancelAtPeriodEnd)
	assert.Equal(t, subscription.TierPremium, flagged.Tier)
	assert.Equal(t, subscription.StatusActive, flagged.Status)

	assert.ErrorIs(t, store.ApplyDeleted(ctx, "user_1", "sub_old", testNow), ErrStaleSubscription)
	got, err = store.GetByUserID(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status)
	assert.Nil(t, got.CancelledAt)

	require.NoError(t, store.ApplyDeleted(ctx, "user_1", "sub_1", testNow))
	got, err = store.GetByUserID(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.TierFree, got.Tier)
	assert.Equal(t, subscription.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)

	assert.ErrorIs(t, store.ApplyDeleted(ctx, "user_nobody", "sub_1", testNow), ErrSubscriptionNotFound)
	assert.ErrorIs(t, store.ApplyCreated(ctx, "user_nobody", &billing.SubscriptionSnapshot{}, testNow), ErrSubscriptionNotFound)
}

func TestPostgresActivatePendingRace(t *testing.T) {
	pool := setupPostgres(t)
	store := NewPostgresSubscriptionStore(pool)
	ctx := context.Background()

	_, err := store.UpsertPending(ctx, "user_1", "cus_1", "sub_1", testNow)
	require.NoError(t, err)

	var mu sync.Mutex
	wins := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ActivatePending(ctx, "user_1", testNow)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPostgresUsageIncrementGuard(t *testing.T) {
	pool := setupPostgres(t)
	store := NewPostgresUsageStore(pool)
	ctx := context.Background()
	reset := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	u, err := store.Increment(ctx, "user_1", 18, 20, reset, testNow)
	require.NoError(t, err)
	assert.Equal(t, 18, u.UsageThisMonth)

	_, err = store.Increment(ctx, "user_1", 3, 20, reset, testNow)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	u, err = store.Increment(ctx, "user_1", 2, 20, reset, testNow)
	require.NoError(t, err)
	assert.Equal(t, 20, u.UsageThisMonth)

	_, err = store.Increment(ctx, "user_2", 21, 20, reset, testNow)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	u, err = store.Increment(ctx, "user_3", 1000, -1, reset, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1000, u.UsageThisMonth)

	due, err := store.ListDue(ctx, reset, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user_1", "user_3"}, due)

	ok, err := store.Reset(ctx, "user_1", reset.AddDate(0, 1, 0), testNow)
	require.NoError(t, err)
	assert.False(t, ok, "not due yet")

	ok, err = store.Reset(ctx, "user_1", reset.AddDate(0, 1, 0), reset)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Zero(t, got.UsageThisMonth)
}
