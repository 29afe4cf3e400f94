package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketingTasksAPI/internal/types/subscription"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestFreeTierPartialUsage(t *testing.T) {
	q, err := New(subscription.TierFree, 5)
	require.NoError(t, err)

	assert.Equal(t, 20, q.Limit())
	assert.Equal(t, 15, q.Remaining())
	assert.Equal(t, 25, q.Percentage())
	assert.True(t, q.CanGenerate())
	assert.False(t, q.IsNearLimit())
	assert.False(t, q.IsExceeded())
}

func TestFreeTierAtLimit(t *testing.T) {
	q, err := New(subscription.TierFree, 20)
	require.NoError(t, err)

	assert.Equal(t, 0, q.Remaining())
	assert.True(t, q.IsExceeded())
	assert.False(t, q.CanGenerate())
	assert.Equal(t, 100, q.Percentage())
}

func TestRemainingMatchesLimitMinusUsage(t *testing.T) {
	for tier, cfg := range Config {
		for _, usage := range []int{0, 1, 7, 19, 20, 21, 499, 500, 1000} {
			q, err := New(tier, usage)
			require.NoError(t, err)

			if cfg.MonthlyGenerations == Unlimited {
				assert.Equal(t, Unlimited, q.Remaining(), "tier %s usage %d", tier, usage)
				assert.True(t, q.CanGenerate())
				assert.False(t, q.IsExceeded())
				continue
			}
			want := max(0, cfg.MonthlyGenerations-usage)
			assert.Equal(t, want, q.Remaining(), "tier %s usage %d", tier, usage)
		}
	}
}

func TestPercentageMonotonicAndSaturates(t *testing.T) {
	for _, tier := range []subscription.Tier{subscription.TierFree, subscription.TierPremium} {
		prev := -1
		for usage := 0; usage <= 1200; usage++ {
			q, err := New(tier, usage)
			require.NoError(t, err)

			pct := q.Percentage()
			assert.GreaterOrEqual(t, pct, prev)
			assert.LessOrEqual(t, pct, 100)
			prev = pct
		}
		assert.Equal(t, 100, prev)
	}
}

func TestUnlimitedTierPercentageIsZero(t *testing.T) {
	q, err := New(subscription.TierEnterprise, 10_000)
	require.NoError(t, err)

	assert.True(t, q.IsUnlimited())
	assert.Equal(t, 0, q.Percentage())
	assert.False(t, q.IsNearLimit())
	assert.True(t, q.CanConsume(1_000_000))
}

func TestNearLimitThreshold(t *testing.T) {
	q, err := New(subscription.TierFree, 15)
	require.NoError(t, err)
	assert.False(t, q.IsNearLimit())

	require.NoError(t, q.RecordUsage(1))
	assert.Equal(t, 80, q.Percentage())
	assert.True(t, q.IsNearLimit())
}

func TestRecordUsage(t *testing.T) {
	q, err := New(subscription.TierFree, 0)
	require.NoError(t, err)

	require.NoError(t, q.RecordUsage(3))
	assert.Equal(t, 3, q.Usage())
	assert.ErrorIs(t, q.RecordUsage(-1), ErrNegativeUsage)
	assert.Equal(t, 3, q.Usage())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(subscription.TierFree, -1)
	assert.ErrorIs(t, err, ErrNegativeUsage)

	_, err = New(subscription.Tier("gold"), 0)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestDefaultResetDateIsFirstOfNextMonth(t *testing.T) {
	now := time.Date(2026, time.December, 17, 15, 4, 5, 0, time.UTC)
	q, err := New(subscription.TierFree, 0, WithClock(fixedClock(now)))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC), q.ResetDate())
	assert.False(t, q.IsDueForReset())
}

func TestResetCycle(t *testing.T) {
	reset := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	now := reset.Add(2 * time.Hour)
	q, err := New(subscription.TierFree, 20, WithResetDate(reset), WithClock(fixedClock(now)))
	require.NoError(t, err)

	assert.True(t, q.IsDueForReset())
	q.Reset()

	assert.Equal(t, 0, q.Usage())
	assert.Equal(t, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), q.ResetDate())
	assert.False(t, q.IsDueForReset())
	assert.True(t, q.CanGenerate())
}

func TestDueExactlyAtResetInstant(t *testing.T) {
	reset := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	q, err := New(subscription.TierFree, 0, WithResetDate(reset), WithClock(fixedClock(reset)))
	require.NoError(t, err)
	assert.True(t, q.IsDueForReset())
}

func TestUpgradeTo(t *testing.T) {
	q, err := New(subscription.TierFree, 20)
	require.NoError(t, err)
	require.True(t, q.IsExceeded())

	require.NoError(t, q.UpgradeTo(subscription.TierPremium))
	assert.Equal(t, 480, q.Remaining())

	err = q.UpgradeTo(subscription.Tier("platinum"))
	assert.ErrorIs(t, err, ErrUnknownTier)
	assert.Equal(t, subscription.TierPremium, q.Tier())
}

func TestSnapshot(t *testing.T) {
	q, err := New(subscription.TierFree, 18)
	require.NoError(t, err)

	s := q.Snapshot()
	assert.Equal(t, subscription.TierFree, s.Tier)
	assert.Equal(t, 2, s.Remaining)
	assert.Equal(t, 90, s.Percentage)
	assert.True(t, s.NearLimit)
	assert.False(t, s.Exceeded)
	assert.False(t, s.Unlimited)
}
