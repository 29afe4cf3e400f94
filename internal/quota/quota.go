// Package quota computes monthly AI-generation allowances from a tier and a
// usage counter. It performs no I/O; callers load and persist the numbers.
package quota

import (
	"errors"
	"fmt"
	"math"
	"time"

	"marketingTasksAPI/internal/types/subscription"
)

// Unlimited is the limit sentinel for tiers without a monthly cap. Remaining
// also reports Unlimited for such tiers.
const Unlimited = -1

// NearLimitPercent is the usage percentage from which a quota counts as near
// its limit.
const NearLimitPercent = 80

var (
	ErrUnknownTier   = errors.New("unknown subscription tier")
	ErrNegativeUsage = errors.New("usage must not be negative")
)

type TierConfig struct {
	MonthlyGenerations int `json:"monthlyGenerations"`
}

// Config is the per-tier limit table.
var Config = map[subscription.Tier]TierConfig{
	subscription.TierFree:       {MonthlyGenerations: 20},
	subscription.TierPremium:    {MonthlyGenerations: 500},
	subscription.TierEnterprise: {MonthlyGenerations: Unlimited},
}

// LimitFor returns the monthly generation limit for tier, or an error when the
// tier has no entry in Config.
func LimitFor(tier subscription.Tier) (int, error) {
	cfg, ok := Config[tier]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return cfg.MonthlyGenerations, nil
}

// NextResetDate returns midnight UTC on the first day of the month after t.
func NextResetDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

type Quota struct {
	tier      subscription.Tier
	usage     int
	resetDate time.Time
	now       func() time.Time
}

type Option func(*Quota)

func WithResetDate(t time.Time) Option {
	return func(q *Quota) {
		if !t.IsZero() {
			q.resetDate = t.UTC()
		}
	}
}

// WithClock replaces time.Now, mainly for tests and batch jobs that evaluate
// many quotas against one instant.
func WithClock(now func() time.Time) Option {
	return func(q *Quota) {
		if now != nil {
			q.now = now
		}
	}
}

func New(tier subscription.Tier, usageThisMonth int, opts ...Option) (*Quota, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	if usageThisMonth < 0 {
		return nil, ErrNegativeUsage
	}

	q := &Quota{
		tier:  tier,
		usage: usageThisMonth,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.resetDate.IsZero() {
		q.resetDate = NextResetDate(q.now())
	}
	return q, nil
}

func (q *Quota) Tier() subscription.Tier { return q.tier }

func (q *Quota) Usage() int { return q.usage }

func (q *Quota) ResetDate() time.Time { return q.resetDate }

func (q *Quota) Limit() int {
	return Config[q.tier].MonthlyGenerations
}

func (q *Quota) IsUnlimited() bool {
	return q.Limit() == Unlimited
}

// Remaining is limit minus usage floored at zero, or Unlimited.
func (q *Quota) Remaining() int {
	if q.IsUnlimited() {
		return Unlimited
	}
	return max(0, q.Limit()-q.usage)
}

// Percentage is usage as a rounded share of the limit, capped at 100. It is 0
// for unlimited or zero limits.
func (q *Quota) Percentage() int {
	limit := q.Limit()
	if limit <= 0 {
		return 0
	}
	pct := int(math.Round(float64(q.usage) / float64(limit) * 100))
	return min(pct, 100)
}

func (q *Quota) CanGenerate() bool {
	return q.IsUnlimited() || q.Remaining() > 0
}

// CanConsume reports whether n more generations fit in the allowance.
func (q *Quota) CanConsume(n int) bool {
	return q.IsUnlimited() || q.Remaining() >= n
}

func (q *Quota) IsExceeded() bool {
	return !q.IsUnlimited() && q.Remaining() == 0
}

func (q *Quota) IsNearLimit() bool {
	return q.Percentage() >= NearLimitPercent
}

// RecordUsage adds n to the counter. Persisting the new value is up to the
// caller.
func (q *Quota) RecordUsage(n int) error {
	if n < 0 {
		return ErrNegativeUsage
	}
	q.usage += n
	return nil
}

func (q *Quota) IsDueForReset() bool {
	return !q.now().Before(q.resetDate)
}

// Reset zeroes usage and moves the reset date to the first of next month.
func (q *Quota) Reset() {
	q.usage = 0
	q.resetDate = NextResetDate(q.now())
}

func (q *Quota) UpgradeTo(tier subscription.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	q.tier = tier
	return nil
}

// Snapshot is the JSON view served to the front end.
type Snapshot struct {
	Tier           subscription.Tier `json:"tier"`
	UsageThisMonth int               `json:"usageThisMonth"`
	Limit          int               `json:"limit"`
	Remaining      int               `json:"remaining"`
	Percentage     int               `json:"percentage"`
	Unlimited      bool              `json:"unlimited"`
	CanGenerate    bool              `json:"canGenerate"`
	NearLimit      bool              `json:"nearLimit"`
	Exceeded       bool              `json:"exceeded"`
	ResetDate      time.Time         `json:"resetDate"`
}

func (q *Quota) Snapshot() Snapshot {
	return Snapshot{
		Tier:           q.tier,
		UsageThisMonth: q.usage,
		Limit:          q.Limit(),
		Remaining:      q.Remaining(),
		Percentage:     q.Percentage(),
		Unlimited:      q.IsUnlimited(),
		CanGenerate:    q.CanGenerate(),
		NearLimit:      q.IsNearLimit(),
		Exceeded:       q.IsExceeded(),
		ResetDate:      q.resetDate,
	}
}
