package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"marketingTasksAPI/internal/metrics"
	"marketingTasksAPI/internal/quota"
	"marketingTasksAPI/internal/types/subscription"
)

const resetBatchSize = 500

type QuotaService struct {
	subscriptions SubscriptionStore
	usage         UsageStore
	logger        *logrus.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewQuotaService(subscriptions SubscriptionStore, usage UsageStore, logger *logrus.Logger, m *metrics.Metrics) *QuotaService {
	return &QuotaService{
		subscriptions: subscriptions,
		usage:         usage,
		logger:        logger,
		metrics:       m,
		now:           time.Now,
	}
}

// SetClock overrides time.Now.
func (s *QuotaService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *QuotaService) tierFor(ctx context.Context, userID string) (subscription.Tier, error) {
	sub, err := s.subscriptions.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return subscription.TierFree, nil
		}
		return "", err
	}
	return sub.EffectiveTier(), nil
}

// load rehydrates the caller's quota, applying a due monthly reset first.
func (s *QuotaService) load(ctx context.Context, userID string) (*quota.Quota, error) {
	now := s.now().UTC()
	clock := func() time.Time { return now }

	tier, err := s.tierFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tier: %w", err)
	}

	used := 0
	var resetDate time.Time
	u, err := s.usage.Get(ctx, userID)
	switch {
	case err == nil:
		used = u.UsageThisMonth
		resetDate = u.ResetDate
	case errors.Is(err, ErrUsageNotFound):
	default:
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}

	q, err := quota.New(tier, used, quota.WithResetDate(resetDate), quota.WithClock(clock))
	if err != nil {
		return nil, err
	}

	if u != nil && q.IsDueForReset() {
		q.Reset()
		if _, err := s.usage.Reset(ctx, userID, q.ResetDate(), now); err != nil {
			return nil, err
		}
		s.metrics.ObserveQuotaReset(1)
		s.logger.WithField("user_id", userID).Info("monthly quota reset on read")
	}
	return q, nil
}

func (s *QuotaService) GetQuota(ctx context.Context, userID string) (*quota.Quota, error) {
	return s.load(ctx, userID)
}

// ConsumeGeneration records n generations against the caller's allowance.
func (s *QuotaService) ConsumeGeneration(ctx context.Context, userID string, n int) (*quota.Quota, error) {
	q, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{"user_id": userID, "tier": q.Tier(), "count": n})
	if !q.CanConsume(n) {
		s.metrics.ObserveQuotaDenial()
		log.Info("generation refused, quota exhausted")
		return q, ErrQuotaExceeded
	}

	u, err := s.usage.Increment(ctx, userID, n, q.Limit(), q.ResetDate(), s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			s.metrics.ObserveQuotaDenial()
			log.Info("generation refused by concurrent usage")
			return q, ErrQuotaExceeded
		}
		return nil, err
	}

	return quota.New(q.Tier(), u.UsageThisMonth, quota.WithResetDate(u.ResetDate), quota.WithClock(s.now))
}

// ResetDue zeroes every counter whose reset date has passed and returns how
// many rows were reset.
func (s *QuotaService) ResetDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	next := quota.NextResetDate(now)

	total := 0
	for {
		userIDs, err := s.usage.ListDue(ctx, now, resetBatchSize)
		if err != nil {
			return total, err
		}

		batch := 0
		for _, userID := range userIDs {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			reset, err := s.usage.Reset(ctx, userID, next, now)
			if err != nil {
				s.logger.WithError(err).WithField("user_id", userID).Error("failed to reset quota")
				continue
			}
			if reset {
				batch++
			}
		}
		total += batch
		s.metrics.ObserveQuotaReset(batch)

		if len(userIDs) < resetBatchSize || batch == 0 {
			break
		}
	}

	if total > 0 {
		s.logger.WithField("count", total).Info("monthly quotas reset")
	}
	return total, nil
}
