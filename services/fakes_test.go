package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"marketingTasksAPI/internal/billing"
	"marketingTasksAPI/internal/types/subscription"
	"marketingTasksAPI/internal/types/usage"
)

func newTestLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// memSubscriptionStore mirrors the SQL predicates of PostgresSubscriptionStore
// under a single mutex.
type memSubscriptionStore struct {
	mu     sync.Mutex
	rows   map[string]*subscription.Subscription
	writes int
}

func newMemSubscriptionStore(rows ...*subscription.Subscription) *memSubscriptionStore {
	s := &memSubscriptionStore{rows: map[string]*subscription.Subscription{}}
	for _, r := range rows {
		s.rows[r.UserID] = r
	}
	return s
}

func (s *memSubscriptionStore) get(userID string) subscription.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[userID]
}

func (s *memSubscriptionStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memSubscriptionStore) GetByUserID(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *memSubscriptionStore) FindUserIDByCustomerID(_ context.Context, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.StripeCustomerID == customerID {
			return row.UserID, nil
		}
	}
	return "", ErrSubscriptionNotFound
}

func (s *memSubscriptionStore) UpsertPending(_ context.Context, userID, customerID, subscriptionID string, now time.Time) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	row, ok := s.rows[userID]
	if !ok {
		row = &subscription.Subscription{ID: "row_" + userID, UserID: userID, Tier: subscription.TierFree, CreatedAt: now}
		s.rows[userID] = row
	}
	row.StripeCustomerID = customerID
	row.StripeSubscriptionID = subscriptionID
	row.Status = subscription.StatusPending
	row.CancelAtPeriodEnd = false
	row.UpdatedAt = now
	cp := *row
	return &cp, nil
}

func (s *memSubscriptionStore) ApplyCreated(_ context.Context, userID string, snap *billing.SubscriptionSnapshot, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	s.writes++
	row.Tier = subscription.TierPremium
	row.Status = subscription.StatusActive
	if snap.ID != "" {
		row.StripeSubscriptionID = snap.ID
	}
	start, end := snap.CurrentPeriodStart, snap.CurrentPeriodEnd
	row.CurrentPeriodStart = &start
	row.CurrentPeriodEnd = &end
	row.UpdatedAt = now
	return nil
}

func (s *memSubscriptionStore) RefreshPeriodEnd(_ context.Context, userID, subscriptionID string, periodEnd time.Time, activatePending bool, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	if row.StripeSubscriptionID != "" && row.StripeSubscriptionID != subscriptionID {
		return false, ErrStaleSubscription
	}
	s.writes++
	if !periodEnd.IsZero() {
		end := periodEnd
		row.CurrentPeriodEnd = &end
	}
	activated := false
	if activatePending && row.Status == subscription.StatusPending && row.StripeSubscriptionID == subscriptionID {
		row.Status = subscription.StatusActive
		row.Tier = subscription.TierPremium
		activated = true
	}
	row.UpdatedAt = now
	return activated, nil
}

func (s *memSubscriptionStore) ApplyDeleted(_ context.Context, userID, subscriptionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if row.StripeSubscriptionID != "" && row.StripeSubscriptionID != subscriptionID {
		return ErrStaleSubscription
	}
	s.writes++
	row.Tier = subscription.TierFree
	row.Status = subscription.StatusCancelled
	row.CancelledAt = &now
	row.UpdatedAt = now
	return nil
}

func (s *memSubscriptionStore) ActivatePending(_ context.Context, userID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok || row.Status != subscription.StatusPending {
		return false, nil
	}
	s.writes++
	row.Status = subscription.StatusActive
	row.Tier = subscription.TierPremium
	row.UpdatedAt = now
	return true, nil
}

func (s *memSubscriptionStore) MarkCancelAtPeriodEnd(_ context.Context, userID string, now time.Time) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	s.writes++
	row.CancelAtPeriodEnd = true
	row.UpdatedAt = now
	cp := *row
	return &cp, nil
}

type memUsageStore struct {
	mu   sync.Mutex
	rows map[string]*usage.Usage
}

func newMemUsageStore(rows ...*usage.Usage) *memUsageStore {
	s := &memUsageStore{rows: map[string]*usage.Usage{}}
	for _, r := range rows {
		s.rows[r.UserID] = r
	}
	return s
}

func (s *memUsageStore) Get(_ context.Context, userID string) (*usage.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok {
		return nil, ErrUsageNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *memUsageStore) Increment(_ context.Context, userID string, n, limit int, resetDate, now time.Time) (*usage.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	current := 0
	if ok {
		current = row.UsageThisMonth
	}
	if limit >= 0 && current+n > limit {
		return nil, ErrQuotaExceeded
	}
	if !ok {
		row = &usage.Usage{UserID: userID, ResetDate: resetDate}
		s.rows[userID] = row
	}
	row.UsageThisMonth += n
	row.UpdatedAt = now
	cp := *row
	return &cp, nil
}

func (s *memUsageStore) Reset(_ context.Context, userID string, next, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok || row.ResetDate.After(now) {
		return false, nil
	}
	row.UsageThisMonth = 0
	row.ResetDate = next
	row.UpdatedAt = now
	return true, nil
}

func (s *memUsageStore) ListDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, row := range s.rows {
		if !row.ResetDate.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type fakeProvider struct {
	mu sync.Mutex

	intents   map[string]*billing.PaymentIntent
	cancelErr error
	cancelled []string

	checkout    *billing.CheckoutResult
	checkoutErr error
	lastParams  billing.CheckoutParams
}

func (p *fakeProvider) CancelAtPeriodEnd(_ context.Context, subscriptionID string) (*billing.SubscriptionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, subscriptionID)
	if p.cancelErr != nil {
		return nil, p.cancelErr
	}
	return &billing.SubscriptionSnapshot{ID: subscriptionID, CancelAtPeriodEnd: true}, nil
}

func (p *fakeProvider) GetPaymentIntent(_ context.Context, id string) (*billing.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pi, ok := p.intents[id]
	if !ok {
		return nil, billing.ErrResourceMissing
	}
	return pi, nil
}

func (p *fakeProvider) CreateSubscription(_ context.Context, params billing.CheckoutParams) (*billing.CheckoutResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastParams = params
	if p.checkoutErr != nil {
		return nil, p.checkoutErr
	}
	return p.checkout, nil
}

func (p *fakeProvider) ParseEvent([]byte, string) (*billing.Event, error) {
	return nil, billing.ErrInvalidSignature
}

type memLedger struct {
	mu      sync.Mutex
	seen    map[string]bool
	seenErr error
}

func (l *memLedger) Seen(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seenErr != nil {
		return false, l.seenErr
	}
	return l.seen[id], nil
}

func (l *memLedger) MarkProcessed(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = map[string]bool{}
	}
	l.seen[id] = true
	return nil
}
