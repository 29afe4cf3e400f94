package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"marketingTasksAPI/internal/billing"
	"marketingTasksAPI/internal/metrics"
	"marketingTasksAPI/internal/types/subscription"
)

type eventHandler func(ctx context.Context, ev *billing.Event, log *logrus.Entry) error

// ReconcileService keeps the subscriptions table in step with Stripe. The
// webhook path is authoritative; ConfirmPayment and CancelAtPeriodEnd are the
// user-initiated paths.
type ReconcileService struct {
	store    SubscriptionStore
	provider billing.Provider
	ledger   EventLedger
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	handlers map[billing.EventKind]eventHandler
}

type ReconcileOption func(*ReconcileService)

func WithLedger(l EventLedger) ReconcileOption {
	return func(s *ReconcileService) { s.ledger = l }
}

func WithMetrics(m *metrics.Metrics) ReconcileOption {
	return func(s *ReconcileService) { s.metrics = m }
}

func WithClock(now func() time.Time) ReconcileOption {
	return func(s *ReconcileService) { s.now = now }
}

func NewReconcileService(store SubscriptionStore, provider billing.Provider, logger *logrus.Logger, opts ...ReconcileOption) *ReconcileService {
	s := &ReconcileService{
		store:    store,
		provider: provider,
		ledger:   NoopEventLedger{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[billing.EventKind]eventHandler{
		billing.EventSubscriptionCreated:     s.handleSubscriptionCreated,
		billing.EventSubscriptionUpdated:     s.handleSubscriptionUpdated,
		billing.EventSubscriptionDeleted:     s.handleSubscriptionDeleted,
		billing.EventInvoicePaymentSucceeded: s.handleInvoice,
		billing.EventInvoicePaymentFailed:    s.handleInvoice,
	}
	return s
}

// ParseEvent verifies a raw webhook delivery.
func (s *ReconcileService) ParseEvent(payload []byte, signatureHeader string) (*billing.Event, error) {
	return s.provider.ParseEvent(payload, signatureHeader)
}

// HandleEvent applies one verified event. A nil error means the delivery can
// be acknowledged, which includes unknown kinds, duplicates and events for
// customers we have no row for.
func (s *ReconcileService) HandleEvent(ctx context.Context, ev *billing.Event) error {
	log := s.logger.WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"event_type": ev.Type,
	})

	handler, ok := s.handlers[ev.Kind]
	if !ok {
		log.Debug("ignoring unhandled webhook event")
		s.metrics.ObserveWebhook(ev.Kind.String(), "ignored")
		return nil
	}

	seen, err := s.ledger.Seen(ctx, ev.ID)
	if err != nil {
		log.WithError(err).Warn("event ledger unavailable, processing anyway")
	} else if seen {
		log.Info("duplicate webhook delivery")
		s.metrics.ObserveWebhook(ev.Kind.String(), "duplicate")
		return nil
	}

	if err := handler(ctx, ev, log); err != nil {
		s.metrics.ObserveWebhook(ev.Kind.String(), "error")
		return fmt.Errorf("failed to handle %s: %w", ev.Kind, err)
	}
	s.metrics.ObserveWebhook(ev.Kind.String(), "processed")

	if err := s.ledger.MarkProcessed(ctx, ev.ID); err != nil {
		log.WithError(err).Warn("failed to record processed event")
	}
	return nil
}

// resolveUser maps the event's customer to a user. An empty id with a nil
// error means the customer is unknown and the event should be dropped.
func (s *ReconcileService) resolveUser(ctx context.Context, customerID string, log *logrus.Entry) (string, error) {
	if customerID == "" {
		log.Warn("webhook event without customer id")
		s.metrics.ObserveOrphan()
		return "", nil
	}
	userID, err := s.store.FindUserIDByCustomerID(ctx, customerID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		log.WithField("customer_id", customerID).Warn("no subscription row for customer, dropping event")
		s.metrics.ObserveOrphan()
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *ReconcileService) handleSubscriptionCreated(ctx context.Context, ev *billing.Event, log *logrus.Entry) error {
	snap := ev.Subscription
	if snap == nil {
		return billing.ErrMalformedEvent
	}
	log = log.WithFields(logrus.Fields{"customer_id": snap.CustomerID, "subscription_id": snap.ID})

	userID, err := s.resolveUser(ctx, snap.CustomerID, log)
	if err != nil || userID == "" {
		return err
	}
	log = log.WithField("user_id", userID)

	if !providerStatusGrantsAccess(snap.Status) {
		log.WithField("provider_status", snap.Status).Info("subscription created before payment, waiting for activation")
		return nil
	}

	if err := s.store.ApplyCreated(ctx, userID, snap, s.now().UTC()); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			log.Warn("subscription row disappeared before activation")
			s.metrics.ObserveOrphan()
			return nil
		}
		return err
	}
	s.metrics.ObserveTransition("webhook", "activated")
	log.Info("subscription activated")
	return nil
}

func (s *ReconcileService) handleSubscriptionUpdated(ctx context.Context, ev *billing.Event, log *logrus.Entry) error {
	snap := ev.Subscription
	if snap == nil {
		return billing.ErrMalformedEvent
	}
	log = log.WithFields(logrus.Fields{"customer_id": snap.CustomerID, "subscription_id": snap.ID})

	userID, err := s.resolveUser(ctx, snap.CustomerID, log)
	if err != nil || userID == "" {
		return err
	}
	log = log.WithField("user_id", userID)

	activated, err := s.store.RefreshPeriodEnd(ctx, userID, snap.ID, snap.CurrentPeriodEnd, providerStatusGrantsAccess(snap.Status), s.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, ErrStaleSubscription):
			log.Info("update for a superseded subscription, ignoring")
			return nil
		case errors.Is(err, ErrSubscriptionNotFound):
			s.metrics.ObserveOrphan()
			return nil
		}
		return err
	}
	if activated {
		s.metrics.ObserveTransition("webhook", "activated")
		log.Info("pending subscription activated on update")
	}
	log.WithField("current_period_end", snap.CurrentPeriodEnd).Info("subscription period refreshed")
	return nil
}

func (s *ReconcileService) handleSubscriptionDeleted(ctx context.Context, ev *billing.Event, log *logrus.Entry) error {
	snap := ev.Subscription
	if snap == nil {
		return billing.ErrMalformedEvent
	}
	log = log.WithFields(logrus.Fields{"customer_id": snap.CustomerID, "subscription_id": snap.ID})

	userID, err := s.resolveUser(ctx, snap.CustomerID, log)
	if err != nil || userID == "" {
		return err
	}
	log = log.WithField("user_id", userID)

	if err := s.store.ApplyDeleted(ctx, userID, snap.ID, s.now().UTC()); err != nil {
		switch {
		case errors.Is(err, ErrStaleSubscription):
			log.Info("deletion of a superseded subscription, keeping current plan")
			return nil
		case errors.Is(err, ErrSubscriptionNotFound):
			s.metrics.ObserveOrphan()
			return nil
		}
		return err
	}
	s.metrics.ObserveTransition("webhook", "cancelled")
	log.Info("subscription cancelled, user downgraded to free")
	return nil
}

// handleInvoice only logs for now. Dunning on payment_failed would hook in
// here.
func (s *ReconcileService) handleInvoice(_ context.Context, ev *billing.Event, log *logrus.Entry) error {
	inv := ev.Invoice
	if inv == nil {
		return billing.ErrMalformedEvent
	}
	entry := log.WithFields(logrus.Fields{
		"customer_id":     inv.CustomerID,
		"subscription_id": inv.SubscriptionID,
		"invoice_id":      inv.ID,
		"amount_due":      inv.AmountDue,
		"amount_paid":     inv.AmountPaid,
		"attempt_count":   inv.AttemptCount,
	})
	if ev.Kind == billing.EventInvoicePaymentFailed {
		entry.Warn("invoice payment failed")
		return nil
	}
	entry.Info("invoice paid")
	return nil
}

func providerStatusGrantsAccess(status string) bool {
	switch status {
	case "incomplete", "incomplete_expired", "unpaid", "canceled":
		return false
	}
	return true
}

type ConfirmResult struct {
	Subscription *subscription.Subscription
	// Activated is false when the row had already left pending, usually
	// because the webhook got there first.
	Activated bool
}

// ConfirmPayment is the synchronous fallback for deployments where the
// webhook cannot reach us. It only ever moves a row from pending to active.
func (s *ReconcileService) ConfirmPayment(ctx context.Context, userID, paymentIntentID string) (*ConfirmResult, error) {
	log := s.logger.WithFields(logrus.Fields{
		"user_id":           userID,
		"payment_intent_id": paymentIntentID,
	})

	pi, err := s.provider.GetPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		log.WithError(err).Warn("payment intent lookup failed")
		return nil, fmt.Errorf("%w: %w", ErrPaymentVerificationFailed, err)
	}
	if owner := pi.Metadata["user_id"]; owner != "" && owner != userID {
		log.WithField("intent_user_id", owner).Warn("payment intent belongs to another user")
		return nil, ErrPaymentVerificationFailed
	}
	if pi.Status != billing.PaymentIntentSucceeded {
		log.WithField("intent_status", pi.Status).Info("payment not yet succeeded")
		return nil, fmt.Errorf("%w: status %s", ErrPaymentNotSucceeded, pi.Status)
	}

	activated, err := s.store.ActivatePending(ctx, userID, s.now().UTC())
	if err != nil {
		log.WithError(err).Error("failed to activate subscription")
		return nil, fmt.Errorf("%w: %w", ErrDatabaseUpdate, err)
	}
	if activated {
		s.metrics.ObserveTransition("confirm", "activated")
		log.Info("subscription activated by payment confirmation")
	} else {
		log.Info("subscription already active, nothing to confirm")
	}

	res := &ConfirmResult{Activated: activated}
	sub, err := s.store.GetByUserID(ctx, userID)
	switch {
	case err == nil:
		res.Subscription = sub
	case errors.Is(err, ErrSubscriptionNotFound):
	default:
		log.WithError(err).Warn("failed to read subscription after confirmation")
	}
	return res, nil
}

// CancelAtPeriodEnd flags the caller's subscription to end with the current
// period. Tier and status stay as they are until Stripe sends the deletion.
func (s *ReconcileService) CancelAtPeriodEnd(ctx context.Context, userID, subscriptionID string) (*subscription.Subscription, error) {
	log := s.logger.WithFields(logrus.Fields{
		"user_id":         userID,
		"subscription_id": subscriptionID,
	})

	current, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrDatabaseUpdate, err)
	}
	if current.StripeSubscriptionID != subscriptionID {
		log.WithField("stored_subscription_id", current.StripeSubscriptionID).Warn("cancel requested for a subscription the caller does not own")
		return nil, ErrSubscriptionNotFound
	}

	if _, err := s.provider.CancelAtPeriodEnd(ctx, subscriptionID); err != nil {
		if !errors.Is(err, billing.ErrResourceMissing) {
			log.WithError(err).Error("stripe cancellation failed")
			return nil, fmt.Errorf("%w: %w", ErrProviderCancelFailed, err)
		}
		log.Warn("subscription missing at stripe, flagging locally")
	}

	sub, err := s.store.MarkCancelAtPeriodEnd(ctx, userID, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		log.WithError(err).Error("failed to flag cancellation")
		return nil, fmt.Errorf("%w: %w", ErrDatabaseUpdate, err)
	}
	s.metrics.ObserveTransition("cancel", "cancel_at_period_end")
	log.Info("subscription set to cancel at period end")
	return sub, nil
}

// StartCheckout creates an incomplete Stripe subscription and parks the
// user's row in pending until the first payment succeeds.
func (s *ReconcileService) StartCheckout(ctx context.Context, userID, email, priceID string) (*billing.CheckoutResult, error) {
	log := s.logger.WithFields(logrus.Fields{"user_id": userID, "price_id": priceID})

	var customerID string
	current, err := s.store.GetByUserID(ctx, userID)
	switch {
	case err == nil:
		if current.HasPaidAccess() {
			return nil, ErrAlreadySubscribed
		}
		customerID = current.StripeCustomerID
	case errors.Is(err, ErrSubscriptionNotFound):
	default:
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	res, err := s.provider.CreateSubscription(ctx, billing.CheckoutParams{
		UserID:     userID,
		Email:      email,
		CustomerID: customerID,
		PriceID:    priceID,
	})
	if err != nil {
		log.WithError(err).Error("stripe checkout failed")
		return nil, fmt.Errorf("%w: %w", ErrCheckoutFailed, err)
	}

	if _, err := s.store.UpsertPending(ctx, userID, res.CustomerID, res.SubscriptionID, s.now().UTC()); err != nil {
		log.WithError(err).Error("failed to record pending subscription")
		return nil, fmt.Errorf("%w: %w", ErrDatabaseUpdate, err)
	}
	s.metrics.ObserveTransition("checkout", "pending")
	log.WithFields(logrus.Fields{
		"customer_id":     res.CustomerID,
		"subscription_id": res.SubscriptionID,
	}).Info("checkout started")
	return res, nil
}

func (s *ReconcileService) GetSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	return s.store.GetByUserID(ctx, userID)
}
