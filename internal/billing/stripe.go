package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// ErrMalformedEvent is returned when a correctly signed event carries a data
// object that cannot be decoded.
var ErrMalformedEvent = errors.New("billing: malformed event payload")

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// APIURL overrides https://api.stripe.com, e.g. for stripe-mock.
	APIURL string

	MaxNetworkRetries int64
	BreakerFailures   uint32
	BreakerTimeout    time.Duration

	Logger *logrus.Logger
}

type StripeProvider struct {
	api           *client.API
	webhookSecret string
	breaker       *gobreaker.CircuitBreaker[any]
	logger        *logrus.Logger
}

func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     logger,
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A definitive answer from Stripe is not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("billing circuit breaker state changed")
		},
	})

	return &StripeProvider{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		breaker:       breaker,
		logger:        logger,
	}
}

func (p *StripeProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx

	res, err := p.call("cancel subscription at period end", func() (any, error) {
		return p.api.Subscriptions.Update(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return snapshotFromSubscription(res.(*stripe.Subscription)), nil
}

func (p *StripeProvider) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	res, err := p.call("retrieve payment intent", func() (any, error) {
		return p.api.PaymentIntents.Get(paymentIntentID, params)
	})
	if err != nil {
		return nil, err
	}

	pi := res.(*stripe.PaymentIntent)
	out := &PaymentIntent{
		ID:       pi.ID,
		Status:   PaymentIntentStatus(pi.Status),
		Amount:   pi.Amount,
		Currency: string(pi.Currency),
		Metadata: pi.Metadata,
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	return out, nil
}

// CreateSubscription opens an incomplete subscription whose first invoice is
// paid client-side with the returned client secret.
func (p *StripeProvider) CreateSubscription(ctx context.Context, params CheckoutParams) (*CheckoutResult, error) {
	customerID := params.CustomerID
	if customerID == "" {
		cp := &stripe.CustomerParams{}
		if params.Email != "" {
			cp.Email = stripe.String(params.Email)
		}
		cp.AddMetadata("user_id", params.UserID)
		cp.Context = ctx

		res, err := p.call("create customer", func() (any, error) {
			return p.api.Customers.New(cp)
		})
		if err != nil {
			return nil, err
		}
		customerID = res.(*stripe.Customer).ID
	}

	sp := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	sp.AddMetadata("user_id", params.UserID)
	sp.AddExpand("latest_invoice.payment_intent")
	sp.Context = ctx

	res, err := p.call("create subscription", func() (any, error) {
		return p.api.Subscriptions.New(sp)
	})
	if err != nil {
		return nil, err
	}

	sub := res.(*stripe.Subscription)
	out := &CheckoutResult{
		CustomerID:     customerID,
		SubscriptionID: sub.ID,
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		out.PaymentIntentID = sub.LatestInvoice.PaymentIntent.ID
		out.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	return out, nil
}

// ParseEvent verifies the Stripe-Signature header before decoding anything.
func (p *StripeProvider) ParseEvent(payload []byte, signatureHeader string) (*Event, error) {
	if p.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeStripeEvent(ev)
}

func (p *StripeProvider) call(op string, fn func() (any, error)) (any, error) {
	res, err := p.breaker.Execute(fn)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%s: %w", op, ErrProviderUnavailable)
	case isResourceMissing(err):
		return nil, fmt.Errorf("%s: %w: %w", op, ErrResourceMissing, err)
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
}

func decodeStripeEvent(ev stripe.Event) (*Event, error) {
	out := &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Kind:    ParseEventKind(string(ev.Type)),
		Created: unixTime(ev.Created),
	}
	if out.Kind == EventUnknown {
		return out, nil
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, out.Type)
	}

	switch {
	case out.Kind.IsSubscription():
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, out.Type, err)
		}
		out.Subscription = snapshotFromSubscription(&sub)
	case out.Kind.IsInvoice():
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, out.Type, err)
		}
		out.Invoice = snapshotFromInvoice(&inv)
	}
	return out, nil
}

func snapshotFromSubscription(sub *stripe.Subscription) *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Metadata:           sub.Metadata,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	return snap
}

func snapshotFromInvoice(inv *stripe.Invoice) *InvoiceSnapshot {
	snap := &InvoiceSnapshot{
		ID:           inv.ID,
		AmountDue:    inv.AmountDue,
		AmountPaid:   inv.AmountPaid,
		AttemptCount: inv.AttemptCount,
		Currency:     string(inv.Currency),
	}
	if inv.Customer != nil {
		snap.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		snap.SubscriptionID = inv.Subscription.ID
	}
	return snap
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func isResourceMissing(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound
}

// isClientError covers 4xx answers other than rate limiting.
func isClientError(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests
}
