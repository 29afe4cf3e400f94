// Package billing wraps the Stripe API behind the small surface the
// reconciliation endpoints need.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrResourceMissing means Stripe answered that the object does not exist.
	ErrResourceMissing = errors.New("billing: resource missing")
	// ErrInvalidSignature means a webhook payload failed verification.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	// ErrProviderUnavailable is returned while the circuit breaker is open.
	ErrProviderUnavailable = errors.New("billing: provider unavailable")
)

type PaymentIntentStatus string

const PaymentIntentSucceeded PaymentIntentStatus = "succeeded"

type PaymentIntent struct {
	ID         string
	Status     PaymentIntentStatus
	CustomerID string
	Amount     int64
	Currency   string
	Metadata   map[string]string
}

// SubscriptionSnapshot is the provider's view of a subscription, with period
// bounds already converted from unix seconds.
type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
}

type InvoiceSnapshot struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountDue      int64
	AmountPaid     int64
	AttemptCount   int64
	Currency       string
}

type CheckoutParams struct {
	UserID     string
	Email      string
	CustomerID string
	PriceID    string
}

type CheckoutResult struct {
	CustomerID      string
	SubscriptionID  string
	PaymentIntentID string
	ClientSecret    string
}

// Provider is implemented by StripeProvider and by test fakes.
type Provider interface {
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	CreateSubscription(ctx context.Context, params CheckoutParams) (*CheckoutResult, error)
	ParseEvent(payload []byte, signatureHeader string) (*Event, error)
}
