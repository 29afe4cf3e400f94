package subscription

import (
	"fmt"
	"time"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPremium, TierEnterprise:
		return true
	}
	return false
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
)

// Subscription is the one-per-user billing row. Stripe ids are empty until
// checkout has started.
type Subscription struct {
	ID                   string     `json:"id" db:"id"`
	UserID               string     `json:"userId" db:"user_id"`
	StripeCustomerID     string     `json:"stripeCustomerId,omitempty" db:"stripe_customer_id"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId,omitempty" db:"stripe_subscription_id"`
	Tier                 Tier       `json:"tier" db:"tier"`
	Status               Status     `json:"status" db:"status"`
	CurrentPeriodStart   *time.Time `json:"currentPeriodStart,omitempty" db:"current_period_start"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty" db:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancelAtPeriodEnd" db:"cancel_at_period_end"`
	CancelledAt          *time.Time `json:"cancelledAt,omitempty" db:"cancelled_at"`
	CreatedAt            time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time  `json:"updatedAt" db:"updated_at"`
}

// EffectiveTier is the tier that gates features right now. Cancelled rows
// always fall back to free.
func (s *Subscription) EffectiveTier() Tier {
	if s == nil || s.Status == StatusCancelled || !s.Tier.Valid() {
		return TierFree
	}
	return s.Tier
}

// HasPaidAccess reports whether the row currently grants a paid tier and is
// not already scheduled to end.
func (s *Subscription) HasPaidAccess() bool {
	return s != nil && s.Status == StatusActive && s.Tier != TierFree && !s.CancelAtPeriodEnd
}

type CancelRequest struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
}

type ConfirmPaymentRequest struct {
	UserID          string `json:"userId" validate:"required"`
	PaymentIntentID string `json:"paymentIntentId" validate:"required,startswith=pi_"`
}

type CheckoutRequest struct {
	PriceID string `json:"priceId" validate:"required,startswith=price_"`
	Email   string `json:"email" validate:"omitempty,email"`
}

type CheckoutResponse struct {
	CustomerID      string `json:"customerId"`
	SubscriptionID  string `json:"subscriptionId"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	ClientSecret    string `json:"clientSecret,omitempty"`
}

// MutationResponse is the body shared by the cancel and confirm endpoints.
type MutationResponse struct {
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	Subscription *Subscription `json:"subscription"`
}
