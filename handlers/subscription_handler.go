package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"marketingTasksAPI/internal/billing"
	"marketingTasksAPI/internal/types/subscription"
	"marketingTasksAPI/middleware"
	"marketingTasksAPI/services"
)

type SubscriptionManager interface {
	ConfirmPayment(ctx context.Context, userID, paymentIntentID string) (*services.ConfirmResult, error)
	CancelAtPeriodEnd(ctx context.Context, userID, subscriptionID string) (*subscription.Subscription, error)
	StartCheckout(ctx context.Context, userID, email, priceID string) (*billing.CheckoutResult, error)
	GetSubscription(ctx context.Context, userID string) (*subscription.Subscription, error)
}

type SubscriptionHandler struct {
	manager SubscriptionManager
	logger  *logrus.Logger
}

func NewSubscriptionHandler(manager SubscriptionManager, logger *logrus.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{manager: manager, logger: logger}
}

// ConfirmPayment is unauthenticated: it is called straight from the payment
// page and only ever moves a pending row forward.
func (h *SubscriptionHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req subscription.ConfirmPaymentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.manager.ConfirmPayment(r.Context(), req.UserID, req.PaymentIntentID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPaymentNotSucceeded):
			respondWithError(w, http.StatusBadRequest, CodePaymentNotSucceeded, "Payment has not succeeded")
		case errors.Is(err, services.ErrPaymentVerificationFailed):
			respondWithError(w, http.StatusBadRequest, CodePaymentVerificationFailed, "Could not verify payment")
		default:
			respondWithError(w, http.StatusInternalServerError, CodeDatabaseUpdate, "Failed to update subscription")
		}
		return
	}

	message := "Subscription activated"
	switch {
	case res.Activated:
	case res.Subscription != nil && res.Subscription.Status == subscription.StatusActive:
		message = "Subscription already active"
	default:
		message = "No pending subscription to activate"
	}
	respondWithJSON(w, http.StatusOK, subscription.MutationResponse{
		Success:      true,
		Message:      message,
		Subscription: res.Subscription,
	})
}

func (h *SubscriptionHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
		return
	}

	var req subscription.CancelRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	sub, err := h.manager.CancelAtPeriodEnd(r.Context(), userID, req.SubscriptionID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSubscriptionNotFound):
			respondWithError(w, http.StatusInternalServerError, CodeSubscriptionNotFound, "Subscription not found")
		case errors.Is(err, services.ErrProviderCancelFailed):
			respondWithError(w, http.StatusInternalServerError, CodeStripeCancelFailed, "Failed to cancel subscription with Stripe")
		default:
			respondWithError(w, http.StatusInternalServerError, CodeDatabaseUpdate, "Failed to update subscription")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, subscription.MutationResponse{
		Success:      true,
		Message:      "Subscription will be cancelled at the end of the billing period",
		Subscription: sub,
	})
}

func (h *SubscriptionHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
		return
	}

	var req subscription.CheckoutRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.manager.StartCheckout(r.Context(), userID, req.Email, req.PriceID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAlreadySubscribed):
			respondWithError(w, http.StatusConflict, CodeAlreadySubscribed, "Already subscribed")
		case errors.Is(err, services.ErrCheckoutFailed):
			status := http.StatusBadGateway
			if errors.Is(err, billing.ErrProviderUnavailable) {
				status = http.StatusServiceUnavailable
			}
			respondWithError(w, status, CodeCheckoutFailed, "Could not start checkout")
		case errors.Is(err, services.ErrDatabaseUpdate):
			respondWithError(w, http.StatusInternalServerError, CodeDatabaseUpdate, "Failed to record checkout")
		default:
			h.logger.WithError(err).WithField("user_id", userID).Error("checkout failed")
			respondWithError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, subscription.CheckoutResponse{
		CustomerID:      res.CustomerID,
		SubscriptionID:  res.SubscriptionID,
		PaymentIntentID: res.PaymentIntentID,
		ClientSecret:    res.ClientSecret,
	})
}

func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
		return
	}

	sub, err := h.manager.GetSubscription(r.Context(), userID)
	if err != nil {
		if errors.Is(err, services.ErrSubscriptionNotFound) {
			respondWithError(w, http.StatusNotFound, CodeSubscriptionNotFound, "Subscription not found")
			return
		}
		h.logger.WithError(err).WithField("user_id", userID).Error("failed to load subscription")
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, sub)
}
