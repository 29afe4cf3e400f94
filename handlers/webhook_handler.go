package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"marketingTasksAPI/internal/billing"
	"marketingTasksAPI/middleware"
)

const maxWebhookBody = int64(65536)

type EventProcessor interface {
	ParseEvent(payload []byte, signatureHeader string) (*billing.Event, error)
	HandleEvent(ctx context.Context, ev *billing.Event) error
}

type WebhookHandler struct {
	processor EventProcessor
	logger    *logrus.Logger
}

func NewWebhookHandler(processor EventProcessor, logger *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, logger: logger}
}

// HandleStripeWebhook verifies and applies one Stripe delivery. Anything
// other than a 2xx makes Stripe redeliver, so only failures worth retrying
// return 500.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	log := h.logger.WithField("request_id", middleware.RequestIDFrom(r.Context()))

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.WithError(err).Warn("error reading webhook body")
		respondWithError(w, http.StatusBadRequest, CodeValidation, "Error reading body")
		return
	}

	event, err := h.processor.ParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.WithError(err).Warn("rejected stripe webhook")
		if errors.Is(err, billing.ErrMalformedEvent) {
			respondWithError(w, http.StatusBadRequest, CodeValidation, "Malformed event")
			return
		}
		respondWithError(w, http.StatusBadRequest, CodeValidation, "Invalid signature")
		return
	}

	if err := h.processor.HandleEvent(r.Context(), event); err != nil {
		log = log.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})
		if errors.Is(err, billing.ErrMalformedEvent) {
			log.WithError(err).Warn("webhook event missing its data object")
			respondWithError(w, http.StatusBadRequest, CodeValidation, "Malformed event")
			return
		}
		log.WithError(err).Error("error handling stripe webhook")
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Error processing webhook")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}
