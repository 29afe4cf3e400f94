package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"marketingTasksAPI/internal/quota"
	"marketingTasksAPI/internal/types/usage"
	"marketingTasksAPI/middleware"
	"marketingTasksAPI/services"
)

type QuotaManager interface {
	GetQuota(ctx context.Context, userID string) (*quota.Quota, error)
	ConsumeGeneration(ctx context.Context, userID string, n int) (*quota.Quota, error)
}

type QuotaHandler struct {
	quotas QuotaManager
	logger *logrus.Logger
}

func NewQuotaHandler(quotas QuotaManager, logger *logrus.Logger) *QuotaHandler {
	return &QuotaHandler{quotas: quotas, logger: logger}
}

func (h *QuotaHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
		return
	}

	q, err := h.quotas.GetQuota(r.Context(), userID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("failed to load quota")
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, q.Snapshot())
}

type quotaExceededResponse struct {
	ErrorResponse
	Quota quota.Snapshot `json:"quota"`
}

func (h *QuotaHandler) ConsumeUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
		return
	}

	var req usage.ConsumeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	q, err := h.quotas.ConsumeGeneration(r.Context(), userID, req.Count)
	if err != nil {
		if errors.Is(err, services.ErrQuotaExceeded) && q != nil {
			respondWithJSON(w, http.StatusTooManyRequests, quotaExceededResponse{
				ErrorResponse: ErrorResponse{Error: "Monthly generation quota exceeded", Code: CodeQuotaExceeded},
				Quota:         q.Snapshot(),
			})
			return
		}
		if errors.Is(err, services.ErrQuotaExceeded) {
			respondWithError(w, http.StatusTooManyRequests, CodeQuotaExceeded, "Monthly generation quota exceeded")
			return
		}
		h.logger.WithError(err).WithField("user_id", userID).Error("failed to record usage")
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, q.Snapshot())
}
