package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	CodeValidation                = "VALIDATION_ERROR"
	CodeUnauthorized              = "UNAUTHORIZED"
	CodeStripeCancelFailed        = "STRIPE_CANCEL_FAILED"
	CodeSubscriptionNotFound      = "SUBSCRIPTION_NOT_FOUND"
	CodeDatabaseUpdate            = "DATABASE_UPDATE_ERROR"
	CodePaymentVerificationFailed = "PAYMENT_VERIFICATION_FAILED"
	CodePaymentNotSucceeded       = "PAYMENT_NOT_SUCCEEDED"
	CodeQuotaExceeded             = "QUOTA_EXCEEDED"
	CodeAlreadySubscribed         = "ALREADY_SUBSCRIBED"
	CodeCheckoutFailed            = "CHECKOUT_FAILED"
	CodeInternal                  = "INTERNAL_ERROR"
)

const maxRequestBody = 1 << 20

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

var validate = newValidator()

// newValidator reports field errors under their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
// On failure the 400 response has already been written.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, CodeValidation, "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		resp := ErrorResponse{Error: "Validation failed", Code: CodeValidation, Details: map[string]string{}}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				resp.Details[fe.Field()] = fe.Tag()
			}
		}
		respondWithJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}
