package main

import (
	"context"
	"net/http"
	"time"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"marketingTasksAPI/handlers"
	"marketingTasksAPI/internal/config"
	"marketingTasksAPI/internal/metrics"
	"marketingTasksAPI/middleware"
)

type routerDeps struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics

	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter

	webhook       *handlers.WebhookHandler
	subscriptions *handlers.SubscriptionHandler
	quotas        *handlers.QuotaHandler

	health func(ctx context.Context) error
}

func newRouter(d routerDeps) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(d.logger))
	r.Use(middleware.NewMonitor(d.metrics).Middleware)

	// Stripe delivers from a small pool of addresses in bursts; keep it off
	// the per-IP limiter.
	r.HandleFunc("/webhooks/stripe", d.webhook.HandleStripeWebhook).Methods("POST")

	standardRouter := r.PathPrefix("/").Subrouter()
	standardRouter.Use(d.limiter.Middleware)

	standardRouter.Handle("/metrics", middleware.BasicAuth(d.cfg.MetricsUser, d.cfg.MetricsPass,
		promhttp.HandlerFor(d.metrics.Registry, promhttp.HandlerOpts{}))).Methods("GET")

	standardRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := d.health(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status": "unhealthy", "error": "database connection failed"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy", "service": "marketing-tasks-api"}`))
	}).Methods("GET")

	api := standardRouter.PathPrefix("/api/v1").Subrouter()

	// The payment page confirms before it has a session.
	api.HandleFunc("/billing/confirm-payment", d.subscriptions.ConfirmPayment).Methods("POST")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(d.auth.Middleware)

	protected.HandleFunc("/billing/checkout", d.subscriptions.StartCheckout).Methods("POST")
	protected.HandleFunc("/billing/cancel-subscription", d.subscriptions.CancelSubscription).Methods("POST")
	protected.HandleFunc("/billing/subscription", d.subscriptions.GetSubscription).Methods("GET")

	protected.HandleFunc("/quota", d.quotas.GetQuota).Methods("GET")
	protected.HandleFunc("/quota/usage", d.quotas.ConsumeUsage).Methods("POST")

	corsHandler := gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins(d.cfg.CORSAllowedOrigins),
		gorillaHandlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		gorillaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization", middleware.RequestIDHeader}),
		gorillaHandlers.ExposedHeaders([]string{"Content-Length", middleware.RequestIDHeader}),
		gorillaHandlers.AllowCredentials(),
	)
	return corsHandler(r)
}
