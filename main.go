package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"marketingTasksAPI/handlers"
	"marketingTasksAPI/internal/billing"
	"marketingTasksAPI/internal/config"
	"marketingTasksAPI/internal/database"
	"marketingTasksAPI/internal/logging"
	"marketingTasksAPI/internal/metrics"
	"marketingTasksAPI/internal/workers"
	"marketingTasksAPI/middleware"
	"marketingTasksAPI/services"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "marketing-tasks-api",
		Short:         "Subscription and quota API for the marketing tasks app",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newResetQuotasCmd())
	return root
}

// bootstrap loads configuration and builds the logger shared by every
// command.
func bootstrap() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				logger.WithError(err).Error("invalid configuration")
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}

			pool, err := database.Connect(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := database.Migrate(cmd.Context(), pool, logger)
			if err != nil {
				return err
			}
			logger.WithField("applied", n).Info("migrations complete")
			return nil
		},
	}
}

func newResetQuotasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-quotas",
		Short: "Reset every monthly quota that is due, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}

			pool, err := database.Connect(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			quotas := services.NewQuotaService(
				services.NewPostgresSubscriptionStore(pool),
				services.NewPostgresUsageStore(pool),
				logger,
				nil,
			)
			n, err := workers.RunQuotaReset(cmd.Context(), quotas, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d quotas\n", n)
			return nil
		},
	}
}

func newTokenVerifier(cfg *config.Config) middleware.TokenVerifier {
	if cfg.AuthProvider == config.AuthProviderClerk {
		return middleware.NewClerkVerifier(cfg.ClerkSecretKey)
	}
	return middleware.NewSupabaseVerifier(cfg.SupabaseJWTSecret)
}

func newEventLedger(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (services.EventLedger, *redis.Client) {
	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL not set, webhook deduplication disabled")
		return services.NoopEventLedger{}, nil
	}
	client, err := services.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Warn("redis unavailable, webhook deduplication disabled")
		return services.NoopEventLedger{}, nil
	}
	return services.NewRedisEventLedger(client, services.DefaultLedgerTTL), client
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection pool")
		pool.Close()
	}()
	logger.Info("connected to database")

	applied, err := database.Migrate(ctx, pool, logger)
	if err != nil {
		return err
	}
	logger.WithField("applied", applied).Info("database schema up to date")

	m := metrics.New()

	ledger, redisClient := newEventLedger(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	provider := billing.NewStripeProvider(billing.StripeConfig{
		SecretKey:         cfg.StripeSecretKey,
		WebhookSecret:     cfg.StripeWebhookSecret,
		APIURL:            cfg.StripeAPIURL,
		MaxNetworkRetries: 2,
		Logger:            logger,
	})

	subscriptionStore := services.NewPostgresSubscriptionStore(pool)
	reconcileService := services.NewReconcileService(subscriptionStore, provider, logger,
		services.WithLedger(ledger),
		services.WithMetrics(m),
	)
	quotaService := services.NewQuotaService(subscriptionStore, services.NewPostgresUsageStore(pool), logger, m)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx)

	scheduler := workers.NewScheduler(logger)
	if err := scheduler.AddQuotaReset(cfg.QuotaResetSchedule, quotaService); err != nil {
		return err
	}
	scheduler.Start()

	handler := newRouter(routerDeps{
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		auth:          middleware.NewAuthenticator(newTokenVerifier(cfg), logger),
		limiter:       limiter,
		webhook:       handlers.NewWebhookHandler(reconcileService, logger),
		subscriptions: handlers.NewSubscriptionHandler(reconcileService, logger),
		quotas:        handlers.NewQuotaHandler(quotaService, logger),
		health:        pingFunc(pool),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Port).Info("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	scheduler.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown error")
	}
	logger.Info("server shutdown complete")
	return nil
}

func pingFunc(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		return pool.Ping(ctx)
	}
}
