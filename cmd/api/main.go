// Package main is the entry point for the billing API server: webhook
// ingestors, the reconciliation cron endpoint, and the checkout RPCs.
//
// Startup is fail-fast: configuration, database pool, and AWS clients must
// all initialize or the process exits. Graceful shutdown is handled via OS
// signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"aitextspeak/internal/api/handlers"
	"aitextspeak/internal/billing"
	"aitextspeak/internal/config"
	"aitextspeak/internal/core"
	"aitextspeak/internal/db"
	"aitextspeak/internal/external"
	"aitextspeak/internal/observability"
	"aitextspeak/internal/queue"
	"aitextspeak/internal/scheduler"
)

// shutdownTimeout bounds how long in-flight requests may run after a
// termination signal.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("billing API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database pool.
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	// AWS clients. EndpointURL supports LocalStack in development.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	// Payment providers.
	httpClient := &http.Client{Timeout: 30 * time.Second}
	stripe := external.NewStripeProvider(httpClient, external.StripeConfig{
		SecretKey:     cfg.Stripe.SecretKey.Unmask(),
		WebhookSecret: cfg.Stripe.WebhookSecret.Unmask(),
		Logger:        logger,
	})
	paypal := external.NewPayPalProvider(httpClient, external.PayPalConfig{
		ClientID:  cfg.PayPal.ClientID.Unmask(),
		Secret:    cfg.PayPal.Secret.Unmask(),
		WebhookID: cfg.PayPal.WebhookID,
		BaseURL:   cfg.PayPal.BaseURL,
		Logger:    logger,
	})

	providers := []external.PaymentProvider{stripe, paypal}
	var legacyVerifier handlers.WebhookVerifier
	if cfg.PayPalLegacy.Configured() {
		legacy := external.NewPayPalProvider(httpClient, external.PayPalConfig{
			ClientID:  cfg.PayPalLegacy.ClientID.Unmask(),
			Secret:    cfg.PayPalLegacy.Secret.Unmask(),
			WebhookID: cfg.PayPalLegacy.WebhookID,
			BaseURL:   cfg.PayPalLegacy.BaseURL,
			IsLegacy:  true,
			Logger:    logger,
		})
		providers = append(providers, legacy)
		legacyVerifier = legacy
		logger.Info("legacy PayPal account configured")
	}

	// Repositories.
	subRepo := db.NewSubscriptionRepo(pool, logger)
	paymentRepo := db.NewPaymentRepo(pool, cfg.Reconcile.DedupWindow, logger)
	profileRepo := db.NewProfileRepo(pool, logger)
	anomalyRepo := db.NewAnomalyRepo(pool, logger)

	// Side-effect plumbing.
	metrics := observability.NewMetrics(cwClient, cfg.AWS.MetricNamespace, logger)
	dispatcher := queue.NewDispatcher(sqsClient, cfg.AWS.NotificationQueue, logger)
	notifier := queue.NewEmailNotifier(dispatcher, cfg.Email.AdminAddress, cfg.Email.Enabled, logger)

	// Billing core and reconciliation sweep.
	service := billing.NewService(subRepo, paymentRepo, profileRepo, notifier, metrics, logger)
	sweeper := scheduler.NewSweeper(scheduler.SweeperConfig{
		Subscriptions: subRepo,
		Ledger:        paymentRepo,
		Profiles:      profileRepo,
		Anomalies:     anomalyRepo,
		Providers:     providers,
		GraceSlop:     cfg.Reconcile.GraceSlop,
		HealWindow:    cfg.Reconcile.HealWindow,
		Logger:        logger,
	})

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = []core.HealthProbe{dbProbe{pool: pool}}

	webhookHandler := handlers.NewWebhookHandler(stripe, paypal, legacyVerifier, service, logger)
	cronHandler := handlers.NewCronHandler(sweeper, metrics, logger)
	checkoutHandler := handlers.NewCheckoutHandler(stripe, paypal, srv.Validator, strings.TrimRight(cfg.Server.AppURL, "/"), logger)

	srv.MountRoutes(
		webhookHandler.RegisterRoutes,
		func(r chi.Router) { cronHandler.RegisterRoutes(r, cfg.Server.CronSecret) },
		func(r chi.Router) { checkoutHandler.RegisterRoutes(r, cfg.Server.InternalAPIKey) },
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sweeper.RunLoop(gctx, cfg.Reconcile.SweepInterval, metrics.SweepCompleted)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("billing API stopped")
	return nil
}

// dbProbe reports database pool health for the /health endpoint.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p dbProbe) Name() string { return "database" }

func (p dbProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// newLogger builds the process-wide structured JSON logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
