// Package main is the entry point for the planforge API server.
//
// It loads the configuration, connects to Postgres (applying migrations),
// builds the payment provider, identity, SQS and CloudWatch clients, wires
// the billing services into the HTTP handlers and serves until SIGINT or
// SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"planforge/internal/api/handlers"
	"planforge/internal/billing"
	"planforge/internal/config"
	"planforge/internal/core"
	"planforge/internal/db"
	"planforge/internal/external"
	"planforge/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("planforge API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	if err := db.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return fmt.Errorf("running migrations: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		pool.Close()
		return fmt.Errorf("loading AWS config: %w", err)
	}

	svc := buildServices(cfg, pool, awsCfg, logger)

	srv, err := newServer(cfg, logger, svc)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{
		ProbeName: "database",
		Fn:        pool.Ping,
	})
	srv.OnShutdown = append(srv.OnShutdown, pool.Close)

	return runHTTPServer(srv, cfg, logger)
}

// services are the collaborators the HTTP handlers need.
type services struct {
	processor     handlers.EventProcessor
	checkout      handlers.CheckoutStarter
	recovery      handlers.PaymentRecovery
	entitlements  handlers.EntitlementChecker
	account       interface {
		handlers.SubscriptionCanceller
		handlers.SubscriptionLister
	}
	resync        handlers.ProfileResyncer
	settings      config.SettingsProvider
	settingsStore handlers.SettingsWriter
	invalidator   handlers.SettingsInvalidator
	metrics       external.MetricsRecorder
}

// buildServices wires the billing engine against the real stores and clients.
func buildServices(cfg *config.Config, pool *pgxpool.Pool, awsCfg aws.Config, logger *slog.Logger) services {
	store := db.NewSubscriptionRepository(pool, logger)
	clock := types.RealClock{}

	var svc services

	base := config.SettingsFromConfig(cfg)
	if cfg.Billing.SettingsTTL > 0 {
		settingsRepo := db.NewSettingsRepository(pool)
		cached := config.NewCachedSettings(base, settingsRepo, cfg.Billing.SettingsTTL, clock, logger)
		svc.settings = cached
		svc.settingsStore = settingsRepo
		svc.invalidator = cached
	} else {
		svc.settings = config.StaticSettings(base)
	}

	svc.metrics = external.NopMetrics{}
	if cfg.AWS.MetricsEnabled {
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		svc.metrics = external.NewCloudWatchMetrics(cw, cfg.AWS.MetricNamespace, logger)
	}

	var resync external.ResyncPublisher = external.NopResyncPublisher{}
	if cfg.AWS.ResyncQueueURL != "" {
		sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		resync = external.NewSQSResyncPublisher(sqsClient, cfg.AWS.ResyncQueueURL, logger)
	}

	payments := external.NewPaymentsClient(nil, external.PaymentsClientConfig{
		APIKey:  cfg.Payments.APIKey.Unmask(),
		BaseURL: cfg.Payments.BaseURL,
		ProductIDs: map[types.PlanName]string{
			types.PlanHobbyist: cfg.Payments.HobbyistProductID,
			types.PlanPro:      cfg.Payments.ProProductID,
		},
		Logger: logger,
	})
	identity := external.NewIdentityClient(nil, cfg.Identity.APIKey.Unmask(), cfg.Identity.BaseURL, logger)

	sync := billing.NewSynchronizer(billing.SynchronizerConfig{
		Store:    store,
		Profiles: identity,
		Settings: svc.settings,
		Resync:   resync,
		Metrics:  svc.metrics,
		Clock:    clock,
		Logger:   logger,
	})
	processor := billing.NewProcessor(store, sync, svc.settings, svc.metrics, clock, logger)

	svc.processor = processor
	svc.checkout = billing.NewCheckoutService(store, sync, payments, cfg.Payments.ReturnURL, logger)
	svc.recovery = billing.NewRecoveryService(store, processor, payments, svc.settings, svc.metrics, clock, logger)
	svc.entitlements = billing.NewEntitlementService(sync, identity, billing.NewStaticPlanRegistry(), logger)
	svc.account = billing.NewAccountService(store, payments, logger)
	svc.resync = billing.NewReconciler(store, sync, cfg.Billing.SyncGrace, clock, logger)
	return svc
}

// newServer builds the HTTP server and mounts every handler group.
func newServer(cfg *config.Config, logger *slog.Logger, svc services) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.Metrics = &requestMetrics{recorder: svc.metrics}

	webhookHandler := handlers.NewPaymentWebhookHandler(
		svc.processor,
		external.NewWebhookVerifier(cfg.Payments.SignatureScheme),
		cfg.Payments.WebhookSecret,
		cfg.Payments.SignatureScheme,
		logger,
	)
	billingHandler := handlers.NewBillingHandler(
		svc.checkout,
		svc.recovery,
		svc.entitlements,
		svc.account,
		srv.Validator,
		logger,
	)
	adminHandler := handlers.NewAdminHandler(
		svc.account,
		svc.resync,
		svc.settingsStore,
		svc.settings,
		svc.invalidator,
		srv.Validator,
		logger,
	)

	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhookHandler.RegisterRoutes)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, billingHandler.RegisterRoutes)
	srv.AdminRouteRegistrars = append(srv.AdminRouteRegistrars, adminHandler.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

// requestMetrics forwards API request counts to the metrics recorder.
type requestMetrics struct {
	recorder external.MetricsRecorder
}

func (m *requestMetrics) RecordRequest(method, endpoint, status string, _ time.Duration) {
	m.recorder.Count(context.Background(), "APIRequest", map[string]string{
		"Method":   method,
		"Endpoint": endpoint,
		"Status":   status,
	})
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger for the given level name.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
