// Package main is the entrypoint for the Reconciler Lambda function.
//
// The Reconciler re-derives user profiles from durable subscription records.
// It is invoked two ways:
//
//   - by the resync SQS queue, with ResyncMessages enqueued after a profile
//     write failed behind an activation;
//   - by a scheduled EventBridge rule, which sweeps active records whose
//     profile sync never completed.
//
// Cold start wires the store, identity client and synchronizer once; each
// invocation only dispatches.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"planforge/internal/billing"
	"planforge/internal/config"
	"planforge/internal/db"
	"planforge/internal/external"
	"planforge/internal/types"
)

// ResyncHandler is the billing.Reconciler subset the handler drives.
type ResyncHandler interface {
	HandleResync(ctx context.Context, msg types.ResyncMessage) error
	SweepUnsynced(ctx context.Context) (int, error)
}

// Handler dispatches Lambda invocations to the reconciler.
type Handler struct {
	reconciler ResyncHandler
	logger     *slog.Logger
}

// invocation is decoded just far enough to tell SQS batches from schedules.
type invocation struct {
	Records    []json.RawMessage `json:"Records"`
	DetailType string            `json:"detail-type"`
}

// Handle routes an SQS batch to HandleResync and anything else to a sweep.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var inv invocation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decoding invocation: %w", err)
	}

	if len(inv.Records) > 0 {
		var sqsEvent events.SQSEvent
		if err := json.Unmarshal(raw, &sqsEvent); err != nil {
			return nil, fmt.Errorf("decoding SQS event: %w", err)
		}
		return h.handleSQS(ctx, sqsEvent), nil
	}

	h.logger.InfoContext(ctx, "scheduled sweep started", "detail_type", inv.DetailType)
	repaired, err := h.reconciler.SweepUnsynced(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "scheduled sweep finished with errors", "repaired", repaired, "error", err)
		return nil, err
	}
	h.logger.InfoContext(ctx, "scheduled sweep finished", "repaired", repaired)
	return map[string]int{"repaired": repaired}, nil
}

// handleSQS processes each message independently. Failed messages are
// reported as partial batch failures so SQS redelivers only those.
func (h *Handler) handleSQS(ctx context.Context, sqsEvent events.SQSEvent) events.SQSEventResponse {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		var msg types.ResyncMessage
		if err := json.Unmarshal([]byte(record.Body), &msg); err != nil || msg.UserID == "" {
			// Permanent parse failure: redelivery cannot fix it.
			h.logger.ErrorContext(ctx, "dropping malformed resync message",
				"message_id", record.MessageId,
				"error", err,
			)
			continue
		}

		if err := h.reconciler.HandleResync(ctx, msg); err != nil {
			h.logger.ErrorContext(ctx, "resync failed",
				"message_id", record.MessageId,
				"user_id", msg.UserID,
				"subscription_id", msg.SubscriptionID,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	var metrics external.MetricsRecorder = external.NopMetrics{}
	if cfg.AWS.MetricsEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		metrics = external.NewCloudWatchMetrics(cw, cfg.AWS.MetricNamespace, logger)
	}

	store := db.NewSubscriptionRepository(pool, logger)
	clock := types.RealClock{}

	var settings config.SettingsProvider = config.StaticSettings(config.SettingsFromConfig(cfg))
	if cfg.Billing.SettingsTTL > 0 {
		settings = config.NewCachedSettings(config.SettingsFromConfig(cfg), db.NewSettingsRepository(pool),
			cfg.Billing.SettingsTTL, clock, logger)
	}

	// No resync publisher: a failure here is retried by SQS or the next sweep.
	sync := billing.NewSynchronizer(billing.SynchronizerConfig{
		Store:    store,
		Profiles: external.NewIdentityClient(nil, cfg.Identity.APIKey.Unmask(), cfg.Identity.BaseURL, logger),
		Settings: settings,
		Metrics:  metrics,
		Clock:    clock,
		Logger:   logger,
	})

	h := &Handler{
		reconciler: billing.NewReconciler(store, sync, cfg.Billing.SyncGrace, clock, logger),
		logger:     logger,
	}

	lambda.Start(h.Handle)
}
