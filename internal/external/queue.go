package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"planforge/internal/types"
)

// SQSSender is the SendMessage subset of *sqs.Client.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSResyncPublisher sends ResyncMessages to the reconciler queue.
type SQSResyncPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

var _ ResyncPublisher = (*SQSResyncPublisher)(nil)

// NewSQSResyncPublisher creates an SQSResyncPublisher.
func NewSQSResyncPublisher(client SQSSender, queueURL string, logger *slog.Logger) *SQSResyncPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSResyncPublisher{client: client, queueURL: queueURL, logger: logger}
}

// PublishResync implements ResyncPublisher. MessageID and RequestedAt are
// filled in when empty.
func (p *SQSResyncPublisher) PublishResync(ctx context.Context, msg types.ResyncMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal resync message: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Reason),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("queue: failed to send resync message for user %s: %w", msg.UserID, err)
	}

	p.logger.InfoContext(ctx, "resync enqueued",
		"user_id", msg.UserID,
		"subscription_id", msg.SubscriptionID,
		"reason", msg.Reason,
		"message_id", msg.MessageID,
	)
	return nil
}
