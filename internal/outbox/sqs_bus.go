package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// SQSConfig holds queue configuration for the SQS-backed bus.
type SQSConfig struct {
	Region   string
	QueueURL string
}

// SQSBus publishes outbox events to an SQS queue for downstream
// consumers.
type SQSBus struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

func NewSQSBus(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*SQSBus, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs bus initialized", zap.String("queue_url", cfg.QueueURL))

	return &SQSBus{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

func (b *SQSBus) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type),
			},
			"event_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.ID.String()),
			},
		},
	}

	if _, err := b.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}

// SQSConsumer reads events back off the queue for workers running in a
// separate process from the outbox loop.
type SQSConsumer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

func NewSQSConsumer(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*SQSConsumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs consumer initialized", zap.String("queue_url", cfg.QueueURL))

	return &SQSConsumer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Receive long-polls for one event. A nil event with nil error means
// the poll timed out with nothing to do.
func (c *SQSConsumer) Receive(ctx context.Context) (*Event, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	raw := result.Messages[0]
	var event Event
	if err := json.Unmarshal([]byte(*raw.Body), &event); err != nil {
		return nil, "", fmt.Errorf("invalid event format: %w", err)
	}
	return &event, *raw.ReceiptHandle, nil
}

// Delete acknowledges a processed event.
func (c *SQSConsumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}
	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility extends the in-flight timeout for a slow handler.
func (c *SQSConsumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}
	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
