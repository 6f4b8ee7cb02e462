package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSTopicBus broadcasts outbox events to an SNS topic so external
// systems can subscribe to delivery lifecycle events without touching
// the work queue.
type SNSTopicBus struct {
	client   *sns.Client
	topicARN string
}

func NewSNSTopicBus(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*SNSTopicBus, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SNSTopicBus{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// NewSNSTopicBusWithEndpoint builds a topic bus against a custom
// endpoint (for LocalStack).
func NewSNSTopicBusWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*SNSTopicBus, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &SNSTopicBus{client: client, topicARN: topicARN}, nil
}

func (b *SNSTopicBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(b.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type),
			},
			"correlation_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.CorrelationID.String()),
			},
		},
	}

	if _, err := b.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}
