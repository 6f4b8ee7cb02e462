package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
)

// SNSSender delivers SMS through AWS SNS direct publish.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (s *SNSSender) Send(ctx context.Context, addr delivery.Address, content delivery.Content) (string, error) {
	if addr.Type != delivery.AddressSMS {
		return "", &PayloadError{Reason: fmt.Sprintf("sns sender only handles sms addresses, got %s", addr.Type)}
	}

	var payload SMSPayload
	if err := decodePayload(content, &payload); err != nil {
		return "", err
	}
	if payload.Text == "" {
		return "", &PayloadError{Reason: "sms payload missing text"}
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(addr.Phone),
		Message:     aws.String(payload.Text),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.Any("to", addr.Safe()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return aws.ToString(result.MessageId), nil
}

func (s *SNSSender) SupportsChannel(channel domain.Channel) bool {
	return channel.IsSMS()
}
