package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
)

// SESSender delivers email through AWS SES.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *SESSender) Send(ctx context.Context, addr delivery.Address, content delivery.Content) (string, error) {
	if addr.Type != delivery.AddressEmail {
		return "", &PayloadError{Reason: fmt.Sprintf("ses sender only handles email addresses, got %s", addr.Type)}
	}

	var payload EmailPayload
	if err := decodePayload(content, &payload); err != nil {
		return "", err
	}
	if payload.Subject == "" {
		return "", &PayloadError{Reason: "email payload missing subject"}
	}
	if payload.TextBody == "" && payload.HTMLBody == "" {
		return "", &PayloadError{Reason: "email payload missing body"}
	}

	body := &types.Body{}
	if payload.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(payload.TextBody), Charset: aws.String("UTF-8")}
	}
	if payload.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(payload.HTMLBody), Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{addr.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(payload.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.Any("to", addr.Safe()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return aws.ToString(result.MessageId), nil
}

func (s *SESSender) SupportsChannel(channel domain.Channel) bool {
	return channel.IsEmail()
}
