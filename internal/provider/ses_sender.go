package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/beaconmail/beacon/internal/pkg/logger"
)

// sesAPI is the slice of the SES v2 client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers through AWS SES using the SDK v2.
type SESSender struct {
	client sesAPI
}

// NewSESSender creates an SES sender with static credentials. An empty
// access key falls through to the default credential chain (IAM role).
func NewSESSender(ctx context.Context, accessKey, secretKey, region string) (*SESSender, error) {
	if region == "" {
		region = "us-west-2"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &SESSender{client: sesv2.NewFromConfig(cfg)}, nil
}

func (s *SESSender) Name() string { return "ses" }

// Send delivers a single email through SES.
func (s *SESSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("contact_id"), Value: aws.String(msg.ContactID)},
			{Name: aws.String("send_id"), Value: aws.String(msg.SendID)},
		},
	}

	if msg.TextContent != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if msg.UnsubscribeURL != "" {
		input.Content.Simple.Headers = []types.MessageHeader{
			{Name: aws.String("List-Unsubscribe"), Value: aws.String("<" + msg.UnsubscribeURL + ">")},
		}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}

	messageID := aws.ToString(result.MessageId)
	logger.Debug("handed off message", "provider", s.Name(), "email", msg.To, "message_id", messageID)

	return &Result{
		MessageID: messageID,
		Provider:  s.Name(),
		SentAt:    time.Now(),
	}, nil
}

// classifySESError maps SDK exceptions onto the retryable/permanent split.
// Throttling and quota errors clear on their own; rejected messages and
// account problems do not.
func classifySESError(err error) error {
	var (
		tooMany   *types.TooManyRequestsException
		limit     *types.LimitExceededException
		paused    *types.SendingPausedException
		badReq    *types.BadRequestException
		rejected  *types.MessageRejected
		suspended *types.AccountSuspendedException
		notFound  *types.NotFoundException
	)

	switch {
	case errors.As(err, &tooMany), errors.As(err, &limit), errors.As(err, &paused):
		return &Error{Provider: "ses", Message: err.Error(), Retryable: true}
	case errors.As(err, &badReq), errors.As(err, &rejected),
		errors.As(err, &suspended), errors.As(err, &notFound):
		return &Error{Provider: "ses", Message: err.Error(), Retryable: false}
	default:
		// Network and unknown SDK errors: retry.
		return &Error{Provider: "ses", Message: err.Error(), Retryable: true}
	}
}
