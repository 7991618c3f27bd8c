package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESAPI is the slice of the SES v2 client the sender uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig carries region and optional static credentials. Without static
// credentials the default AWS chain is used.
type SESConfig struct {
	Region    string
	AccessKey string
	SecretKey string
}

type SESSender struct {
	client SESAPI
	now    func() time.Time
}

// NewSES builds an SES sender from configuration.
func NewSES(ctx context.Context, cfg SESConfig) (*SESSender, error) {
	region := cfg.Region
	if region == "" {
		region = "eu-north-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESWithClient(sesv2.NewFromConfig(awsCfg)), nil
}

// NewSESWithClient wraps an existing client.
func NewSESWithClient(client SESAPI) *SESSender {
	return &SESSender{client: client, now: time.Now}
}

func (s *SESSender) Name() string { return "ses" }

func (s *SESSender) Send(ctx context.Context, e Email) (Receipt, error) {
	from := e.FromEmail
	if e.FromName != "" {
		from = fmt.Sprintf("%s <%s>", e.FromName, e.FromEmail)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{e.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(e.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(e.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	for k, v := range e.Tags {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String(k), Value: aws.String(v)})
	}
	if e.ReplyTo != "" {
		input.ReplyToAddresses = []string{e.ReplyTo}
	}
	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	r := Receipt{SentAt: s.now()}
	if out != nil && out.MessageId != nil {
		r.ProviderMessageID = *out.MessageId
	}
	return r, nil
}
