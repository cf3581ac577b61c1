package email

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"SendLane/internal/models"
)

// SESAPI is the subset of the SESv2 client the provider uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

type SESConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
}

type SESProvider struct {
	client           SESAPI
	configurationSet string
}

// NewSESProvider builds a client from the default AWS credential chain,
// or from static keys when both are set.
func NewSESProvider(ctx context.Context, cfg SESConfig) (*SESProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESProviderWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSet), nil
}

func NewSESProviderWithClient(client SESAPI, configurationSet string) *SESProvider {
	return &SESProvider{client: client, configurationSet: configurationSet}
}

func (p *SESProvider) Name() string { return "ses" }

var sesTagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func sesTagValue(v string) string {
	v = sesTagUnsafe.ReplaceAllString(v, "_")
	if len(v) > 256 {
		v = v[:256]
	}
	return v
}

func (p *SESProvider) buildInput(job *models.EmailJob) *sesv2.SendEmailInput {
	body := &types.Body{}
	if job.HTML != "" {
		body.Html = &types.Content{Data: aws.String(job.HTML), Charset: aws.String("UTF-8")}
	}
	if job.Text != "" {
		body.Text = &types.Content{Data: aws.String(job.Text), Charset: aws.String("UTF-8")}
	}

	tags := []types.MessageTag{
		{Name: aws.String("job_id"), Value: aws.String(sesTagValue(job.JobID))},
		{Name: aws.String("account_id"), Value: aws.String(sesTagValue(job.AccountID))},
	}
	for i, tag := range job.Tags {
		tags = append(tags, types.MessageTag{
			Name:  aws.String(fmt.Sprintf("tag_%d", i)),
			Value: aws.String(sesTagValue(tag)),
		})
	}

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(job.From),
		Destination:      &types.Destination{ToAddresses: []string{job.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(job.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: tags,
	}
	if p.configurationSet != "" {
		in.ConfigurationSetName = aws.String(p.configurationSet)
	}
	return in
}

func (p *SESProvider) Send(ctx context.Context, job *models.EmailJob) (*SendResult, error) {
	out, err := p.client.SendEmail(ctx, p.buildInput(job))
	if err != nil {
		return nil, fmt.Errorf("ses send error: %w", err)
	}

	messageID := aws.ToString(out.MessageId)
	if messageID == "" {
		return nil, fmt.Errorf("ses send error: empty message id for job %s", job.JobID)
	}
	return &SendResult{MessageID: messageID, Response: "ses accepted"}, nil
}

func (p *SESProvider) Validate(ctx context.Context) ValidationResult {
	out, err := p.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return ValidationResult{Error: fmt.Sprintf("ses get account: %v", err)}
	}
	if !out.SendingEnabled {
		return ValidationResult{Error: "ses sending is disabled for this account"}
	}
	return ValidationResult{Valid: true}
}

func (p *SESProvider) Health(ctx context.Context) HealthResult {
	start := time.Now()
	out, err := p.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	res := HealthResult{Latency: time.Since(start)}
	switch {
	case err != nil:
		res.Error = err.Error()
	case !out.SendingEnabled:
		res.Error = "sending disabled"
	default:
		res.Healthy = true
	}
	return res
}
