package ses

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"

	"github.com/lattiq/bulkmail/internal/core"
)

const providerName = "aws_ses"

// Provider implements core.Transport for AWS SES using SendRawEmail, so the
// composed MIME message is delivered unchanged.
type Provider struct {
	client *ses.Client
	config core.ProviderSettings
}

// NewProvider creates a new AWS SES provider. SDK retries are disabled.
func NewProvider(ctx context.Context, settings core.ProviderSettings) (core.Transport, error) {
	region := settings.Get("region")
	if region == "" {
		return nil, core.NewValidationError("region", "AWS region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}

	if accessKey := settings.Get("access_key"); accessKey != "" {
		secretKey := settings.Get("secret_key")
		if secretKey == "" {
			return nil, core.NewValidationError("secret_key", "secret key is required when access key is provided")
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, settings.Get("session_token")),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, core.NewProviderError(providerName, "config_error", "failed to load AWS config: "+err.Error())
	}

	client := ses.NewFromConfig(cfg, func(o *ses.Options) {
		if endpoint := settings.Get("endpoint"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Provider{
		client: client,
		config: settings,
	}, nil
}

// Send submits the raw MIME message.
func (p *Provider) Send(ctx context.Context, delivery *core.Delivery) (*core.SendResult, error) {
	raw, err := delivery.Payload.Decode()
	if err != nil {
		return nil, core.WrapProviderError(providerName, "payload_error", 0, err)
	}

	input := &ses.SendRawEmailInput{
		RawMessage:   &types.RawMessage{Data: raw},
		Destinations: []string{delivery.Recipient},
	}
	if delivery.From != "" {
		input.Source = aws.String(delivery.From)
	}
	if configSet := p.config.Get("configuration_set"); configSet != "" {
		input.ConfigurationSetName = aws.String(configSet)
	}

	output, err := p.client.SendRawEmail(ctx, input)
	if err != nil {
		return nil, wrapError(err)
	}

	return &core.SendResult{
		MessageID: aws.ToString(output.MessageId),
		Provider:  p.Name(),
		Timestamp: time.Now(),
	}, nil
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("region") == "" {
		return core.NewValidationError("region", "AWS region is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

func wrapError(err error) error {
	code := "send_error"
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}

	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	return core.WrapProviderError(providerName, code, status, err)
}
