package mailgun

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/lattiq/bulkmail/internal/core"
)

const providerName = "mailgun"

// Provider implements core.Transport for Mailgun, submitting the composed
// MIME message through the messages.mime endpoint.
type Provider struct {
	client mailgun.Mailgun
	config core.ProviderSettings
}

// NewProvider creates a new Mailgun provider.
func NewProvider(settings core.ProviderSettings) (core.Transport, error) {
	apiKey := settings.Get("api_key")
	if apiKey == "" {
		return nil, core.NewValidationError("api_key", "Mailgun API key is required")
	}

	domain := settings.Get("domain")
	if domain == "" {
		return nil, core.NewValidationError("domain", "Mailgun domain is required")
	}

	client := mailgun.NewMailgun(domain, apiKey)

	// EU accounts use a different API base.
	if baseURL := settings.Get("base_url"); baseURL != "" {
		client.SetAPIBase(baseURL)
	}

	return &Provider{
		client: client,
		config: settings,
	}, nil
}

// Send submits the raw MIME message to Mailgun.
func (p *Provider) Send(ctx context.Context, delivery *core.Delivery) (*core.SendResult, error) {
	raw, err := delivery.Payload.Decode()
	if err != nil {
		return nil, core.WrapProviderError(providerName, "payload_error", 0, err)
	}

	message := mailgun.NewMIMEMessage(io.NopCloser(bytes.NewReader(raw)), delivery.Recipient)

	_, id, err := p.client.Send(ctx, message)
	if err != nil {
		return nil, core.WrapProviderError(providerName, "send_failed", mailgun.GetStatusFromErr(err), err)
	}

	return &core.SendResult{
		MessageID: id,
		Provider:  p.Name(),
		Timestamp: time.Now(),
	}, nil
}

// ValidateConfig validates the Mailgun provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("api_key") == "" {
		return core.NewValidationError("api_key", "Mailgun API key is required")
	}
	if p.config.Get("domain") == "" {
		return core.NewValidationError("domain", "Mailgun domain is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}
