package resend

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/resend/resend-go/v3"

	"github.com/lattiq/bulkmail/internal/compose"
	"github.com/lattiq/bulkmail/internal/core"
)

const providerName = "resend"

// Provider implements core.Transport using the Resend API.
type Provider struct {
	client *resend.Client
	config core.ProviderSettings
}

// NewProvider creates a new Resend provider.
func NewProvider(settings core.ProviderSettings) (core.Transport, error) {
	apiKey := settings.Get("api_key")
	if apiKey == "" {
		return nil, core.NewValidationError("api_key", "Resend API key is required")
	}

	client := resend.NewClient(apiKey)
	if baseURL := settings.Get("base_url"); baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, core.NewValidationErrorWithValue("base_url", "invalid URL", baseURL)
		}
		client.BaseURL = u
	}

	return &Provider{
		client: client,
		config: settings,
	}, nil
}

// Send sends a single message through Resend.
func (p *Provider) Send(ctx context.Context, delivery *core.Delivery) (*core.SendResult, error) {
	from := delivery.From
	if from == "" {
		from = p.config.Get("from")
	}
	if from == "" {
		return nil, core.NewValidationError("from", "Resend requires a sender address")
	}

	msg := delivery.Message
	req := &resend.SendEmailRequest{
		From:    from,
		To:      []string{delivery.Recipient},
		Subject: msg.Subject,
		Html:    msg.HTMLBody,
		Text:    compose.DefaultPlainFallback,
	}

	if msg.InlineImage != nil {
		req.Attachments = append(req.Attachments, convertAttachment(msg.InlineImage))
	}
	for i := range msg.Attachments {
		req.Attachments = append(req.Attachments, convertAttachment(&msg.Attachments[i]))
	}

	sent, err := p.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return nil, core.WrapProviderError(providerName, "send_error", 0, fmt.Errorf("resend: failed to send email: %w", err))
	}

	return &core.SendResult{
		MessageID: sent.Id,
		Provider:  p.Name(),
		Timestamp: time.Now(),
	}, nil
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("api_key") == "" {
		return core.NewValidationError("api_key", "Resend API key is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

func convertAttachment(att *core.Attachment) *resend.Attachment {
	return &resend.Attachment{
		Filename:    att.Filename,
		Content:     att.Data,
		ContentType: att.DetectContentType(),
		ContentId:   att.ContentID,
	}
}
