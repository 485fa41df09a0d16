package sendgrid

import (
	"context"
	"encoding/base64"
	"errors"
	"net/mail"
	"time"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/lattiq/bulkmail/internal/compose"
	"github.com/lattiq/bulkmail/internal/core"
)

const providerName = "sendgrid"

// Provider implements core.Transport for SendGrid. The v3 API takes
// structured messages, so the prepared message is translated part by part
// instead of submitting the encoded payload.
type Provider struct {
	client *sendgrid.Client
	config core.ProviderSettings
}

// NewProvider creates a new SendGrid provider.
func NewProvider(settings core.ProviderSettings) (core.Transport, error) {
	apiKey := settings.Get("api_key")
	if apiKey == "" {
		return nil, core.NewValidationError("api_key", "SendGrid API key is required")
	}

	client := sendgrid.NewSendClient(apiKey)
	if baseURL := settings.Get("base_url"); baseURL != "" {
		client.BaseURL = baseURL + "/v3/mail/send"
	}

	return &Provider{
		client: client,
		config: settings,
	}, nil
}

// Send sends a single message using SendGrid.
func (p *Provider) Send(ctx context.Context, delivery *core.Delivery) (*core.SendResult, error) {
	from, err := p.sender(delivery.From)
	if err != nil {
		return nil, err
	}

	msg := delivery.Message
	message := sgmail.NewV3Mail()
	message.SetFrom(from)
	message.Subject = msg.Subject

	personalization := sgmail.NewPersonalization()
	personalization.AddTos(sgmail.NewEmail("", delivery.Recipient))
	message.AddPersonalizations(personalization)

	message.AddContent(
		sgmail.NewContent("text/plain", compose.DefaultPlainFallback),
		sgmail.NewContent("text/html", msg.HTMLBody),
	)

	if msg.InlineImage != nil {
		inline := newAttachment(msg.InlineImage, "inline")
		inline.SetContentID(msg.InlineImage.ContentID)
		message.AddAttachment(inline)
	}
	for i := range msg.Attachments {
		message.AddAttachment(newAttachment(&msg.Attachments[i], "attachment"))
	}

	response, err := p.client.SendWithContext(ctx, message)
	if err != nil {
		return nil, core.WrapProviderError(providerName, "send_error", 0, err)
	}
	if response.StatusCode >= 400 {
		return nil, core.WrapProviderError(providerName, "api_error", response.StatusCode,
			errors.New("SendGrid API error: "+response.Body))
	}

	messageID := "unknown"
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		messageID = ids[0]
	}

	return &core.SendResult{
		MessageID: messageID,
		Provider:  p.Name(),
		Timestamp: time.Now(),
	}, nil
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("api_key") == "" {
		return core.NewValidationError("api_key", "SendGrid API key is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// sender resolves the From identity: the composed header wins over the
// "from" setting.
func (p *Provider) sender(from string) (*sgmail.Email, error) {
	if from == "" {
		from = p.config.Get("from")
	}
	if from == "" {
		return nil, core.NewValidationError("from", "SendGrid requires a sender address")
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, core.NewValidationErrorWithValue("from", "invalid sender address", from)
	}
	return sgmail.NewEmail(addr.Name, addr.Address), nil
}

func newAttachment(att *core.Attachment, disposition string) *sgmail.Attachment {
	a := sgmail.NewAttachment()
	a.SetContent(base64.StdEncoding.EncodeToString(att.Data))
	a.SetType(att.DetectContentType())
	a.SetFilename(att.Filename)
	a.SetDisposition(disposition)
	return a
}
