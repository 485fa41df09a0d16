package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"net/mail"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/lattiq/bulkmail/internal/core"
)

const providerName = "smtp"

// Provider implements core.Transport for a generic SMTP server. A connection
// is dialed per send; the wait between batch sends outlasts typical server
// idle timeouts.
type Provider struct {
	dialer *gomail.Dialer
	config core.ProviderSettings
}

// NewProvider creates a new SMTP provider.
func NewProvider(settings core.ProviderSettings) (core.Transport, error) {
	p := &Provider{config: settings}
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}

	host := settings.Get("host")
	port, _ := strconv.Atoi(settings.Get("port"))

	d := gomail.NewDialer(host, port, settings.Get("username"), settings.Get("password"))
	if settings.Get("ssl") == "true" {
		d.SSL = true
	}
	if settings.Get("tls_skip_verify") == "true" {
		d.TLSConfig = &tls.Config{ServerName: host, InsecureSkipVerify: true} // #nosec G402 -- opt-in for development relays
	}
	p.dialer = d

	return p, nil
}

// Send writes the raw MIME message over SMTP.
func (p *Provider) Send(ctx context.Context, delivery *core.Delivery) (*core.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	from, err := p.envelopeFrom(delivery.From)
	if err != nil {
		return nil, err
	}

	raw, err := delivery.Payload.Decode()
	if err != nil {
		return nil, core.WrapProviderError(providerName, "payload_error", 0, err)
	}

	sender, err := p.dialer.Dial()
	if err != nil {
		return nil, core.WrapProviderError(providerName, "dial_error", 0, err)
	}
	defer sender.Close()

	if err := sender.Send(from, []string{delivery.Recipient}, bytes.NewReader(raw)); err != nil {
		return nil, core.WrapProviderError(providerName, "send_error", 0, err)
	}

	// SMTP servers do not report an identifier back.
	return &core.SendResult{
		MessageID: uuid.NewString() + "@" + p.dialer.Host,
		Provider:  p.Name(),
		Timestamp: time.Now(),
	}, nil
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("host") == "" {
		return core.NewValidationError("host", "SMTP host is required")
	}

	port := p.config.Get("port")
	if port == "" {
		return core.NewValidationError("port", "SMTP port is required")
	}

	if _, err := strconv.Atoi(port); err != nil {
		return core.NewValidationError("port", "invalid port number: "+port)
	}

	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) envelopeFrom(header string) (string, error) {
	from := header
	if from == "" {
		from = p.config.Get("from")
	}
	if from == "" {
		from = p.config.Get("username")
	}
	if from == "" {
		return "", core.NewValidationError("from", "SMTP requires a sender address")
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return "", core.NewValidationErrorWithValue("from", "invalid sender address", from)
	}
	return addr.Address, nil
}
