package gmail

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/lattiq/bulkmail/internal/core"
)

const providerName = "gmail"

// Provider implements core.Transport for the Gmail API. It is authorized by a
// long-lived refresh token; access tokens are refreshed by the token source.
type Provider struct {
	service *gmailapi.Service
	config  core.ProviderSettings
	userID  string
}

// NewProvider creates a Gmail API transport. Extra client options are applied
// after the OAuth2 token source and may replace it.
func NewProvider(ctx context.Context, settings core.ProviderSettings, opts ...option.ClientOption) (core.Transport, error) {
	p := &Provider{config: settings, userID: "me"}
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}
	if userID := settings.Get("user_id"); userID != "" {
		p.userID = userID
	}

	oauthConfig := &oauth2.Config{
		ClientID:     settings.Get("client_id"),
		ClientSecret: settings.Get("client_secret"),
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailapi.GmailSendScope},
	}
	tokenSource := oauthConfig.TokenSource(ctx, &oauth2.Token{
		RefreshToken: settings.Get("refresh_token"),
	})

	clientOpts := []option.ClientOption{option.WithTokenSource(tokenSource)}
	if ua := settings.Get("user_agent"); ua != "" {
		clientOpts = append(clientOpts, option.WithUserAgent(ua))
	}
	if endpoint := settings.Get("endpoint"); endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(endpoint))
	}
	clientOpts = append(clientOpts, opts...)

	service, err := gmailapi.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, core.WrapProviderError(providerName, "config_error", 0, err)
	}
	p.service = service

	return p, nil
}

// Send submits the encoded payload through users.messages.send.
func (p *Provider) Send(ctx context.Context, delivery *core.Delivery) (*core.SendResult, error) {
	msg := &gmailapi.Message{Raw: delivery.Payload.String()}

	sent, err := p.service.Users.Messages.Send(p.userID, msg).Context(ctx).Do()
	if err != nil {
		return nil, wrapError(err)
	}

	return &core.SendResult{
		MessageID: sent.Id,
		Provider:  p.Name(),
		Timestamp: time.Now(),
	}, nil
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	for _, key := range []string{"client_id", "client_secret", "refresh_token"} {
		if p.config.Get(key) == "" {
			return core.NewValidationError(key, "Gmail "+key+" is required")
		}
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

func wrapError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		pe := core.WrapProviderError(providerName, "api_error", apiErr.Code, err)
		if apiErr.Message != "" {
			pe.Message = apiErr.Message
		}
		return pe
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return core.WrapProviderError(providerName, "auth_error", status, err)
	}

	return core.WrapProviderError(providerName, "send_error", 0, err)
}
