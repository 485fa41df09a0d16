// Package providers builds mail transports from configuration.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/lattiq/bulkmail/internal/core"
	"github.com/lattiq/bulkmail/internal/providers/gmail"
	"github.com/lattiq/bulkmail/internal/providers/mailgun"
	"github.com/lattiq/bulkmail/internal/providers/resend"
	"github.com/lattiq/bulkmail/internal/providers/sendgrid"
	"github.com/lattiq/bulkmail/internal/providers/ses"
	"github.com/lattiq/bulkmail/internal/providers/smtp"
)

// ErrUnsupportedProvider is returned for an unknown transport type.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// New creates the transport for providerType. Settings are read once here.
func New(ctx context.Context, providerType core.ProviderType, settings core.ProviderSettings) (core.Transport, error) {
	switch providerType {
	case core.ProviderGmail:
		return gmail.NewProvider(ctx, settings)
	case core.ProviderAWSSES:
		return ses.NewProvider(ctx, settings)
	case core.ProviderSendGrid:
		return sendgrid.NewProvider(settings)
	case core.ProviderMailgun:
		return mailgun.NewProvider(settings)
	case core.ProviderSMTP:
		return smtp.NewProvider(settings)
	case core.ProviderResend:
		return resend.NewProvider(settings)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, providerType)
	}
}
