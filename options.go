package bulkmail

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/lattiq/bulkmail/internal/compose"
)

// Option is a functional option for configuring the client.
type Option func(*Config)

// WithProvider sets the transport type and its settings.
func WithProvider(providerType ProviderType, settings ProviderSettings) Option {
	return func(c *Config) {
		c.Provider.Type = providerType
		c.Provider.Settings = settings
	}
}

// WithTransport injects a ready transport instead of building one from settings.
func WithTransport(t Transport) Option {
	return func(c *Config) {
		c.Transport = t
	}
}

// WithTimeout sets the per-send timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Provider.Timeout = timeout
	}
}

// WithSender sets the From identity.
func WithSender(address, name string) Option {
	return func(c *Config) {
		c.Sender.Address = address
		c.Sender.Name = name
	}
}

// WithPacing sets the inter-send wait and the countdown tick.
func WithPacing(interval, tick time.Duration) Option {
	return func(c *Config) {
		c.Pacing.Interval = interval
		c.Pacing.Tick = tick
	}
}

// WithoutPacing disables the inter-send wait.
func WithoutPacing() Option {
	return func(c *Config) {
		c.Pacing.Interval = 0
	}
}

// WithClock sets the clock driving the inter-send wait.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithLogging configures the logger built when none is injected.
func WithLogging(level, format, output string) Option {
	return func(c *Config) {
		c.Monitoring.Logging.Level = level
		c.Monitoring.Logging.Format = format
		c.Monitoring.Logging.Output = output
	}
}

// WithSignatureFile renders the signature block from an html/template file.
func WithSignatureFile(path string) Option {
	return func(c *Config) {
		c.Signature.Enabled = true
		c.Signature.File = path
	}
}

// WithSignatureProfile sets the data rendered into the signature block.
func WithSignatureProfile(profile SignatureProfile) Option {
	return func(c *Config) {
		c.Signature.Enabled = true
		c.Signature.Profile = profile
	}
}

// WithoutSignature disables the signature block.
func WithoutSignature() Option {
	return func(c *Config) {
		c.Signature.Enabled = false
	}
}

// WithInlineAsset sets the directory and file name of the inline logo.
func WithInlineAsset(dir, name string) Option {
	return func(c *Config) {
		c.InlineAsset.Enabled = true
		c.InlineAsset.Dir = dir
		c.InlineAsset.Name = name
	}
}

// WithoutInlineAsset disables inline logo resolution.
func WithoutInlineAsset() Option {
	return func(c *Config) {
		c.InlineAsset.Enabled = false
	}
}

// WithBoundaryFunc sets the MIME boundary generator.
func WithBoundaryFunc(fn compose.BoundaryFunc) Option {
	return func(c *Config) {
		c.Boundary = fn
	}
}

// WithMetricsRegisterer registers the client collectors on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) {
		c.Monitoring.Metrics.Enabled = true
		c.Registerer = reg
	}
}

// WithoutMetrics disables metrics collection.
func WithoutMetrics() Option {
	return func(c *Config) {
		c.Monitoring.Metrics.Enabled = false
	}
}

// WithTracing enables tracing under the given instrumentation name.
func WithTracing(serviceName string) Option {
	return func(c *Config) {
		c.Monitoring.Tracing.Enabled = true
		c.Monitoring.Tracing.ServiceName = serviceName
	}
}

// WithoutTracing disables distributed tracing.
func WithoutTracing() Option {
	return func(c *Config) {
		c.Monitoring.Tracing.Enabled = false
	}
}

// WithGmail creates a Gmail API transport configuration authorized by a
// long-lived OAuth2 refresh token.
func WithGmail(clientID, clientSecret, refreshToken string) Option {
	return WithProvider(ProviderGmail, ProviderSettings{
		"client_id":     clientID,
		"client_secret": clientSecret,
		"refresh_token": refreshToken,
	})
}

// WithAWSSES creates an AWS SES transport configuration.
func WithAWSSES(region string) Option {
	return WithProvider(ProviderAWSSES, ProviderSettings{
		"region": region,
	})
}

// WithAWSSESCredentials creates an AWS SES transport configuration with explicit credentials.
func WithAWSSESCredentials(region, accessKey, secretKey string) Option {
	return WithProvider(ProviderAWSSES, ProviderSettings{
		"region":     region,
		"access_key": accessKey,
		"secret_key": secretKey,
	})
}

// WithSendGrid creates a SendGrid transport configuration.
func WithSendGrid(apiKey string) Option {
	return WithProvider(ProviderSendGrid, ProviderSettings{
		"api_key": apiKey,
	})
}

// WithMailgun creates a Mailgun transport configuration.
func WithMailgun(apiKey, domain string) Option {
	return WithProvider(ProviderMailgun, ProviderSettings{
		"api_key": apiKey,
		"domain":  domain,
	})
}

// WithMailgunEU creates a Mailgun transport configuration for EU region.
func WithMailgunEU(apiKey, domain string) Option {
	return WithProvider(ProviderMailgun, ProviderSettings{
		"api_key":  apiKey,
		"domain":   domain,
		"base_url": "https://api.eu.mailgun.net",
	})
}

// WithResend creates a Resend transport configuration.
func WithResend(apiKey string) Option {
	return WithProvider(ProviderResend, ProviderSettings{
		"api_key": apiKey,
	})
}

// WithSMTP creates an SMTP transport configuration.
func WithSMTP(host, port string) Option {
	return WithProvider(ProviderSMTP, ProviderSettings{
		"host": host,
		"port": port,
	})
}

// WithSMTPAuth creates an SMTP transport configuration with authentication.
func WithSMTPAuth(host, port, username, password string) Option {
	return WithProvider(ProviderSMTP, ProviderSettings{
		"host":     host,
		"port":     port,
		"username": username,
		"password": password,
	})
}
