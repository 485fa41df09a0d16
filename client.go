package bulkmail

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net/mail"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/lattiq/bulkmail/internal/compose"
	"github.com/lattiq/bulkmail/internal/core"
	"github.com/lattiq/bulkmail/internal/providers"
)

// Type aliases to re-export core types for the public API.
type (
	Transport        = core.Transport
	ProviderType     = core.ProviderType
	ProviderSettings = core.ProviderSettings
	OutboundMessage  = core.OutboundMessage
	Attachment       = core.Attachment
	EncodedPayload   = core.EncodedPayload
	Delivery         = core.Delivery
	SendResult       = core.SendResult
	Outcome          = core.Outcome
	DeliveryResult   = core.DeliveryResult
	BatchState       = core.BatchState
	BatchReport      = core.BatchReport
	ValidationError  = core.ValidationError
	ProviderError    = core.ProviderError
)

// Provider type constants
const (
	ProviderGmail    = core.ProviderGmail
	ProviderAWSSES   = core.ProviderAWSSES
	ProviderSendGrid = core.ProviderSendGrid
	ProviderMailgun  = core.ProviderMailgun
	ProviderSMTP     = core.ProviderSMTP
	ProviderResend   = core.ProviderResend
)

// Outcome and state constants
const (
	OutcomeSuccess = core.OutcomeSuccess
	OutcomeFailure = core.OutcomeFailure

	BatchIdle       = core.BatchIdle
	BatchValidating = core.BatchValidating
	BatchSending    = core.BatchSending
	BatchWaiting    = core.BatchWaiting
	BatchCompleted  = core.BatchCompleted
	BatchAborted    = core.BatchAborted
)

// Error constructor functions
var (
	NewValidationError          = core.NewValidationError
	NewValidationErrorWithValue = core.NewValidationErrorWithValue
	NewProviderError            = core.NewProviderError
	WrapProviderError           = core.WrapProviderError
	IsTemporary                 = core.IsTemporary
)

// DispatchRequest is a single-recipient send.
type DispatchRequest struct {
	Subject     string
	Body        string
	Recipient   string
	Attachments []Attachment
}

// Client implements the Mailer interface.
// All methods are safe for concurrent use.
type Client struct {
	config    Config
	transport Transport
	encoder   *compose.Encoder
	signature string
	pacer     *Pacer
	metrics   *metrics
	tracer    trace.Tracer
	log       *zap.SugaredLogger
	mu        sync.RWMutex
	closed    bool
}

// New creates a new client with the given configuration.
// The client must be closed when no longer needed to release resources.
func New(config Config, opts ...Option) (*Client, error) {
	for _, opt := range opts {
		opt(&config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		var err error
		if logger, err = NewLogger(config.Monitoring.Logging); err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	client := &Client{
		config: config,
		log:    logger.Sugar().Named("bulkmail"),
		pacer:  NewPacer(config.Pacing, config.Clock),
	}

	if config.Monitoring.Tracing.Enabled {
		client.tracer = otel.Tracer(config.Monitoring.Tracing.ServiceName)
	} else {
		client.tracer = noop.NewTracerProvider().Tracer("")
	}

	if config.Monitoring.Metrics.Enabled {
		reg := config.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		m, err := newMetrics(config.Monitoring.Metrics.Namespace, reg)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		client.metrics = m
	}

	transport := config.Transport
	if transport == nil {
		var err error
		settings := maps.Clone(config.Provider.Settings)
		if settings == nil {
			settings = ProviderSettings{}
		}
		if settings.Get("user_agent") == "" {
			settings.Set("user_agent", GetVersionInfo().UserAgent())
		}
		transport, err = providers.New(context.Background(), config.Provider.Type, settings)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s transport: %w", config.Provider.Type, err)
		}
	}
	if err := transport.ValidateConfig(); err != nil {
		return nil, err
	}
	client.transport = transport

	encoderOpts := []compose.Option{
		compose.WithBoundaryFunc(config.Boundary),
		compose.WithFrom(formatSender(config.Sender)),
		compose.WithLogger(client.log.Named("compose")),
	}
	if config.InlineAsset.Enabled {
		encoderOpts = append(encoderOpts, compose.WithInlineAsset(compose.InlineAsset{
			FS:        os.DirFS(config.InlineAsset.Dir),
			Name:      config.InlineAsset.Name,
			Reference: config.InlineAsset.Reference,
			ContentID: config.InlineAsset.ContentID,
		}))
	}
	client.encoder = compose.NewEncoder(encoderOpts...)

	if config.Signature.Enabled {
		renderer, err := NewSignatureRenderer(config.Signature)
		if err != nil {
			return nil, err
		}
		if client.signature, err = renderer.Render(); err != nil {
			return nil, err
		}
	}

	client.log.Debugw("Client initialized",
		"provider", transport.Name(),
		"pacing_interval", config.Pacing.Interval,
		"inline_asset", config.InlineAsset.Enabled,
		"signature", config.Signature.Enabled)

	return client, nil
}

// Dispatch composes and sends one message to a single recipient. Neither the
// signature nor line-break conversion is applied; the body is sent as given.
func (c *Client) Dispatch(ctx context.Context, req *DispatchRequest) (*DeliveryResult, error) {
	ctx, span := c.tracer.Start(ctx, "bulkmail.Client.Dispatch")
	defer span.End()

	if err := c.checkOpen(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		err := NewValidationError("recipient", "No recipient provided")
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	if err := validateAttachments(req.Attachments); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	result, err := c.deliver(ctx, &OutboundMessage{
		Recipient:   recipient,
		Subject:     req.Subject,
		HTMLBody:    req.Body,
		Attachments: req.Attachments,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return &result, err
	}

	span.SetStatus(codes.Ok, "email sent successfully")
	return &result, nil
}

// EstimateDuration returns the total wait for a batch of n recipients.
func (c *Client) EstimateDuration(n int) time.Duration {
	return c.pacer.Estimate(n)
}

// TransportName returns the name of the active transport.
func (c *Client) TransportName() string {
	return c.transport.Name()
}

// Close closes the client and releases any resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if closer, ok := c.transport.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}

	_ = c.log.Sync()
	return nil
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// deliver composes msg and hands it to the transport. The returned result is
// always populated; a non-nil error wrapping ErrMalformedMessage means the
// transport was never called.
func (c *Client) deliver(ctx context.Context, msg *OutboundMessage) (DeliveryResult, error) {
	provider := c.transport.Name()
	ctx, span := c.tracer.Start(ctx, "bulkmail.Client.deliver",
		trace.WithAttributes(
			attribute.String("bulkmail.recipient", msg.Recipient),
			attribute.String("bulkmail.provider", provider),
			attribute.Int("bulkmail.attachments", len(msg.Attachments)),
		),
	)
	defer span.End()

	result := DeliveryResult{Recipient: msg.Recipient, Outcome: OutcomeFailure}

	delivery, err := c.encoder.Compose(msg)
	if err != nil {
		result.ErrorDetail = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "compose failed")
		c.log.Errorw("Failed to compose message", "recipient", msg.Recipient, "error", err)
		return result, err
	}
	span.SetAttributes(attribute.Bool("bulkmail.inline_image", delivery.Message.InlineImage != nil))

	sendCtx, cancel := context.WithTimeout(ctx, c.config.Provider.Timeout)
	defer cancel()

	start := time.Now()
	sent, err := c.transport.Send(sendCtx, delivery)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.Int64("bulkmail.provider.duration_ms", elapsed.Milliseconds()))

	if err != nil {
		result.ErrorDetail = err.Error()
		c.metrics.observeDelivery(provider, OutcomeFailure, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		c.log.Warnw("Delivery failed",
			"recipient", msg.Recipient,
			"provider", provider,
			"temporary", IsTemporary(err),
			"error", err)
		return result, err
	}

	result.Outcome = OutcomeSuccess
	if sent != nil {
		result.MessageID = sent.MessageID
	}
	c.metrics.observeDelivery(provider, OutcomeSuccess, elapsed)
	span.SetAttributes(attribute.String("bulkmail.message_id", result.MessageID))
	span.SetStatus(codes.Ok, "email sent")
	c.log.Infow("Delivery succeeded",
		"recipient", msg.Recipient,
		"provider", provider,
		"message_id", result.MessageID,
		"duration", elapsed)

	return result, nil
}

func validateAttachments(attachments []Attachment) error {
	for i := range attachments {
		if err := attachments[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func formatSender(sender SenderConfig) string {
	if sender.Address == "" {
		return ""
	}
	addr := mail.Address{Name: sender.Name, Address: sender.Address}
	return addr.String()
}
