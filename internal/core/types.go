package core

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// Transport defines the interface for mail transport adapters.
// Implementations own their credential lifecycle and are safe for reuse across
// all sends of a batch.
type Transport interface {
	// Send submits a single composed delivery to the provider.
	Send(ctx context.Context, delivery *Delivery) (*SendResult, error)

	// ValidateConfig validates the transport configuration.
	ValidateConfig() error

	// Name returns the transport's name for identification and logging.
	Name() string
}

// ProviderType identifies a transport implementation.
type ProviderType string

const (
	// ProviderGmail sends through the Gmail API using an OAuth2 refresh token.
	ProviderGmail ProviderType = "gmail"

	// ProviderAWSSES represents Amazon Simple Email Service.
	ProviderAWSSES ProviderType = "aws_ses"

	// ProviderSendGrid represents the SendGrid email service.
	ProviderSendGrid ProviderType = "sendgrid"

	// ProviderMailgun represents the Mailgun email service.
	ProviderMailgun ProviderType = "mailgun"

	// ProviderSMTP represents a generic SMTP server.
	ProviderSMTP ProviderType = "smtp"

	// ProviderResend represents the Resend email service.
	ProviderResend ProviderType = "resend"
)

// String returns the string representation of the provider type.
func (pt ProviderType) String() string {
	return string(pt)
}

// Valid checks if the provider type is supported.
func (pt ProviderType) Valid() bool {
	switch pt {
	case ProviderGmail, ProviderAWSSES, ProviderSendGrid, ProviderMailgun, ProviderSMTP, ProviderResend:
		return true
	default:
		return false
	}
}

// ProviderSettings represents configuration settings for transports.
type ProviderSettings map[string]string

// Get retrieves a configuration value by key.
func (ps ProviderSettings) Get(key string) string {
	return ps[key]
}

// Set sets a configuration value.
func (ps ProviderSettings) Set(key, value string) {
	ps[key] = value
}

// Attachment is an immutable file part: filename, MIME type and payload.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte

	// ContentID is set only on inline parts and is referenced from HTML as cid:<ContentID>.
	ContentID string
}

// Validate checks the attachment for values that cannot be carried in a MIME header.
func (a *Attachment) Validate() error {
	if strings.TrimSpace(a.Filename) == "" {
		return NewValidationError("attachments", "attachment filename is required")
	}
	if strings.ContainsAny(a.Filename, "\r\n") || strings.ContainsAny(a.MimeType, "\r\n") {
		return NewValidationErrorWithValue("attachments", "attachment header contains line breaks", a.Filename)
	}
	if a.MimeType != "" {
		if _, _, err := mime.ParseMediaType(a.MimeType); err != nil {
			return NewValidationErrorWithValue("attachments", "invalid attachment mime type", a.MimeType)
		}
	}
	return nil
}

// DetectContentType returns the declared MIME type or one derived from the filename.
func (a *Attachment) DetectContentType() string {
	if a.MimeType != "" {
		return a.MimeType
	}

	ext := strings.ToLower(filepath.Ext(a.Filename))
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".ppt":
		return "application/vnd.ms-powerpoint"
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	case ".csv":
		return "text/csv"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

// OutboundMessage is the logical message built for one recipient.
type OutboundMessage struct {
	Recipient   string
	Subject     string
	HTMLBody    string
	Attachments []Attachment

	// InlineImage is optional. When nil the encoder may still resolve its
	// configured inline asset.
	InlineImage *Attachment
}

// HasParts reports whether the message needs a multipart/mixed container.
func (m *OutboundMessage) HasParts() bool {
	return len(m.Attachments) > 0 || m.InlineImage != nil
}

// EncodedPayload is an RFC 5322 message in URL-safe base64 without padding.
type EncodedPayload string

// String returns the encoded form.
func (p EncodedPayload) String() string {
	return string(p)
}

// Decode returns the raw RFC 5322 bytes.
func (p EncodedPayload) Decode() ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(p))
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return raw, nil
}

// Delivery is what a transport receives: the prepared message (inline image
// resolved, HTML references rewritten) and its encoded payload.
type Delivery struct {
	Recipient string
	From      string
	Message   *OutboundMessage
	Payload   EncodedPayload
}

// SendResult contains the result of sending a single email.
type SendResult struct {
	// MessageID is the unique identifier assigned by the provider.
	MessageID string

	// Provider is the name of the provider that sent the email.
	Provider string

	// Timestamp when the email was accepted by the provider.
	Timestamp time.Time
}

// Outcome is the result kind of one delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "success":
		*o = OutcomeSuccess
	case "failure":
		*o = OutcomeFailure
	default:
		return fmt.Errorf("unknown outcome %q", text)
	}
	return nil
}

// DeliveryResult records one attempted recipient.
type DeliveryResult struct {
	Recipient   string  `json:"recipient"`
	Outcome     Outcome `json:"outcome"`
	ErrorDetail string  `json:"error,omitempty"`
	MessageID   string  `json:"message_id,omitempty"`
}

// BatchState is the orchestrator state machine position.
type BatchState int

const (
	BatchIdle BatchState = iota
	BatchValidating
	BatchSending
	BatchWaiting
	BatchCompleted
	BatchAborted
)

// String returns the string representation of the batch state.
func (s BatchState) String() string {
	switch s {
	case BatchIdle:
		return "idle"
	case BatchValidating:
		return "validating"
	case BatchSending:
		return "sending"
	case BatchWaiting:
		return "waiting"
	case BatchCompleted:
		return "completed"
	case BatchAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s BatchState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *BatchState) UnmarshalText(text []byte) error {
	for state := BatchIdle; state <= BatchAborted; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown batch state %q", text)
}

// BatchReport aggregates the outcome of a batch.
// Succeeded + len(Failed) always equals len(Results), which never exceeds Total.
type BatchReport struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    []string         `json:"failed"`
	Results   []DeliveryResult `json:"results"`
	State     BatchState       `json:"state"`
}

// NewBatchReport creates an empty report for total recipients.
func NewBatchReport(total int) *BatchReport {
	return &BatchReport{
		Total:   total,
		Failed:  []string{},
		Results: make([]DeliveryResult, 0, total),
		State:   BatchIdle,
	}
}

// Record appends a result and updates the counters.
func (r *BatchReport) Record(result DeliveryResult) {
	r.Results = append(r.Results, result)
	if result.Outcome == OutcomeSuccess {
		r.Succeeded++
		return
	}
	r.Failed = append(r.Failed, result.Recipient)
}

// Attempts returns the number of recipients attempted so far.
func (r *BatchReport) Attempts() int {
	return len(r.Results)
}

// Snapshot returns a deep copy safe to hand to callers.
func (r *BatchReport) Snapshot() BatchReport {
	s := *r
	s.Failed = append([]string{}, r.Failed...)
	s.Results = append([]DeliveryResult{}, r.Results...)
	return s
}

// Summary returns the human-readable completion text.
func (r *BatchReport) Summary() string {
	var b strings.Builder
	verb := "Completed!"
	if r.State == BatchAborted {
		verb = "Aborted!"
	}
	fmt.Fprintf(&b, "%s Sent %d/%d emails", verb, r.Succeeded, r.Total)
	if len(r.Failed) > 0 {
		fmt.Fprintf(&b, "\nFailed (%d):", len(r.Failed))
		for _, recipient := range r.Failed {
			b.WriteString("\n  - " + recipient)
		}
	}
	return b.String()
}

// ValidationError represents a validation error with specific field information.
type ValidationError struct {
	// Field is the name of the field that failed validation.
	Field string

	// Message is the validation error message.
	Message string

	// Value is the invalid value (optional).
	Value interface{}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error in %s: %s (value: %v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// Is implements error matching for errors.Is.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// ProviderError represents an error from a transport.
type ProviderError struct {
	// Provider is the name of the provider that generated the error.
	Provider string

	// Code is the provider-specific error code.
	Code string

	// Message is the error message from the provider.
	Message string

	// StatusCode is the HTTP status code (for HTTP-based providers).
	StatusCode int

	// IsRetryable indicates whether a later attempt could succeed.
	IsRetryable bool

	// IsTemporary indicates whether the error is temporary.
	IsTemporary bool

	// Cause is the underlying error that caused this provider error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error [%s] (status: %d): %s",
			e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error [%s]: %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is.
func (e *ProviderError) Is(target error) bool {
	pe, ok := target.(*ProviderError)
	if !ok {
		return false
	}
	return e.Provider == pe.Provider && e.Code == pe.Code
}

// NewProviderError creates a new provider error.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Code:     code,
		Message:  message,
	}
}

// WrapProviderError creates a provider error carrying its cause and HTTP status.
// 429 and 5xx statuses are flagged temporary.
func WrapProviderError(provider, code string, status int, cause error) *ProviderError {
	temporary := status == 429 || status >= 500
	return &ProviderError{
		Provider:    provider,
		Code:        code,
		Message:     cause.Error(),
		StatusCode:  status,
		IsRetryable: temporary,
		IsTemporary: temporary,
		Cause:       cause,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewValidationErrorWithValue creates a new validation error with a value.
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// IsTemporary checks if an error is temporary.
func IsTemporary(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.IsTemporary
	}
	return false
}
