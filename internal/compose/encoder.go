// Package compose turns an OutboundMessage into a transport-ready MIME payload.
//
// Structure produced:
//
//	no attachments, no inline image:  multipart/alternative (text/plain, text/html)
//	attachments only:                 multipart/mixed (alternative, attachment...)
//	inline image:                     multipart/mixed (related (alternative, image), attachment...)
//
// The final payload is base64 with the URL-safe alphabet and no padding, the
// form accepted by the Gmail API "raw" field.
package compose

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"path"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattiq/bulkmail/internal/core"
)

const (
	// DefaultPlainFallback is the text/plain alternative shown by clients without HTML support.
	DefaultPlainFallback = "This email requires HTML support."

	// DefaultContentID identifies the inline logo part.
	DefaultContentID = "logo"

	// DefaultAssetReference is the local path used for the logo in HTML bodies.
	DefaultAssetReference = "/logo.jpeg"

	base64LineLength = 76

	// 45 raw bytes encode to 60 base64 characters, keeping each encoded-word under 75.
	maxSubjectWordBytes = 45
)

// ErrMalformedMessage is returned for input that cannot be encoded safely.
var ErrMalformedMessage = errors.New("malformed message")

// BoundaryFunc returns a boundary token for a multipart level of the given kind
// ("mixed", "related" or "alternative"). Tokens must differ per kind.
type BoundaryFunc func(kind string) string

// RandomBoundary generates a collision-resistant boundary token.
func RandomBoundary(kind string) string {
	return "=_bm_" + kind + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SeededBoundary returns a deterministic generator. Encoding the same message
// twice with the same seed yields identical bytes.
func SeededBoundary(seed string) BoundaryFunc {
	return func(kind string) string {
		return "=_bm_" + kind + "_" + seed
	}
}

// InlineAsset describes the optional local image embedded into every message.
type InlineAsset struct {
	// FS holds the asset; typically os.DirFS of the public directory.
	FS fs.FS

	// Name is the file name inside FS.
	Name string

	// Reference is the string in HTML bodies replaced by cid:<ContentID>.
	Reference string

	// ContentID identifies the inline part.
	ContentID string

	// MimeType overrides detection from the file extension.
	MimeType string
}

// Encoder builds MIME payloads. It is safe for concurrent use.
type Encoder struct {
	boundary      BoundaryFunc
	asset         *InlineAsset
	from          string
	plainFallback string
	log           *zap.SugaredLogger
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithBoundaryFunc sets the boundary generator.
func WithBoundaryFunc(fn BoundaryFunc) Option {
	return func(e *Encoder) {
		if fn != nil {
			e.boundary = fn
		}
	}
}

// WithInlineAsset enables resolution of the inline logo.
func WithInlineAsset(asset InlineAsset) Option {
	return func(e *Encoder) {
		if asset.Reference == "" {
			asset.Reference = DefaultAssetReference
		}
		if asset.ContentID == "" {
			asset.ContentID = DefaultContentID
		}
		e.asset = &asset
	}
}

// WithFrom sets the From header. Gmail fills it in from the authorized account when empty.
func WithFrom(from string) Option {
	return func(e *Encoder) {
		e.from = from
	}
}

// WithPlainFallback replaces the text/plain placeholder.
func WithPlainFallback(text string) Option {
	return func(e *Encoder) {
		e.plainFallback = text
	}
}

// WithLogger sets the logger used to report asset degradation.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Encoder) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEncoder creates an encoder with random boundaries and no inline asset.
func NewEncoder(opts ...Option) *Encoder {
	e := &Encoder{
		boundary:      RandomBoundary,
		plainFallback: DefaultPlainFallback,
		log:           zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadInlineAsset reads the configured asset. It returns nil when no asset is
// configured or it cannot be read; absence is never an error.
func (e *Encoder) LoadInlineAsset() *core.Attachment {
	if e.asset == nil || e.asset.FS == nil || e.asset.Name == "" {
		return nil
	}

	data, err := fs.ReadFile(e.asset.FS, e.asset.Name)
	if err != nil {
		e.log.Warnw("Inline asset unavailable, sending without inline image",
			"asset", e.asset.Name,
			"error", err)
		return nil
	}

	att := &core.Attachment{
		Filename:  path.Base(e.asset.Name),
		MimeType:  e.asset.MimeType,
		Data:      data,
		ContentID: e.asset.ContentID,
	}
	att.MimeType = att.DetectContentType()
	return att
}

// Prepare returns a copy of msg with the inline image resolved and every
// local reference to it rewritten to its content identifier.
func (e *Encoder) Prepare(msg *core.OutboundMessage) *core.OutboundMessage {
	prepared := *msg

	inline := msg.InlineImage
	if inline == nil {
		inline = e.LoadInlineAsset()
	}
	if inline == nil {
		prepared.InlineImage = nil
		return &prepared
	}

	img := *inline
	if img.ContentID == "" {
		img.ContentID = DefaultContentID
	}
	prepared.InlineImage = &img

	reference := DefaultAssetReference
	if e.asset != nil {
		reference = e.asset.Reference
	}
	prepared.HTMLBody = strings.ReplaceAll(prepared.HTMLBody, reference, "cid:"+img.ContentID)

	return &prepared
}

// Encode returns the transport-ready payload for msg.
func (e *Encoder) Encode(msg *core.OutboundMessage) (core.EncodedPayload, error) {
	delivery, err := e.Compose(msg)
	if err != nil {
		return "", err
	}
	return delivery.Payload, nil
}

// Compose prepares msg and encodes it.
func (e *Encoder) Compose(msg *core.OutboundMessage) (*core.Delivery, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	prepared := e.Prepare(msg)

	var buf bytes.Buffer
	if err := e.write(&buf, prepared); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	return &core.Delivery{
		Recipient: prepared.Recipient,
		From:      e.from,
		Message:   prepared,
		Payload:   core.EncodedPayload(base64.RawURLEncoding.EncodeToString(buf.Bytes())),
	}, nil
}

func validate(msg *core.OutboundMessage) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	if msg.Recipient == "" || strings.ContainsAny(msg.Recipient, "\r\n") {
		return fmt.Errorf("%w: invalid recipient %q", ErrMalformedMessage, msg.Recipient)
	}
	for i := range msg.Attachments {
		if err := msg.Attachments[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}
	if msg.InlineImage != nil {
		if err := msg.InlineImage.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}
	return nil
}

func (e *Encoder) write(buf *bytes.Buffer, msg *core.OutboundMessage) error {
	if e.from != "" {
		writeHeader(buf, "From", e.from)
	}
	writeHeader(buf, "To", msg.Recipient)
	writeHeader(buf, "Subject", EncodeSubject(msg.Subject))
	writeHeader(buf, "MIME-Version", "1.0")

	if !msg.HasParts() {
		alt, err := e.root(buf, "alternative")
		if err != nil {
			return err
		}
		if err := e.writeAlternative(alt, msg.HTMLBody); err != nil {
			return err
		}
		return alt.Close()
	}

	mixed, err := e.root(buf, "mixed")
	if err != nil {
		return err
	}

	if msg.InlineImage != nil {
		related, err := e.nested(mixed, "related")
		if err != nil {
			return err
		}
		alt, err := e.nested(related, "alternative", mixed.Boundary())
		if err != nil {
			return err
		}
		if err := e.writeAlternative(alt, msg.HTMLBody); err != nil {
			return err
		}
		if err := alt.Close(); err != nil {
			return err
		}
		if err := writeBinaryPart(related, msg.InlineImage, "inline"); err != nil {
			return err
		}
		if err := related.Close(); err != nil {
			return err
		}
	} else {
		alt, err := e.nested(mixed, "alternative")
		if err != nil {
			return err
		}
		if err := e.writeAlternative(alt, msg.HTMLBody); err != nil {
			return err
		}
		if err := alt.Close(); err != nil {
			return err
		}
	}

	for i := range msg.Attachments {
		if err := writeBinaryPart(mixed, &msg.Attachments[i], "attachment"); err != nil {
			return err
		}
	}

	return mixed.Close()
}

// root writes the top-level Content-Type header and returns the writer for its parts.
func (e *Encoder) root(buf *bytes.Buffer, kind string) (*multipart.Writer, error) {
	boundary := e.boundary(kind)
	writeHeader(buf, "Content-Type", multipartType(kind, boundary))
	buf.WriteString("\r\n")

	mw := multipart.NewWriter(buf)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("boundary for %s: %w", kind, err)
	}
	return mw, nil
}

// nested opens a multipart part inside parent. The new boundary must differ
// from parent's and from every boundary in outer, the enclosing levels above
// parent.
func (e *Encoder) nested(parent *multipart.Writer, kind string, outer ...string) (*multipart.Writer, error) {
	boundary := e.boundary(kind)
	if boundary == parent.Boundary() || slices.Contains(outer, boundary) {
		return nil, fmt.Errorf("boundary for %s collides with enclosing part", kind)
	}

	pw, err := parent.CreatePart(textproto.MIMEHeader{
		"Content-Type": {multipartType(kind, boundary)},
	})
	if err != nil {
		return nil, err
	}

	mw := multipart.NewWriter(pw)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("boundary for %s: %w", kind, err)
	}
	return mw, nil
}

func (e *Encoder) writeAlternative(alt *multipart.Writer, html string) error {
	if err := writeTextPart(alt, "text/plain", e.plainFallback); err != nil {
		return err
	}
	return writeTextPart(alt, "text/html", html)
}

// writeTextPart writes body as quoted-printable. Line endings are normalized
// to CRLF, so a decoded part carries "\r\n" wherever body had "\n".
func writeTextPart(mw *multipart.Writer, contentType, body string) error {
	pw, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType + "; charset=UTF-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return err
	}

	qp := quotedprintable.NewWriter(pw)
	if _, err := io.WriteString(qp, crlf(body)); err != nil {
		return err
	}
	return qp.Close()
}

func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

func writeBinaryPart(mw *multipart.Writer, att *core.Attachment, disposition string) error {
	mediaType, params, err := mime.ParseMediaType(att.DetectContentType())
	if err != nil {
		return fmt.Errorf("attachment %s: %w", att.Filename, err)
	}
	params["name"] = att.Filename

	header := textproto.MIMEHeader{
		"Content-Type":              {mime.FormatMediaType(mediaType, params)},
		"Content-Disposition":       {mime.FormatMediaType(disposition, map[string]string{"filename": att.Filename})},
		"Content-Transfer-Encoding": {"base64"},
	}
	if disposition == "inline" {
		header["Content-ID"] = []string{"<" + att.ContentID + ">"}
	}

	pw, err := mw.CreatePart(header)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(att.Data)
	for i := 0; i < len(encoded); i += base64LineLength {
		end := min(i+base64LineLength, len(encoded))
		if _, err := io.WriteString(pw, encoded[i:end]+"\r\n"); err != nil {
			return err
		}
	}
	return nil
}

func multipartType(kind, boundary string) string {
	return mime.FormatMediaType("multipart/"+kind, map[string]string{"boundary": boundary})
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// EncodeSubject returns subject as RFC 2047 base64 encoded-words, always, so
// non-ASCII text survives transport. Long subjects are split on rune
// boundaries into folded words. An empty subject yields an empty value.
func EncodeSubject(subject string) string {
	if subject == "" {
		return ""
	}

	var words []string
	for len(subject) > 0 {
		n := len(subject)
		if n > maxSubjectWordBytes {
			n = maxSubjectWordBytes
			for n > 0 && !utf8.RuneStart(subject[n]) {
				n--
			}
			if n == 0 {
				n = maxSubjectWordBytes
			}
		}
		words = append(words, "=?UTF-8?B?"+base64.StdEncoding.EncodeToString([]byte(subject[:n]))+"?=")
		subject = subject[n:]
	}
	return strings.Join(words, "\r\n ")
}
