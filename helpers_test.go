package bulkmail

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lattiq/bulkmail/internal/compose"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, d *Delivery) (*SendResult, error) {
	args := m.Called(ctx, d)
	result, _ := args.Get(0).(*SendResult)
	return result, args.Error(1)
}

func (m *mockTransport) ValidateConfig() error { return nil }
func (m *mockTransport) Name() string          { return "mock" }

func sent(id string) *SendResult {
	return &SendResult{MessageID: id, Provider: "mock", Timestamp: time.Now()}
}

func forRecipient(recipient string) interface{} {
	return mock.MatchedBy(func(d *Delivery) bool { return d.Recipient == recipient })
}

// sentRecipients lists the recipients the mock was called with, in order.
func sentRecipients(m *mockTransport) []string {
	var out []string
	for _, call := range m.Calls {
		if call.Method == "Send" {
			out = append(out, call.Arguments.Get(1).(*Delivery).Recipient)
		}
	}
	return out
}

func newTestClient(t *testing.T, transport Transport, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithTransport(transport),
		WithLogger(zap.NewNop()),
		WithoutPacing(),
		WithoutSignature(),
		WithoutInlineAsset(),
		WithoutMetrics(),
		WithoutTracing(),
		WithBoundaryFunc(compose.SeededBoundary("test")),
	}
	client, err := New(DefaultConfig(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type progressRecorder struct {
	mu       sync.Mutex
	messages []string
	reports  []BatchReport
}

func (p *progressRecorder) Progress(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
}

func (p *progressRecorder) Report(report BatchReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report)
}

func (p *progressRecorder) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}

type mimeLeaf struct {
	contentType string
	header      map[string][]string
	body        []byte
}

// decodePayload parses an encoded payload and returns the top-level headers
// and every non-multipart part in document order.
func decodePayload(t *testing.T, payload EncodedPayload) (mail.Header, []mimeLeaf) {
	t.Helper()

	raw, err := payload.Decode()
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(mediaType, "multipart/"), mediaType)

	var leaves []mimeLeaf
	var walk func(r io.Reader, boundary string)
	walk = func(r io.Reader, boundary string) {
		mr := multipart.NewReader(r, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return
			}
			require.NoError(t, err)

			ct := part.Header.Get("Content-Type")
			mt, p, err := mime.ParseMediaType(ct)
			require.NoError(t, err)
			if strings.HasPrefix(mt, "multipart/") {
				walk(part, p["boundary"])
				continue
			}

			body, err := io.ReadAll(part)
			require.NoError(t, err)
			leaves = append(leaves, mimeLeaf{contentType: mt, header: part.Header, body: body})
		}
	}
	walk(msg.Body, params["boundary"])

	return msg.Header, leaves
}

func htmlLeaf(t *testing.T, leaves []mimeLeaf) string {
	t.Helper()
	for _, leaf := range leaves {
		if leaf.contentType == "text/html" {
			return string(leaf.body)
		}
	}
	t.Fatal("no text/html part")
	return ""
}
