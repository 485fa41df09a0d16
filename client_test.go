package bulkmail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	t.Run("rejects invalid configuration", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Provider.Timeout = 0

		client, err := New(cfg, WithTransport(&mockTransport{}), WithLogger(zap.NewNop()))
		require.Error(t, err)
		assert.Nil(t, client)
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects unknown provider", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Provider.Type = "carrier-pigeon"

		_, err := New(cfg, WithLogger(zap.NewNop()))
		require.Error(t, err)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "provider.type", ve.Field)
	})

	t.Run("rejects incomplete provider settings", func(t *testing.T) {
		_, err := New(DefaultConfig(),
			WithGmail("id", "", ""),
			WithLogger(zap.NewNop()),
			WithoutMetrics(),
			WithoutSignature())
		require.Error(t, err)
	})

	t.Run("unreadable signature template", func(t *testing.T) {
		_, err := New(DefaultConfig(),
			WithTransport(&mockTransport{}),
			WithLogger(zap.NewNop()),
			WithoutMetrics(),
			WithSignatureFile("/nonexistent/signature.html"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read signature template")
	})

	t.Run("transport name", func(t *testing.T) {
		client := newTestClient(t, &mockTransport{})
		assert.Equal(t, "mock", client.TransportName())
	})
}

func TestDispatch(t *testing.T) {
	t.Run("sends body unchanged", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Send", mock.Anything, forRecipient("a@x.com")).Return(sent("msg-1"), nil)

		client := newTestClient(t, transport, WithSignatureProfile(SignatureProfile{Name: "Jane Roe"}))
		result, err := client.Dispatch(context.Background(), &DispatchRequest{
			Subject:   "Hi",
			Body:      "Line one\nLine two",
			Recipient: "  a@x.com ",
		})
		require.NoError(t, err)

		assert.Equal(t, "a@x.com", result.Recipient)
		assert.Equal(t, OutcomeSuccess, result.Outcome)
		assert.Equal(t, "msg-1", result.MessageID)

		d := transport.Calls[0].Arguments.Get(1).(*Delivery)
		assert.Equal(t, "Line one\nLine two", d.Message.HTMLBody)
		transport.AssertExpectations(t)
	})

	t.Run("empty recipient", func(t *testing.T) {
		transport := &mockTransport{}
		client := newTestClient(t, transport)

		result, err := client.Dispatch(context.Background(), &DispatchRequest{Subject: "Hi", Body: "Hello", Recipient: "  "})
		require.Error(t, err)
		assert.Nil(t, result)

		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "No recipient provided", ve.Message)
		transport.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("invalid attachment", func(t *testing.T) {
		transport := &mockTransport{}
		client := newTestClient(t, transport)

		_, err := client.Dispatch(context.Background(), &DispatchRequest{
			Subject:     "Hi",
			Body:        "Hello",
			Recipient:   "a@x.com",
			Attachments: []Attachment{{Data: []byte("x")}},
		})
		assert.True(t, IsValidationError(err))
		transport.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("transport failure", func(t *testing.T) {
		transport := &mockTransport{}
		cause := unavailableError()
		transport.On("Send", mock.Anything, mock.Anything).Return(nil, cause)

		client := newTestClient(t, transport)
		result, err := client.Dispatch(context.Background(), &DispatchRequest{Subject: "Hi", Body: "Hello", Recipient: "a@x.com"})
		require.ErrorIs(t, err, cause)

		require.NotNil(t, result)
		assert.Equal(t, OutcomeFailure, result.Outcome)
		assert.Equal(t, "a@x.com", result.Recipient)
		assert.Equal(t, cause.Error(), result.ErrorDetail)
		assert.True(t, IsTemporary(err))
	})

	t.Run("send timeout", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Send", mock.Anything, mock.Anything).
			Return(nil, context.DeadlineExceeded).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			})

		client := newTestClient(t, transport, WithTimeout(20*time.Millisecond))
		result, err := client.Dispatch(context.Background(), &DispatchRequest{Subject: "Hi", Body: "Hello", Recipient: "a@x.com"})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, OutcomeFailure, result.Outcome)
	})

	t.Run("closed client", func(t *testing.T) {
		client := newTestClient(t, &mockTransport{})
		require.NoError(t, client.Close())
		require.NoError(t, client.Close())

		_, err := client.Dispatch(context.Background(), &DispatchRequest{Recipient: "a@x.com"})
		assert.ErrorIs(t, err, ErrClientClosed)
	})
}

func unavailableError() error {
	return WrapProviderError("mock", "unavailable", 503, errors.New("service unavailable"))
}

func TestEstimateDuration(t *testing.T) {
	client := newTestClient(t, &mockTransport{}, WithPacing(time.Minute, time.Second))

	assert.Zero(t, client.EstimateDuration(0))
	assert.Zero(t, client.EstimateDuration(1))
	assert.Equal(t, 45*time.Minute, client.EstimateDuration(46))
	assert.Equal(t, "45 minutes", FormatEstimate(client.EstimateDuration(46)))
}

type closingTransport struct {
	mockTransport
	closed int
}

func (c *closingTransport) Close() error {
	c.closed++
	return nil
}

func TestCloseReleasesTransport(t *testing.T) {
	transport := &closingTransport{}
	client := newTestClient(t, transport)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, 1, transport.closed)
}
