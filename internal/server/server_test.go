package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiq/bulkmail"
)

type fakeMailer struct {
	dispatch  func(ctx context.Context, req *bulkmail.DispatchRequest) (*bulkmail.DeliveryResult, error)
	sendBatch func(ctx context.Context, req *bulkmail.BatchRequest, progress bulkmail.ProgressReporter) (*bulkmail.BatchReport, error)

	dispatched []*bulkmail.DispatchRequest
	batches    []*bulkmail.BatchRequest
}

func (f *fakeMailer) Dispatch(ctx context.Context, req *bulkmail.DispatchRequest) (*bulkmail.DeliveryResult, error) {
	f.dispatched = append(f.dispatched, req)
	if f.dispatch != nil {
		return f.dispatch(ctx, req)
	}
	return &bulkmail.DeliveryResult{Recipient: req.Recipient, Outcome: bulkmail.OutcomeSuccess, MessageID: "msg-1"}, nil
}

func (f *fakeMailer) SendBatch(ctx context.Context, req *bulkmail.BatchRequest, progress bulkmail.ProgressReporter) (*bulkmail.BatchReport, error) {
	f.batches = append(f.batches, req)
	return f.sendBatch(ctx, req, progress)
}

type filePart struct {
	filename string
	mimeType string
	data     []byte
}

func multipartRequest(t *testing.T, path string, fields map[string]string, files ...filePart) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		var (
			w   io.Writer
			err error
		)
		if f.mimeType == "" {
			w, err = mw.CreateFormFile(fieldAttachments, f.filename)
		} else {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", `form-data; name="attachments"; filename="`+f.filename+`"`)
			h.Set("Content-Type", f.mimeType)
			w, err = mw.CreatePart(h)
		}
		require.NoError(t, err)
		_, err = w.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func testConfig() bulkmail.ServerConfig {
	return bulkmail.DefaultConfig().Server
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSendEmail(t *testing.T) {
	t.Run("missing recipient", func(t *testing.T) {
		mailer := &fakeMailer{}
		h := New(mailer, testConfig(), nil, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "/api/send-email", map[string]string{
			"subject": "Hi",
			"body":    "Hello",
		}))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No recipient provided", decodeBody(t, rec)["error"])
		assert.Empty(t, mailer.dispatched)
	})

	t.Run("success with attachments", func(t *testing.T) {
		mailer := &fakeMailer{}
		h := New(mailer, testConfig(), nil, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "/api/send-email",
			map[string]string{"subject": "Hi", "body": "<p>Hello</p>", "recipient": " a@x.com "},
			filePart{filename: "report.pdf", data: []byte("%PDF-1.4")},
			filePart{filename: "notes.txt", mimeType: "text/plain; charset=utf-8", data: []byte("notes")},
		))

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "a@x.com", body["recipient"])
		assert.Equal(t, "msg-1", body["message_id"])

		require.Len(t, mailer.dispatched, 1)
		got := mailer.dispatched[0]
		assert.Equal(t, "Hi", got.Subject)
		assert.Equal(t, "<p>Hello</p>", got.Body)
		assert.Equal(t, "a@x.com", got.Recipient)
		require.Len(t, got.Attachments, 2)
		assert.Equal(t, "report.pdf", got.Attachments[0].Filename)
		assert.Equal(t, "application/pdf", got.Attachments[0].MimeType)
		assert.Equal(t, []byte("%PDF-1.4"), got.Attachments[0].Data)
		assert.Equal(t, "text/plain; charset=utf-8", got.Attachments[1].MimeType)
	})

	t.Run("transport rejection", func(t *testing.T) {
		mailer := &fakeMailer{
			dispatch: func(_ context.Context, req *bulkmail.DispatchRequest) (*bulkmail.DeliveryResult, error) {
				err := bulkmail.NewProviderError("gmail", "api_error", "quota exceeded")
				return &bulkmail.DeliveryResult{
					Recipient:   req.Recipient,
					Outcome:     bulkmail.OutcomeFailure,
					ErrorDetail: err.Error(),
				}, err
			},
		}
		h := New(mailer, testConfig(), nil, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "/api/send-email", map[string]string{
			"subject": "Hi", "body": "Hello", "recipient": "a@x.com",
		}))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "a@x.com", body["recipient"])
		assert.Contains(t, body["error"], "quota exceeded")
	})

	t.Run("validation error from mailer", func(t *testing.T) {
		mailer := &fakeMailer{
			dispatch: func(context.Context, *bulkmail.DispatchRequest) (*bulkmail.DeliveryResult, error) {
				return nil, bulkmail.NewValidationError("attachments", "attachment filename is required")
			},
		}
		h := New(mailer, testConfig(), nil, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "/api/send-email", map[string]string{
			"subject": "Hi", "body": "Hello", "recipient": "a@x.com",
		}))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "attachment filename is required")
	})

	t.Run("malformed message", func(t *testing.T) {
		mailer := &fakeMailer{
			dispatch: func(_ context.Context, req *bulkmail.DispatchRequest) (*bulkmail.DeliveryResult, error) {
				err := fmt.Errorf("%w: header value contains a line break", bulkmail.ErrMalformedMessage)
				return &bulkmail.DeliveryResult{
					Recipient:   req.Recipient,
					Outcome:     bulkmail.OutcomeFailure,
					ErrorDetail: err.Error(),
				}, err
			},
		}
		h := New(mailer, testConfig(), nil, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "/api/send-email", map[string]string{
			"subject": "Hi", "body": "Hello", "recipient": "a@x.com",
		}))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "a@x.com", body["recipient"])
		assert.Contains(t, body["error"], "line break")
	})

	t.Run("urlencoded form", func(t *testing.T) {
		mailer := &fakeMailer{}
		h := New(mailer, testConfig(), nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/send-email",
			strings.NewReader("subject=Hi&body=Hello&recipient=a%40x.com"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, mailer.dispatched, 1)
		assert.Empty(t, mailer.dispatched[0].Attachments)
	})

	t.Run("body too large", func(t *testing.T) {
		mailer := &fakeMailer{}
		cfg := testConfig()
		cfg.MaxUploadBytes = 256
		h := New(mailer, cfg, nil, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "/api/send-email",
			map[string]string{"recipient": "a@x.com"},
			filePart{filename: "big.bin", data: bytes.Repeat([]byte("x"), 4096)},
		))

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Empty(t, mailer.dispatched)
	})
}

func TestSendEmailRateLimit(t *testing.T) {
	mailer := &fakeMailer{}
	cfg := testConfig()
	cfg.DispatchRate = 0.001
	cfg.DispatchBurst = 1
	h := New(mailer, cfg, nil, nil)

	fields := map[string]string{"subject": "Hi", "body": "Hello", "recipient": "a@x.com"}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "/api/send-email", fields))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "/api/send-email", fields))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Rate limit exceeded, please try again later", decodeBody(t, rec)["error"])
	assert.Len(t, mailer.dispatched, 1)
}

func readEvents(t *testing.T, rec *httptest.ResponseRecorder) []event {
	t.Helper()
	var events []event
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var ev event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestBatchStream(t *testing.T) {
	fields := map[string]string{
		"subject":    "Hi",
		"body":       "Hello",
		"recipients": "a@x.com\nnot-an-email\nb@x.com",
	}

	t.Run("completed", func(t *testing.T) {
		mailer := &fakeMailer{
			sendBatch: func(_ context.Context, req *bulkmail.BatchRequest, progress bulkmail.ProgressReporter) (*bulkmail.BatchReport, error) {
				progress.Progress("[1/2] Sending to: a@x.com...")
				progress.Progress("[1/2] Sent successfully to: a@x.com")
				report := bulkmail.BatchReport{Total: 2, Succeeded: 2, Failed: []string{}, State: bulkmail.BatchCompleted}
				progress.Report(report)
				return &report, nil
			},
		}
		h := New(mailer, testConfig(), nil, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "/api/batches", fields))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
		assert.True(t, rec.Flushed)

		events := readEvents(t, rec)
		require.Len(t, events, 3)
		assert.Equal(t, "progress", events[0].Type)
		assert.Equal(t, "[1/2] Sending to: a@x.com...", events[0].Message)
		assert.Equal(t, "report", events[2].Type)
		require.NotNil(t, events[2].Report)
		assert.Equal(t, 2, events[2].Report.Total)
		assert.Equal(t, "Completed! Sent 2/2 emails", events[2].Summary)

		require.Len(t, mailer.batches, 1)
		assert.Equal(t, fields["recipients"], mailer.batches[0].Recipients)
	})

	t.Run("aborted", func(t *testing.T) {
		mailer := &fakeMailer{
			sendBatch: func(_ context.Context, _ *bulkmail.BatchRequest, progress bulkmail.ProgressReporter) (*bulkmail.BatchReport, error) {
				report := bulkmail.BatchReport{Total: 2, Failed: []string{}, State: bulkmail.BatchAborted}
				progress.Report(report)
				return &report, &bulkmail.AbortError{Report: report, Cause: context.Canceled}
			},
		}
		h := New(mailer, testConfig(), nil, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "/api/batches", fields))

		require.Equal(t, http.StatusOK, rec.Code)
		events := readEvents(t, rec)
		require.Len(t, events, 2)
		assert.Equal(t, "report", events[0].Type)
		assert.Equal(t, "Aborted! Sent 0/2 emails", events[0].Summary)
		assert.Equal(t, "error", events[1].Type)
		assert.Contains(t, events[1].Error, "context canceled")
	})

	t.Run("invalid request never starts", func(t *testing.T) {
		mailer := &fakeMailer{
			sendBatch: func(context.Context, *bulkmail.BatchRequest, bulkmail.ProgressReporter) (*bulkmail.BatchReport, error) {
				return nil, errors.New("unexpected call")
			},
		}
		h := New(mailer, testConfig(), nil, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "/api/batches", map[string]string{
			"subject":    "Hi",
			"body":       "Hello",
			"recipients": "nobody\nstill nobody",
		}))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "no valid recipients")
		assert.Empty(t, mailer.batches)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "bulkmail_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := New(&fakeMailer{}, testConfig(), nil, reg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bulkmail_test_total 1")
}

func TestMetricsNotMountedWithoutGatherer(t *testing.T) {
	h := New(&fakeMailer{}, testConfig(), nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
