// Package server exposes the mailer over HTTP: a single-recipient dispatch
// endpoint, a batch endpoint that streams progress as NDJSON, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lattiq/bulkmail"
)

// Form field names shared by both endpoints.
const (
	fieldSubject     = "subject"
	fieldBody        = "body"
	fieldRecipient   = "recipient"
	fieldRecipients  = "recipients"
	fieldAttachments = "attachments"
)

// Mailer is the part of *bulkmail.Client the handlers need.
type Mailer interface {
	Dispatch(ctx context.Context, req *bulkmail.DispatchRequest) (*bulkmail.DeliveryResult, error)
	SendBatch(ctx context.Context, req *bulkmail.BatchRequest, progress bulkmail.ProgressReporter) (*bulkmail.BatchReport, error)
}

type server struct {
	mailer  Mailer
	cfg     bulkmail.ServerConfig
	log     *zap.SugaredLogger
	limiter *rate.Limiter
}

// New builds the HTTP handler. gatherer may be nil, in which case /metrics
// is not mounted.
func New(mailer Mailer, cfg bulkmail.ServerConfig, log *zap.SugaredLogger, gatherer prometheus.Gatherer) http.Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = bulkmail.DefaultConfig().Server.MaxUploadBytes
	}

	s := &server{
		mailer: mailer,
		cfg:    cfg,
		log:    log.Named("http"),
	}
	if cfg.DispatchRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), max(cfg.DispatchBurst, 1))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.With(s.throttle).Post("/send-email", s.handleSendEmail)
		r.Post("/batches", s.handleBatch)
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

type sendResponse struct {
	Success   bool   `json:"success"`
	Recipient string `json:"recipient"`
	MessageID string `json:"message_id,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Recipient string `json:"recipient,omitempty"`
}

func (s *server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	recipient := strings.TrimSpace(r.FormValue(fieldRecipient))
	if recipient == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No recipient provided"})
		return
	}

	attachments, err := readAttachments(r.MultipartForm)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Recipient: recipient})
		return
	}

	result, err := s.mailer.Dispatch(r.Context(), &bulkmail.DispatchRequest{
		Subject:     r.FormValue(fieldSubject),
		Body:        r.FormValue(fieldBody),
		Recipient:   recipient,
		Attachments: attachments,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if bulkmail.IsValidationError(err) || errors.Is(err, bulkmail.ErrMalformedMessage) {
			status = http.StatusBadRequest
		}
		detail := err.Error()
		if result != nil && result.ErrorDetail != "" {
			detail = result.ErrorDetail
		}
		s.log.Warnw("Dispatch failed", "recipient", recipient, "status", status, "error", err)
		writeJSON(w, status, errorResponse{Error: detail, Recipient: recipient})
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Success:   true,
		Recipient: recipient,
		MessageID: result.MessageID,
	})
}

// event is one NDJSON line of the batch stream.
type event struct {
	Type    string                `json:"type"`
	Message string                `json:"message,omitempty"`
	Summary string                `json:"summary,omitempty"`
	Report  *bulkmail.BatchReport `json:"report,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	attachments, err := readAttachments(r.MultipartForm)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	req := &bulkmail.BatchRequest{
		Subject:     r.FormValue(fieldSubject),
		Body:        r.FormValue(fieldBody),
		Recipients:  r.FormValue(fieldRecipients),
		Attachments: attachments,
	}

	// Reject before the stream starts so the status code still means something.
	if _, err := bulkmail.ValidateBatch(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	stream := &eventStream{
		enc: json.NewEncoder(w),
		rc:  http.NewResponseController(w),
		log: s.log,
	}
	if _, err := s.mailer.SendBatch(r.Context(), req, stream); err != nil {
		stream.send(event{Type: "error", Error: err.Error()})
	}
}

// eventStream implements bulkmail.ProgressReporter over a streaming response.
type eventStream struct {
	enc    *json.Encoder
	rc     *http.ResponseController
	log    *zap.SugaredLogger
	broken bool
}

func (e *eventStream) Progress(message string) {
	e.send(event{Type: "progress", Message: message})
}

func (e *eventStream) Report(report bulkmail.BatchReport) {
	e.send(event{Type: "report", Summary: report.Summary(), Report: &report})
}

func (e *eventStream) send(ev event) {
	if e.broken {
		return
	}
	if err := e.enc.Encode(ev); err != nil {
		// The client went away; the batch itself keeps running.
		e.broken = true
		e.log.Debugw("Progress stream closed", "error", err)
		return
	}
	if err := e.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		e.broken = true
		e.log.Debugw("Progress stream flush failed", "error", err)
	}
}

// parseForm reads a multipart or urlencoded body within the upload limit. It
// writes the error response itself and reports whether handling may go on.
func (s *server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	err := r.ParseMultipartForm(s.cfg.MaxUploadBytes)
	if err == nil || errors.Is(err, http.ErrNotMultipart) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return false
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid form: " + err.Error()})
	return false
}

// readAttachments turns every uploaded "attachments" file into a validated
// Attachment, in upload order.
func readAttachments(form *multipart.Form) ([]bulkmail.Attachment, error) {
	if form == nil {
		return nil, nil
	}

	headers := form.File[fieldAttachments]
	attachments := make([]bulkmail.Attachment, 0, len(headers))
	for _, fh := range headers {
		data, err := readFile(fh)
		if err != nil {
			return nil, err
		}

		att := bulkmail.Attachment{Filename: fh.Filename, Data: data}
		// Browsers send octet-stream for anything they do not recognize.
		if mt := fh.Header.Get("Content-Type"); mt != "" && mt != "application/octet-stream" {
			att.MimeType = mt
		} else {
			att.MimeType = att.DetectContentType()
		}
		if err := att.Validate(); err != nil {
			return nil, err
		}
		attachments = append(attachments, att)
	}
	return attachments, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *server) throttle(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Rate limit exceeded, please try again later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Infow("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
