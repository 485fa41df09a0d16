package bulkmail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lattiq/bulkmail/internal/core"
)

// BatchRequest is one bulk send. Subject, body and attachments are shared by
// every recipient.
type BatchRequest struct {
	Subject string

	// Body is the raw message text. Newlines become <br> and the signature
	// block is appended before sending.
	Body string

	// Recipients holds one address per line. Lines without "@" are dropped.
	Recipients string

	Attachments []Attachment
}

// ParseRecipients splits text by line, trims each entry and keeps only those
// containing "@", preserving order.
func ParseRecipients(text string) []string {
	var recipients []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "@") {
			recipients = append(recipients, line)
		}
	}
	return recipients
}

// PrepareBody converts line breaks in raw to <br> and appends signature.
func PrepareBody(raw, signature string) string {
	body := strings.ReplaceAll(raw, "\r\n", "\n")
	return strings.ReplaceAll(body, "\n", "<br>") + signature
}

// ValidateBatch checks req and returns the parsed recipient list.
func ValidateBatch(req *BatchRequest) ([]string, error) {
	if req == nil {
		return nil, NewValidationError("request", "request is required")
	}
	if req.Subject == "" {
		return nil, NewValidationError("subject", "subject is required")
	}
	if req.Body == "" {
		return nil, NewValidationError("body", "body is required")
	}
	if req.Recipients == "" {
		return nil, NewValidationError("recipients", "recipient list is required")
	}
	if err := validateAttachments(req.Attachments); err != nil {
		return nil, err
	}

	recipients := ParseRecipients(req.Recipients)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoValidRecipients,
			NewValidationError("recipients", "no address containing \"@\""))
	}
	return recipients, nil
}

// SendBatch validates req and delivers to every recipient in order. A
// transport failure is recorded and the batch moves on; only a message that
// cannot be composed, or ctx ending, aborts it. On abort the partial report is
// returned together with an *AbortError. A request that fails validation
// returns an empty report still in BatchValidating alongside the
// *ValidationError.
func (c *Client) SendBatch(ctx context.Context, req *BatchRequest, progress ProgressReporter) (*BatchReport, error) {
	ctx, span := c.tracer.Start(ctx, "bulkmail.Client.SendBatch")
	defer span.End()

	if err := c.checkOpen(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if progress == nil {
		progress = NopProgress
	}

	report := core.NewBatchReport(0)
	report.State = BatchValidating

	recipients, err := ValidateBatch(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return report, err
	}
	report.Total = len(recipients)

	b := &batchRun{
		client:     c,
		span:       span,
		progress:   progress,
		recipients: recipients,
		report:     report,
		template: OutboundMessage{
			Subject:     req.Subject,
			HTMLBody:    PrepareBody(req.Body, c.signature),
			Attachments: req.Attachments,
			InlineImage: c.encoder.LoadInlineAsset(),
		},
	}

	span.SetAttributes(
		attribute.Int("bulkmail.batch.total", len(recipients)),
		attribute.String("bulkmail.provider", c.transport.Name()),
	)
	c.log.Infow("Batch started",
		"recipients", len(recipients),
		"attachments", len(req.Attachments),
		"estimate", c.EstimateDuration(len(recipients)))

	return b.run(ctx)
}

// batchRun is the state of one SendBatch call.
type batchRun struct {
	client     *Client
	span       trace.Span
	progress   ProgressReporter
	recipients []string
	report     *BatchReport
	template   OutboundMessage
}

func (b *batchRun) run(ctx context.Context) (*BatchReport, error) {
	c := b.client
	total := len(b.recipients)

	for i, recipient := range b.recipients {
		n := i + 1
		b.report.State = BatchSending
		b.progress.Progress(fmt.Sprintf("[%d/%d] Sending to: %s...", n, total, recipient))

		msg := b.template
		msg.Recipient = recipient

		result, err := c.deliver(ctx, &msg)
		if errors.Is(err, ErrMalformedMessage) {
			return b.abort(recipient, err)
		}

		b.report.Record(result)
		if result.Outcome == OutcomeSuccess {
			b.progress.Progress(fmt.Sprintf("[%d/%d] Sent successfully to: %s", n, total, recipient))
		} else {
			b.progress.Progress(fmt.Sprintf("[%d/%d] Failed to send to: %s (%s)", n, total, recipient, result.ErrorDetail))
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return b.abort(recipient, ctxErr)
		}
		if n == total {
			break
		}

		b.report.State = BatchWaiting
		err = c.pacer.Wait(ctx, func(remaining time.Duration) {
			b.progress.Progress(fmt.Sprintf("[%d/%d] Done! Waiting %d seconds before sending the next email...",
				n, total, wholeSeconds(remaining)))
		})
		if err != nil {
			return b.abort("", err)
		}
		c.metrics.observeWait(c.pacer.Interval())
	}

	b.report.State = BatchCompleted
	report := b.report.Snapshot()

	b.span.SetAttributes(
		attribute.Int("bulkmail.batch.succeeded", report.Succeeded),
		attribute.Int("bulkmail.batch.failed", len(report.Failed)),
	)
	if len(report.Failed) > 0 {
		b.span.SetStatus(codes.Error, fmt.Sprintf("%d/%d emails failed", len(report.Failed), report.Total))
	} else {
		b.span.SetStatus(codes.Ok, "batch completed successfully")
	}

	c.metrics.observeBatch(BatchCompleted)
	c.log.Infow("Batch completed",
		"total", report.Total,
		"succeeded", report.Succeeded,
		"failed", len(report.Failed))

	b.progress.Report(report)
	return &report, nil
}

func (b *batchRun) abort(recipient string, cause error) (*BatchReport, error) {
	b.report.State = BatchAborted
	report := b.report.Snapshot()

	err := &AbortError{Recipient: recipient, Report: report, Cause: cause}
	b.span.RecordError(err)
	b.span.SetStatus(codes.Error, "batch aborted")

	b.client.metrics.observeBatch(BatchAborted)
	b.client.log.Errorw("Batch aborted",
		"recipient", recipient,
		"attempts", report.Attempts(),
		"total", report.Total,
		"error", cause)

	b.progress.Report(report)
	return &report, err
}
