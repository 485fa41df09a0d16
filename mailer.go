package bulkmail

import (
	"context"
)

// Public interfaces for the bulkmail library
type (
	// Mailer defines the core sending interface.
	// All methods are safe for concurrent use; a single batch is always sequential.
	Mailer interface {
		// Dispatch composes and sends one message to a single recipient.
		// A transport rejection is returned as an error together with a
		// Failure result naming the recipient.
		Dispatch(ctx context.Context, req *DispatchRequest) (*DeliveryResult, error)

		// SendBatch validates the request and delivers to every parsed
		// recipient in order, waiting the pacing interval between sends.
		// Progress is written to progress, which may be nil.
		SendBatch(ctx context.Context, req *BatchRequest, progress ProgressReporter) (*BatchReport, error)

		// Close closes the mailer and releases any resources.
		// After calling Close, the mailer should not be used.
		Close() error
	}

	// ProgressReporter receives human-readable status while a batch runs.
	ProgressReporter interface {
		// Progress reports the current recipient and action.
		Progress(message string)

		// Report delivers the final report once the batch stops.
		Report(report BatchReport)
	}
)

// ProgressFunc adapts a function to ProgressReporter. The final report is
// passed to the function as its summary text.
type ProgressFunc func(message string)

// Progress implements ProgressReporter.
func (f ProgressFunc) Progress(message string) {
	f(message)
}

// Report implements ProgressReporter.
func (f ProgressFunc) Report(report BatchReport) {
	f(report.Summary())
}

type nopProgress struct{}

func (nopProgress) Progress(string)     {}
func (nopProgress) Report(BatchReport) {}

// NopProgress discards all progress.
var NopProgress ProgressReporter = nopProgress{}
