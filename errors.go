package bulkmail

import (
	"errors"
	"fmt"

	"github.com/lattiq/bulkmail/internal/compose"
	"github.com/lattiq/bulkmail/internal/providers"
)

// Predefined sentinel errors for common cases.
var (
	// ErrNoValidRecipients indicates the recipient text held no address containing "@".
	ErrNoValidRecipients = errors.New("no valid recipients")

	// ErrMalformedMessage indicates the encoder was given input it cannot degrade from.
	ErrMalformedMessage = compose.ErrMalformedMessage

	// ErrBatchAborted matches any AbortError.
	ErrBatchAborted = errors.New("batch aborted")

	// ErrUnsupportedProvider indicates an unknown transport type.
	ErrUnsupportedProvider = providers.ErrUnsupportedProvider

	// ErrInvalidConfiguration indicates invalid configuration.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("client closed")
)

// AbortError is returned when a batch leaves the per-recipient boundary with
// an error. Report holds whatever had accumulated before the abort.
type AbortError struct {
	// Recipient is the recipient being processed when the batch aborted, if any.
	Recipient string

	// Report is the partial report at abort time.
	Report BatchReport

	// Cause is the triggering error.
	Cause error
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	if e.Recipient != "" {
		return fmt.Sprintf("batch aborted at %s after %d/%d attempts: %v",
			e.Recipient, e.Report.Attempts(), e.Report.Total, e.Cause)
	}
	return fmt.Sprintf("batch aborted after %d/%d attempts: %v", e.Report.Attempts(), e.Report.Total, e.Cause)
}

// Unwrap returns the underlying error.
func (e *AbortError) Unwrap() error {
	return e.Cause
}

// Is matches ErrBatchAborted.
func (e *AbortError) Is(target error) bool {
	return target == ErrBatchAborted
}

// IsValidationError reports whether err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
