package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/settld/server/internal/module/payment/domain"
)

// InboundRequest carries the raw inbound webhook for verification.
// Body is the unmodified request body; signature fields live either in
// Headers or inside the body, depending on the gateway.
type InboundRequest struct {
	Body      []byte
	Headers   http.Header
	UserAgent string
}

// VerifiedEvent is a notification whose authenticity has been
// established but which still carries the gateway's wire format.
type VerifiedEvent struct {
	Gateway string
	EventID string
	Type    string
	Payload []byte
	// parsed holds the adapter's decoded representation so Normalize
	// does not re-parse.
	parsed interface{}
}

// Adapter verifies and normalizes one provider's notifications. New
// gateways are added as new Adapter implementations, never by
// branching core logic.
type Adapter interface {
	// Name returns the gateway code.
	Name() string

	// Verify authenticates the raw request. It fails closed: any
	// doubt about authenticity returns apperrors.ErrSignatureInvalid
	// (or ErrVerificationUnavailable when a remote verification
	// service cannot be reached).
	Verify(ctx context.Context, req *InboundRequest) (*VerifiedEvent, error)

	// Normalize converts a verified event into the canonical schema.
	// Event types the reconciliation core does not handle return
	// apperrors.ErrUnsupportedEvent; the caller acknowledges them
	// without side effects.
	Normalize(ev *VerifiedEvent) (*domain.CanonicalEvent, error)
}

// RefundRequest is a refund submission against a captured transaction.
type RefundRequest struct {
	TransactionID string // our transaction id, used as the idempotent refund reference
	ExternalID    string // gateway's transaction/order reference
	GatewayRef    string // charge/capture id where the gateway needs one
	AmountMinor   int64
	TotalMinor    int64 // original captured amount
	Currency      string
	Reason        string
}

// RefundResult is the gateway's acknowledgment of a refund.
type RefundResult struct {
	GatewayRefundID string
}

// RefundSubmitter submits refunds to a gateway. Implementations
// classify failures so the worker can decide between retry and
// escalation.
type RefundSubmitter interface {
	// SubmitRefund submits the refund. Failures are returned as
	// *RefundError; a bare error is treated as retryable.
	SubmitRefund(ctx context.Context, req *RefundRequest) (*RefundResult, error)
}

// RefundError classifies a refund failure.
type RefundError struct {
	Code      string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *RefundError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

// Unwrap returns the wrapped error.
func (e *RefundError) Unwrap() error {
	return e.Err
}

// RetryableRefund wraps a transient failure (timeout, 5xx, 429).
func RetryableRefund(code string, err error) *RefundError {
	return &RefundError{Code: code, Retryable: true, Err: err}
}

// TerminalRefund wraps a permanent failure (validation error,
// insufficient funds, already refunded).
func TerminalRefund(code string, err error) *RefundError {
	return &RefundError{Code: code, Retryable: false, Err: err}
}

// IsRetryable reports whether a refund failure should be retried.
// Timeouts and unclassified errors count as retryable: a gateway that
// timed out may have applied the refund, and the provider-side
// idempotent refund reference makes the retry safe.
func IsRetryable(err error) bool {
	var re *RefundError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return true
}

// retryableHTTPStatus reports whether an HTTP status from a gateway
// indicates a transient condition.
func retryableHTTPStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
