package domain

import (
	"fmt"
	"time"
)

// CanonicalStatus is the status vocabulary shared by all gateway
// adapters. Adapters translate each provider's wire format into this
// vocabulary at the boundary; nothing downstream sees provider terms.
type CanonicalStatus string

const (
	EventPending   CanonicalStatus = "pending"
	EventApproved  CanonicalStatus = "approved"
	EventCompleted CanonicalStatus = "completed"
	EventDenied    CanonicalStatus = "denied"
	EventRefunded  CanonicalStatus = "refunded"
)

// TransactionStatus maps the canonical event status to the transaction
// lifecycle state it targets.
func (s CanonicalStatus) TransactionStatus() (TransactionStatus, error) {
	switch s {
	case EventPending:
		return StatusPending, nil
	case EventApproved:
		return StatusApproved, nil
	case EventCompleted:
		return StatusCompleted, nil
	case EventDenied:
		return StatusDenied, nil
	case EventRefunded:
		return StatusRefunded, nil
	default:
		return "", fmt.Errorf("unknown canonical status %q", s)
	}
}

// CanonicalEvent is a gateway notification normalized into the shared
// schema. AmountMinor is in minor units of Currency; on refunded
// events it carries the cumulative refunded total, not the delta.
type CanonicalEvent struct {
	Gateway     string
	EventID     string // gateway's event id, may be empty
	ExternalID  string // gateway's transaction/order reference
	GatewayRef  string // secondary reference (charge/capture id)
	QuoteRef    string // merchant-side order/quote reference, may be empty
	AmountMinor int64
	Currency    string
	Status      CanonicalStatus
	PayerID     string
	PayerEmail  string
	OccurredAt  time.Time
	RawPayload  []byte
}

// DedupKey is the idempotency key for this notification. The event id
// is preferred; gateways that do not issue one fall back to the
// transaction reference combined with the target status, so that a
// later "completed" for the same transaction is not mistaken for a
// redelivery of the earlier "pending".
func (e *CanonicalEvent) DedupKey() string {
	if e.EventID != "" {
		return e.Gateway + ":" + e.EventID
	}
	return fmt.Sprintf("%s:%s:%s", e.Gateway, e.ExternalID, e.Status)
}

// Validate rejects events that fail the canonical schema.
func (e *CanonicalEvent) Validate() error {
	if e.Gateway == "" {
		return fmt.Errorf("canonical event missing gateway")
	}
	if e.ExternalID == "" {
		return fmt.Errorf("canonical event missing external id")
	}
	if _, err := e.Status.TransactionStatus(); err != nil {
		return err
	}
	if e.AmountMinor < 0 {
		return fmt.Errorf("canonical event has negative amount %d", e.AmountMinor)
	}
	return nil
}
