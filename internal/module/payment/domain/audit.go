package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditOutcome classifies how an inbound webhook attempt ended.
type AuditOutcome string

const (
	AuditSuccess   AuditOutcome = "success"
	AuditDuplicate AuditOutcome = "duplicate"
	AuditRejected  AuditOutcome = "rejected"
	AuditWarning   AuditOutcome = "warning"
)

// WebhookAuditRecord is written once per inbound attempt, before the
// HTTP response, and never deleted. It is the system of record for
// idempotency decisions: a prior `success` for the same dedup key
// means the economic effect has already been applied.
type WebhookAuditRecord struct {
	ID         uuid.UUID
	Gateway    string
	DedupKey   string
	EventID    string
	ExternalID string
	Outcome    AuditOutcome
	Detail     string
	LatencyMS  int64
	UserAgent  string
	Headers    string // JSON-encoded inbound headers
	CreatedAt  time.Time
}

// NewAuditRecord builds a record for one inbound attempt.
func NewAuditRecord(gateway, dedupKey string, outcome AuditOutcome) *WebhookAuditRecord {
	return &WebhookAuditRecord{
		ID:        uuid.New(),
		Gateway:   gateway,
		DedupKey:  dedupKey,
		Outcome:   outcome,
		CreatedAt: time.Now(),
	}
}
