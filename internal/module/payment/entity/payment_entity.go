package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/settld/server/internal/module/payment/domain"
)

// TransactionEntity is the GORM entity for PaymentTransaction.
type TransactionEntity struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Gateway       string    `gorm:"not null;uniqueIndex:idx_gateway_external,priority:1"`
	ExternalID    string    `gorm:"not null;uniqueIndex:idx_gateway_external,priority:2"`
	GatewayRef    string
	QuoteID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Amount        int64     `gorm:"not null"`
	Currency      string    `gorm:"not null"`
	Status        string    `gorm:"not null;default:PENDING"`
	TotalRefunded int64     `gorm:"default:0"`
	PayerID       string
	PayerEmail    string
	RawPayload    []byte `gorm:"type:jsonb"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName returns the database table name.
func (TransactionEntity) TableName() string {
	return "payment_transactions"
}

// ToDomain converts entity to domain PaymentTransaction.
func (e *TransactionEntity) ToDomain() *domain.PaymentTransaction {
	return &domain.PaymentTransaction{
		ID:            e.ID,
		Gateway:       e.Gateway,
		ExternalID:    e.ExternalID,
		GatewayRef:    e.GatewayRef,
		QuoteID:       e.QuoteID,
		Amount:        e.Amount,
		Currency:      e.Currency,
		Status:        domain.TransactionStatus(e.Status),
		TotalRefunded: e.TotalRefunded,
		PayerID:       e.PayerID,
		PayerEmail:    e.PayerEmail,
		RawPayload:    e.RawPayload,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// FromDomainTransaction converts domain PaymentTransaction to entity.
func FromDomainTransaction(t *domain.PaymentTransaction) *TransactionEntity {
	return &TransactionEntity{
		ID:            t.ID,
		Gateway:       t.Gateway,
		ExternalID:    t.ExternalID,
		GatewayRef:    t.GatewayRef,
		QuoteID:       t.QuoteID,
		Amount:        t.Amount,
		Currency:      t.Currency,
		Status:        string(t.Status),
		TotalRefunded: t.TotalRefunded,
		PayerID:       t.PayerID,
		PayerEmail:    t.PayerEmail,
		RawPayload:    t.RawPayload,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// LedgerEntryEntity is the GORM entity for LedgerEntry. Rows are
// insert-only; there is no update path through the repository.
type LedgerEntryEntity struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	QuoteID       uuid.UUID `gorm:"type:uuid;not null;index"`
	TransactionID uuid.UUID `gorm:"type:uuid;not null;index"`
	Type          string    `gorm:"not null"`
	Amount        int64     `gorm:"not null"`
	Currency      string    `gorm:"not null"`
	BalanceBefore int64     `gorm:"not null"`
	BalanceAfter  int64     `gorm:"not null"`
	GatewayRef    string
	CreatedBy     string `gorm:"not null;default:system"`
	CreatedAt     time.Time
}

// TableName returns the database table name.
func (LedgerEntryEntity) TableName() string {
	return "ledger_entries"
}

// ToDomain converts entity to domain LedgerEntry.
func (e *LedgerEntryEntity) ToDomain() *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:            e.ID,
		QuoteID:       e.QuoteID,
		TransactionID: e.TransactionID,
		Type:          domain.LedgerEntryType(e.Type),
		Amount:        e.Amount,
		Currency:      e.Currency,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		GatewayRef:    e.GatewayRef,
		CreatedBy:     e.CreatedBy,
		CreatedAt:     e.CreatedAt,
	}
}

// FromDomainLedgerEntry converts domain LedgerEntry to entity.
func FromDomainLedgerEntry(l *domain.LedgerEntry) *LedgerEntryEntity {
	return &LedgerEntryEntity{
		ID:            l.ID,
		QuoteID:       l.QuoteID,
		TransactionID: l.TransactionID,
		Type:          string(l.Type),
		Amount:        l.Amount,
		Currency:      l.Currency,
		BalanceBefore: l.BalanceBefore,
		BalanceAfter:  l.BalanceAfter,
		GatewayRef:    l.GatewayRef,
		CreatedBy:     l.CreatedBy,
		CreatedAt:     l.CreatedAt,
	}
}

// RefundQueueItemEntity is the GORM entity for RefundQueueItem.
type RefundQueueItemEntity struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	TransactionID   uuid.UUID `gorm:"type:uuid;not null;index"`
	RequestedAmount int64     `gorm:"not null"`
	Status          string    `gorm:"not null;default:PENDING;index:idx_refund_due,priority:1"`
	RetryCount      int       `gorm:"default:0"`
	MaxRetries      int       `gorm:"not null"`
	NextRetryAt     time.Time `gorm:"index:idx_refund_due,priority:2"`
	LastError       string
	Priority        int `gorm:"default:0"`
	RequestedBy     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName returns the database table name.
func (RefundQueueItemEntity) TableName() string {
	return "refund_queue"
}

// ToDomain converts entity to domain RefundQueueItem.
func (e *RefundQueueItemEntity) ToDomain() *domain.RefundQueueItem {
	return &domain.RefundQueueItem{
		ID:              e.ID,
		TransactionID:   e.TransactionID,
		RequestedAmount: e.RequestedAmount,
		Status:          domain.RefundStatus(e.Status),
		RetryCount:      e.RetryCount,
		MaxRetries:      e.MaxRetries,
		NextRetryAt:     e.NextRetryAt,
		LastError:       e.LastError,
		Priority:        e.Priority,
		RequestedBy:     e.RequestedBy,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

// FromDomainRefundItem converts domain RefundQueueItem to entity.
func FromDomainRefundItem(i *domain.RefundQueueItem) *RefundQueueItemEntity {
	return &RefundQueueItemEntity{
		ID:              i.ID,
		TransactionID:   i.TransactionID,
		RequestedAmount: i.RequestedAmount,
		Status:          string(i.Status),
		RetryCount:      i.RetryCount,
		MaxRetries:      i.MaxRetries,
		NextRetryAt:     i.NextRetryAt,
		LastError:       i.LastError,
		Priority:        i.Priority,
		RequestedBy:     i.RequestedBy,
		CreatedAt:       i.CreatedAt,
		UpdatedAt:       i.UpdatedAt,
	}
}

// WebhookAuditEntity is the GORM entity for WebhookAuditRecord. Rows
// are insert-only and never deleted.
type WebhookAuditEntity struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Gateway    string    `gorm:"not null;index"`
	DedupKey   string    `gorm:"not null;index"`
	EventID    string
	ExternalID string `gorm:"index"`
	Outcome    string `gorm:"not null"`
	Detail     string
	LatencyMS  int64
	UserAgent  string
	Headers    string `gorm:"type:jsonb"`
	CreatedAt  time.Time
}

// TableName returns the database table name.
func (WebhookAuditEntity) TableName() string {
	return "webhook_audit"
}

// ToDomain converts entity to domain WebhookAuditRecord.
func (e *WebhookAuditEntity) ToDomain() *domain.WebhookAuditRecord {
	return &domain.WebhookAuditRecord{
		ID:         e.ID,
		Gateway:    e.Gateway,
		DedupKey:   e.DedupKey,
		EventID:    e.EventID,
		ExternalID: e.ExternalID,
		Outcome:    domain.AuditOutcome(e.Outcome),
		Detail:     e.Detail,
		LatencyMS:  e.LatencyMS,
		UserAgent:  e.UserAgent,
		Headers:    e.Headers,
		CreatedAt:  e.CreatedAt,
	}
}

// FromDomainAuditRecord converts domain WebhookAuditRecord to entity.
func FromDomainAuditRecord(r *domain.WebhookAuditRecord) *WebhookAuditEntity {
	return &WebhookAuditEntity{
		ID:         r.ID,
		Gateway:    r.Gateway,
		DedupKey:   r.DedupKey,
		EventID:    r.EventID,
		ExternalID: r.ExternalID,
		Outcome:    string(r.Outcome),
		Detail:     r.Detail,
		LatencyMS:  r.LatencyMS,
		UserAgent:  r.UserAgent,
		Headers:    r.Headers,
		CreatedAt:  r.CreatedAt,
	}
}

// QuoteEntity maps the payment-status columns of the externally owned
// quotes table. The reconciliation core only ever touches these
// fields, never the quote's business fields.
type QuoteEntity struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	PaymentStatus string    `gorm:"default:unpaid"`
	PaymentMethod string
	PaidAt        *time.Time
	RefundedAt    *time.Time
	UpdatedAt     time.Time
}

// TableName returns the database table name.
func (QuoteEntity) TableName() string {
	return "quotes"
}
