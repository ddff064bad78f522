package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/module/payment/entity"
	apperrors "github.com/settld/server/internal/shared/errors"
)

// Store is the persistence boundary of the reconciliation core.
// InTx runs fn against a store bound to one database transaction; all
// writes inside fn commit or roll back together.
type Store interface {
	InTx(ctx context.Context, fn func(Store) error) error

	// Transactions
	GetTransactionForUpdate(ctx context.Context, gateway, externalID string) (*domain.PaymentTransaction, error)
	GetTransactionByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error)
	CreateTransaction(ctx context.Context, t *domain.PaymentTransaction) error
	UpdateTransaction(ctx context.Context, t *domain.PaymentTransaction) error

	// Ledger
	AppendLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error
	LatestBalance(ctx context.Context, quoteID uuid.UUID) (int64, error)
	ListLedgerEntries(ctx context.Context, quoteID uuid.UUID) ([]*domain.LedgerEntry, error)

	// Quote payment status
	MarkQuotePaid(ctx context.Context, quoteID uuid.UUID, method string, paidAt time.Time) (bool, error)
	MarkQuoteRefunded(ctx context.Context, quoteID uuid.UUID, refundedAt time.Time) error

	// Webhook audit
	CreateAuditRecord(ctx context.Context, r *domain.WebhookAuditRecord) error
	FindAuditSuccess(ctx context.Context, dedupKey string) (*domain.WebhookAuditRecord, error)

	// Refund queue
	EnqueueRefund(ctx context.Context, item *domain.RefundQueueItem) error
	ClaimDueRefunds(ctx context.Context, now time.Time, limit int) ([]*domain.RefundQueueItem, error)
	UpdateRefundItem(ctx context.Context, item *domain.RefundQueueItem) error
	ListFailedRefunds(ctx context.Context, limit int) ([]*domain.RefundQueueItem, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a GORM-backed store.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// InTx wraps fn in a database transaction. Nested calls reuse the
// outer transaction.
func (s *gormStore) InTx(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

// --- Transactions ---

// GetTransactionForUpdate loads the transaction for (gateway,
// externalID) under a row-level lock. Two concurrent deliveries for the
// same external id serialize here.
func (s *gormStore) GetTransactionForUpdate(ctx context.Context, gateway, externalID string) (*domain.PaymentTransaction, error) {
	var ent entity.TransactionEntity
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("gateway = ? AND external_id = ?", gateway, externalID).
		First(&ent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction for update: %w", err)
	}
	return ent.ToDomain(), nil
}

func (s *gormStore) GetTransactionByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	var ent entity.TransactionEntity
	err := s.db.WithContext(ctx).First(&ent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return ent.ToDomain(), nil
}

func (s *gormStore) CreateTransaction(ctx context.Context, t *domain.PaymentTransaction) error {
	if err := s.db.WithContext(ctx).Create(entity.FromDomainTransaction(t)).Error; err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (s *gormStore) UpdateTransaction(ctx context.Context, t *domain.PaymentTransaction) error {
	if err := s.db.WithContext(ctx).Save(entity.FromDomainTransaction(t)).Error; err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return nil
}

// --- Ledger ---

func (s *gormStore) AppendLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(entity.FromDomainLedgerEntry(e)).Error; err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// LatestBalance returns balance_after of the newest entry for the
// quote, or zero when the quote has no entries yet. Call inside InTx so
// the read and the subsequent append see the same ledger tip.
func (s *gormStore) LatestBalance(ctx context.Context, quoteID uuid.UUID) (int64, error) {
	var ent entity.LedgerEntryEntity
	err := s.db.WithContext(ctx).
		Where("quote_id = ?", quoteID).
		Order("created_at DESC").
		First(&ent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("latest balance: %w", err)
	}
	return ent.BalanceAfter, nil
}

func (s *gormStore) ListLedgerEntries(ctx context.Context, quoteID uuid.UUID) ([]*domain.LedgerEntry, error) {
	var ents []*entity.LedgerEntryEntity
	err := s.db.WithContext(ctx).
		Where("quote_id = ?", quoteID).
		Order("created_at ASC").
		Find(&ents).Error
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	entries := make([]*domain.LedgerEntry, len(ents))
	for i, e := range ents {
		entries[i] = e.ToDomain()
	}
	return entries, nil
}

// --- Quote payment status ---

// MarkQuotePaid flips the quote to paid unless it already is. Returns
// whether this call applied the flip; a false return is the
// defense-in-depth signal that a duplicate slipped past the guard.
func (s *gormStore) MarkQuotePaid(ctx context.Context, quoteID uuid.UUID, method string, paidAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&entity.QuoteEntity{}).
		Where("id = ? AND payment_status <> ?", quoteID, "paid").
		Updates(map[string]interface{}{
			"payment_status": "paid",
			"payment_method": method,
			"paid_at":        paidAt,
			"updated_at":     paidAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark quote paid: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *gormStore) MarkQuoteRefunded(ctx context.Context, quoteID uuid.UUID, refundedAt time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&entity.QuoteEntity{}).
		Where("id = ?", quoteID).
		Updates(map[string]interface{}{
			"payment_status": "refunded",
			"refunded_at":    refundedAt,
			"updated_at":     refundedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("mark quote refunded: %w", err)
	}
	return nil
}

// --- Webhook audit ---

func (s *gormStore) CreateAuditRecord(ctx context.Context, r *domain.WebhookAuditRecord) error {
	if err := s.db.WithContext(ctx).Create(entity.FromDomainAuditRecord(r)).Error; err != nil {
		return fmt.Errorf("create audit record: %w", err)
	}
	return nil
}

// FindAuditSuccess returns the prior success record for a dedup key,
// or nil when the key has never been processed.
func (s *gormStore) FindAuditSuccess(ctx context.Context, dedupKey string) (*domain.WebhookAuditRecord, error) {
	var ent entity.WebhookAuditEntity
	err := s.db.WithContext(ctx).
		Where("dedup_key = ? AND outcome = ?", dedupKey, string(domain.AuditSuccess)).
		First(&ent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find audit success: %w", err)
	}
	return ent.ToDomain(), nil
}

// --- Refund queue ---

func (s *gormStore) EnqueueRefund(ctx context.Context, item *domain.RefundQueueItem) error {
	if err := s.db.WithContext(ctx).Create(entity.FromDomainRefundItem(item)).Error; err != nil {
		return fmt.Errorf("enqueue refund: %w", err)
	}
	return nil
}

// ClaimDueRefunds claims up to limit due items for this worker run.
// The claim is a conditional update on status so two concurrent runs
// cannot both take the same item; candidates another run won is
// skipped, not an error.
func (s *gormStore) ClaimDueRefunds(ctx context.Context, now time.Time, limit int) ([]*domain.RefundQueueItem, error) {
	var candidates []*entity.RefundQueueItemEntity
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", string(domain.RefundPending), now).
		Order("priority DESC, next_retry_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("list due refunds: %w", err)
	}

	claimed := make([]*domain.RefundQueueItem, 0, len(candidates))
	for _, c := range candidates {
		res := s.db.WithContext(ctx).
			Model(&entity.RefundQueueItemEntity{}).
			Where("id = ? AND status = ?", c.ID, string(domain.RefundPending)).
			Updates(map[string]interface{}{
				"status":     string(domain.RefundProcessing),
				"updated_at": now,
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("claim refund %s: %w", c.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		item := c.ToDomain()
		item.Status = domain.RefundProcessing
		item.UpdatedAt = now
		claimed = append(claimed, item)
	}
	return claimed, nil
}

func (s *gormStore) UpdateRefundItem(ctx context.Context, item *domain.RefundQueueItem) error {
	if err := s.db.WithContext(ctx).Save(entity.FromDomainRefundItem(item)).Error; err != nil {
		return fmt.Errorf("update refund item: %w", err)
	}
	return nil
}

func (s *gormStore) ListFailedRefunds(ctx context.Context, limit int) ([]*domain.RefundQueueItem, error) {
	var ents []*entity.RefundQueueItemEntity
	err := s.db.WithContext(ctx).
		Where("status = ?", string(domain.RefundFailed)).
		Order("updated_at DESC").
		Limit(limit).
		Find(&ents).Error
	if err != nil {
		return nil, fmt.Errorf("list failed refunds: %w", err)
	}
	items := make([]*domain.RefundQueueItem, len(ents))
	for i, e := range ents {
		items[i] = e.ToDomain()
	}
	return items, nil
}
