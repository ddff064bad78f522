package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/shared/config"
	apperrors "github.com/settld/server/internal/shared/errors"
)

// RefundService accepts refund requests and exposes the escalation
// queue. Submission to the gateway happens asynchronously in the
// worker; this layer only validates and enqueues.
type RefundService struct {
	store Store
	cfg   *config.RefundConfig
	log   *zap.Logger
}

// NewRefundService creates the refund request service.
func NewRefundService(store Store, cfg *config.RefundConfig, log *zap.Logger) *RefundService {
	return &RefundService{store: store, cfg: cfg, log: log}
}

// RequestRefund validates a refund against the transaction's refundable
// amount and enqueues it. The bound is re-checked inside the worker's
// atomic unit; this check exists to reject hopeless requests up front.
func (s *RefundService) RequestRefund(ctx context.Context, txnID uuid.UUID, amountMinor int64, requestedBy string, priority int) (*domain.RefundQueueItem, error) {
	if amountMinor <= 0 {
		return nil, apperrors.BadRequest("refund amount must be positive")
	}

	txn, err := s.store.GetTransactionByID(ctx, txnID)
	if err != nil {
		if errors.Is(err, apperrors.ErrTransactionNotFound) {
			return nil, apperrors.NotFound("transaction")
		}
		return nil, err
	}
	if txn.Status != domain.StatusCompleted && txn.Status != domain.StatusPartiallyRefunded {
		return nil, apperrors.Conflict(
			fmt.Sprintf("transaction is %s, only captured payments can be refunded", txn.Status),
			apperrors.ErrRefundTerminal)
	}
	if !txn.CanRefund(amountMinor) {
		return nil, apperrors.BadRequest(fmt.Sprintf(
			"refund of %d exceeds refundable amount %d", amountMinor, txn.RemainingRefundable()))
	}

	item := domain.NewRefundQueueItem(txnID, amountMinor, requestedBy, priority, s.cfg.MaxRetries)
	if err := s.store.EnqueueRefund(ctx, item); err != nil {
		return nil, err
	}

	s.log.Info("refund enqueued",
		zap.String("refund_id", item.ID.String()),
		zap.String("transaction_id", txnID.String()),
		zap.Int64("amount_minor", amountMinor),
		zap.String("requested_by", requestedBy))
	return item, nil
}

// FailedRefunds returns refunds that exhausted their retries or hit a
// terminal gateway error and need manual review.
func (s *RefundService) FailedRefunds(ctx context.Context, limit int) ([]*domain.RefundQueueItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListFailedRefunds(ctx, limit)
}
