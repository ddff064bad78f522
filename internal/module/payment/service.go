package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/module/payment/gateway"
	apperrors "github.com/settld/server/internal/shared/errors"
	"github.com/settld/server/internal/shared/metrics"
)

// Ack values returned to the gateway in the webhook response body.
const (
	AckOK        = "ok"
	AckDuplicate = "duplicate"
	AckStale     = "stale"
	AckIgnored   = "ignored"
	AckUnmatched = "unmatched"
)

// WebhookResult is the outcome of processing one inbound notification.
// All results are acknowledged with HTTP 200; the gateway must only
// redeliver on signature failure or a write failure.
type WebhookResult struct {
	Ack     string
	Outcome domain.AuditOutcome
}

// Service runs the reconciliation pipeline: verify, normalize,
// deduplicate, then apply {state transition + ledger entry + quote
// flip} as one atomic unit.
type Service struct {
	registry *Registry
	store    Store
	sm       *domain.StateMachine
	notifier *Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewService creates the reconciliation service.
func NewService(registry *Registry, store Store, notifier *Notifier, m *metrics.Metrics, log *zap.Logger) *Service {
	return &Service{
		registry: registry,
		store:    store,
		sm:       domain.NewStateMachine(),
		notifier: notifier,
		metrics:  m,
		log:      log,
	}
}

// ProcessWebhook handles one inbound gateway notification. An audit
// record is written before every return so the audit trail and the
// idempotency decision can never disagree.
func (s *Service) ProcessWebhook(ctx context.Context, gatewayName string, req *gateway.InboundRequest) (res *WebhookResult, err error) {
	started := time.Now()
	defer func() {
		if s.metrics != nil {
			outcome := "error"
			if res != nil {
				outcome = string(res.Outcome)
			}
			s.metrics.RecordWebhook(gatewayName, outcome, time.Since(started))
		}
	}()

	adapter, err := s.registry.Adapter(gatewayName)
	if err != nil {
		return nil, apperrors.NotFound("gateway")
	}

	ev, err := adapter.Verify(ctx, req)
	if err != nil {
		s.log.Warn("webhook rejected",
			zap.String("gateway", gatewayName),
			zap.String("security", "signature_verification"),
			zap.Error(err))
		s.writeAudit(ctx, s.newAudit(gatewayName, "", nil, domain.AuditRejected, err.Error(), started, req))
		return nil, err
	}

	canon, err := adapter.Normalize(ev)
	if err != nil {
		rec := s.newAudit(gatewayName, "", nil, domain.AuditWarning, err.Error(), started, req)
		rec.EventID = ev.EventID
		if !errors.Is(err, apperrors.ErrUnsupportedEvent) {
			s.log.Error("webhook normalization failed",
				zap.String("gateway", gatewayName),
				zap.String("event_type", ev.Type),
				zap.Error(err))
		}
		s.writeAudit(ctx, rec)
		return &WebhookResult{Ack: AckIgnored, Outcome: domain.AuditWarning}, nil
	}
	if err := canon.Validate(); err != nil {
		s.log.Error("webhook failed canonical validation",
			zap.String("gateway", gatewayName),
			zap.Error(err))
		s.writeAudit(ctx, s.newAudit(gatewayName, canon.DedupKey(), canon, domain.AuditWarning, err.Error(), started, req))
		return &WebhookResult{Ack: AckIgnored, Outcome: domain.AuditWarning}, nil
	}

	dedupKey := canon.DedupKey()
	prior, err := s.store.FindAuditSuccess(ctx, dedupKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrAtomicWriteFailure, err)
	}
	if prior != nil {
		s.writeAudit(ctx, s.newAudit(gatewayName, dedupKey, canon, domain.AuditDuplicate, "", started, req))
		return &WebhookResult{Ack: AckDuplicate, Outcome: domain.AuditDuplicate}, nil
	}

	outcome := domain.AuditSuccess
	ack := AckOK
	detail := ""
	var completed, refunded *domain.PaymentTransaction
	var refundDelta int64

	txErr := s.store.InTx(ctx, func(tx Store) error {
		txn, err := tx.GetTransactionForUpdate(ctx, canon.Gateway, canon.ExternalID)
		notFound := errors.Is(err, apperrors.ErrTransactionNotFound)
		if err != nil && !notFound {
			return err
		}

		target, err := canon.Status.TransactionStatus()
		if err != nil {
			return err
		}
		now := time.Now()

		if notFound {
			quoteID, perr := uuid.Parse(canon.QuoteRef)
			if perr != nil {
				outcome, ack = domain.AuditWarning, AckUnmatched
				detail = "no transaction and no resolvable quote reference"
				s.log.Warn("webhook matched no transaction",
					zap.String("gateway", canon.Gateway),
					zap.String("external_id", canon.ExternalID))
				return nil
			}
			txn = &domain.PaymentTransaction{
				ID:         uuid.New(),
				Gateway:    canon.Gateway,
				ExternalID: canon.ExternalID,
				GatewayRef: canon.GatewayRef,
				QuoteID:    quoteID,
				Amount:     canon.AmountMinor,
				Currency:   canon.Currency,
				Status:     domain.StatusPending,
				PayerID:    canon.PayerID,
				PayerEmail: canon.PayerEmail,
				RawPayload: canon.RawPayload,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.CreateTransaction(ctx, txn); err != nil {
				return err
			}
			if target == domain.StatusPending {
				return nil
			}
		} else if s.sm.IsStale(txn.Status, target) {
			outcome, ack = domain.AuditWarning, AckStale
			detail = fmt.Sprintf("stale event: %s while %s", target, txn.Status)
			s.log.Info("stale event discarded",
				zap.String("gateway", canon.Gateway),
				zap.String("external_id", canon.ExternalID),
				zap.String("current", string(txn.Status)),
				zap.String("target", string(target)))
			return nil
		}

		txn.RawPayload = canon.RawPayload
		if canon.GatewayRef != "" {
			txn.GatewayRef = canon.GatewayRef
		}
		if canon.PayerID != "" {
			txn.PayerID = canon.PayerID
		}
		txn.UpdatedAt = now

		if target == domain.StatusRefunded {
			return s.applyGatewayRefund(ctx, tx, txn, canon, now, func(delta int64) {
				refunded, refundDelta = txn, delta
			}, &outcome, &ack, &detail)
		}

		if err := s.sm.Transition(txn, target); err != nil {
			outcome, ack = domain.AuditWarning, AckStale
			detail = err.Error()
			return nil
		}

		if target == domain.StatusCompleted {
			balance, err := tx.LatestBalance(ctx, txn.QuoteID)
			if err != nil {
				return err
			}
			entry := domain.NewLedgerEntry(txn.QuoteID, txn.ID, domain.EntryPayment,
				txn.Amount, txn.Currency, txn.GatewayRef, "system", balance)
			if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
				return err
			}
			applied, err := tx.MarkQuotePaid(ctx, txn.QuoteID, txn.Gateway, now)
			if err != nil {
				return err
			}
			if !applied {
				s.log.Warn("quote already marked paid",
					zap.String("quote_id", txn.QuoteID.String()),
					zap.String("external_id", txn.ExternalID))
			}
			completed = txn
		}
		return tx.UpdateTransaction(ctx, txn)
	})
	if txErr != nil {
		s.log.Error("webhook atomic unit failed",
			zap.String("gateway", canon.Gateway),
			zap.String("external_id", canon.ExternalID),
			zap.Error(txErr))
		s.writeAudit(ctx, s.newAudit(gatewayName, dedupKey, canon, domain.AuditRejected, txErr.Error(), started, req))
		return nil, fmt.Errorf("%w: %v", apperrors.ErrAtomicWriteFailure, txErr)
	}

	if err := s.writeAudit(ctx, s.newAudit(gatewayName, dedupKey, canon, outcome, detail, started, req)); err != nil && outcome == domain.AuditSuccess {
		// Without the success record the idempotency guard is blind;
		// make the gateway redeliver and let the stale check absorb it.
		return nil, fmt.Errorf("%w: %v", apperrors.ErrAtomicWriteFailure, err)
	}

	if completed != nil {
		s.notifier.PaymentCompleted(completed)
	}
	if refunded != nil {
		s.notifier.RefundProcessed(refunded, refundDelta)
	}
	return &WebhookResult{Ack: ack, Outcome: outcome}, nil
}

// applyGatewayRefund records a refund the gateway reports on its own
// initiative. Refunded events carry the cumulative refunded total, so
// the delta against what is already recorded is the new movement.
func (s *Service) applyGatewayRefund(ctx context.Context, tx Store, txn *domain.PaymentTransaction, canon *domain.CanonicalEvent, now time.Time, record func(delta int64), outcome *domain.AuditOutcome, ack, detail *string) error {
	if txn.Status != domain.StatusCompleted && txn.Status != domain.StatusPartiallyRefunded {
		*outcome, *ack = domain.AuditWarning, AckIgnored
		*detail = fmt.Sprintf("refund event for %s transaction", txn.Status)
		return nil
	}

	delta := canon.AmountMinor - txn.TotalRefunded
	if delta <= 0 {
		*outcome, *ack = domain.AuditWarning, AckStale
		*detail = "refund already recorded"
		return nil
	}
	if !txn.CanRefund(delta) {
		return fmt.Errorf("%w: refunded %d of %d, event reports %d",
			apperrors.ErrOverRefund, txn.TotalRefunded, txn.Amount, canon.AmountMinor)
	}

	balance, err := tx.LatestBalance(ctx, txn.QuoteID)
	if err != nil {
		return err
	}
	entryType := domain.EntryRefund
	if txn.TotalRefunded+delta < txn.Amount {
		entryType = domain.EntryPartialRefund
	}
	entry := domain.NewLedgerEntry(txn.QuoteID, txn.ID, entryType,
		-delta, txn.Currency, canon.GatewayRef, "system", balance)
	if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
		return err
	}

	txn.ApplyRefund(delta)
	if err := tx.UpdateTransaction(ctx, txn); err != nil {
		return err
	}
	if txn.Status == domain.StatusRefunded {
		if err := tx.MarkQuoteRefunded(ctx, txn.QuoteID, now); err != nil {
			return err
		}
	}
	record(delta)
	return nil
}

// GetTransaction returns a transaction with its ledger entries.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, []*domain.LedgerEntry, error) {
	txn, err := s.store.GetTransactionByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrTransactionNotFound) {
			return nil, nil, apperrors.NotFound("transaction")
		}
		return nil, nil, err
	}
	entries, err := s.store.ListLedgerEntries(ctx, txn.QuoteID)
	if err != nil {
		return nil, nil, err
	}
	return txn, entries, nil
}

func (s *Service) newAudit(gatewayName, dedupKey string, canon *domain.CanonicalEvent, outcome domain.AuditOutcome, detail string, started time.Time, req *gateway.InboundRequest) *domain.WebhookAuditRecord {
	rec := domain.NewAuditRecord(gatewayName, dedupKey, outcome)
	rec.Detail = detail
	rec.LatencyMS = time.Since(started).Milliseconds()
	rec.UserAgent = req.UserAgent
	if headers, err := json.Marshal(req.Headers); err == nil {
		rec.Headers = string(headers)
	}
	if canon != nil {
		rec.EventID = canon.EventID
		rec.ExternalID = canon.ExternalID
	}
	return rec
}

func (s *Service) writeAudit(ctx context.Context, rec *domain.WebhookAuditRecord) error {
	if err := s.store.CreateAuditRecord(ctx, rec); err != nil {
		s.log.Error("audit record write failed",
			zap.String("gateway", rec.Gateway),
			zap.String("dedup_key", rec.DedupKey),
			zap.Error(err))
		return err
	}
	return nil
}
