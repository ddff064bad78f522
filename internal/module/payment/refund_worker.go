package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/module/payment/gateway"
	"github.com/settld/server/internal/shared/config"
	apperrors "github.com/settld/server/internal/shared/errors"
	"github.com/settld/server/internal/shared/metrics"
)

// RefundWorker is the recurring batch job that drives the refund
// queue. Each run claims a bounded batch of due items and processes
// them with bounded parallelism; no state survives between runs, so
// any number of instances can run against the same queue.
type RefundWorker struct {
	store    Store
	registry *Registry
	notifier *Notifier
	metrics  *metrics.Metrics
	cfg      *config.RefundConfig
	log      *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*gateway.RefundResult]

	stop chan struct{}
	done chan struct{}
}

// NewRefundWorker creates the refund worker.
func NewRefundWorker(store Store, registry *Registry, notifier *Notifier, m *metrics.Metrics, cfg *config.RefundConfig, log *zap.Logger) *RefundWorker {
	return &RefundWorker{
		store:    store,
		registry: registry,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*gateway.RefundResult]),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *RefundWorker) Start() {
	go w.loop()
}

// Stop halts the polling loop and waits for the in-flight run.
func (w *RefundWorker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *RefundWorker) loop() {
	defer close(w.done)

	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.RunOnce(context.Background())
		}
	}
}

// RunOnce claims and processes one batch of due refunds. Exposed so
// tests and operational tooling can drive the queue without the timer.
func (w *RefundWorker) RunOnce(ctx context.Context) {
	batch := w.cfg.BatchSize
	if batch <= 0 {
		batch = 20
	}
	items, err := w.store.ClaimDueRefunds(ctx, time.Now(), batch)
	if err != nil {
		w.log.Error("claim due refunds failed", zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}
	if w.metrics != nil {
		w.metrics.RefundQueueClaimed.Add(float64(len(items)))
	}

	concurrency := w.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(item *domain.RefundQueueItem) {
			defer wg.Done()
			defer func() { <-sem }()
			w.processItem(ctx, item)
		}(item)
	}
	wg.Wait()
}

func (w *RefundWorker) processItem(ctx context.Context, item *domain.RefundQueueItem) {
	log := w.log.With(
		zap.String("refund_id", item.ID.String()),
		zap.String("transaction_id", item.TransactionID.String()),
		zap.Int("retry_count", item.RetryCount))

	txn, err := w.store.GetTransactionByID(ctx, item.TransactionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrTransactionNotFound) {
			w.finishFailed(ctx, item, "transaction not found", log)
			return
		}
		// A store hiccup says nothing about the refund itself; put the
		// item back on the schedule.
		w.handleFailure(ctx, item, "unknown", gateway.RetryableRefund("store", err), log)
		return
	}
	if !txn.CanRefund(item.RequestedAmount) {
		w.finishFailed(ctx, item, fmt.Sprintf(
			"over-refund: requested %d, refundable %d", item.RequestedAmount, txn.RemainingRefundable()), log)
		return
	}

	submitter, err := w.registry.Refunder(txn.Gateway)
	if err != nil {
		w.finishFailed(ctx, item, err.Error(), log)
		return
	}

	timeout := w.cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	result, err := w.breaker(txn.Gateway).Execute(func() (*gateway.RefundResult, error) {
		return submitter.SubmitRefund(sctx, &gateway.RefundRequest{
			TransactionID: item.ID.String(),
			ExternalID:    txn.ExternalID,
			GatewayRef:    txn.GatewayRef,
			AmountMinor:   item.RequestedAmount,
			TotalMinor:    txn.Amount,
			Currency:      txn.Currency,
			Reason:        "requested by " + item.RequestedBy,
		})
	})
	cancel()

	if err != nil {
		w.handleFailure(ctx, item, txn.Gateway, err, log)
		return
	}

	settled, err := w.settle(ctx, item, result)
	if err != nil {
		// The gateway accepted the refund but our books did not; the
		// provider-side idempotent reference makes the resubmission on
		// the next run safe.
		log.Error("refund settlement failed", zap.Error(err))
		w.handleFailure(ctx, item, txn.Gateway, apperrors.ErrRefundTransient, log)
		return
	}
	w.notifier.RefundProcessed(settled, item.RequestedAmount)

	if w.metrics != nil {
		w.metrics.RecordRefundAttempt(txn.Gateway, "success")
	}
	log.Info("refund completed",
		zap.Int64("amount_minor", item.RequestedAmount),
		zap.String("gateway_refund_id", result.GatewayRefundID))
}

// settle applies the accepted refund to the books: ledger debit,
// total_refunded, quote status, and the queue item, in one atomic unit.
// It returns the updated transaction; the caller notifies only after
// the unit has committed.
func (w *RefundWorker) settle(ctx context.Context, item *domain.RefundQueueItem, result *gateway.RefundResult) (*domain.PaymentTransaction, error) {
	var settled *domain.PaymentTransaction
	err := w.store.InTx(ctx, func(tx Store) error {
		txn, err := tx.GetTransactionByID(ctx, item.TransactionID)
		if err != nil {
			return err
		}
		locked, err := tx.GetTransactionForUpdate(ctx, txn.Gateway, txn.ExternalID)
		if err != nil {
			return err
		}
		if !locked.CanRefund(item.RequestedAmount) {
			return fmt.Errorf("%w: requested %d, refundable %d",
				apperrors.ErrOverRefund, item.RequestedAmount, locked.RemainingRefundable())
		}

		now := time.Now()
		balance, err := tx.LatestBalance(ctx, locked.QuoteID)
		if err != nil {
			return err
		}
		entryType := domain.EntryRefund
		if locked.TotalRefunded+item.RequestedAmount < locked.Amount {
			entryType = domain.EntryPartialRefund
		}
		entry := domain.NewLedgerEntry(locked.QuoteID, locked.ID, entryType,
			-item.RequestedAmount, locked.Currency, result.GatewayRefundID, item.RequestedBy, balance)
		if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}

		locked.ApplyRefund(item.RequestedAmount)
		locked.UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, locked); err != nil {
			return err
		}
		if locked.Status == domain.StatusRefunded {
			if err := tx.MarkQuoteRefunded(ctx, locked.QuoteID, now); err != nil {
				return err
			}
		}

		item.MarkCompleted(now)
		if err := tx.UpdateRefundItem(ctx, item); err != nil {
			return err
		}

		settled = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

// handleFailure routes a failed attempt: retryable errors go back to
// PENDING with backoff until retries are exhausted, terminal errors
// park the item for manual review. A timeout or an open breaker counts
// as retryable; the gateway may have applied the refund, and the
// idempotent refund reference makes the retry safe.
func (w *RefundWorker) handleFailure(ctx context.Context, item *domain.RefundQueueItem, gatewayName string, cause error, log *zap.Logger) {
	retryable := gateway.IsRetryable(cause) ||
		errors.Is(cause, gobreaker.ErrOpenState) ||
		errors.Is(cause, gobreaker.ErrTooManyRequests)

	now := time.Now()
	result := "terminal"
	switch {
	case retryable && item.Exhausted():
		item.MarkFailed(now, "retries exhausted: "+cause.Error())
		result = "exhausted"
		log.Error("refund retries exhausted", zap.Error(cause))
	case retryable:
		item.ScheduleRetry(now, w.cfg.BackoffBase, w.cfg.BackoffMax, cause.Error())
		result = "retry"
		log.Warn("refund attempt failed, retrying",
			zap.Time("next_retry_at", item.NextRetryAt),
			zap.Error(cause))
	default:
		item.MarkFailed(now, cause.Error())
		log.Error("refund failed terminally", zap.Error(cause))
	}

	if err := w.store.UpdateRefundItem(ctx, item); err != nil {
		log.Error("update refund item failed", zap.Error(err))
	}
	if w.metrics != nil {
		w.metrics.RecordRefundAttempt(gatewayName, result)
	}
}

func (w *RefundWorker) finishFailed(ctx context.Context, item *domain.RefundQueueItem, cause string, log *zap.Logger) {
	item.MarkFailed(time.Now(), cause)
	if err := w.store.UpdateRefundItem(ctx, item); err != nil {
		log.Error("update refund item failed", zap.Error(err))
	}
	log.Error("refund failed terminally", zap.String("cause", cause))
}

func (w *RefundWorker) breaker(gatewayName string) *gobreaker.CircuitBreaker[*gateway.RefundResult] {
	w.mu.Lock()
	defer w.mu.Unlock()

	if b, ok := w.breakers[gatewayName]; ok {
		return b
	}
	settings := gobreaker.Settings{
		Name:        "refund-" + gatewayName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	b := gobreaker.NewCircuitBreaker[*gateway.RefundResult](settings)
	w.breakers[gatewayName] = b
	return b
}
