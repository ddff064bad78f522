package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/module/payment/gateway"
	apperrors "github.com/settld/server/internal/shared/errors"
)

// fakeStore is an in-memory Store with the same conditional semantics
// as the GORM implementation: InTx serializes writers and rolls back
// on error, MarkQuotePaid and the refund claim are compare-and-set.
type fakeStore struct {
	mu sync.Mutex

	txns    map[uuid.UUID]domain.PaymentTransaction
	byKey   map[string]uuid.UUID
	ledger  []domain.LedgerEntry
	quotes  map[uuid.UUID]string
	audits  []domain.WebhookAuditRecord
	refunds map[uuid.UUID]domain.RefundQueueItem

	failAudit  bool
	failLedger bool

	// txnLoadErr fails the next top-level GetTransactionByID once;
	// reads inside InTx are unaffected.
	txnLoadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		txns:    make(map[uuid.UUID]domain.PaymentTransaction),
		byKey:   make(map[string]uuid.UUID),
		quotes:  make(map[uuid.UUID]string),
		refunds: make(map[uuid.UUID]domain.RefundQueueItem),
	}
}

type fakeSnapshot struct {
	txns    map[uuid.UUID]domain.PaymentTransaction
	byKey   map[string]uuid.UUID
	ledger  []domain.LedgerEntry
	quotes  map[uuid.UUID]string
	audits  []domain.WebhookAuditRecord
	refunds map[uuid.UUID]domain.RefundQueueItem
}

func (f *fakeStore) snapshot() fakeSnapshot {
	snap := fakeSnapshot{
		txns:    make(map[uuid.UUID]domain.PaymentTransaction, len(f.txns)),
		byKey:   make(map[string]uuid.UUID, len(f.byKey)),
		ledger:  append([]domain.LedgerEntry(nil), f.ledger...),
		quotes:  make(map[uuid.UUID]string, len(f.quotes)),
		audits:  append([]domain.WebhookAuditRecord(nil), f.audits...),
		refunds: make(map[uuid.UUID]domain.RefundQueueItem, len(f.refunds)),
	}
	for k, v := range f.txns {
		snap.txns[k] = v
	}
	for k, v := range f.byKey {
		snap.byKey[k] = v
	}
	for k, v := range f.quotes {
		snap.quotes[k] = v
	}
	for k, v := range f.refunds {
		snap.refunds[k] = v
	}
	return snap
}

func (f *fakeStore) restore(snap fakeSnapshot) {
	f.txns = snap.txns
	f.byKey = snap.byKey
	f.ledger = snap.ledger
	f.quotes = snap.quotes
	f.audits = snap.audits
	f.refunds = snap.refunds
}

// InTx holds the store lock for the whole unit, which models the
// row-lock serialization of concurrent webhook deliveries.
func (f *fakeStore) InTx(ctx context.Context, fn func(Store) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.snapshot()
	if err := fn(&fakeTxStore{f}); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

func txnKey(gatewayName, externalID string) string {
	return gatewayName + ":" + externalID
}

func (f *fakeStore) getTransactionForUpdate(gatewayName, externalID string) (*domain.PaymentTransaction, error) {
	id, ok := f.byKey[txnKey(gatewayName, externalID)]
	if !ok {
		return nil, apperrors.ErrTransactionNotFound
	}
	t := f.txns[id]
	return &t, nil
}

func (f *fakeStore) getTransactionByID(id uuid.UUID) (*domain.PaymentTransaction, error) {
	t, ok := f.txns[id]
	if !ok {
		return nil, apperrors.ErrTransactionNotFound
	}
	return &t, nil
}

func (f *fakeStore) createTransaction(t *domain.PaymentTransaction) error {
	key := txnKey(t.Gateway, t.ExternalID)
	if _, exists := f.byKey[key]; exists {
		return fmt.Errorf("duplicate transaction %s", key)
	}
	f.txns[t.ID] = *t
	f.byKey[key] = t.ID
	return nil
}

func (f *fakeStore) updateTransaction(t *domain.PaymentTransaction) error {
	f.txns[t.ID] = *t
	return nil
}

func (f *fakeStore) appendLedgerEntry(e *domain.LedgerEntry) error {
	if f.failLedger {
		return fmt.Errorf("ledger write refused")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	f.ledger = append(f.ledger, *e)
	return nil
}

func (f *fakeStore) latestBalance(quoteID uuid.UUID) (int64, error) {
	for i := len(f.ledger) - 1; i >= 0; i-- {
		if f.ledger[i].QuoteID == quoteID {
			return f.ledger[i].BalanceAfter, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) listLedgerEntries(quoteID uuid.UUID) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	for i := range f.ledger {
		if f.ledger[i].QuoteID == quoteID {
			e := f.ledger[i]
			entries = append(entries, &e)
		}
	}
	return entries, nil
}

func (f *fakeStore) markQuotePaid(quoteID uuid.UUID) (bool, error) {
	status, ok := f.quotes[quoteID]
	if !ok || status == "paid" {
		return false, nil
	}
	f.quotes[quoteID] = "paid"
	return true, nil
}

func (f *fakeStore) markQuoteRefunded(quoteID uuid.UUID) error {
	f.quotes[quoteID] = "refunded"
	return nil
}

func (f *fakeStore) createAuditRecord(r *domain.WebhookAuditRecord) error {
	if f.failAudit {
		return fmt.Errorf("audit write refused")
	}
	f.audits = append(f.audits, *r)
	return nil
}

func (f *fakeStore) findAuditSuccess(dedupKey string) (*domain.WebhookAuditRecord, error) {
	for i := range f.audits {
		if f.audits[i].DedupKey == dedupKey && f.audits[i].Outcome == domain.AuditSuccess {
			rec := f.audits[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) enqueueRefund(item *domain.RefundQueueItem) error {
	f.refunds[item.ID] = *item
	return nil
}

func (f *fakeStore) claimDueRefunds(now time.Time, limit int) ([]*domain.RefundQueueItem, error) {
	var due []domain.RefundQueueItem
	for _, item := range f.refunds {
		if item.Status == domain.RefundPending && !item.NextRetryAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.RefundQueueItem, 0, len(due))
	for _, item := range due {
		current := f.refunds[item.ID]
		if current.Status != domain.RefundPending {
			continue
		}
		current.Status = domain.RefundProcessing
		current.UpdatedAt = now
		f.refunds[item.ID] = current
		c := current
		claimed = append(claimed, &c)
	}
	return claimed, nil
}

func (f *fakeStore) updateRefundItem(item *domain.RefundQueueItem) error {
	f.refunds[item.ID] = *item
	return nil
}

func (f *fakeStore) listFailedRefunds(limit int) ([]*domain.RefundQueueItem, error) {
	var failed []domain.RefundQueueItem
	for _, item := range f.refunds {
		if item.Status == domain.RefundFailed {
			failed = append(failed, item)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].UpdatedAt.After(failed[j].UpdatedAt)
	})
	if len(failed) > limit {
		failed = failed[:limit]
	}
	items := make([]*domain.RefundQueueItem, len(failed))
	for i := range failed {
		item := failed[i]
		items[i] = &item
	}
	return items, nil
}

// Locked wrappers implementing Store.

func (f *fakeStore) GetTransactionForUpdate(ctx context.Context, gatewayName, externalID string) (*domain.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getTransactionForUpdate(gatewayName, externalID)
}

func (f *fakeStore) GetTransactionByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.txnLoadErr; err != nil {
		f.txnLoadErr = nil
		return nil, err
	}
	return f.getTransactionByID(id)
}

func (f *fakeStore) CreateTransaction(ctx context.Context, t *domain.PaymentTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createTransaction(t)
}

func (f *fakeStore) UpdateTransaction(ctx context.Context, t *domain.PaymentTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateTransaction(t)
}

func (f *fakeStore) AppendLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLedgerEntry(e)
}

func (f *fakeStore) LatestBalance(ctx context.Context, quoteID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestBalance(quoteID)
}

func (f *fakeStore) ListLedgerEntries(ctx context.Context, quoteID uuid.UUID) ([]*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listLedgerEntries(quoteID)
}

func (f *fakeStore) MarkQuotePaid(ctx context.Context, quoteID uuid.UUID, method string, paidAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markQuotePaid(quoteID)
}

func (f *fakeStore) MarkQuoteRefunded(ctx context.Context, quoteID uuid.UUID, refundedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markQuoteRefunded(quoteID)
}

func (f *fakeStore) CreateAuditRecord(ctx context.Context, r *domain.WebhookAuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createAuditRecord(r)
}

func (f *fakeStore) FindAuditSuccess(ctx context.Context, dedupKey string) (*domain.WebhookAuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findAuditSuccess(dedupKey)
}

func (f *fakeStore) EnqueueRefund(ctx context.Context, item *domain.RefundQueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enqueueRefund(item)
}

func (f *fakeStore) ClaimDueRefunds(ctx context.Context, now time.Time, limit int) ([]*domain.RefundQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimDueRefunds(now, limit)
}

func (f *fakeStore) UpdateRefundItem(ctx context.Context, item *domain.RefundQueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateRefundItem(item)
}

func (f *fakeStore) ListFailedRefunds(ctx context.Context, limit int) ([]*domain.RefundQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listFailedRefunds(limit)
}

// fakeTxStore is the view handed to InTx callbacks; the outer store
// already holds the lock.
type fakeTxStore struct {
	f *fakeStore
}

func (t *fakeTxStore) InTx(ctx context.Context, fn func(Store) error) error {
	return fn(t)
}

func (t *fakeTxStore) GetTransactionForUpdate(ctx context.Context, gatewayName, externalID string) (*domain.PaymentTransaction, error) {
	return t.f.getTransactionForUpdate(gatewayName, externalID)
}

func (t *fakeTxStore) GetTransactionByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	return t.f.getTransactionByID(id)
}

func (t *fakeTxStore) CreateTransaction(ctx context.Context, txn *domain.PaymentTransaction) error {
	return t.f.createTransaction(txn)
}

func (t *fakeTxStore) UpdateTransaction(ctx context.Context, txn *domain.PaymentTransaction) error {
	return t.f.updateTransaction(txn)
}

func (t *fakeTxStore) AppendLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	return t.f.appendLedgerEntry(e)
}

func (t *fakeTxStore) LatestBalance(ctx context.Context, quoteID uuid.UUID) (int64, error) {
	return t.f.latestBalance(quoteID)
}

func (t *fakeTxStore) ListLedgerEntries(ctx context.Context, quoteID uuid.UUID) ([]*domain.LedgerEntry, error) {
	return t.f.listLedgerEntries(quoteID)
}

func (t *fakeTxStore) MarkQuotePaid(ctx context.Context, quoteID uuid.UUID, method string, paidAt time.Time) (bool, error) {
	return t.f.markQuotePaid(quoteID)
}

func (t *fakeTxStore) MarkQuoteRefunded(ctx context.Context, quoteID uuid.UUID, refundedAt time.Time) error {
	return t.f.markQuoteRefunded(quoteID)
}

func (t *fakeTxStore) CreateAuditRecord(ctx context.Context, r *domain.WebhookAuditRecord) error {
	return t.f.createAuditRecord(r)
}

func (t *fakeTxStore) FindAuditSuccess(ctx context.Context, dedupKey string) (*domain.WebhookAuditRecord, error) {
	return t.f.findAuditSuccess(dedupKey)
}

func (t *fakeTxStore) EnqueueRefund(ctx context.Context, item *domain.RefundQueueItem) error {
	return t.f.enqueueRefund(item)
}

func (t *fakeTxStore) ClaimDueRefunds(ctx context.Context, now time.Time, limit int) ([]*domain.RefundQueueItem, error) {
	return t.f.claimDueRefunds(now, limit)
}

func (t *fakeTxStore) UpdateRefundItem(ctx context.Context, item *domain.RefundQueueItem) error {
	return t.f.updateRefundItem(item)
}

func (t *fakeTxStore) ListFailedRefunds(ctx context.Context, limit int) ([]*domain.RefundQueueItem, error) {
	return t.f.listFailedRefunds(limit)
}

// Test inspection helpers.

func (f *fakeStore) seedQuote(id uuid.UUID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[id] = status
}

func (f *fakeStore) quoteStatus(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotes[id]
}

func (f *fakeStore) transaction(gatewayName, externalID string) (domain.PaymentTransaction, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[txnKey(gatewayName, externalID)]
	if !ok {
		return domain.PaymentTransaction{}, false
	}
	return f.txns[id], true
}

func (f *fakeStore) refund(id uuid.UUID) domain.RefundQueueItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds[id]
}

func (f *fakeStore) ledgerFor(quoteID uuid.UUID) []domain.LedgerEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []domain.LedgerEntry
	for _, e := range f.ledger {
		if e.QuoteID == quoteID {
			entries = append(entries, e)
		}
	}
	return entries
}

func (f *fakeStore) countAudits(outcome domain.AuditOutcome) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.audits {
		if rec.Outcome == outcome {
			n++
		}
	}
	return n
}

func (f *fakeStore) setFailAudit(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAudit = fail
}

func (f *fakeStore) setFailLedger(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLedger = fail
}

func (f *fakeStore) setTxnLoadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txnLoadErr = err
}

// fakeGateway is an adapter whose wire format is the canonical event
// itself; Verify decodes the body the test encoded. It also acts as
// the refund submitter for worker tests.
type fakeGateway struct {
	name         string
	verifyErr    error
	normalizeErr error

	mu          sync.Mutex
	submitCalls int
	submit      func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResult, error)
}

func (a *fakeGateway) Name() string {
	return a.name
}

func (a *fakeGateway) Verify(ctx context.Context, req *gateway.InboundRequest) (*gateway.VerifiedEvent, error) {
	if a.verifyErr != nil {
		return nil, a.verifyErr
	}
	var ev domain.CanonicalEvent
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return nil, err
	}
	return &gateway.VerifiedEvent{
		Gateway: a.name,
		EventID: ev.EventID,
		Type:    string(ev.Status),
		Payload: req.Body,
	}, nil
}

func (a *fakeGateway) Normalize(ev *gateway.VerifiedEvent) (*domain.CanonicalEvent, error) {
	if a.normalizeErr != nil {
		return nil, a.normalizeErr
	}
	var canon domain.CanonicalEvent
	if err := json.Unmarshal(ev.Payload, &canon); err != nil {
		return nil, err
	}
	canon.Gateway = a.name
	canon.RawPayload = ev.Payload
	return &canon, nil
}

func (a *fakeGateway) SubmitRefund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResult, error) {
	a.mu.Lock()
	a.submitCalls++
	fn := a.submit
	a.mu.Unlock()
	if fn == nil {
		return &gateway.RefundResult{GatewayRefundID: "fake-refund-1"}, nil
	}
	return fn(ctx, req)
}

func (a *fakeGateway) submitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submitCalls
}

func (a *fakeGateway) setSubmit(fn func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResult, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submit = fn
}
