package payment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/shared/config"
	apperrors "github.com/settld/server/internal/shared/errors"
)

func newTestRefundService(t *testing.T) (*RefundService, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	cfg := &config.RefundConfig{MaxRetries: 5}
	return NewRefundService(store, cfg, zap.NewNop()), store
}

func TestRequestRefund_Enqueues(t *testing.T) {
	svc, store := newTestRefundService(t)
	txn := seedCapturedPayment(t, store, 10000)

	item, err := svc.RequestRefund(context.Background(), txn.ID, 4000, "ops@example.com", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundPending, item.Status)
	assert.Equal(t, int64(4000), item.RequestedAmount)
	assert.Equal(t, 5, item.MaxRetries)
	assert.Equal(t, 1, item.Priority)
	assert.False(t, item.NextRetryAt.After(time.Now()), "new items are due immediately")

	assert.Equal(t, domain.RefundPending, store.refund(item.ID).Status)
}

func TestRequestRefund_RejectsNonPositiveAmount(t *testing.T) {
	svc, store := newTestRefundService(t)
	txn := seedCapturedPayment(t, store, 10000)

	_, err := svc.RequestRefund(context.Background(), txn.ID, 0, "ops", 0)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = svc.RequestRefund(context.Background(), txn.ID, -100, "ops", 0)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestRequestRefund_RejectsUnknownTransaction(t *testing.T) {
	svc, _ := newTestRefundService(t)
	_, err := svc.RequestRefund(context.Background(), uuid.New(), 100, "ops", 0)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRequestRefund_RejectsUncapturedTransaction(t *testing.T) {
	svc, store := newTestRefundService(t)
	txn := &domain.PaymentTransaction{
		ID:         uuid.New(),
		Gateway:    testGateway,
		ExternalID: "ext-pending",
		QuoteID:    uuid.New(),
		Amount:     10000,
		Currency:   "USD",
		Status:     domain.StatusPending,
	}
	require.NoError(t, store.CreateTransaction(context.Background(), txn))

	_, err := svc.RequestRefund(context.Background(), txn.ID, 100, "ops", 0)
	assert.ErrorIs(t, err, apperrors.ErrRefundTerminal)
}

func TestRequestRefund_RejectsOverBound(t *testing.T) {
	svc, store := newTestRefundService(t)
	txn := seedCapturedPayment(t, store, 10000)

	_, err := svc.RequestRefund(context.Background(), txn.ID, 10001, "ops", 0)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	// The bound is against the remaining refundable amount.
	_, err = svc.RequestRefund(context.Background(), txn.ID, 10000, "ops", 0)
	assert.NoError(t, err)
}

func TestFailedRefunds(t *testing.T) {
	svc, store := newTestRefundService(t)
	txn := seedCapturedPayment(t, store, 10000)

	failed := domain.NewRefundQueueItem(txn.ID, 1000, "ops", 0, 5)
	failed.MarkFailed(time.Now(), "terminal gateway error")
	require.NoError(t, store.EnqueueRefund(context.Background(), failed))

	pending := domain.NewRefundQueueItem(txn.ID, 2000, "ops", 0, 5)
	require.NoError(t, store.EnqueueRefund(context.Background(), pending))

	items, err := svc.FailedRefunds(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, failed.ID, items[0].ID)
	assert.Equal(t, "terminal gateway error", items[0].LastError)
}
