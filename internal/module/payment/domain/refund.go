package domain

import (
	"time"

	"github.com/google/uuid"
)

// RefundStatus represents the state of a refund queue item.
type RefundStatus string

const (
	RefundPending    RefundStatus = "PENDING"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundFailed     RefundStatus = "FAILED"
)

// RefundQueueItem is a persisted refund request processed by the
// recurring worker. Retries survive process restarts because the
// schedule lives in next_retry_at, not in memory.
type RefundQueueItem struct {
	ID              uuid.UUID
	TransactionID   uuid.UUID
	RequestedAmount int64
	Status          RefundStatus
	RetryCount      int
	MaxRetries      int
	NextRetryAt     time.Time
	LastError       string
	Priority        int
	RequestedBy     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewRefundQueueItem creates a pending item due immediately.
func NewRefundQueueItem(txnID uuid.UUID, amount int64, requestedBy string, priority, maxRetries int) *RefundQueueItem {
	now := time.Now()
	return &RefundQueueItem{
		ID:              uuid.New(),
		TransactionID:   txnID,
		RequestedAmount: amount,
		Status:          RefundPending,
		MaxRetries:      maxRetries,
		NextRetryAt:     now,
		Priority:        priority,
		RequestedBy:     requestedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Backoff computes the delay before the attempt after `retryCount`
// failures: base << retryCount, capped at max.
func Backoff(base, max time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Hour
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Exhausted reports whether the item has used up its retry budget.
func (i *RefundQueueItem) Exhausted() bool {
	return i.RetryCount >= i.MaxRetries
}

// ScheduleRetry returns the item to PENDING with an advanced
// next_retry_at. The caller checks Exhausted first.
func (i *RefundQueueItem) ScheduleRetry(now time.Time, base, max time.Duration, cause string) {
	i.RetryCount++
	i.Status = RefundPending
	i.NextRetryAt = now.Add(Backoff(base, max, i.RetryCount))
	i.LastError = cause
	i.UpdatedAt = now
}

// MarkCompleted finalizes a successful refund.
func (i *RefundQueueItem) MarkCompleted(now time.Time) {
	i.Status = RefundCompleted
	i.LastError = ""
	i.UpdatedAt = now
}

// MarkFailed parks the item for manual review.
func (i *RefundQueueItem) MarkFailed(now time.Time, cause string) {
	i.Status = RefundFailed
	i.LastError = cause
	i.UpdatedAt = now
}
