package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionStatus represents the lifecycle state of a payment transaction.
type TransactionStatus string

const (
	StatusPending           TransactionStatus = "PENDING"
	StatusApproved          TransactionStatus = "APPROVED"
	StatusCompleted         TransactionStatus = "COMPLETED"
	StatusDenied            TransactionStatus = "DENIED"
	StatusFailed            TransactionStatus = "FAILED"
	StatusPartiallyRefunded TransactionStatus = "PARTIALLY_REFUNDED"
	StatusRefunded          TransactionStatus = "REFUNDED"
)

// statusRank orders statuses along the forward-only lifecycle. An
// inbound event is stale unless its target rank is strictly greater
// than the current rank. DENIED and FAILED share the completion rank:
// they terminate the same leg of the lifecycle.
var statusRank = map[TransactionStatus]int{
	StatusPending:           1,
	StatusApproved:          2,
	StatusCompleted:         3,
	StatusDenied:            3,
	StatusFailed:            3,
	StatusPartiallyRefunded: 4,
	StatusRefunded:          5,
}

// Rank returns the lifecycle rank of the status.
func (s TransactionStatus) Rank() int {
	return statusRank[s]
}

// IsTerminal returns true if no further transition is possible.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusDenied || s == StatusFailed || s == StatusRefunded
}

// PaymentTransaction owns the lifecycle of a single money movement
// reported by a gateway. Amounts are minor units.
type PaymentTransaction struct {
	ID            uuid.UUID
	Gateway       string
	ExternalID    string
	GatewayRef    string // secondary gateway reference (charge/capture id)
	QuoteID       uuid.UUID
	Amount        int64
	Currency      string
	Status        TransactionStatus
	TotalRefunded int64
	PayerID       string
	PayerEmail    string
	RawPayload    []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RemainingRefundable returns how much of the captured amount can
// still be refunded.
func (t *PaymentTransaction) RemainingRefundable() int64 {
	return t.Amount - t.TotalRefunded
}

// CanRefund reports whether a refund of the given amount stays within
// the original captured amount.
func (t *PaymentTransaction) CanRefund(amount int64) bool {
	return amount > 0 && t.TotalRefunded+amount <= t.Amount
}

// ApplyRefund records a refund amount and advances the status.
// Callers must have validated the bound with CanRefund.
func (t *PaymentTransaction) ApplyRefund(amount int64) {
	t.TotalRefunded += amount
	if t.TotalRefunded >= t.Amount {
		t.Status = StatusRefunded
	} else {
		t.Status = StatusPartiallyRefunded
	}
}

// ErrInvalidTransition is returned for transitions the state machine
// does not allow.
var ErrInvalidTransition = fmt.Errorf("invalid transaction state transition")

// StateMachine validates and executes transaction state transitions.
type StateMachine struct {
	transitions map[TransactionStatus][]TransactionStatus
}

// NewStateMachine creates the forward-only transaction state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		transitions: map[TransactionStatus][]TransactionStatus{
			StatusPending:           {StatusApproved, StatusCompleted, StatusDenied, StatusFailed},
			StatusApproved:          {StatusCompleted, StatusDenied, StatusFailed},
			StatusCompleted:         {StatusPartiallyRefunded, StatusRefunded},
			StatusPartiallyRefunded: {StatusPartiallyRefunded, StatusRefunded},
			StatusDenied:            {}, // Terminal
			StatusFailed:            {}, // Terminal
			StatusRefunded:          {}, // Terminal
		},
	}
}

// CanTransition checks if a transition from `from` to `to` is valid.
func (sm *StateMachine) CanTransition(from, to TransactionStatus) bool {
	allowed, ok := sm.transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsStale reports whether an event targeting `to` is equal to or
// earlier than `from` in the lifecycle ordering. Stale events are
// discarded as no-ops.
func (sm *StateMachine) IsStale(from, to TransactionStatus) bool {
	return to.Rank() <= from.Rank()
}

// Transition attempts to advance a transaction to a new state.
func (sm *StateMachine) Transition(t *PaymentTransaction, to TransactionStatus) error {
	if !sm.CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	return nil
}
