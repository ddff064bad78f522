package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LedgerEntryType classifies a ledger movement.
type LedgerEntryType string

const (
	EntryPayment       LedgerEntryType = "payment"
	EntryRefund        LedgerEntryType = "refund"
	EntryPartialRefund LedgerEntryType = "partial_refund"
)

// LedgerEntry is an immutable signed movement against a quote's paid
// balance. Refund entries carry negative amounts. Entries are never
// updated or deleted; the sum of a quote's entries reconstructs its
// paid and refunded totals.
type LedgerEntry struct {
	ID            uuid.UUID
	QuoteID       uuid.UUID
	TransactionID uuid.UUID
	Type          LedgerEntryType
	Amount        int64 // signed, minor units
	Currency      string
	BalanceBefore int64
	BalanceAfter  int64
	GatewayRef    string
	CreatedBy     string // "system" or operator id
	CreatedAt     time.Time
}

// NewLedgerEntry builds an entry from the latest balance, maintaining
// balance_after = balance_before + amount.
func NewLedgerEntry(quoteID, txnID uuid.UUID, entryType LedgerEntryType, amount int64, currency, gatewayRef, createdBy string, balanceBefore int64) *LedgerEntry {
	return &LedgerEntry{
		ID:            uuid.New(),
		QuoteID:       quoteID,
		TransactionID: txnID,
		Type:          entryType,
		Amount:        amount,
		Currency:      currency,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceBefore + amount,
		GatewayRef:    gatewayRef,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now(),
	}
}

// Validate checks the balance invariant.
func (e *LedgerEntry) Validate() error {
	if e.BalanceAfter != e.BalanceBefore+e.Amount {
		return fmt.Errorf("ledger entry balance mismatch: %d + %d != %d",
			e.BalanceBefore, e.Amount, e.BalanceAfter)
	}
	if e.Amount == 0 {
		return fmt.Errorf("ledger entry amount must be non-zero")
	}
	return nil
}
