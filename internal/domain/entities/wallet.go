package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerEntryType tags ledger rows by direction
type LedgerEntryType string

const (
	LedgerEntryDeposit  LedgerEntryType = "deposit"
	LedgerEntryWithdraw LedgerEntryType = "withdraw"
)

// Wallet holds one user's internal balance. It is mutated only inside a
// row-locked transaction that also appends a ledger entry, so the balance
// always equals the sum of that user's ledger entries.
type Wallet struct {
	UserID    uuid.UUID       `db:"user_id" json:"user_id"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// LedgerEntry is an append-only record of a balance mutation.
type LedgerEntry struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	UserID    uuid.UUID       `db:"user_id" json:"user_id"`
	Type      LedgerEntryType `db:"entry_type" json:"entry_type"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Source    string          `db:"source" json:"source"`
	Reference *string         `db:"reference" json:"reference,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
