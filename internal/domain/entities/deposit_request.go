package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositRequestStatus represents the status of a user-declared deposit intent
type DepositRequestStatus string

const (
	DepositRequestPending  DepositRequestStatus = "pending"
	DepositRequestApproved DepositRequestStatus = "approved"
	DepositRequestRejected DepositRequestStatus = "rejected"
)

// ValidDepositRequestTransitions defines allowed status transitions
var ValidDepositRequestTransitions = map[DepositRequestStatus][]DepositRequestStatus{
	DepositRequestPending:  {DepositRequestApproved, DepositRequestRejected},
	DepositRequestApproved: {},
	DepositRequestRejected: {},
}

// CanTransitionTo checks if transition to new status is allowed
func (s DepositRequestStatus) CanTransitionTo(next DepositRequestStatus) bool {
	for _, allowed := range ValidDepositRequestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for approved and rejected
func (s DepositRequestStatus) IsTerminal() bool {
	return s == DepositRequestApproved || s == DepositRequestRejected
}

// DepositRequest is a user's declared intent to deposit a specific amount
// to their assigned address. At most one tx hash is ever attached to a
// request transitioning to approved.
type DepositRequest struct {
	ID        uuid.UUID            `db:"id" json:"id"`
	UserID    uuid.UUID            `db:"user_id" json:"user_id"`
	Amount    decimal.Decimal      `db:"amount" json:"amount"`
	Address   string               `db:"address" json:"address"`
	Status    DepositRequestStatus `db:"status" json:"status"`
	TxHash    *string              `db:"tx_hash" json:"tx_hash,omitempty"`
	Note      *string              `db:"note" json:"note,omitempty"`
	CreatedAt time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt time.Time            `db:"updated_at" json:"updated_at"`
}

// AmountUnits returns the declared amount as a fixed-point integer at
// AmountPrecision, avoiding float comparison drift during matching.
func (r *DepositRequest) AmountUnits() int64 {
	return r.Amount.Shift(AmountPrecision).IntPart()
}

// Expired reports whether a pending request with no tx hash has outlived
// the TTL window.
func (r *DepositRequest) Expired(now time.Time, ttl time.Duration) bool {
	return r.Status == DepositRequestPending && r.TxHash == nil && now.Sub(r.CreatedAt) > ttl
}
