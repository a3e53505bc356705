package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WithdrawalStatus represents the status of a withdrawal request
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// ValidWithdrawalTransitions defines the forward-only state lattice.
// pending -> failed is allowed so validation failures skip processing.
var ValidWithdrawalTransitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalPending:    {WithdrawalProcessing, WithdrawalFailed},
	WithdrawalProcessing: {WithdrawalCompleted, WithdrawalFailed},
	WithdrawalCompleted:  {},
	WithdrawalFailed:     {},
}

// CanTransitionTo checks if transition to new status is allowed
func (s WithdrawalStatus) CanTransitionTo(next WithdrawalStatus) bool {
	for _, allowed := range ValidWithdrawalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed
}

// ValidateTransition returns an error if the transition is not allowed
func (s WithdrawalStatus) ValidateTransition(next WithdrawalStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("invalid withdrawal transition from %s to %s", s, next)
	}
	return nil
}

// WithdrawalRequest is a user's request to move funds off-ledger to an
// external address. TxHash is set at most once and never cleared.
type WithdrawalRequest struct {
	ID           uuid.UUID        `db:"id" json:"id"`
	UserID       uuid.UUID        `db:"user_id" json:"user_id"`
	Amount       decimal.Decimal  `db:"amount" json:"amount"`
	ToAddress    string           `db:"to_address" json:"to_address"`
	Token        string           `db:"token" json:"token"`
	Chain        string           `db:"chain" json:"chain"`
	AutoWithdraw bool             `db:"auto_withdraw" json:"auto_withdraw"`
	Status       WithdrawalStatus `db:"status" json:"status"`
	TxHash       *string          `db:"tx_hash" json:"tx_hash,omitempty"`
	AdminNote    *string          `db:"admin_note" json:"admin_note,omitempty"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`
}

// Stale reports whether a processing request with no tx hash has been
// stuck past the staleness window, meaning the process died between
// marking processing and assigning a hash.
func (w *WithdrawalRequest) Stale(now time.Time, window time.Duration) bool {
	return w.Status == WithdrawalProcessing && w.TxHash == nil && now.Sub(w.UpdatedAt) > window
}
