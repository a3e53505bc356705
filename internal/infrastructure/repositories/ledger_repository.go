package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/pkg/logger"
)

// LedgerRepository owns the transactions that span the balance tables
// and a state row: crediting a deposit event and settling a withdrawal.
// Both re-read their state row under a row lock before acting, so
// check-then-act is never split across unlocked reads.
type LedgerRepository struct {
	db          *sqlx.DB
	events      *DepositEventRepository
	wallets     *WalletRepository
	withdrawals *WithdrawalRepository
	logger      *logger.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *sqlx.DB, events *DepositEventRepository, wallets *WalletRepository, withdrawals *WithdrawalRepository, log *logger.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:          db,
		events:      events,
		wallets:     wallets,
		withdrawals: withdrawals,
		logger:      log,
	}
}

// CreditDepositEvent applies the at-most-once balance credit for an
// observed transfer. Returns false when the event was already credited
// by a concurrent caller; that is the expected no-op path, not an error.
func (r *LedgerRepository) CreditDepositEvent(ctx context.Context, eventID uuid.UUID) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin credit transaction: %w", err)
	}
	defer tx.Rollback()

	ev, err := r.events.GetForUpdateTx(ctx, tx, eventID)
	if err != nil {
		return false, err
	}
	// Re-check under the lock: a second caller may have raced ahead
	if ev.Credited {
		return false, nil
	}
	if ev.UserID == nil {
		return false, fmt.Errorf("event %s has no resolved user", eventID)
	}

	reference := fmt.Sprintf("%s:%d", ev.TxHash, ev.LogIndex)
	if err := r.wallets.CreditTx(ctx, tx, *ev.UserID, ev.Amount, ev.Source, &reference); err != nil {
		return false, err
	}
	if err := r.events.MarkCreditedTx(ctx, tx, ev.ID, time.Now()); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit credit: %w", err)
	}

	r.logger.Info("Deposit credited",
		"tx_hash", ev.TxHash,
		"log_index", ev.LogIndex,
		"user_id", ev.UserID,
		"amount", ev.Amount.String(),
		"source", ev.Source)
	return true, nil
}

// SettleWithdrawal debits the user's wallet and completes a processing
// withdrawal atomically. Returns ErrInsufficientBalance when the locked
// balance no longer covers the amount; the caller decides how loudly to
// report that anomaly.
func (r *LedgerRepository) SettleWithdrawal(ctx context.Context, withdrawalID uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin settlement transaction: %w", err)
	}
	defer tx.Rollback()

	w, err := r.withdrawals.GetForUpdateTx(ctx, tx, withdrawalID)
	if err != nil {
		return err
	}
	if w.Status != entities.WithdrawalProcessing {
		// Terminal already; nothing to settle
		return nil
	}

	reference := ""
	if w.TxHash != nil {
		reference = *w.TxHash
	}
	if err := r.wallets.DebitTx(ctx, tx, w.UserID, w.Amount, "system", &reference); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return ErrInsufficientBalance
		}
		return err
	}
	if err := r.withdrawals.MarkCompletedTx(ctx, tx, w.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}

	r.logger.Info("Withdrawal settled",
		"withdrawal_id", w.ID,
		"user_id", w.UserID,
		"amount", w.Amount.String(),
		"tx_hash", reference)
	return nil
}
