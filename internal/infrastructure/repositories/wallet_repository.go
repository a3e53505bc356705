package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/pkg/logger"
)

// ErrInsufficientBalance is returned when a debit would take a wallet negative
var ErrInsufficientBalance = errors.New("insufficient wallet balance")

// WalletRepository mutates balances only under a row lock and only
// together with an append-only ledger entry, so the balance invariant
// (balance == sum of entries) holds.
type WalletRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *sqlx.DB, logger *logger.Logger) *WalletRepository {
	return &WalletRepository{db: db, logger: logger}
}

// lockWalletTx upserts the wallet row and locks it. The upsert makes a
// first deposit create the wallet inside the same transaction.
func (r *WalletRepository) lockWalletTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID) (*entities.Wallet, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, created_at, updated_at)
		VALUES ($1, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}

	var w entities.Wallet
	err = tx.GetContext(ctx, &w, `
		SELECT user_id, balance, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &w, nil
}

// CreditTx adds amount to the wallet and appends a deposit ledger entry,
// all inside the caller's transaction.
func (r *WalletRepository) CreditTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount decimal.Decimal, source string, reference *string) error {
	wallet, err := r.lockWalletTx(ctx, tx, userID)
	if err != nil {
		return err
	}

	newBalance := wallet.Balance.Add(amount)
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $2, updated_at = NOW()
		WHERE user_id = $1`, userID, newBalance); err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}

	return r.appendEntryTx(ctx, tx, userID, entities.LedgerEntryDeposit, amount, source, reference)
}

// DebitTx subtracts amount from the wallet and appends a withdraw ledger
// entry. Returns ErrInsufficientBalance without mutating anything when
// the locked balance cannot cover the amount.
func (r *WalletRepository) DebitTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount decimal.Decimal, source string, reference *string) error {
	wallet, err := r.lockWalletTx(ctx, tx, userID)
	if err != nil {
		return err
	}

	if wallet.Balance.LessThan(amount) {
		return ErrInsufficientBalance
	}

	newBalance := wallet.Balance.Sub(amount)
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $2, updated_at = NOW()
		WHERE user_id = $1`, userID, newBalance); err != nil {
		return fmt.Errorf("failed to debit wallet: %w", err)
	}

	return r.appendEntryTx(ctx, tx, userID, entities.LedgerEntryWithdraw, amount.Neg(), source, reference)
}

func (r *WalletRepository) appendEntryTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, entryType entities.LedgerEntryType, amount decimal.Decimal, source string, reference *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, entry_type, amount, source, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.New(), userID, entryType, amount, source, reference)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// GetBalance returns the current balance, zero for unknown users
func (r *WalletRepository) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.GetContext(ctx, &balance,
		`SELECT balance FROM wallets WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// LedgerSum computes the sum of all ledger entries for a user. Used by
// reconciliation checks; must equal the wallet balance.
func (r *WalletRepository) LedgerSum(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1`, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	return sum, nil
}
