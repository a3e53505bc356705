package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/pkg/logger"
)

// ErrWithdrawalNotFound is returned when no withdrawal matches the id
var ErrWithdrawalNotFound = errors.New("withdrawal request not found")

// WithdrawalRepository persists withdrawal requests and enforces the
// forward-only state lattice at the SQL level: every transition guards
// on the expected current status.
type WithdrawalRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewWithdrawalRepository creates a new withdrawal repository
func NewWithdrawalRepository(db *sqlx.DB, logger *logger.Logger) *WithdrawalRepository {
	return &WithdrawalRepository{db: db, logger: logger}
}

const withdrawalColumns = `id, user_id, amount, to_address, token, chain, auto_withdraw, status, tx_hash, admin_note, created_at, updated_at`

// ClaimPending atomically claims up to limit auto-enabled pending
// requests. Each locked row is run through validate: failures go
// straight to failed with the validation error as note, never touching
// processing; the rest are marked processing and returned. SKIP LOCKED
// lets multiple worker processes claim disjoint batches.
func (r *WithdrawalRepository) ClaimPending(ctx context.Context, limit int, validate func(*entities.WithdrawalRequest) error) ([]*entities.WithdrawalRequest, int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var locked []*entities.WithdrawalRequest
	err = tx.SelectContext(ctx, &locked, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE status = 'pending' AND auto_withdraw = TRUE
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to select pending withdrawals: %w", err)
	}
	if len(locked) == 0 {
		return nil, 0, tx.Commit()
	}

	var claimed []*entities.WithdrawalRequest
	failed := 0
	for _, w := range locked {
		if verr := validate(w); verr != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE withdrawal_requests
				SET status = 'failed', admin_note = $2, updated_at = NOW()
				WHERE id = $1`, w.ID, verr.Error()); err != nil {
				return nil, 0, fmt.Errorf("failed to fail invalid withdrawal: %w", err)
			}
			r.logger.Warn("Withdrawal rejected at validation",
				"withdrawal_id", w.ID, "reason", verr.Error())
			failed++
			continue
		}
		claimed = append(claimed, w)
	}

	if len(claimed) > 0 {
		ids := make([]uuid.UUID, len(claimed))
		for i, w := range claimed {
			ids[i] = w.ID
		}
		query, args, err := sqlx.In(`
			UPDATE withdrawal_requests
			SET status = 'processing', updated_at = NOW()
			WHERE id IN (?)`, ids)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to build claim update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return nil, 0, fmt.Errorf("failed to mark withdrawals processing: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit claim: %w", err)
	}

	for _, w := range claimed {
		w.Status = entities.WithdrawalProcessing
	}
	return claimed, failed, nil
}

// SetTxHash persists the precomputed transaction hash onto a processing
// request. The hash is set at most once: a second call is a no-op error
// rather than an overwrite.
func (r *WithdrawalRepository) SetTxHash(ctx context.Context, id uuid.UUID, txHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND tx_hash IS NULL`,
		id, strings.ToLower(txHash))
	if err != nil {
		return fmt.Errorf("failed to set withdrawal tx hash: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("withdrawal %s not in processing or hash already set", id)
	}
	return nil
}

// MarkFailed moves a request to failed with an admin note. Valid from
// pending (validation failures) and processing; a terminal row is left
// untouched.
func (r *WithdrawalRepository) MarkFailed(ctx context.Context, id uuid.UUID, note string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = 'failed', admin_note = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`, id, note)
	if err != nil {
		return fmt.Errorf("failed to mark withdrawal failed: %w", err)
	}
	return nil
}

// MarkCompletedTx settles a processing request inside the caller's
// transaction, alongside the wallet debit.
func (r *WithdrawalRepository) MarkCompletedTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = 'completed', updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark withdrawal completed: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("withdrawal %s not in processing", id)
	}
	return nil
}

// GetForUpdateTx locks a withdrawal row inside tx
func (r *WithdrawalRepository) GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*entities.WithdrawalRequest, error) {
	var w entities.WithdrawalRequest
	err := tx.GetContext(ctx, &w, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE id = $1
		FOR UPDATE`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("failed to lock withdrawal: %w", err)
	}
	return &w, nil
}

// ListInFlight returns processing requests that already carry a tx hash,
// for the confirmation pass.
func (r *WithdrawalRepository) ListInFlight(ctx context.Context, limit int) ([]*entities.WithdrawalRequest, error) {
	var ws []*entities.WithdrawalRequest
	err := r.db.SelectContext(ctx, &ws, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE status = 'processing' AND tx_hash IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight withdrawals: %w", err)
	}
	return ws, nil
}

// ListStuck returns processing requests with no tx hash untouched since
// the cutoff. These died between "mark processing" and "assign hash".
func (r *WithdrawalRepository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*entities.WithdrawalRequest, error) {
	var ws []*entities.WithdrawalRequest
	err := r.db.SelectContext(ctx, &ws, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE status = 'processing' AND tx_hash IS NULL AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck withdrawals: %w", err)
	}
	return ws, nil
}

// ListRecent returns the newest withdrawals for the admin projection
func (r *WithdrawalRepository) ListRecent(ctx context.Context, limit, offset int) ([]*entities.WithdrawalRequest, error) {
	var ws []*entities.WithdrawalRequest
	err := r.db.SelectContext(ctx, &ws, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return ws, nil
}
