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
	"github.com/lib/pq"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/pkg/logger"
)

// ErrEventNotFound is returned when no event exists for a (tx_hash, log_index)
var ErrEventNotFound = errors.New("chain deposit event not found")

// DepositEventRepository persists observed on-chain transfers. The unique
// constraint on (tx_hash, log_index) is the dedup backstop for every
// ingestion source.
type DepositEventRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewDepositEventRepository creates a new deposit event repository
func NewDepositEventRepository(db *sqlx.DB, logger *logger.Logger) *DepositEventRepository {
	return &DepositEventRepository{db: db, logger: logger}
}

// FindOrCreate inserts the event if it has not been seen, or returns the
// existing row. A losing racer gets the winner's row back. Late
// observations backfill user id, address and block number when the first
// observer did not know them, but never touch the credited flag.
func (r *DepositEventRepository) FindOrCreate(ctx context.Context, ev *entities.ChainDepositEvent) (*entities.ChainDepositEvent, bool, error) {
	ev.TxHash = strings.ToLower(ev.TxHash)
	ev.ToAddress = strings.ToLower(ev.ToAddress)

	query := `
		INSERT INTO chain_deposit_events (
			id, tx_hash, log_index, chain, token, user_id, to_address,
			amount, block_number, source, credited, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, NOW(), NOW())`

	_, err := r.db.ExecContext(ctx, query,
		uuid.New(), ev.TxHash, ev.LogIndex, ev.Chain, ev.Token,
		ev.UserID, ev.ToAddress, ev.Amount, ev.BlockNum, ev.Source,
	)
	if err == nil {
		created, getErr := r.Get(ctx, ev.TxHash, ev.LogIndex)
		return created, true, getErr
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return nil, false, fmt.Errorf("failed to insert deposit event: %w", err)
	}

	existing, err := r.Get(ctx, ev.TxHash, ev.LogIndex)
	if err != nil {
		return nil, false, err
	}
	if err := r.backfill(ctx, existing, ev); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// backfill fills optional fields a later observation knows and the stored
// row is missing. The credited flag is deliberately out of reach here.
func (r *DepositEventRepository) backfill(ctx context.Context, stored, observed *entities.ChainDepositEvent) error {
	sets := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)
	idx := 1

	if stored.UserID == nil && observed.UserID != nil {
		sets = append(sets, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, observed.UserID)
		stored.UserID = observed.UserID
		idx++
	}
	if stored.BlockNum == 0 && observed.BlockNum > 0 {
		sets = append(sets, fmt.Sprintf("block_number = $%d", idx))
		args = append(args, observed.BlockNum)
		stored.BlockNum = observed.BlockNum
		idx++
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = NOW()")
	args = append(args, stored.ID)
	query := fmt.Sprintf("UPDATE chain_deposit_events SET %s WHERE id = $%d",
		strings.Join(sets, ", "), idx)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to backfill deposit event: %w", err)
	}
	return nil
}

// Get fetches an event by its dedup key
func (r *DepositEventRepository) Get(ctx context.Context, txHash string, logIndex int64) (*entities.ChainDepositEvent, error) {
	var ev entities.ChainDepositEvent
	err := r.db.GetContext(ctx, &ev, `
		SELECT id, tx_hash, log_index, chain, token, user_id, to_address,
		       amount, block_number, source, credited, credited_at,
		       created_at, updated_at
		FROM chain_deposit_events
		WHERE tx_hash = $1 AND log_index = $2`,
		strings.ToLower(txHash), logIndex)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get deposit event: %w", err)
	}
	return &ev, nil
}

// GetForUpdateTx re-reads the event under a row lock inside tx. Callers
// must re-check the credited flag after acquiring the lock; a concurrent
// creditor may have raced ahead.
func (r *DepositEventRepository) GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*entities.ChainDepositEvent, error) {
	var ev entities.ChainDepositEvent
	err := tx.GetContext(ctx, &ev, `
		SELECT id, tx_hash, log_index, chain, token, user_id, to_address,
		       amount, block_number, source, credited, credited_at,
		       created_at, updated_at
		FROM chain_deposit_events
		WHERE id = $1
		FOR UPDATE`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to lock deposit event: %w", err)
	}
	return &ev, nil
}

// MarkCreditedTx flips the credited flag inside tx. It must only be
// called while holding the row lock from GetForUpdateTx.
func (r *DepositEventRepository) MarkCreditedTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE chain_deposit_events
		SET credited = TRUE, credited_at = $2, updated_at = NOW()
		WHERE id = $1 AND credited = FALSE`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark event credited: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("event %s already credited", id)
	}
	return nil
}

// ListCreditable returns uncredited events at or below maxBlock whose
// amount meets the minimum, with a known user. Sub-minimum events stay
// stored for audit but are never returned here.
func (r *DepositEventRepository) ListCreditable(ctx context.Context, maxBlock int64, minAmount string, limit int) ([]*entities.ChainDepositEvent, error) {
	var events []*entities.ChainDepositEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT id, tx_hash, log_index, chain, token, user_id, to_address,
		       amount, block_number, source, credited, credited_at,
		       created_at, updated_at
		FROM chain_deposit_events
		WHERE credited = FALSE
		  AND block_number > 0
		  AND block_number <= $1
		  AND amount >= $2
		  AND user_id IS NOT NULL
		ORDER BY block_number ASC
		LIMIT $3`, maxBlock, minAmount, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list creditable events: %w", err)
	}
	return events, nil
}

// ListRecent returns the newest events for the admin projection
func (r *DepositEventRepository) ListRecent(ctx context.Context, limit, offset int) ([]*entities.ChainDepositEvent, error) {
	var events []*entities.ChainDepositEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT id, tx_hash, log_index, chain, token, user_id, to_address,
		       amount, block_number, source, credited, credited_at,
		       created_at, updated_at
		FROM chain_deposit_events
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposit events: %w", err)
	}
	return events, nil
}
