package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/pkg/logger"
)

// DepositRequestRepository persists user-declared deposit intents
type DepositRequestRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewDepositRequestRepository creates a new deposit request repository
func NewDepositRequestRepository(db *sqlx.DB, logger *logger.Logger) *DepositRequestRepository {
	return &DepositRequestRepository{db: db, logger: logger}
}

const depositRequestColumns = `id, user_id, amount, address, status, tx_hash, note, created_at, updated_at`

// GetCandidatesForUpdateTx locks and returns the requests eligible to
// match a credited transfer: same address and user, pending, created
// within the TTL window, holding either no tx hash or this exact one.
// Locking the whole candidate set up front is what lets concurrent
// matchers decide and compensate without splitting check-then-act.
func (r *DepositRequestRepository) GetCandidatesForUpdateTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, address, txHash string, since time.Time) ([]*entities.DepositRequest, error) {
	var reqs []*entities.DepositRequest
	err := tx.SelectContext(ctx, &reqs, `
		SELECT `+depositRequestColumns+`
		FROM deposit_requests
		WHERE user_id = $1
		  AND address = $2
		  AND created_at >= $3
		  AND (
		        (status = 'pending' AND tx_hash IS NULL)
		     OR tx_hash = $4
		  )
		ORDER BY created_at DESC
		FOR UPDATE`, userID, strings.ToLower(address), since, strings.ToLower(txHash))
	if err != nil {
		return nil, fmt.Errorf("failed to lock deposit request candidates: %w", err)
	}
	return reqs, nil
}

// ApproveTx attaches the tx hash and approves the request. Idempotent
// for rows already approved with the same hash.
func (r *DepositRequestRepository) ApproveTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, txHash string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE deposit_requests
		SET status = 'approved', tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND (status = 'pending' OR (status = 'approved' AND tx_hash = $2))`,
		id, strings.ToLower(txHash))
	if err != nil {
		return fmt.Errorf("failed to approve deposit request: %w", err)
	}
	return nil
}

// RejectTx rejects the request with an explanatory note
func (r *DepositRequestRepository) RejectTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, note string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE deposit_requests
		SET status = 'rejected', note = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, note)
	if err != nil {
		return fmt.Errorf("failed to reject deposit request: %w", err)
	}
	return nil
}

// ReleaseTxHashTx clears a transiently held tx hash from a request that
// lost the contention, making it matchable again on a future pass.
func (r *DepositRequestRepository) ReleaseTxHashTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, note string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE deposit_requests
		SET tx_hash = NULL, note = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, note)
	if err != nil {
		return fmt.Errorf("failed to release deposit request tx hash: %w", err)
	}
	return nil
}

// ApplyMatch runs a matching decision atomically: it locks the
// candidate set for the transfer, hands it to decide, and applies the
// returned outcome in the same transaction. The decide function must be
// pure; it sees locked rows and returns what to approve, reject, or
// release.
func (r *DepositRequestRepository) ApplyMatch(ctx context.Context, userID uuid.UUID, address, txHash string, since time.Time, decide func([]*entities.DepositRequest) entities.MatchOutcome) (entities.MatchOutcome, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return entities.MatchOutcome{}, fmt.Errorf("failed to begin match transaction: %w", err)
	}
	defer tx.Rollback()

	candidates, err := r.GetCandidatesForUpdateTx(ctx, tx, userID, address, txHash, since)
	if err != nil {
		return entities.MatchOutcome{}, err
	}

	outcome := decide(candidates)
	if outcome.Empty() {
		return outcome, nil
	}

	if outcome.ApproveID != nil {
		if err := r.ApproveTx(ctx, tx, *outcome.ApproveID, txHash); err != nil {
			return entities.MatchOutcome{}, err
		}
	}
	if outcome.RejectID != nil {
		if err := r.RejectTx(ctx, tx, *outcome.RejectID, outcome.RejectNote); err != nil {
			return entities.MatchOutcome{}, err
		}
	}
	for _, id := range outcome.ReleaseIDs {
		if err := r.ReleaseTxHashTx(ctx, tx, id, outcome.ReleaseNote); err != nil {
			return entities.MatchOutcome{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return entities.MatchOutcome{}, fmt.Errorf("failed to commit match outcome: %w", err)
	}
	return outcome, nil
}

// ExpirePending rejects pending requests with no tx hash older than the
// cutoff. Safe to run concurrently with matching: the TTL filter keeps
// these rows out of the matching candidate set.
func (r *DepositRequestRepository) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE deposit_requests
		SET status = 'rejected', note = 'expired: no matching transfer within window', updated_at = NOW()
		WHERE status = 'pending' AND tx_hash IS NULL AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire deposit requests: %w", err)
	}
	count, _ := res.RowsAffected()
	return count, nil
}

// AddressesWithOpenIntent returns the deposit addresses that currently
// have a pending request, for priority scanning.
func (r *DepositRequestRepository) AddressesWithOpenIntent(ctx context.Context, since time.Time) ([]string, error) {
	var addresses []string
	err := r.db.SelectContext(ctx, &addresses, `
		SELECT DISTINCT address
		FROM deposit_requests
		WHERE status = 'pending' AND created_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list open-intent addresses: %w", err)
	}
	return addresses, nil
}

// ListRecent returns the newest requests for the admin projection
func (r *DepositRequestRepository) ListRecent(ctx context.Context, limit, offset int) ([]*entities.DepositRequest, error) {
	var reqs []*entities.DepositRequest
	err := r.db.SelectContext(ctx, &reqs, `
		SELECT `+depositRequestColumns+`
		FROM deposit_requests
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposit requests: %w", err)
	}
	return reqs, nil
}
