package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/chainledger/chainledger/pkg/logger"
)

// CursorRepository stores opaque scan checkpoints as key/value pairs.
// Keys are namespaced by source and address so independent scan policies
// never clobber each other's progress.
type CursorRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewCursorRepository creates a new cursor repository
func NewCursorRepository(db *sqlx.DB, logger *logger.Logger) *CursorRepository {
	return &CursorRepository{db: db, logger: logger}
}

// Get returns the stored value for a scan key; found is false when the
// key has never been written.
func (r *CursorRepository) Get(ctx context.Context, key string) (value string, found bool, err error) {
	err = r.db.GetContext(ctx, &value,
		`SELECT value FROM block_cursors WHERE scan_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get cursor %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts the value for a scan key
func (r *CursorRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO block_cursors (scan_key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (scan_key) DO UPDATE SET value = $2, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set cursor %q: %w", key, err)
	}
	return nil
}

// GetBlock returns a cursor interpreted as a block number, 0 when unset
func (r *CursorRepository) GetBlock(ctx context.Context, key string) (int64, error) {
	value, found, err := r.Get(ctx, key)
	if err != nil || !found {
		return 0, err
	}
	block, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cursor %q holds non-numeric value %q: %w", key, value, err)
	}
	return block, nil
}

// SetBlock stores a block-number cursor
func (r *CursorRepository) SetBlock(ctx context.Context, key string, block int64) error {
	return r.Set(ctx, key, strconv.FormatInt(block, 10))
}
