package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chainledger/chainledger/pkg/logger"
)

// UserAddressRepository reads the address book maintained by the wallet
// provisioning layer. The core only resolves addresses to users and
// enumerates them for scanning.
type UserAddressRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewUserAddressRepository creates a new user address repository
func NewUserAddressRepository(db *sqlx.DB, logger *logger.Logger) *UserAddressRepository {
	return &UserAddressRepository{db: db, logger: logger}
}

// Resolve maps a deposit address to its owner; found is false for
// addresses the platform did not assign.
func (r *UserAddressRepository) Resolve(ctx context.Context, address string) (uuid.UUID, bool, error) {
	var userID uuid.UUID
	err := r.db.GetContext(ctx, &userID,
		`SELECT user_id FROM user_addresses WHERE address = $1`,
		strings.ToLower(address))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("failed to resolve address: %w", err)
	}
	return userID, true, nil
}

// ListAll returns every known deposit address for the full-scan tier
func (r *UserAddressRepository) ListAll(ctx context.Context) ([]string, error) {
	var addresses []string
	err := r.db.SelectContext(ctx, &addresses,
		`SELECT address FROM user_addresses ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	return addresses, nil
}
