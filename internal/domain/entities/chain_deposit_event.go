package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ingestion sources that can observe a transfer. The same event may
// arrive from more than one of them; (TxHash, LogIndex) is the sole
// dedup key.
const (
	SourceWebhook = "moralis"
	SourceIndexer = "quicknode"
	SourceScan    = "system"
)

// AmountPrecision is the fraction-digit precision amounts are stored
// and compared at.
const AmountPrecision int32 = 8

// ChainDepositEvent is one observed on-chain token transfer. A row is
// created by whichever source sees the transfer first; Credited flips
// false -> true exactly once and never reverts.
type ChainDepositEvent struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	TxHash     string          `db:"tx_hash" json:"tx_hash"`
	LogIndex   int64           `db:"log_index" json:"log_index"`
	Chain      string          `db:"chain" json:"chain"`
	Token      string          `db:"token" json:"token"`
	UserID     *uuid.UUID      `db:"user_id" json:"user_id,omitempty"`
	ToAddress  string          `db:"to_address" json:"to_address"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	BlockNum   int64           `db:"block_number" json:"block_number"`
	Source     string          `db:"source" json:"source"`
	Credited   bool            `db:"credited" json:"credited"`
	CreditedAt *time.Time      `db:"credited_at" json:"credited_at,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Confirmed reports whether the event sits at or below the safe head
// for the given confirmation depth.
func (e *ChainDepositEvent) Confirmed(latestBlock, confirmations int64) bool {
	return e.BlockNum > 0 && e.BlockNum <= latestBlock-confirmations
}
