package entities

import (
	"strings"

	"github.com/shopspring/decimal"
)

// TransferEvent is the normalized candidate-event shape every ingestion
// source produces before handing off to the credit engine.
type TransferEvent struct {
	TxHash        string
	LogIndex      int64
	BlockNumber   int64
	TokenAddress  string
	ToAddress     string
	RawAmount     decimal.Decimal
	TokenDecimals int32
	Source        string
}

// Amount converts the raw token units into a decimal amount.
func (t *TransferEvent) Amount() decimal.Decimal {
	return t.RawAmount.Shift(-t.TokenDecimals)
}

// Normalize lowercases the addresses and hash so lookups are
// case-insensitive across sources.
func (t *TransferEvent) Normalize() {
	t.TxHash = strings.ToLower(t.TxHash)
	t.TokenAddress = strings.ToLower(t.TokenAddress)
	t.ToAddress = strings.ToLower(t.ToAddress)
}
