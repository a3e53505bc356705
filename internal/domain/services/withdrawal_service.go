package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/internal/infrastructure/chain"
	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/internal/infrastructure/repositories"
	"github.com/chainledger/chainledger/pkg/clock"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/metrics"
)

// WithdrawalStore persists withdrawal requests
type WithdrawalStore interface {
	ClaimPending(ctx context.Context, limit int, validate func(*entities.WithdrawalRequest) error) ([]*entities.WithdrawalRequest, int, error)
	SetTxHash(ctx context.Context, id uuid.UUID, txHash string) error
	MarkFailed(ctx context.Context, id uuid.UUID, note string) error
	ListInFlight(ctx context.Context, limit int) ([]*entities.WithdrawalRequest, error)
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*entities.WithdrawalRequest, error)
}

// SettlementLedger debits the wallet and completes the request atomically
type SettlementLedger interface {
	SettleWithdrawal(ctx context.Context, withdrawalID uuid.UUID) error
}

// ChainGateway covers the signing-wallet operations the dispatcher needs
type ChainGateway interface {
	TokenBalance(ctx context.Context) (decimal.Decimal, error)
	NativeBalance(ctx context.Context) (decimal.Decimal, error)
	EstimateGasCost(ctx context.Context, toAddress string, rawAmount decimal.Decimal) (decimal.Decimal, error)
	BuildSignedTransfer(ctx context.Context, toAddress string, rawAmount decimal.Decimal) (*chain.SignedTransfer, error)
	Submit(ctx context.Context, signed *chain.SignedTransfer) error
	TransactionStatus(ctx context.Context, txHash string) (chain.ReceiptStatus, int64, error)
}

// WithdrawalService drives requests through the forward-only lattice
// pending -> processing -> {completed, failed}. Broadcast never holds a
// database lock, and the signed hash is persisted before submission so
// a lost submit response never strands a request.
type WithdrawalService struct {
	store    WithdrawalStore
	ledger   SettlementLedger
	chain    ChainGateway
	cfg      config.WithdrawConfig
	chainCfg config.ChainConfig
	clk      clock.Clock
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// NewWithdrawalService creates a new withdrawal service
func NewWithdrawalService(store WithdrawalStore, ledger SettlementLedger, gateway ChainGateway, cfg config.WithdrawConfig, chainCfg config.ChainConfig, clk clock.Clock, m *metrics.Metrics, log *logger.Logger) *WithdrawalService {
	return &WithdrawalService{
		store:    store,
		ledger:   ledger,
		chain:    gateway,
		cfg:      cfg,
		chainCfg: chainCfg,
		clk:      clk,
		metrics:  m,
		logger:   log,
	}
}

// validate rejects requests the dispatcher will never be able to
// broadcast. A failure here is terminal: pending -> failed directly,
// skipping processing.
func (s *WithdrawalService) validate(w *entities.WithdrawalRequest) error {
	if !strings.EqualFold(w.Token, s.chainCfg.TokenSymbol) {
		return fmt.Errorf("unsupported token %s", w.Token)
	}
	if !strings.EqualFold(w.Chain, s.chainCfg.ChainTag) {
		return fmt.Errorf("unsupported network %s", w.Chain)
	}
	if !chain.IsValidAddress(w.ToAddress) {
		return fmt.Errorf("malformed destination address %s", w.ToAddress)
	}
	if !w.Amount.IsPositive() {
		return fmt.Errorf("non-positive amount %s", w.Amount.String())
	}
	return nil
}

// ProcessPending claims a batch of auto-enabled pending requests and
// broadcasts each one. Returns the number of requests it acted on.
func (s *WithdrawalService) ProcessPending(ctx context.Context) (int, error) {
	if !s.cfg.AutoEnabled {
		return 0, nil
	}

	claimed, failed, err := s.store.ClaimPending(ctx, s.cfg.BatchSize, s.validate)
	if err != nil {
		return 0, fmt.Errorf("claim pending withdrawals: %w", err)
	}
	if failed > 0 {
		s.metrics.WithdrawalsByStatus.WithLabelValues("failed").Add(float64(failed))
	}

	for _, w := range claimed {
		s.metrics.WithdrawalsByStatus.WithLabelValues("processing").Inc()
		if err := s.broadcast(ctx, w); err != nil {
			s.logger.Error("Broadcast failed", "error", err, "withdrawal_id", w.ID)
		}
	}
	return len(claimed) + failed, nil
}

// broadcast signs and submits the transfer for one processing request.
// The signed hash goes to the store before SendTransaction: a submit
// error is tolerated because the network may have accepted the
// transaction anyway, and the confirmation pass resolves it either way.
func (s *WithdrawalService) broadcast(ctx context.Context, w *entities.WithdrawalRequest) error {
	rawAmount := w.Amount.Shift(s.chainCfg.TokenDecimals)

	tokenBalance, err := s.chain.TokenBalance(ctx)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("rpc").Inc()
		return fmt.Errorf("check token balance: %w", err)
	}
	// TokenBalance reports raw token units; compare in raw units and
	// note in human units
	if tokenBalance.LessThan(rawAmount) {
		return s.fail(ctx, w.ID, fmt.Sprintf(
			"insufficient hot-wallet token balance: have %s, need %s",
			tokenBalance.Shift(-s.chainCfg.TokenDecimals).String(), w.Amount.String()))
	}

	gasCost, err := s.chain.EstimateGasCost(ctx, w.ToAddress, rawAmount)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("rpc").Inc()
		return fmt.Errorf("estimate gas: %w", err)
	}
	nativeBalance, err := s.chain.NativeBalance(ctx)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("rpc").Inc()
		return fmt.Errorf("check native balance: %w", err)
	}
	// The configured reserve stays untouched so one broadcast cannot
	// drain the hot wallet's gas
	gasNeeded := gasCost.Add(s.cfg.GasReserve.Shift(chain.NativeDecimals))
	if nativeBalance.LessThan(gasNeeded) {
		return s.fail(ctx, w.ID, fmt.Sprintf(
			"insufficient gas balance: have %s, need %s",
			nativeBalance.String(), gasNeeded.String()))
	}

	signed, err := s.chain.BuildSignedTransfer(ctx, w.ToAddress, rawAmount)
	if err != nil {
		return fmt.Errorf("sign transfer: %w", err)
	}
	// The hash is the durable recovery handle; persist it before the
	// network can time out on us
	if err := s.store.SetTxHash(ctx, w.ID, signed.Hash); err != nil {
		return fmt.Errorf("persist tx hash: %w", err)
	}

	if err := s.chain.Submit(ctx, signed); err != nil {
		s.metrics.ProviderErrors.WithLabelValues("rpc").Inc()
		s.logger.Warn("Submit returned error, leaving in processing for confirmation pass",
			"withdrawal_id", w.ID, "tx_hash", signed.Hash, "error", err)
		return nil
	}

	s.logger.Info("Withdrawal broadcast",
		"withdrawal_id", w.ID,
		"tx_hash", signed.Hash,
		"to", w.ToAddress,
		"amount", w.Amount.String())
	return nil
}

// ConfirmInFlight polls receipts for processing requests that carry a
// tx hash and settles or fails them. Returns the number of requests
// that reached a terminal state.
func (s *WithdrawalService) ConfirmInFlight(ctx context.Context) (int, error) {
	inFlight, err := s.store.ListInFlight(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list in-flight withdrawals: %w", err)
	}

	resolved := 0
	for _, w := range inFlight {
		done, err := s.confirmOne(ctx, w)
		if err != nil {
			s.logger.Error("Confirmation check failed", "error", err, "withdrawal_id", w.ID)
			continue
		}
		if done {
			resolved++
		}
	}
	return resolved, nil
}

func (s *WithdrawalService) confirmOne(ctx context.Context, w *entities.WithdrawalRequest) (bool, error) {
	status, confirmations, err := s.chain.TransactionStatus(ctx, *w.TxHash)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("rpc").Inc()
		return false, fmt.Errorf("transaction status %s: %w", *w.TxHash, err)
	}

	switch status {
	case chain.ReceiptSuccess:
		if confirmations < s.cfg.Confirmations {
			return false, nil
		}
		if err := s.ledger.SettleWithdrawal(ctx, w.ID); err != nil {
			if errors.Is(err, repositories.ErrInsufficientBalance) {
				// The on-chain transfer already happened; surface the
				// anomaly loudly instead of hiding it
				s.logger.Error("Settlement anomaly: balance insufficient after broadcast",
					"withdrawal_id", w.ID, "tx_hash", *w.TxHash, "amount", w.Amount.String())
				return true, s.fail(ctx, w.ID,
					"settlement anomaly: wallet balance insufficient after on-chain transfer")
			}
			return false, fmt.Errorf("settle withdrawal: %w", err)
		}
		s.metrics.WithdrawalsByStatus.WithLabelValues("completed").Inc()
		s.logger.Info("Withdrawal completed",
			"withdrawal_id", w.ID, "tx_hash", *w.TxHash, "confirmations", confirmations)
		return true, nil

	case chain.ReceiptFailed:
		return true, s.fail(ctx, w.ID, "transaction reverted on chain")

	case chain.ReceiptPending:
		return false, nil

	default: // ReceiptUnknown
		if s.clk.Now().Sub(w.UpdatedAt) > s.cfg.StaleAfter {
			return true, s.fail(ctx, w.ID, "broadcast not found")
		}
		return false, nil
	}
}

// RecoverStuck fails requests that died between "mark processing" and
// "assign tx hash". Nothing was ever broadcast for these, so failing
// them is safe.
func (s *WithdrawalService) RecoverStuck(ctx context.Context) (int, error) {
	cutoff := s.clk.Now().Add(-s.cfg.StaleAfter)
	stuck, err := s.store.ListStuck(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stuck withdrawals: %w", err)
	}

	recovered := 0
	for _, w := range stuck {
		if err := s.fail(ctx, w.ID, "stuck in processing without broadcast"); err != nil {
			s.logger.Error("Failed to recover stuck withdrawal", "error", err, "withdrawal_id", w.ID)
			continue
		}
		s.logger.Warn("Recovered stuck withdrawal", "withdrawal_id", w.ID)
		recovered++
	}
	return recovered, nil
}

func (s *WithdrawalService) fail(ctx context.Context, id uuid.UUID, note string) error {
	if err := s.store.MarkFailed(ctx, id, note); err != nil {
		return fmt.Errorf("mark withdrawal failed: %w", err)
	}
	s.metrics.WithdrawalsByStatus.WithLabelValues("failed").Inc()
	return nil
}
