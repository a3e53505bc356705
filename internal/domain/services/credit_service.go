package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/metrics"
)

// EventStore persists observed transfer events
type EventStore interface {
	FindOrCreate(ctx context.Context, ev *entities.ChainDepositEvent) (*entities.ChainDepositEvent, bool, error)
	ListCreditable(ctx context.Context, maxBlock int64, minAmount string, limit int) ([]*entities.ChainDepositEvent, error)
}

// AddressBook resolves deposit addresses to user ids
type AddressBook interface {
	Resolve(ctx context.Context, address string) (uuid.UUID, bool, error)
}

// CreditLedger applies the at-most-once balance credit
type CreditLedger interface {
	CreditDepositEvent(ctx context.Context, eventID uuid.UUID) (bool, error)
}

// HeadSource reports the chain's current block height
type HeadSource interface {
	BlockNumber(ctx context.Context) (int64, error)
}

// CreditService is the authoritative gate between observed transfers and
// the balance ledger. Every ingestion source funnels through Observe;
// CreditConfirmed applies the credits once events sit below the safe
// head.
type CreditService struct {
	events  EventStore
	book    AddressBook
	ledger  CreditLedger
	head    HeadSource
	cfg     config.ChainConfig
	deposit config.DepositConfig
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewCreditService creates a new credit service
func NewCreditService(events EventStore, book AddressBook, ledger CreditLedger, head HeadSource, cfg config.ChainConfig, deposit config.DepositConfig, m *metrics.Metrics, log *logger.Logger) *CreditService {
	return &CreditService{
		events:  events,
		book:    book,
		ledger:  ledger,
		head:    head,
		cfg:     cfg,
		deposit: deposit,
		metrics: m,
		logger:  log,
	}
}

// Observe records one normalized candidate event. A duplicate from a
// second source is the expected no-op; late observations only backfill
// missing fields on the stored row. Returns the stored event and
// whether this observation created it.
func (s *CreditService) Observe(ctx context.Context, t *entities.TransferEvent) (*entities.ChainDepositEvent, bool, error) {
	t.Normalize()

	ev := &entities.ChainDepositEvent{
		TxHash:    t.TxHash,
		LogIndex:  t.LogIndex,
		Chain:     s.cfg.ChainTag,
		Token:     s.cfg.TokenSymbol,
		ToAddress: t.ToAddress,
		Amount:    t.Amount().Round(entities.AmountPrecision),
		BlockNum:  t.BlockNumber,
		Source:    t.Source,
	}

	userID, found, err := s.book.Resolve(ctx, t.ToAddress)
	if err != nil {
		return nil, false, fmt.Errorf("resolve recipient: %w", err)
	}
	if found {
		ev.UserID = &userID
	}

	stored, created, err := s.events.FindOrCreate(ctx, ev)
	if err != nil {
		return nil, false, fmt.Errorf("record transfer event: %w", err)
	}
	if created {
		s.metrics.DepositsObserved.WithLabelValues(t.Source).Inc()
		s.logger.Info("Transfer observed",
			"tx_hash", stored.TxHash,
			"log_index", stored.LogIndex,
			"to", stored.ToAddress,
			"amount", stored.Amount.String(),
			"block", stored.BlockNum,
			"source", t.Source)
	}
	return stored, created, nil
}

// CreditConfirmed credits every uncredited event at or below the safe
// head that meets the minimum amount, and returns the events credited
// this pass so the caller can feed them to the intent matcher. Events
// above the safe head are left alone and revisited next pass; so are
// sub-minimum events, which stay stored for audit but never credit.
func (s *CreditService) CreditConfirmed(ctx context.Context, limit int) ([]*entities.ChainDepositEvent, error) {
	head, err := s.head.BlockNumber(ctx)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("rpc").Inc()
		return nil, fmt.Errorf("get block number: %w", err)
	}
	safeHead := head - s.cfg.Confirmations
	if safeHead < 0 {
		return nil, nil
	}

	eligible, err := s.events.ListCreditable(ctx, safeHead, s.deposit.MinAmount.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list creditable events: %w", err)
	}

	var credited []*entities.ChainDepositEvent
	for _, ev := range eligible {
		applied, err := s.ledger.CreditDepositEvent(ctx, ev.ID)
		if err != nil {
			// One failing event must not block the rest of the pass
			s.logger.Error("Failed to credit event",
				"error", err, "tx_hash", ev.TxHash, "log_index", ev.LogIndex)
			continue
		}
		if applied {
			s.metrics.DepositsCredited.WithLabelValues(ev.Source).Inc()
			credited = append(credited, ev)
		}
	}
	return credited, nil
}
