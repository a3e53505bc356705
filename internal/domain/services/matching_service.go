package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/pkg/clock"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/metrics"
)

// RequestStore persists deposit requests and applies match decisions
// atomically over a locked candidate set.
type RequestStore interface {
	ApplyMatch(ctx context.Context, userID uuid.UUID, address, txHash string, since time.Time, decide func([]*entities.DepositRequest) entities.MatchOutcome) (entities.MatchOutcome, error)
	ExpirePending(ctx context.Context, cutoff time.Time) (int64, error)
}

// MatchingService attaches credited transfers to the deposit requests
// that declared them. The decision itself is a pure function over the
// locked candidate set; the store runs lock, decide, and compensation
// in one transaction.
type MatchingService struct {
	requests RequestStore
	cfg      config.DepositConfig
	clk      clock.Clock
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// NewMatchingService creates a new matching service
func NewMatchingService(requests RequestStore, cfg config.DepositConfig, clk clock.Clock, m *metrics.Metrics, log *logger.Logger) *MatchingService {
	return &MatchingService{
		requests: requests,
		cfg:      cfg,
		clk:      clk,
		metrics:  m,
		logger:   log,
	}
}

// MatchDeposit reconciles one credited event against the open requests
// on its address. Safe to call for events another worker already
// matched: the locked re-read sees the approved row and no-ops.
func (s *MatchingService) MatchDeposit(ctx context.Context, ev *entities.ChainDepositEvent) error {
	if ev.UserID == nil {
		return nil
	}
	since := s.clk.Now().Add(-s.cfg.RequestTTL)
	depositUnits := ev.Amount.Shift(entities.AmountPrecision).IntPart()
	toleranceUnits := s.cfg.Tolerance.Shift(entities.AmountPrecision).IntPart()

	outcome, err := s.requests.ApplyMatch(ctx, *ev.UserID, ev.ToAddress, ev.TxHash, since,
		func(candidates []*entities.DepositRequest) entities.MatchOutcome {
			return decideMatch(candidates, ev.Amount.String(), depositUnits, toleranceUnits)
		})
	if err != nil {
		return fmt.Errorf("apply match for %s: %w", ev.TxHash, err)
	}

	if outcome.ApproveID != nil {
		s.metrics.RequestsMatched.Inc()
		s.logger.Info("Deposit request matched",
			"request_id", outcome.ApproveID,
			"tx_hash", ev.TxHash,
			"amount", ev.Amount.String())
	}
	if outcome.RejectID != nil {
		s.logger.Info("Deposit request rejected",
			"request_id", outcome.RejectID,
			"note", outcome.RejectNote)
	}
	return nil
}

// decideMatch implements the tolerance-matching policy over a locked,
// newest-first candidate set. Amounts compare as fixed-point integers
// at AmountPrecision so float drift can never flip a decision.
//
// A candidate qualifies when its declared amount does not exceed the
// deposited amount by more than the tolerance. The smallest absolute
// difference wins; on a tie the newest request wins (the set arrives
// newest-first, so strict less-than keeps the earlier element). With no
// qualifier, the closest candidate is rejected with an underpayment
// note instead of being left orphaned. Any pending request transiently
// holding this tx hash that does not win is released so it can match a
// future transfer.
func decideMatch(candidates []*entities.DepositRequest, depositAmount string, depositUnits, toleranceUnits int64) entities.MatchOutcome {
	var outcome entities.MatchOutcome

	// The contest for this hash may already be over
	for _, c := range candidates {
		if c.Status == entities.DepositRequestApproved {
			outcome.ReleaseIDs = releaseLosers(candidates, c.ID)
			outcome.ReleaseNote = releaseMatchedNote
			return outcome
		}
	}

	var winner, closest *entities.DepositRequest
	var winnerDiff, closestDiff int64
	for _, c := range candidates {
		if c.Status != entities.DepositRequestPending {
			continue
		}
		declared := c.AmountUnits()
		diff := declared - depositUnits
		if diff < 0 {
			diff = -diff
		}
		if closest == nil || diff < closestDiff {
			closest, closestDiff = c, diff
		}
		if declared <= depositUnits+toleranceUnits {
			if winner == nil || diff < winnerDiff {
				winner, winnerDiff = c, diff
			}
		}
	}

	switch {
	case winner != nil:
		outcome.ApproveID = &winner.ID
		outcome.ReleaseIDs = releaseLosers(candidates, winner.ID)
		outcome.ReleaseNote = releaseMatchedNote
	case closest != nil:
		outcome.RejectID = &closest.ID
		outcome.RejectNote = fmt.Sprintf("underpaid: expected %s, received %s",
			closest.Amount.String(), depositAmount)
		outcome.ReleaseIDs = releaseLosers(candidates, closest.ID)
		outcome.ReleaseNote = releaseUnmatchedNote
	}
	return outcome
}

const (
	releaseMatchedNote   = "released: transfer matched to another request"
	releaseUnmatchedNote = "released: transfer did not match this request"
)

func releaseLosers(candidates []*entities.DepositRequest, keep uuid.UUID) []uuid.UUID {
	var ids []uuid.UUID
	for _, c := range candidates {
		if c.ID != keep && c.Status == entities.DepositRequestPending && c.TxHash != nil {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// ExpireStale rejects pending requests that outlived the TTL without
// ever attracting a transfer. Runs every pass; safe alongside matching
// because the matcher's TTL filter already excludes these rows.
func (s *MatchingService) ExpireStale(ctx context.Context) (int64, error) {
	cutoff := s.clk.Now().Add(-s.cfg.RequestTTL)
	expired, err := s.requests.ExpirePending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire pending requests: %w", err)
	}
	if expired > 0 {
		s.metrics.RequestsExpired.Add(float64(expired))
		s.logger.Info("Expired stale deposit requests", "count", expired)
	}
	return expired, nil
}
