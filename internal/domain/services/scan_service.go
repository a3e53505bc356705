package services

import (
	"context"
	"fmt"
	"time"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/internal/infrastructure/chain"
	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/metrics"
	"github.com/chainledger/chainledger/pkg/ratelimit"
)

// LogSource queries token-transfer logs over a block range
type LogSource interface {
	BlockNumber(ctx context.Context) (int64, error)
	FilterTransferLogs(ctx context.Context, recipient string, fromBlock, toBlock int64) ([]chain.TransferLog, error)
}

// CursorStore persists per-key scan progress
type CursorStore interface {
	GetBlock(ctx context.Context, key string) (int64, error)
	SetBlock(ctx context.Context, key string, block int64) error
}

// IntentSource lists the addresses worth scanning
type IntentSource interface {
	AddressesWithOpenIntent(ctx context.Context, since time.Time) ([]string, error)
}

// AddressLister enumerates every known deposit address
type AddressLister interface {
	ListAll(ctx context.Context) ([]string, error)
}

// Ingestor funnels normalized events into the credit engine
type Ingestor interface {
	Observe(ctx context.Context, t *entities.TransferEvent) (*entities.ChainDepositEvent, bool, error)
}

// Scan cursor tiers. Addresses with an open deposit intent get a short
// lookback on a fast cadence; the optional full sweep covers every
// known address with a longer lookback. Separate keys keep the two
// policies from starving each other.
const (
	scanKeyIntent = "scan:intent:"
	scanKeyAll    = "scan:all:"
)

// ScanService walks the chain log interface directly, per address, from
// a persisted cursor up to the safe head. This is the source of last
// resort: it needs no third party beyond the RPC provider itself.
type ScanService struct {
	logs    LogSource
	cursors CursorStore
	intents IntentSource
	book    AddressLister
	credit  Ingestor
	caps    *chain.ProviderCapabilities
	gate    *ratelimit.Gate
	cfg     config.DepositConfig
	chain   config.ChainConfig
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewScanService creates a new scan service
func NewScanService(logs LogSource, cursors CursorStore, intents IntentSource, book AddressLister, credit Ingestor, caps *chain.ProviderCapabilities, gate *ratelimit.Gate, cfg config.DepositConfig, chainCfg config.ChainConfig, m *metrics.Metrics, log *logger.Logger) *ScanService {
	return &ScanService{
		logs:    logs,
		cursors: cursors,
		intents: intents,
		book:    book,
		credit:  credit,
		caps:    caps,
		gate:    gate,
		cfg:     cfg,
		chain:   chainCfg,
		metrics: m,
		logger:  log,
	}
}

// ScanPass runs one scan over both address tiers. Returns true when any
// new event was observed.
func (s *ScanService) ScanPass(ctx context.Context, since time.Time) (bool, error) {
	head, err := s.logs.BlockNumber(ctx)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("rpc").Inc()
		return false, fmt.Errorf("get block number: %w", err)
	}
	safeHead := head - s.chain.Confirmations
	if safeHead <= 0 {
		return false, nil
	}

	didWork := false

	intentAddrs, err := s.intents.AddressesWithOpenIntent(ctx, since)
	if err != nil {
		return false, fmt.Errorf("list open-intent addresses: %w", err)
	}
	for _, addr := range intentAddrs {
		found, err := s.scanAddress(ctx, scanKeyIntent+addr, addr, safeHead, s.cfg.IntentLookback, "intent")
		if err != nil {
			s.logger.Error("Intent scan failed", "error", err, "address", addr)
			continue
		}
		didWork = didWork || found
	}

	if s.cfg.FullScan {
		allAddrs, err := s.book.ListAll(ctx)
		if err != nil {
			return didWork, fmt.Errorf("list all addresses: %w", err)
		}
		for _, addr := range allAddrs {
			found, err := s.scanAddress(ctx, scanKeyAll+addr, addr, safeHead, s.cfg.FullLookback, "full")
			if err != nil {
				s.logger.Error("Full scan failed", "error", err, "address", addr)
				continue
			}
			didWork = didWork || found
		}
	}

	return didWork, nil
}

// scanAddress advances one cursor key toward the safe head in bounded
// windows. A provider range rejection shrinks the cached window and the
// same span is retried; the cursor only advances past ranges that were
// actually queried, so a crash mid-pass never skips blocks.
func (s *ScanService) scanAddress(ctx context.Context, key, address string, safeHead, lookback int64, tier string) (bool, error) {
	if !s.gate.Allow(address) {
		return false, nil
	}

	cursor, err := s.cursors.GetBlock(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get cursor %s: %w", key, err)
	}
	// Fast-forward a cold or lagging cursor to the lookback floor
	if floor := safeHead - lookback; cursor < floor {
		cursor = floor
	}

	s.metrics.ScanLagBlocks.WithLabelValues(tier).Set(float64(safeHead - cursor))

	found := false
	from := cursor + 1
	for windows := 0; from <= safeHead && windows < s.cfg.MaxWindows; windows++ {
		to := from + s.caps.MaxBlockRange() - 1
		if to > safeHead {
			to = safeHead
		}

		logs, err := s.logs.FilterTransferLogs(ctx, address, from, to)
		if err != nil {
			if chain.IsRangeError(err) {
				if shrunk, ok := s.caps.ShrinkFromError(err); ok {
					s.logger.Warn("Provider rejected block range, shrinking window",
						"max_block_range", shrunk, "from", from, "to", to)
					continue // retry the same span with the smaller window
				}
			}
			s.metrics.ProviderErrors.WithLabelValues("rpc").Inc()
			return found, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
		}

		for _, l := range logs {
			_, created, err := s.credit.Observe(ctx, &entities.TransferEvent{
				TxHash:        l.TxHash,
				LogIndex:      l.LogIndex,
				BlockNumber:   l.BlockNumber,
				TokenAddress:  l.Token,
				ToAddress:     l.To,
				RawAmount:     l.RawAmount,
				TokenDecimals: s.chain.TokenDecimals,
				Source:        entities.SourceScan,
			})
			if err != nil {
				return found, err
			}
			found = found || created
		}

		if err := s.cursors.SetBlock(ctx, key, to); err != nil {
			return found, fmt.Errorf("persist cursor %s: %w", key, err)
		}
		from = to + 1
	}
	return found, nil
}
