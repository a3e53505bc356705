package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/internal/infrastructure/adapters/indexer"
	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/pkg/clock"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/metrics"
)

// TransferHistory is the paginated third-party transfer-history API
type TransferHistory interface {
	Enabled() bool
	GetTransfers(ctx context.Context, address string, fromBlock, toBlock int64, cursor string) (*indexer.TransfersPage, error)
}

// StringCursorStore persists opaque cursor values
type StringCursorStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

const indexerKeyPrefix = "indexer:"

// indexerCursor is the persisted progress for one address: the last
// fully walked block plus the pagination token of a partially walked
// window. Persisting both together is what makes a crash mid-pagination
// resume on the same page instead of skipping it.
type indexerCursor struct {
	Block  int64  `json:"block"`
	Cursor string `json:"cursor,omitempty"`
}

// IndexerService polls the transfer-history API per address as a
// fallback for missed webhooks. It walks forward in bounded block
// windows from a persisted cursor.
type IndexerService struct {
	history TransferHistory
	cursors StringCursorStore
	head    HeadSource
	book    AddressLister
	credit  Ingestor
	cfg     config.IndexerConfig
	chain   config.ChainConfig
	clk     clock.Clock
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewIndexerService creates a new indexer polling service
func NewIndexerService(history TransferHistory, cursors StringCursorStore, head HeadSource, book AddressLister, credit Ingestor, cfg config.IndexerConfig, chainCfg config.ChainConfig, clk clock.Clock, m *metrics.Metrics, log *logger.Logger) *IndexerService {
	return &IndexerService{
		history: history,
		cursors: cursors,
		head:    head,
		book:    book,
		credit:  credit,
		cfg:     cfg,
		chain:   chainCfg,
		clk:     clk,
		metrics: m,
		logger:  log,
	}
}

// PollPass walks every known address one window forward. Returns true
// when any new event was observed. A disabled indexer is a silent no-op
// so deployments without an API key lose nothing but the fallback.
func (s *IndexerService) PollPass(ctx context.Context) (bool, error) {
	if !s.history.Enabled() {
		return false, nil
	}

	headBlock, err := s.head.BlockNumber(ctx)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("rpc").Inc()
		return false, fmt.Errorf("get block number: %w", err)
	}
	safeHead := headBlock - s.chain.Confirmations
	if safeHead <= 0 {
		return false, nil
	}

	addresses, err := s.book.ListAll(ctx)
	if err != nil {
		return false, fmt.Errorf("list addresses: %w", err)
	}

	didWork := false
	for _, addr := range addresses {
		found, err := s.pollAddress(ctx, addr, safeHead)
		if err != nil {
			if errors.Is(err, indexer.ErrRateLimited) {
				// Back off and leave the cursor alone; the same page is
				// retried next pass
				s.metrics.ProviderErrors.WithLabelValues("indexer").Inc()
				s.logger.Warn("Indexer rate limited, deferring remaining addresses")
				return didWork, nil
			}
			s.logger.Error("Indexer poll failed", "error", err, "address", addr)
			continue
		}
		didWork = didWork || found
	}
	return didWork, nil
}

func (s *IndexerService) pollAddress(ctx context.Context, address string, safeHead int64) (bool, error) {
	key := indexerKeyPrefix + strings.ToLower(address)
	cur, err := s.loadCursor(ctx, key, safeHead)
	if err != nil {
		return false, err
	}
	if cur.Block >= safeHead && cur.Cursor == "" {
		return false, nil
	}

	from := cur.Block + 1
	to := from + s.cfg.WindowSize - 1
	if to > safeHead {
		to = safeHead
	}

	found := false
	pageCursor := cur.Cursor
	for {
		page, err := s.fetchPage(ctx, address, from, to, pageCursor)
		if err != nil {
			return found, err
		}

		for _, t := range page.Result {
			if !strings.EqualFold(t.TokenAddress, s.chain.TokenAddress) {
				continue
			}
			raw, err := decimal.NewFromString(t.Value)
			if err != nil {
				s.logger.Warn("Skipping transfer with unparseable value",
					"tx_hash", t.TxHash, "value", t.Value)
				continue
			}
			_, created, err := s.credit.Observe(ctx, &entities.TransferEvent{
				TxHash:        t.TxHash,
				LogIndex:      t.LogIndex,
				BlockNumber:   t.BlockNumber,
				TokenAddress:  t.TokenAddress,
				ToAddress:     t.ToAddress,
				RawAmount:     raw,
				TokenDecimals: s.chain.TokenDecimals,
				Source:        entities.SourceIndexer,
			})
			if err != nil {
				return found, err
			}
			found = found || created
		}

		if page.Cursor == "" {
			// Window fully walked; advance the block cursor
			if err := s.saveCursor(ctx, key, indexerCursor{Block: to}); err != nil {
				return found, err
			}
			return found, nil
		}
		// More pages in this window: persist the token with the old
		// block so a crash resumes here
		pageCursor = page.Cursor
		if err := s.saveCursor(ctx, key, indexerCursor{Block: cur.Block, Cursor: pageCursor}); err != nil {
			return found, err
		}
	}
}

// fetchPage retries rate-limited requests with linear backoff, up to the
// configured attempt cap, without ever advancing the cursor.
func (s *IndexerService) fetchPage(ctx context.Context, address string, from, to int64, cursor string) (*indexer.TransfersPage, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxBackoff; attempt++ {
		if attempt > 0 {
			s.clk.Sleep(ctx, time.Duration(attempt)*time.Second)
		}
		page, err := s.history.GetTransfers(ctx, address, from, to, cursor)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, indexer.ErrRateLimited) {
			s.metrics.ProviderErrors.WithLabelValues("indexer").Inc()
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *IndexerService) loadCursor(ctx context.Context, key string, safeHead int64) (indexerCursor, error) {
	raw, ok, err := s.cursors.Get(ctx, key)
	if err != nil {
		return indexerCursor{}, fmt.Errorf("get cursor %s: %w", key, err)
	}
	if !ok {
		// Cold start: begin one window behind the safe head
		start := safeHead - s.cfg.WindowSize
		if start < 0 {
			start = 0
		}
		return indexerCursor{Block: start}, nil
	}
	var cur indexerCursor
	if err := json.Unmarshal([]byte(raw), &cur); err != nil {
		return indexerCursor{}, fmt.Errorf("decode cursor %s: %w", key, err)
	}
	return cur, nil
}

func (s *IndexerService) saveCursor(ctx context.Context, key string, cur indexerCursor) error {
	raw, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("encode cursor %s: %w", key, err)
	}
	if err := s.cursors.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("persist cursor %s: %w", key, err)
	}
	return nil
}
