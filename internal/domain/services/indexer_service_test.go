package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/internal/infrastructure/adapters/indexer"
	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/pkg/clock"
	"github.com/chainledger/chainledger/pkg/logger"
)

type MockTransferHistory struct {
	mock.Mock
	enabled bool
}

func (m *MockTransferHistory) Enabled() bool { return m.enabled }

func (m *MockTransferHistory) GetTransfers(ctx context.Context, address string, fromBlock, toBlock int64, cursor string) (*indexer.TransfersPage, error) {
	args := m.Called(ctx, address, fromBlock, toBlock, cursor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*indexer.TransfersPage), args.Error(1)
}

func newIndexerService(history *MockTransferHistory, cursors *memoryCursors, head *MockHeadSource, ingestor Ingestor, addrs ...string) *IndexerService {
	cfg := testChainConfig()
	cfg.TokenAddress = "0xtoken"
	return NewIndexerService(history, cursors, head, staticAddresses{addrs}, ingestor,
		config.IndexerConfig{BaseURL: "http://indexer", APIKey: "k", WindowSize: 5000, MaxBackoff: 2},
		cfg, clock.NewFake(time.Now()), newTestMetrics(), logger.New("error", "test"))
}

func TestPollPassDisabledIsNoop(t *testing.T) {
	history := &MockTransferHistory{enabled: false}
	svc := newIndexerService(history, newMemoryCursors(), &MockHeadSource{}, &recordingIngestor{}, "0xaaa")

	didWork, err := svc.PollPass(context.Background())
	require.NoError(t, err)
	assert.False(t, didWork)
	history.AssertNotCalled(t, "GetTransfers")
}

func TestPollPassWalksWindowAndAdvancesCursor(t *testing.T) {
	history := &MockTransferHistory{enabled: true}
	cursors := newMemoryCursors()
	head := &MockHeadSource{}
	ingestor := &recordingIngestor{}
	addr := "0xAAA"

	require.NoError(t, cursors.Set(context.Background(), "indexer:0xaaa", `{"block":1000}`))

	head.On("BlockNumber", mock.Anything).Return(int64(10012), nil)
	// safeHead 10000; window [1001, 6000]
	history.On("GetTransfers", mock.Anything, addr, int64(1001), int64(6000), "").
		Return(&indexer.TransfersPage{
			Result: []indexer.Transfer{{
				TxHash:       "0x1",
				LogIndex:     0,
				BlockNumber:  1500,
				TokenAddress: "0xTOKEN",
				ToAddress:    addr,
				Value:        "1000000000000000000",
			}},
		}, nil)

	svc := newIndexerService(history, cursors, head, ingestor, addr)
	didWork, err := svc.PollPass(context.Background())
	require.NoError(t, err)
	assert.True(t, didWork)
	require.Len(t, ingestor.events, 1)
	assert.Equal(t, entities.SourceIndexer, ingestor.events[0].Source)

	stored, _, _ := cursors.Get(context.Background(), "indexer:0xaaa")
	assert.JSONEq(t, `{"block":6000}`, stored)
}

func TestPollPassResumesMidPagination(t *testing.T) {
	history := &MockTransferHistory{enabled: true}
	cursors := newMemoryCursors()
	head := &MockHeadSource{}
	addr := "0xbbb"

	// A crash left a pagination token behind; the same page is requested
	require.NoError(t, cursors.Set(context.Background(), "indexer:0xbbb", `{"block":2000,"cursor":"tok-3"}`))

	head.On("BlockNumber", mock.Anything).Return(int64(10012), nil)
	history.On("GetTransfers", mock.Anything, addr, int64(2001), int64(7000), "tok-3").
		Return(&indexer.TransfersPage{Cursor: "tok-4"}, nil).Once()
	history.On("GetTransfers", mock.Anything, addr, int64(2001), int64(7000), "tok-4").
		Return(&indexer.TransfersPage{}, nil).Once()

	svc := newIndexerService(history, cursors, head, &recordingIngestor{}, addr)
	_, err := svc.PollPass(context.Background())
	require.NoError(t, err)
	history.AssertExpectations(t)

	stored, _, _ := cursors.Get(context.Background(), "indexer:0xbbb")
	assert.JSONEq(t, `{"block":7000}`, stored)
}

func TestPollPassRateLimitDoesNotAdvanceCursor(t *testing.T) {
	history := &MockTransferHistory{enabled: true}
	cursors := newMemoryCursors()
	head := &MockHeadSource{}
	addr := "0xccc"

	require.NoError(t, cursors.Set(context.Background(), "indexer:0xccc", `{"block":3000}`))

	head.On("BlockNumber", mock.Anything).Return(int64(10012), nil)
	history.On("GetTransfers", mock.Anything, addr, int64(3001), int64(8000), "").
		Return(nil, indexer.ErrRateLimited)

	svc := newIndexerService(history, cursors, head, &recordingIngestor{}, addr)
	didWork, err := svc.PollPass(context.Background())
	require.NoError(t, err)
	assert.False(t, didWork)

	// The cursor stays put so the same window is retried next pass
	stored, _, _ := cursors.Get(context.Background(), "indexer:0xccc")
	assert.JSONEq(t, `{"block":3000}`, stored)
}

func TestPollPassFiltersForeignTokens(t *testing.T) {
	history := &MockTransferHistory{enabled: true}
	cursors := newMemoryCursors()
	head := &MockHeadSource{}
	ingestor := &recordingIngestor{}
	addr := "0xddd"

	require.NoError(t, cursors.Set(context.Background(), "indexer:0xddd", `{"block":4000}`))

	head.On("BlockNumber", mock.Anything).Return(int64(10012), nil)
	history.On("GetTransfers", mock.Anything, addr, int64(4001), int64(9000), "").
		Return(&indexer.TransfersPage{
			Result: []indexer.Transfer{{
				TxHash:       "0x2",
				TokenAddress: "0xother",
				ToAddress:    addr,
				Value:        "1",
			}},
		}, nil)

	svc := newIndexerService(history, cursors, head, ingestor, addr)
	didWork, err := svc.PollPass(context.Background())
	require.NoError(t, err)
	assert.False(t, didWork)
	assert.Empty(t, ingestor.events)
}
