package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/internal/infrastructure/chain"
	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/pkg/clock"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/ratelimit"
	"github.com/shopspring/decimal"
)

type MockLogSource struct {
	mock.Mock
}

func (m *MockLogSource) BlockNumber(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLogSource) FilterTransferLogs(ctx context.Context, recipient string, fromBlock, toBlock int64) ([]chain.TransferLog, error) {
	args := m.Called(ctx, recipient, fromBlock, toBlock)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]chain.TransferLog), args.Error(1)
}

// memoryCursors is an in-memory CursorStore and StringCursorStore
type memoryCursors struct {
	mu      sync.Mutex
	blocks  map[string]int64
	strings map[string]string
}

func newMemoryCursors() *memoryCursors {
	return &memoryCursors{blocks: make(map[string]int64), strings: make(map[string]string)}
}

func (c *memoryCursors) GetBlock(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[key], nil
}

func (c *memoryCursors) SetBlock(_ context.Context, key string, block int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[key] = block
	return nil
}

func (c *memoryCursors) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.strings[key]
	return v, ok, nil
}

func (c *memoryCursors) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[key] = value
	return nil
}

type staticIntents struct{ addrs []string }

func (s staticIntents) AddressesWithOpenIntent(context.Context, time.Time) ([]string, error) {
	return s.addrs, nil
}

type staticAddresses struct{ addrs []string }

func (s staticAddresses) ListAll(context.Context) ([]string, error) { return s.addrs, nil }

// recordingIngestor captures observed events without a database
type recordingIngestor struct {
	mu     sync.Mutex
	events []*entities.TransferEvent
}

func (r *recordingIngestor) Observe(_ context.Context, t *entities.TransferEvent) (*entities.ChainDepositEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
	return &entities.ChainDepositEvent{TxHash: t.TxHash}, true, nil
}

func newScanService(logs *MockLogSource, cursors *memoryCursors, intents IntentSource, ingestor Ingestor, caps *chain.ProviderCapabilities) *ScanService {
	gate := ratelimit.NewGate(0, clock.NewFake(time.Now()))
	return NewScanService(logs, cursors, intents, staticAddresses{}, ingestor, caps, gate,
		config.DepositConfig{IntentLookback: 1000, FullLookback: 50000, MaxWindows: 10},
		testChainConfig(), newTestMetrics(), logger.New("error", "test"))
}

func TestScanResumesFromCursorPlusOne(t *testing.T) {
	logs := &MockLogSource{}
	cursors := newMemoryCursors()
	ingestor := &recordingIngestor{}
	addr := "0xaaa"

	require.NoError(t, cursors.SetBlock(context.Background(), scanKeyIntent+addr, 900))

	logs.On("BlockNumber", mock.Anything).Return(int64(1012), nil)
	// safeHead = 1000; cursor at 900 means the next query starts at 901
	logs.On("FilterTransferLogs", mock.Anything, addr, int64(901), int64(1000)).
		Return([]chain.TransferLog{}, nil)

	svc := newScanService(logs, cursors, staticIntents{[]string{addr}}, ingestor, chain.NewProviderCapabilities(10000))
	_, err := svc.ScanPass(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	logs.AssertExpectations(t)

	stored, _ := cursors.GetBlock(context.Background(), scanKeyIntent+addr)
	assert.Equal(t, int64(1000), stored)
}

func TestScanFastForwardsColdCursor(t *testing.T) {
	logs := &MockLogSource{}
	cursors := newMemoryCursors()
	addr := "0xbbb"

	logs.On("BlockNumber", mock.Anything).Return(int64(100012), nil)
	// safeHead = 100000, lookback 1000: cold cursor jumps to 99000
	logs.On("FilterTransferLogs", mock.Anything, addr, int64(99001), int64(100000)).
		Return([]chain.TransferLog{}, nil)

	svc := newScanService(logs, cursors, staticIntents{[]string{addr}}, &recordingIngestor{}, chain.NewProviderCapabilities(10000))
	_, err := svc.ScanPass(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	logs.AssertExpectations(t)
}

func TestScanShrinksWindowOnProviderRangeError(t *testing.T) {
	logs := &MockLogSource{}
	cursors := newMemoryCursors()
	addr := "0xccc"

	require.NoError(t, cursors.SetBlock(context.Background(), scanKeyIntent+addr, 99000))

	logs.On("BlockNumber", mock.Anything).Return(int64(100012), nil)
	logs.On("FilterTransferLogs", mock.Anything, addr, int64(99001), int64(100000)).
		Return(nil, errors.New("query returned more than 10000 results, block range limited to 500")).Once()
	// Retried with the provider-reported 500-block window
	logs.On("FilterTransferLogs", mock.Anything, addr, int64(99001), int64(99500)).
		Return([]chain.TransferLog{}, nil).Once()
	logs.On("FilterTransferLogs", mock.Anything, addr, int64(99501), int64(100000)).
		Return([]chain.TransferLog{}, nil).Once()

	caps := chain.NewProviderCapabilities(10000)
	svc := newScanService(logs, cursors, staticIntents{[]string{addr}}, &recordingIngestor{}, caps)
	_, err := svc.ScanPass(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	logs.AssertExpectations(t)
	assert.Equal(t, int64(500), caps.MaxBlockRange())
}

func TestScanObservesLogsWithScanSource(t *testing.T) {
	logs := &MockLogSource{}
	cursors := newMemoryCursors()
	ingestor := &recordingIngestor{}
	addr := "0xddd"

	require.NoError(t, cursors.SetBlock(context.Background(), scanKeyIntent+addr, 999))

	logs.On("BlockNumber", mock.Anything).Return(int64(1013), nil)
	logs.On("FilterTransferLogs", mock.Anything, addr, int64(1000), int64(1001)).
		Return([]chain.TransferLog{{
			TxHash:      "0xfeed",
			LogIndex:    2,
			BlockNumber: 1000,
			To:          addr,
			RawAmount:   decimal.New(5, 18),
		}}, nil)

	svc := newScanService(logs, cursors, staticIntents{[]string{addr}}, ingestor, chain.NewProviderCapabilities(10000))
	didWork, err := svc.ScanPass(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, didWork)
	require.Len(t, ingestor.events, 1)
	assert.Equal(t, entities.SourceScan, ingestor.events[0].Source)
	assert.Equal(t, "0xfeed", ingestor.events[0].TxHash)
}

func TestScanRateGateSkipsRecentlyScanned(t *testing.T) {
	logs := &MockLogSource{}
	cursors := newMemoryCursors()
	addr := "0xeee"

	logs.On("BlockNumber", mock.Anything).Return(int64(1013), nil)
	logs.On("FilterTransferLogs", mock.Anything, addr, mock.Anything, mock.Anything).
		Return([]chain.TransferLog{}, nil).Once()

	gate := ratelimit.NewGate(time.Minute, clock.NewFake(time.Now()))
	svc := NewScanService(logs, cursors, staticIntents{[]string{addr}}, staticAddresses{}, &recordingIngestor{}, chain.NewProviderCapabilities(10000), gate,
		config.DepositConfig{IntentLookback: 1000, MaxWindows: 10},
		testChainConfig(), newTestMetrics(), logger.New("error", "test"))

	_, err := svc.ScanPass(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	// A second pass inside the gate interval never queries the provider
	_, err = svc.ScanPass(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	logs.AssertNumberOfCalls(t, "FilterTransferLogs", 1)
}
