package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/pkg/logger"
)

type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) FindOrCreate(ctx context.Context, ev *entities.ChainDepositEvent) (*entities.ChainDepositEvent, bool, error) {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*entities.ChainDepositEvent), args.Bool(1), args.Error(2)
}

func (m *MockEventStore) ListCreditable(ctx context.Context, maxBlock int64, minAmount string, limit int) ([]*entities.ChainDepositEvent, error) {
	args := m.Called(ctx, maxBlock, minAmount, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.ChainDepositEvent), args.Error(1)
}

type MockAddressBook struct {
	mock.Mock
}

func (m *MockAddressBook) Resolve(ctx context.Context, address string) (uuid.UUID, bool, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(uuid.UUID), args.Bool(1), args.Error(2)
}

type MockCreditLedger struct {
	mock.Mock
}

func (m *MockCreditLedger) CreditDepositEvent(ctx context.Context, eventID uuid.UUID) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

type MockHeadSource struct {
	mock.Mock
}

func (m *MockHeadSource) BlockNumber(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func testChainConfig() config.ChainConfig {
	return config.ChainConfig{
		ChainTag:      "BSC",
		TokenSymbol:   "USDT",
		TokenDecimals: 18,
		Confirmations: 12,
	}
}

func newCreditService(events *MockEventStore, book *MockAddressBook, ledger *MockCreditLedger, head *MockHeadSource) *CreditService {
	return NewCreditService(events, book, ledger, head, testChainConfig(), config.DepositConfig{
		MinAmount: decimal.RequireFromString("1"),
	}, newTestMetrics(), logger.New("error", "test"))
}

func TestObserveNormalizesAndResolvesUser(t *testing.T) {
	events := &MockEventStore{}
	book := &MockAddressBook{}
	userID := uuid.New()

	book.On("Resolve", mock.Anything, "0xabcdef").Return(userID, true, nil)
	events.On("FindOrCreate", mock.Anything, mock.MatchedBy(func(ev *entities.ChainDepositEvent) bool {
		return ev.TxHash == "0xdeadbeef" &&
			ev.ToAddress == "0xabcdef" &&
			ev.UserID != nil && *ev.UserID == userID &&
			ev.Amount.Equal(decimal.RequireFromString("1.5")) &&
			ev.Chain == "BSC" && ev.Token == "USDT"
	})).Return(&entities.ChainDepositEvent{TxHash: "0xdeadbeef"}, true, nil)

	svc := newCreditService(events, book, &MockCreditLedger{}, &MockHeadSource{})
	_, created, err := svc.Observe(context.Background(), &entities.TransferEvent{
		TxHash:        "0xDEADBEEF",
		LogIndex:      3,
		BlockNumber:   100,
		ToAddress:     "0xABCDEF",
		RawAmount:     decimal.RequireFromString("1500000000000000000"),
		TokenDecimals: 18,
		Source:        entities.SourceScan,
	})
	require.NoError(t, err)
	assert.True(t, created)
	events.AssertExpectations(t)
	book.AssertExpectations(t)
}

func TestObserveUnknownRecipientStoredWithoutUser(t *testing.T) {
	events := &MockEventStore{}
	book := &MockAddressBook{}

	book.On("Resolve", mock.Anything, mock.Anything).Return(uuid.Nil, false, nil)
	events.On("FindOrCreate", mock.Anything, mock.MatchedBy(func(ev *entities.ChainDepositEvent) bool {
		return ev.UserID == nil
	})).Return(&entities.ChainDepositEvent{}, true, nil)

	svc := newCreditService(events, book, &MockCreditLedger{}, &MockHeadSource{})
	_, _, err := svc.Observe(context.Background(), &entities.TransferEvent{
		TxHash:        "0xaa",
		ToAddress:     "0xstranger",
		RawAmount:     decimal.New(1, 18),
		TokenDecimals: 18,
		Source:        entities.SourceWebhook,
	})
	require.NoError(t, err)
	events.AssertExpectations(t)
}

func TestCreditConfirmedGatesOnSafeHead(t *testing.T) {
	events := &MockEventStore{}
	ledger := &MockCreditLedger{}
	head := &MockHeadSource{}

	head.On("BlockNumber", mock.Anything).Return(int64(1000), nil)
	// Only events at or below block 988 (1000 - 12) are requested
	events.On("ListCreditable", mock.Anything, int64(988), "1", 50).
		Return([]*entities.ChainDepositEvent{}, nil)

	svc := newCreditService(events, &MockAddressBook{}, ledger, head)
	credited, err := svc.CreditConfirmed(context.Background(), 50)
	require.NoError(t, err)
	assert.Empty(t, credited)
	events.AssertExpectations(t)
}

func TestCreditConfirmedAppliesEachEventOnce(t *testing.T) {
	events := &MockEventStore{}
	ledger := &MockCreditLedger{}
	head := &MockHeadSource{}

	first := &entities.ChainDepositEvent{ID: uuid.New(), TxHash: "0x1", Source: entities.SourceScan}
	second := &entities.ChainDepositEvent{ID: uuid.New(), TxHash: "0x2", Source: entities.SourceWebhook}

	head.On("BlockNumber", mock.Anything).Return(int64(1000), nil)
	events.On("ListCreditable", mock.Anything, int64(988), "1", 50).
		Return([]*entities.ChainDepositEvent{first, second}, nil)
	ledger.On("CreditDepositEvent", mock.Anything, first.ID).Return(true, nil)
	// Another worker credited this one between list and lock
	ledger.On("CreditDepositEvent", mock.Anything, second.ID).Return(false, nil)

	svc := newCreditService(events, &MockAddressBook{}, ledger, head)
	credited, err := svc.CreditConfirmed(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, credited, 1)
	assert.Equal(t, first.ID, credited[0].ID)
	ledger.AssertExpectations(t)
}

func TestCreditConfirmedOneFailureDoesNotBlockOthers(t *testing.T) {
	events := &MockEventStore{}
	ledger := &MockCreditLedger{}
	head := &MockHeadSource{}

	bad := &entities.ChainDepositEvent{ID: uuid.New(), TxHash: "0xbad", Source: entities.SourceScan}
	good := &entities.ChainDepositEvent{ID: uuid.New(), TxHash: "0xgood", Source: entities.SourceScan}

	head.On("BlockNumber", mock.Anything).Return(int64(1000), nil)
	events.On("ListCreditable", mock.Anything, int64(988), "1", 50).
		Return([]*entities.ChainDepositEvent{bad, good}, nil)
	ledger.On("CreditDepositEvent", mock.Anything, bad.ID).Return(false, errors.New("deadlock"))
	ledger.On("CreditDepositEvent", mock.Anything, good.ID).Return(true, nil)

	svc := newCreditService(events, &MockAddressBook{}, ledger, head)
	credited, err := svc.CreditConfirmed(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, credited, 1)
	assert.Equal(t, good.ID, credited[0].ID)
}

func TestCreditConfirmedHeadFailure(t *testing.T) {
	head := &MockHeadSource{}
	head.On("BlockNumber", mock.Anything).Return(int64(0), errors.New("rpc timeout"))

	svc := newCreditService(&MockEventStore{}, &MockAddressBook{}, &MockCreditLedger{}, head)
	_, err := svc.CreditConfirmed(context.Background(), 50)
	assert.Error(t, err)
}
