package withdrawal_worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/pkg/clock"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/metrics"
)

type MockDispatcher struct {
	mock.Mock
	calls []string
}

func (m *MockDispatcher) RecoverStuck(ctx context.Context) (int, error) {
	m.calls = append(m.calls, "recover")
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockDispatcher) ConfirmInFlight(ctx context.Context) (int, error) {
	m.calls = append(m.calls, "confirm")
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockDispatcher) ProcessPending(ctx context.Context) (int, error) {
	m.calls = append(m.calls, "dispatch")
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type recordingHeartbeat struct {
	mu       sync.Mutex
	statuses []entities.WorkerStatus
}

func (r *recordingHeartbeat) Publish(_ context.Context, status entities.WorkerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func newTestWorker(d *MockDispatcher, hb *recordingHeartbeat, clk clock.Clock) *Worker {
	return NewWorker(d, hb, clk, metrics.New(prometheus.NewRegistry()),
		logger.New("error", "test"), DefaultConfig())
}

func TestRunOncePassOrder(t *testing.T) {
	d := &MockDispatcher{}
	d.On("RecoverStuck", mock.Anything).Return(0, nil)
	d.On("ConfirmInFlight", mock.Anything).Return(0, nil)
	d.On("ProcessPending", mock.Anything).Return(0, nil)

	w := newTestWorker(d, &recordingHeartbeat{}, clock.NewFake(time.Now()))
	didWork := w.RunOnce(context.Background())

	assert.False(t, didWork)
	assert.Equal(t, []string{"recover", "confirm", "dispatch"}, d.calls)
}

func TestRunOnceReportsWork(t *testing.T) {
	d := &MockDispatcher{}
	d.On("RecoverStuck", mock.Anything).Return(0, nil)
	d.On("ConfirmInFlight", mock.Anything).Return(2, nil)
	d.On("ProcessPending", mock.Anything).Return(0, nil)

	hb := &recordingHeartbeat{}
	w := newTestWorker(d, hb, clock.NewFake(time.Now()))

	assert.True(t, w.RunOnce(context.Background()))
	require.Len(t, hb.statuses, 1)
	assert.Equal(t, "withdrawal", hb.statuses[0].Worker)
	assert.True(t, hb.statuses[0].DidWork)
	assert.Equal(t, int64(1), hb.statuses[0].PassCount)
	require.Len(t, hb.statuses[0].RecentLog, 1)
	assert.Contains(t, hb.statuses[0].RecentLog[0], "resolved 2 in-flight withdrawals")
}

func TestRunOnceRecentLogIsBounded(t *testing.T) {
	d := &MockDispatcher{}
	d.On("RecoverStuck", mock.Anything).Return(1, nil)
	d.On("ConfirmInFlight", mock.Anything).Return(1, nil)
	d.On("ProcessPending", mock.Anything).Return(1, nil)

	hb := &recordingHeartbeat{}
	w := newTestWorker(d, hb, clock.NewFake(time.Now()))

	for i := 0; i < 20; i++ {
		w.RunOnce(context.Background())
	}
	last := hb.statuses[len(hb.statuses)-1]
	assert.Len(t, last.RecentLog, recentLogSize)
	// Oldest entries fall off; the tail is the most recent pass
	assert.Contains(t, last.RecentLog[recentLogSize-1], "dispatched 1 withdrawals")
}

func TestRunOnceOneFailingPassDoesNotBlockOthers(t *testing.T) {
	d := &MockDispatcher{}
	d.On("RecoverStuck", mock.Anything).Return(0, errors.New("db down"))
	d.On("ConfirmInFlight", mock.Anything).Return(1, nil)
	d.On("ProcessPending", mock.Anything).Return(0, nil)

	hb := &recordingHeartbeat{}
	w := newTestWorker(d, hb, clock.NewFake(time.Now()))

	assert.True(t, w.RunOnce(context.Background()))
	d.AssertExpectations(t)
	require.Len(t, hb.statuses, 1)
	assert.Contains(t, hb.statuses[0].LastError, "db down")
}

func TestRunOnceAbsorbsPanic(t *testing.T) {
	d := &MockDispatcher{}
	d.On("RecoverStuck", mock.Anything).Run(func(mock.Arguments) {
		panic("poisoned row")
	}).Return(0, nil)

	hb := &recordingHeartbeat{}
	w := newTestWorker(d, hb, clock.NewFake(time.Now()))

	assert.NotPanics(t, func() { w.RunOnce(context.Background()) })
	require.Len(t, hb.statuses, 1)
	assert.Contains(t, hb.statuses[0].LastError, "panic")
	require.NotEmpty(t, hb.statuses[0].RecentLog)
	assert.Contains(t, hb.statuses[0].RecentLog[0], "pass panicked")
}

func TestStartStopsOnStop(t *testing.T) {
	d := &MockDispatcher{}
	d.On("RecoverStuck", mock.Anything).Return(0, nil)
	d.On("ConfirmInFlight", mock.Anything).Return(0, nil)
	d.On("ProcessPending", mock.Anything).Return(0, nil)

	w := newTestWorker(d, &recordingHeartbeat{}, clock.Real{})
	w.cfg.BusyInterval = time.Millisecond
	w.cfg.IdleInterval = time.Millisecond

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
