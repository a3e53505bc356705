package withdrawal_worker

import (
	"context"
	"fmt"
	"time"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/pkg/clock"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/metrics"
)

// Dispatcher drives withdrawal requests through their state machine
type Dispatcher interface {
	RecoverStuck(ctx context.Context) (int, error)
	ConfirmInFlight(ctx context.Context) (int, error)
	ProcessPending(ctx context.Context) (int, error)
}

// HeartbeatPublisher records the worker's pass status for the admin layer
type HeartbeatPublisher interface {
	Publish(ctx context.Context, status entities.WorkerStatus)
}

// Worker is the withdrawal-side reconciliation loop. Pass order matters:
// stuck recovery first, then confirmation of in-flight broadcasts, then
// new dispatch, so a recovered or settled request frees capacity before
// new work claims it.
type Worker struct {
	dispatcher Dispatcher
	heartbeat  HeartbeatPublisher
	clk        clock.Clock
	metrics    *metrics.Metrics
	logger     *logger.Logger
	cfg        Config
	stopCh     chan struct{}
	passCount  int64
	recentLog  []string
}

// recentLogSize bounds the event ring carried in the heartbeat blob
const recentLogSize = 10

func (w *Worker) note(format string, args ...any) {
	line := w.clk.Now().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
	w.recentLog = append(w.recentLog, line)
	if len(w.recentLog) > recentLogSize {
		w.recentLog = w.recentLog[len(w.recentLog)-recentLogSize:]
	}
}

// Config holds worker configuration
type Config struct {
	BusyInterval time.Duration
	IdleInterval time.Duration
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		BusyInterval: 5 * time.Second,
		IdleInterval: 30 * time.Second,
	}
}

// NewWorker creates a new withdrawal worker
func NewWorker(dispatcher Dispatcher, heartbeat HeartbeatPublisher, clk clock.Clock, m *metrics.Metrics, log *logger.Logger, cfg Config) *Worker {
	return &Worker{
		dispatcher: dispatcher,
		heartbeat:  heartbeat,
		clk:        clk,
		metrics:    m,
		logger:     log,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the loop until Stop or context cancellation
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting withdrawal worker",
		"busy_interval", w.cfg.BusyInterval.String(),
		"idle_interval", w.cfg.IdleInterval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Withdrawal worker stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("Withdrawal worker stopped")
			return
		default:
		}

		didWork := w.RunOnce(ctx)

		interval := w.cfg.IdleInterval
		if didWork {
			interval = w.cfg.BusyInterval
		}
		w.clk.Sleep(ctx, interval)
	}
}

// Stop stops the worker after the current pass
func (w *Worker) Stop() {
	close(w.stopCh)
}

// RunOnce runs a single pass and reports whether it did any work
func (w *Worker) RunOnce(ctx context.Context) (didWork bool) {
	start := w.clk.Now()
	var lastErr string

	defer func() {
		if r := recover(); r != nil {
			lastErr = fmt.Sprintf("panic: %v", r)
			w.note("pass panicked: %v", r)
			w.logger.Error("Withdrawal pass panicked", "panic", r)
		}
		w.passCount++
		w.metrics.WorkerPassDuration.WithLabelValues("withdrawal").Observe(w.clk.Now().Sub(start).Seconds())
		w.metrics.WorkerLastPass.WithLabelValues("withdrawal").Set(float64(w.clk.Now().Unix()))
		w.heartbeat.Publish(ctx, entities.WorkerStatus{
			Worker:     "withdrawal",
			LastPassAt: w.clk.Now(),
			DidWork:    didWork,
			PassCount:  w.passCount,
			LastError:  lastErr,
			RecentLog:  append([]string(nil), w.recentLog...),
		})
	}()

	if recovered, err := w.dispatcher.RecoverStuck(ctx); err != nil {
		lastErr = err.Error()
		w.note("stuck recovery failed: %v", err)
		w.logger.Error("Stuck recovery failed", "error", err)
	} else if recovered > 0 {
		didWork = true
		w.note("recovered %d stuck withdrawals", recovered)
	}

	if resolved, err := w.dispatcher.ConfirmInFlight(ctx); err != nil {
		lastErr = err.Error()
		w.note("confirmation pass failed: %v", err)
		w.logger.Error("Confirmation pass failed", "error", err)
	} else if resolved > 0 {
		didWork = true
		w.note("resolved %d in-flight withdrawals", resolved)
	}

	if dispatched, err := w.dispatcher.ProcessPending(ctx); err != nil {
		lastErr = err.Error()
		w.note("dispatch pass failed: %v", err)
		w.logger.Error("Dispatch pass failed", "error", err)
	} else if dispatched > 0 {
		didWork = true
		w.note("dispatched %d withdrawals", dispatched)
	}

	return didWork
}
