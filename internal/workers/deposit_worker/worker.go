package deposit_worker

import (
	"context"
	"fmt"
	"time"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/pkg/clock"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/metrics"
)

// CreditEngine turns confirmed observations into ledger credits
type CreditEngine interface {
	CreditConfirmed(ctx context.Context, limit int) ([]*entities.ChainDepositEvent, error)
}

// IntentMatcher reconciles credited events against open deposit requests
type IntentMatcher interface {
	MatchDeposit(ctx context.Context, ev *entities.ChainDepositEvent) error
	ExpireStale(ctx context.Context) (int64, error)
}

// ChainScanner ingests transfers straight from the chain log interface
type ChainScanner interface {
	ScanPass(ctx context.Context, since time.Time) (bool, error)
}

// IndexerPoller ingests transfers from the history-API fallback
type IndexerPoller interface {
	PollPass(ctx context.Context) (bool, error)
}

// HeartbeatPublisher records the worker's pass status for the admin layer
type HeartbeatPublisher interface {
	Publish(ctx context.Context, status entities.WorkerStatus)
}

// Worker is the deposit-side reconciliation loop: each pass sweeps
// expired requests, credits confirmed events, matches them to intents,
// and then runs the pull-based ingestion sources. It sleeps the busy
// interval after a productive pass and the idle interval otherwise.
type Worker struct {
	credit    CreditEngine
	matcher   IntentMatcher
	scanner   ChainScanner
	poller    IndexerPoller
	heartbeat HeartbeatPublisher
	clk       clock.Clock
	metrics   *metrics.Metrics
	logger    *logger.Logger
	cfg       Config
	stopCh    chan struct{}
	passCount int64
	recentLog []string
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
	CreditBatch  int
	RequestTTL   time.Duration
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		BusyInterval: 5 * time.Second,
		IdleInterval: 30 * time.Second,
		CreditBatch:  100,
		RequestTTL:   24 * time.Hour,
	}
}

// NewWorker creates a new deposit worker
func NewWorker(credit CreditEngine, matcher IntentMatcher, scanner ChainScanner, poller IndexerPoller, heartbeat HeartbeatPublisher, clk clock.Clock, m *metrics.Metrics, log *logger.Logger, cfg Config) *Worker {
	return &Worker{
		credit:    credit,
		matcher:   matcher,
		scanner:   scanner,
		poller:    poller,
		heartbeat: heartbeat,
		clk:       clk,
		metrics:   m,
		logger:    log,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the loop until Stop or context cancellation. Passes are
// never cancelled mid-flight; the loop only exits between them, which
// keeps every pass crash-consistent.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting deposit worker",
		"busy_interval", w.cfg.BusyInterval.String(),
		"idle_interval", w.cfg.IdleInterval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Deposit worker stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("Deposit worker stopped")
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

// RunOnce runs a single reconciliation pass and reports whether it did
// any work. A panic in one pass is logged and absorbed so a poisoned
// item can never kill the loop.
func (w *Worker) RunOnce(ctx context.Context) (didWork bool) {
	start := w.clk.Now()
	var lastErr string

	defer func() {
		if r := recover(); r != nil {
			lastErr = fmt.Sprintf("panic: %v", r)
			w.note("pass panicked: %v", r)
			w.logger.Error("Deposit pass panicked", "panic", r)
		}
		w.passCount++
		w.metrics.WorkerPassDuration.WithLabelValues("deposit").Observe(w.clk.Now().Sub(start).Seconds())
		w.metrics.WorkerLastPass.WithLabelValues("deposit").Set(float64(w.clk.Now().Unix()))
		w.heartbeat.Publish(ctx, entities.WorkerStatus{
			Worker:     "deposit",
			LastPassAt: w.clk.Now(),
			DidWork:    didWork,
			PassCount:  w.passCount,
			LastError:  lastErr,
			RecentLog:  append([]string(nil), w.recentLog...),
		})
	}()

	if expired, err := w.matcher.ExpireStale(ctx); err != nil {
		lastErr = err.Error()
		w.note("expiry sweep failed: %v", err)
		w.logger.Error("Expiry sweep failed", "error", err)
	} else if expired > 0 {
		didWork = true
		w.note("expired %d stale requests", expired)
	}

	credited, err := w.credit.CreditConfirmed(ctx, w.cfg.CreditBatch)
	if err != nil {
		lastErr = err.Error()
		w.note("credit pass failed: %v", err)
		w.logger.Error("Credit pass failed", "error", err)
	}
	if len(credited) > 0 {
		w.note("credited %d deposits", len(credited))
	}
	for _, ev := range credited {
		didWork = true
		if err := w.matcher.MatchDeposit(ctx, ev); err != nil {
			lastErr = err.Error()
			w.note("matching failed for %s: %v", ev.TxHash, err)
			w.logger.Error("Matching failed", "error", err, "tx_hash", ev.TxHash)
		}
	}

	if found, err := w.poller.PollPass(ctx); err != nil {
		lastErr = err.Error()
		w.note("indexer poll failed: %v", err)
		w.logger.Error("Indexer poll failed", "error", err)
	} else if found {
		didWork = true
		w.note("indexer poll observed transfers")
	}

	since := w.clk.Now().Add(-w.cfg.RequestTTL)
	if found, err := w.scanner.ScanPass(ctx, since); err != nil {
		lastErr = err.Error()
		w.note("chain scan failed: %v", err)
		w.logger.Error("Chain scan failed", "error", err)
	} else if found {
		didWork = true
		w.note("chain scan observed transfers")
	}

	return didWork
}
