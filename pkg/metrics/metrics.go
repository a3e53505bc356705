package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments published by the workers.
type Metrics struct {
	DepositsCredited    *prometheus.CounterVec
	DepositsObserved    *prometheus.CounterVec
	RequestsMatched     prometheus.Counter
	RequestsExpired     prometheus.Counter
	WithdrawalsByStatus *prometheus.CounterVec
	ScanLagBlocks       *prometheus.GaugeVec
	WorkerPassDuration  *prometheus.HistogramVec
	WorkerLastPass      *prometheus.GaugeVec
	ProviderErrors      *prometheus.CounterVec
}

// New registers and returns the worker metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DepositsCredited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainledger_deposits_credited_total",
			Help: "Ledger credits applied, labelled by ingestion source",
		}, []string{"source"}),
		DepositsObserved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainledger_deposits_observed_total",
			Help: "Candidate transfer events observed, labelled by ingestion source",
		}, []string{"source"}),
		RequestsMatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainledger_deposit_requests_matched_total",
			Help: "Deposit requests approved by the intent matcher",
		}),
		RequestsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainledger_deposit_requests_expired_total",
			Help: "Deposit requests rejected by the expiry sweep",
		}),
		WithdrawalsByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainledger_withdrawals_total",
			Help: "Withdrawal state transitions, labelled by resulting status",
		}, []string{"status"}),
		ScanLagBlocks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainledger_scan_lag_blocks",
			Help: "Distance between the safe head and the scan cursor, per tier",
		}, []string{"tier"}),
		WorkerPassDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chainledger_worker_pass_duration_seconds",
			Help:    "Duration of a full reconciliation pass",
			Buckets: prometheus.DefBuckets,
		}, []string{"worker"}),
		WorkerLastPass: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainledger_worker_last_pass_timestamp_seconds",
			Help: "Unix time of the last completed pass, per worker",
		}, []string{"worker"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainledger_provider_errors_total",
			Help: "Errors returned by external providers, labelled by provider",
		}, []string{"provider"}),
	}
}
