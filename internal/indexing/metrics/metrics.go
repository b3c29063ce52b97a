package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal tracks RPC calls per chain and method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"chain", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per chain
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"chain", "method"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trenches_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "method"},
	)

	// BreakerRejections counts calls refused by an open circuit breaker
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_rpc_breaker_rejections_total",
			Help: "Total number of RPC calls rejected by the circuit breaker",
		},
		[]string{"chain"},
	)

	// ChainLatestBlock tracks the latest block height of the chain
	ChainLatestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trenches_chain_latest_block",
			Help: "Latest block height of the chain",
		},
		[]string{"chain"},
	)

	// ScannerNextBlock tracks the scan cursor of each chain
	ScannerNextBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trenches_scanner_next_block",
			Help: "Next block the scheduled scanner will read",
		},
		[]string{"chain"},
	)

	// DepositsRecorded counts newly recorded deposits
	DepositsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_deposits_recorded_total",
			Help: "Total number of deposits recorded",
		},
		[]string{"chain"},
	)

	// DepositTransitions counts deposit state transitions
	DepositTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_deposit_transitions_total",
			Help: "Total number of deposit state transitions",
		},
		[]string{"chain", "to"},
	)

	// DepositsCredited counts balance credits
	DepositsCredited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trenches_deposits_credited_total",
			Help: "Total number of deposits credited to user balances",
		},
	)

	// ReorgIncidentsOpened counts reorg-after-credit incidents
	ReorgIncidentsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_reorg_incidents_opened_total",
			Help: "Total number of reorg incidents opened",
		},
		[]string{"chain"},
	)

	// TrackerLastSuccess is the unix time of the last successful tracker pass
	TrackerLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trenches_tracker_last_success_timestamp_seconds",
			Help: "Unix time of the last successful confirmation tracker pass",
		},
	)

	// PayoutsProcessed counts payout outcomes
	PayoutsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_payouts_processed_total",
			Help: "Total number of payouts processed by outcome",
		},
		[]string{"chain", "outcome"},
	)

	// LockSkips counts cycles skipped because another instance held the lock
	LockSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_lock_skips_total",
			Help: "Total number of cycles skipped because the lock was held",
		},
		[]string{"job"},
	)

	// DBConnectionPoolUsage tracks database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trenches_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
