// Package metrics defines the prometheus instruments for the payment core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentsTotal counts transfers by terminal status.
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_payments_total",
			Help: "Total payment transfers by status",
		},
		[]string{"chain", "status"},
	)

	// PaymentDuration tracks end-to-end transfer latency.
	PaymentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paycore_payment_duration_seconds",
			Help:    "End-to-end payment duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"chain"},
	)

	// LedgerAppends counts committed ledger entries.
	LedgerAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_ledger_appends_total",
			Help: "Total ledger entries appended",
		},
		[]string{"type"},
	)

	// LedgerVerifyFailures counts hash-chain verification failures.
	LedgerVerifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paycore_ledger_verify_failures_total",
			Help: "Total ledger hash chain verification failures",
		},
	)

	// NonceInFlight tracks outstanding nonces per chain.
	NonceInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paycore_nonce_in_flight",
			Help: "Nonces allocated but not yet confirmed",
		},
		[]string{"chain"},
	)

	// RPCCallsTotal counts RPC calls per chain, endpoint, and method.
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_rpc_calls_total",
			Help: "Total RPC calls",
		},
		[]string{"chain", "endpoint", "method"},
	)

	// RPCErrorsTotal counts RPC errors per chain and endpoint.
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_rpc_errors_total",
			Help: "Total RPC errors",
		},
		[]string{"chain", "endpoint"},
	)

	// RPCLatency tracks RPC call latency.
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paycore_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "endpoint", "method"},
	)

	// BreakerOpen tracks open circuit breakers per endpoint.
	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paycore_rpc_breaker_open",
			Help: "1 when the endpoint circuit breaker is open",
		},
		[]string{"chain", "endpoint"},
	)

	// DepositsObserved counts inbound transfers seen by the monitor.
	DepositsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_deposits_observed_total",
			Help: "Total deposits observed",
		},
		[]string{"chain", "token"},
	)

	// DepositLag tracks blocks between chain head and deposit cursor.
	DepositLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paycore_deposit_lag_blocks",
			Help: "Blocks between chain head and the deposit cursor",
		},
		[]string{"chain"},
	)

	// StuckTransactions counts transactions that exceeded the
	// confirmation timeout.
	StuckTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_stuck_transactions_total",
			Help: "Total transactions marked stuck",
		},
		[]string{"chain"},
	)

	// ReorgsDetected counts chain reorganizations observed while
	// confirming.
	ReorgsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_reorgs_detected_total",
			Help: "Total reorgs detected during confirmation",
		},
		[]string{"chain"},
	)

	// ReconcileDiscrepancies counts reconciliation findings by type.
	ReconcileDiscrepancies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_reconcile_discrepancies_total",
			Help: "Total reconciliation discrepancies",
		},
		[]string{"chain", "type"},
	)
)
