package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airdrop_distributor_build_info",
			Help: "Build information of the airdrop distributor",
		},
		[]string{"version", "commit", "date"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_distributor_transfers_total",
			Help: "Total number of transfers that reached a terminal state",
		},
		[]string{"status"},
	)

	TransferRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_distributor_transfer_retries_total",
			Help: "Total number of transient transfer failures by retry class",
		},
		[]string{"class"},
	)

	TransfersInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airdrop_distributor_transfers_in_flight",
			Help: "Number of transfers currently being driven",
		},
	)

	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "airdrop_distributor_transfer_duration_seconds",
			Help:    "Duration of a transfer from first build to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12), // 0.25s to ~512s
		},
	)

	ConfirmationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "airdrop_distributor_confirmation_duration_seconds",
			Help:    "Duration from submission to observed confirmation",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s to ~128s
		},
	)

	BatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airdrop_distributor_batches_total",
			Help: "Total number of batches processed",
		},
	)

	RecipientsRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airdrop_distributor_recipients_remaining",
			Help: "Number of recipients with no terminal outcome yet",
		},
	)

	CheckpointWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_distributor_checkpoint_writes_total",
			Help: "Total number of checkpoint writes",
		},
		[]string{"status"},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_distributor_rpc_requests_total",
			Help: "Total number of ledger RPC requests",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airdrop_distributor_rpc_request_duration_seconds",
			Help:    "Duration of ledger RPC requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
		[]string{"method"},
	)
)
