package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "court_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "court_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	HoldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "court_holds_total",
			Help: "Hold requests by outcome",
		},
		[]string{"outcome"},
	)

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "court_booking_transitions_total",
			Help: "Booking status transitions",
		},
		[]string{"to"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "court_payment_provider_seconds",
			Help:    "Latency of payment provider calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation", "outcome"},
	)

	CaptureReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "court_capture_replays_total",
			Help: "Capture calls answered from the recorded result",
		},
	)

	LedgerInvariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "court_ledger_invariant_violations_total",
			Help: "Overlapping occupants detected by the availability ledger",
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "court_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "court_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "court_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
