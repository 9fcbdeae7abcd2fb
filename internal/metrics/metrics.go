// Package metrics registers the Prometheus instruments shared across the
// marketplace services.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the marketplace.
type Metrics struct {
	// HTTP surface
	RequestDuration *prometheus.HistogramVec
	RateLimitDenied *prometheus.CounterVec
	AuthFailures    *prometheus.CounterVec

	// Escrow and money flow
	EscrowTransactions *prometheus.CounterVec
	EscrowAmount       *prometheus.CounterVec
	FeesCollected      *prometheus.CounterVec

	// Jobs
	JobTransitions  *prometheus.CounterVec
	DeadlineExpiry  prometheus.Counter
	DeadlineWarning prometheus.Counter

	// Verification
	VerificationRuns    *prometheus.CounterVec
	SandboxDuration     prometheus.Histogram
	SandboxFailures     *prometheus.CounterVec

	// Webhooks
	WebhookAttempts *prometheus.CounterVec
	WebhookQueue    prometheus.Gauge

	// Wallet
	DepositsCredited     prometheus.Counter
	WithdrawalsProcessed *prometheus.CounterVec
}

var (
	once     sync.Once
	instance *Metrics
)

// New returns the process-wide metrics, registering them on the default
// registry the first time. Prometheus rejects duplicate registration,
// so construction is a singleton.
func New() *Metrics {
	once.Do(func() {
		instance = register()
	})
	return instance
}

func register() *Metrics {
	return &Metrics{
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketplace_request_duration_seconds",
				Help:    "HTTP request latency by route and status class",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		RateLimitDenied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_rate_limit_denied_total",
				Help: "Requests rejected by the token bucket limiter",
			},
			[]string{"category"},
		),
		AuthFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_auth_failures_total",
				Help: "Signature authentication failures by cause",
			},
			[]string{"cause"}, // missing, stale, replay, signature, unknown_agent
		),
		EscrowTransactions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_escrow_transactions_total",
				Help: "Escrow state changes by action",
			},
			[]string{"action"}, // funded, released, refunded, disputed
		),
		EscrowAmount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_escrow_amount_total",
				Help: "Credits moved through escrow by action",
			},
			[]string{"action"},
		),
		FeesCollected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_fees_collected_total",
				Help: "Platform fees collected by kind",
			},
			[]string{"kind"}, // base, verification, storage, withdrawal
		),
		JobTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_job_transitions_total",
				Help: "Job state machine transitions",
			},
			[]string{"from", "to"},
		),
		DeadlineExpiry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_deadline_expired_total",
			Help: "Jobs failed by the deadline consumer",
		}),
		DeadlineWarning: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_deadline_warning_total",
			Help: "Deadline warning events emitted",
		}),
		VerificationRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_verification_runs_total",
				Help: "Acceptance-criteria runs by outcome",
			},
			[]string{"outcome"}, // passed, failed, error
		),
		SandboxDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketplace_sandbox_duration_seconds",
			Help:    "Wall time of sandboxed script executions",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		SandboxFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_sandbox_failures_total",
				Help: "Sandbox runs that did not complete cleanly",
			},
			[]string{"cause"}, // timeout, oom, nonzero_exit, infra
		),
		WebhookAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_webhook_attempts_total",
				Help: "Webhook delivery attempts by result",
			},
			[]string{"result"}, // delivered, retry, dead
		),
		WebhookQueue: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "marketplace_webhook_queue_depth",
			Help: "Pending webhook deliveries",
		}),
		DepositsCredited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_deposits_credited_total",
			Help: "On-chain deposits credited to agent balances",
		}),
		WithdrawalsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_withdrawals_processed_total",
				Help: "Withdrawal requests by terminal status",
			},
			[]string{"status"}, // completed, failed
		),
	}
}
