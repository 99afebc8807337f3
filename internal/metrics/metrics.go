package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus collectors for the trading core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	LimiterWait       *prometheus.HistogramVec
	FeedEvents        *prometheus.CounterVec
	FeedReconnects    prometheus.Counter
	Decisions         *prometheus.CounterVec
	Purchases         *prometheus.CounterVec
	SyncClassFailures prometheus.Counter
	TradesIngested    prometheus.Counter
	JobRuns           *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LimiterWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limiter slot",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"category"}),

		FeedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_feed_events_total",
			Help: "Push feed frames by channel and outcome",
		}, []string{"channel", "outcome"}),

		FeedReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_feed_reconnects_total",
			Help: "Push feed sessions that ended in a transport failure",
		}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_decisions_total",
			Help: "Arbitrage decisions by outcome",
		}, []string{"outcome"}),

		Purchases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_purchases_total",
			Help: "Purchase attempts by result",
		}, []string{"result"}),

		SyncClassFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_sync_class_failures_total",
			Help: "Item classes whose mirror synchronization failed",
		}),

		TradesIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_trades_ingested_total",
			Help: "Trade records inserted past the watermark",
		}),

		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_job_runs_total",
			Help: "Scheduled job runs by job and result",
		}, []string{"job", "result"}),
	}
}

func (m *Metrics) ObserveLimiterWait(category string, wait time.Duration) {
	if m == nil {
		return
	}
	m.LimiterWait.WithLabelValues(category).Observe(wait.Seconds())
}

// FeedEvent counts one frame; outcome is handled, dropped or failed.
func (m *Metrics) FeedEvent(channel, outcome string) {
	if m == nil {
		return
	}
	m.FeedEvents.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) FeedReconnect() {
	if m == nil {
		return
	}
	m.FeedReconnects.Inc()
}

func (m *Metrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Purchase(result string) {
	if m == nil {
		return
	}
	m.Purchases.WithLabelValues(result).Inc()
}

func (m *Metrics) SyncClassFailure() {
	if m == nil {
		return
	}
	m.SyncClassFailures.Inc()
}

func (m *Metrics) TradesInserted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TradesIngested.Add(float64(n))
}

func (m *Metrics) JobRun(job, result string) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
}
