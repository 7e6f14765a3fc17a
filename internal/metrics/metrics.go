package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_total", Help: "Dispatch requests by kind and result."},
		[]string{"kind", "result"}, // single|batch ; ok | insufficient_credits | not_found | error
	)
	LedgerReserveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ledger_reserve_total", Help: "Credit reservation results."},
		[]string{"result"}, // ok | insufficient_credits | error
	)

	// Worker
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_inflight", Help: "In-flight provider sends in this process."},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_queue_depth", Help: "Send jobs waiting for a worker."},
	)
	ProviderSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_send_total", Help: "Provider send outcomes."},
		[]string{"outcome"}, // sent | failed | skipped
	)
	ProviderSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	SweepAbandoned = prometheus.NewCounter(prometheus.CounterOpts{Name: "sweep_abandoned_total", Help: "Stale queued messages failed by the sweeper."})

	// Webhooks
	WebhookCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_callbacks_total", Help: "Provider callbacks by outcome."},
		[]string{"outcome"}, // applied | unchanged | duplicate | not_found | ignored | rejected
	)
)

var registerOnce sync.Once

// Register default + our collectors. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration, DispatchTotal, LedgerReserveTotal,
			InFlight, QueueDepth, ProviderSendTotal, ProviderSendDuration, SweepAbandoned,
			WebhookCallbacks,
		)
	})
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns        prometheus.Gauge
	idle         prometheus.Gauge
	acquireCount prometheus.Gauge
	acquireSecs  prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		// pgxpool reports cumulative values, so these are gauges mirroring them.
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireSecs)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireSecs.Set(s.AcquireDuration().Seconds())
		}
	}
}
