// Package metrics exposes Prometheus metrics for the pool backend.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector of the backend on a private registry.
// Recording methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	poolHashrate      prometheus.Gauge
	poolMiners        prometheus.Gauge
	roundHashes       prometheus.Gauge
	networkDifficulty prometheus.Gauge
	networkHeight     prometheus.Gauge

	liveSubscribers prometheus.Gauge
	addressWatchers prometheus.Gauge
	broadcasts      prometheus.Counter

	cycleDuration *prometheus.HistogramVec
	cycleErrors   *prometheus.CounterVec

	blocksSettled *prometheus.CounterVec
	creditedTotal prometheus.Counter
	reallocated   prometheus.Counter
	pendingBlocks prometheus.Gauge
}

// New creates a registry with all collectors under the given namespace
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		poolHashrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "hashrate",
			Help: "Pool hashrate over the rolling window in H/s",
		}),
		poolMiners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "miners",
			Help: "Distinct miners with shares in the rolling window",
		}),
		roundHashes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "round_hashes",
			Help: "Shares accumulated in the current round",
		}),
		networkDifficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "network", Name: "difficulty",
			Help: "Difficulty of the chain tip",
		}),
		networkHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "network", Name: "height",
			Help: "Height of the chain tip",
		}),

		liveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "live", Name: "subscribers",
			Help: "Pending pool-wide long-poll subscribers",
		}),
		addressWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "live", Name: "address_watchers",
			Help: "Pending per-address long-poll subscribers",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "live", Name: "broadcasts_total",
			Help: "Stats broadcasts delivered to subscribers",
		}),

		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds",
			Help:    "Duration of periodic cycles",
			Buckets: prometheus.DefBuckets,
		}, []string{"cycle"}),
		cycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycle_errors_total",
			Help: "Periodic cycles that ended with an error",
		}, []string{"cycle"}),

		blocksSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "unlocker", Name: "blocks_total",
			Help: "Blocks settled by outcome",
		}, []string{"status"}),
		creditedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "unlocker", Name: "credited_atomic_units_total",
			Help: "Atomic units credited to miner balances",
		}),
		reallocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "unlocker", Name: "reallocated_shares_total",
			Help: "Shares of orphaned rounds moved back onto the current round",
		}),
		pendingBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "unlocker", Name: "pending_blocks",
			Help: "Blocks still awaiting settlement after the last cycle",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.poolHashrate, m.poolMiners, m.roundHashes,
		m.networkDifficulty, m.networkHeight,
		m.liveSubscribers, m.addressWatchers, m.broadcasts,
		m.cycleDuration, m.cycleErrors,
		m.blocksSettled, m.creditedTotal, m.reallocated, m.pendingBlocks,
	)

	return m
}

// Handler returns the HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetPool records the latest pool snapshot
func (m *Metrics) SetPool(hashrate float64, miners int, roundHashes int64) {
	if m == nil {
		return
	}
	m.poolHashrate.Set(hashrate)
	m.poolMiners.Set(float64(miners))
	m.roundHashes.Set(float64(roundHashes))
}

// SetNetwork records the chain tip
func (m *Metrics) SetNetwork(difficulty, height uint64) {
	if m == nil {
		return
	}
	m.networkDifficulty.Set(float64(difficulty))
	m.networkHeight.Set(float64(height))
}

// SetSubscribers records the size of both waiter registries
func (m *Metrics) SetSubscribers(live, watchers int) {
	if m == nil {
		return
	}
	m.liveSubscribers.Set(float64(live))
	m.addressWatchers.Set(float64(watchers))
}

// IncBroadcast counts one broadcast
func (m *Metrics) IncBroadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

// ObserveCycle records a cycle's duration and, if err is set, its failure
func (m *Metrics) ObserveCycle(cycle string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(cycle).Observe(time.Since(started).Seconds())
	if err != nil {
		m.cycleErrors.WithLabelValues(cycle).Inc()
	}
}

// AddSettled counts settled blocks by status
func (m *Metrics) AddSettled(status string, n int) {
	if m == nil {
		return
	}
	m.blocksSettled.WithLabelValues(status).Add(float64(n))
}

// AddCredited counts atomic units credited to balances
func (m *Metrics) AddCredited(amount int64) {
	if m != nil && amount > 0 {
		m.creditedTotal.Add(float64(amount))
	}
}

// AddReallocated counts shares moved back onto the current round
func (m *Metrics) AddReallocated(shares int64) {
	if m != nil && shares > 0 {
		m.reallocated.Add(float64(shares))
	}
}

// SetPending records how many blocks are still pending
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingBlocks.Set(float64(n))
}
