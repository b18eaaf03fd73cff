// Package monitoring exposes the runtime's Prometheus metrics and a minimal
// health/metrics HTTP surface, adapted from the teacher's pkg/monitoring
// (which hand-rolled atomic counters and a manually-formatted Prometheus
// text exporter for a UTXO chain's block/peer/mempool metrics). The teacher
// declares prometheus/client_golang transitively but never dials it in;
// here it is the actual collector backing every counter/gauge, and the
// dispatch-processor domain (block height, dispatches, gas, queue depth,
// lazy-page faults) replaces the chain/mempool/network metrics that have
// no equivalent in this runtime.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the runtime's Prometheus collector set, registered against its
// own prometheus.Registry rather than the global default so multiple
// instances (as in tests) never collide on a shared registration.
type Metrics struct {
	Registry *prometheus.Registry

	BlockHeight    prometheus.Gauge
	QueueDepth     prometheus.Gauge
	WaitlistSize   prometheus.Gauge
	MailboxSize    prometheus.Gauge
	ActivePrograms prometheus.Gauge

	DispatchesProcessed *prometheus.CounterVec // labeled by outcome: success/trap/wait
	GasBurned           prometheus.Counter
	LazyPageFaults      *prometheus.CounterVec // labeled by kind: read/write
	DispatchDuration    prometheus.Histogram

	startTime time.Time
}

// NewMetrics builds and registers the runtime's collector set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry:  reg,
		startTime: time.Now(),

		BlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vara", Name: "block_height", Help: "Current block height.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vara", Name: "queue_depth", Help: "Dispatches currently queued for processing.",
		}),
		WaitlistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vara", Name: "waitlist_size", Help: "Dispatches currently suspended on the waitlist.",
		}),
		MailboxSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vara", Name: "mailbox_size", Help: "Messages currently held in per-actor mailboxes.",
		}),
		ActivePrograms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vara", Name: "active_programs", Help: "Programs currently in the Active status.",
		}),
		DispatchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vara", Name: "dispatches_processed_total", Help: "Dispatches processed, by outcome.",
		}, []string{"outcome"}),
		GasBurned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vara", Name: "gas_burned_total", Help: "Total gas burned across all processed dispatches.",
		}),
		LazyPageFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vara", Name: "lazy_page_faults_total", Help: "Lazy-page host-func accesses, by kind.",
		}, []string{"kind"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vara", Name: "dispatch_duration_seconds", Help: "Wall-clock time spent in Processor.Execute.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.BlockHeight, m.QueueDepth, m.WaitlistSize, m.MailboxSize, m.ActivePrograms,
		m.DispatchesProcessed, m.GasBurned, m.LazyPageFaults, m.DispatchDuration,
	)
	return m
}

// RecordDispatch folds one Processor.Execute result into the counters:
// outcome (one of "success", "trap", "wait"), the gas it burned, and how
// long Execute took end to end.
func (m *Metrics) RecordDispatch(outcome string, gasBurned uint64, elapsed time.Duration) {
	m.DispatchesProcessed.WithLabelValues(outcome).Inc()
	m.GasBurned.Add(float64(gasBurned))
	m.DispatchDuration.Observe(elapsed.Seconds())
}

// RecordLazyPageFault increments the lazy-pages counter for the given
// access kind ("read" or "write").
func (m *Metrics) RecordLazyPageFault(kind string) {
	m.LazyPageFaults.WithLabelValues(kind).Inc()
}

// Uptime reports how long this Metrics instance has existed.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
