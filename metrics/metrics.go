// Package metrics defines prometheus metric types and provides convenience
// handles for the rest of the transport. Grounded directly on the teacher's
// metrics.metrics (same promauto style, same per-package convention of
// collecting every metric in one var block).
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CQPollLatency tracks time spent inside one completion-poller pass.
	CQPollLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bmi_cq_poll_latency_seconds",
			Help:    "completion poller pass latency distribution (seconds)",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 20),
		},
	)

	// EagerSends counts eager-path sends.
	EagerSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bmi_eager_sends_total",
			Help: "Number of sends completed via the eager path.",
		},
	)

	// RendezvousSends counts rendezvous-path sends.
	RendezvousSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bmi_rendezvous_sends_total",
			Help: "Number of sends completed via the RTS/CTS rendezvous path.",
		},
	)

	// CreditStalls counts sends that had to wait in WaitingBuffer for a credit.
	CreditStalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bmi_credit_stalls_total",
			Help: "Number of sends that stalled waiting for a send credit.",
		},
	)

	// MemcacheEntries tracks the number of live MemCache entries.
	MemcacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bmi_memcache_entries",
			Help: "Current number of MemCache entries (pinned or free).",
		},
	)

	// MemcacheEvict counts LRU evictions from the MemCache free list.
	MemcacheEvict = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bmi_memcache_evictions_total",
			Help: "Number of MemCache entries evicted under registration pressure.",
		},
	)

	// MemcacheMiss counts registration failures even after an eviction retry.
	MemcacheMiss = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bmi_memcache_fatal_misses_total",
			Help: "Number of registration failures that persisted after one eviction pass.",
		},
	)

	// ConnectionsOpen tracks the number of live connections.
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bmi_connections_open",
			Help: "Current number of connections in the connection table.",
		},
	)

	// UnexpectedArrivals counts records added to the unexpected table.
	UnexpectedArrivals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bmi_unexpected_arrivals_total",
			Help: "Number of EAGER_SEND_UNEXPECTED arrivals queued for testunexpected.",
		},
	)

	// ErrorCount measures the number of errors, by taxonomy class.
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmi_errors_total",
			Help: "The total number of errors encountered, by class.",
		}, []string{"class"})

	// DevicePortRateBytes exposes per-port link rate, from device discovery.
	DevicePortRateBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmi_device_port_rate_bytes",
			Help: "RDMA device port link rate in bytes/sec, as reported by sysfs.",
		}, []string{"device", "port"})

	// DeviceVFCount exposes, per device, the number of distinct ports that
	// reported counters (device.ExportMetrics does not enumerate VFs).
	DeviceVFCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmi_device_vf_count",
			Help: "Number of distinct ports reporting counters for an RDMA device.",
		}, []string{"device"})
)

func init() {
	log.Println("Prometheus metrics in bmi-rdma.metrics are registered.")
}
