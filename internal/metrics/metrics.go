// Package metrics provides Prometheus instrumentation for the relay
// core: registry size, rendezvous pressure, dispatch outcomes, and
// heartbeat drain health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry (C4) metrics.
var (
	RegisteredWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airelay_registered_workers",
		Help: "Number of currently registered (authenticated) worker sessions.",
	})

	WorkerEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airelay_worker_evictions_total",
		Help: "Total number of worker sessions evicted from the registry.",
	}, []string{"reason"})

	WorkerLoginRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airelay_worker_login_rejections_total",
		Help: "Total number of worker logins rejected before registration.",
	}, []string{"reason"}) // reason: max_workers
)

// Rendezvous (C5) metrics.
var (
	RendezvousPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airelay_rendezvous_pending",
		Help: "Number of rendezvous entries awaiting a worker claim.",
	})

	RendezvousReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airelay_rendezvous_reaped_total",
		Help: "Total number of rendezvous entries removed by the timeout reaper.",
	})

	RendezvousClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airelay_rendezvous_claimed_total",
		Help: "Total number of rendezvous entries successfully claimed by a worker proxy connection.",
	})

	RendezvousRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airelay_rendezvous_rejections_total",
		Help: "Total number of rendezvous publishes rejected because max_pending_rendezvous was reached.",
	})
)

// Dispatch (C9) metrics.
var (
	DispatchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airelay_dispatch_outcomes_total",
		Help: "Total number of dispatch decisions by outcome.",
	}, []string{"outcome"}) // outcome: dispatched, no_eligible_worker

	AccountingRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airelay_accounting_records_total",
		Help: "Total number of accounting records emitted for shared-tier dispatches.",
	})
)

// Heartbeat drain (C10) metrics.
var (
	HeartbeatsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airelay_heartbeats_received_total",
		Help: "Total number of heartbeat messages received from workers.",
	})

	HeartbeatsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airelay_heartbeats_dropped_total",
		Help: "Total number of heartbeats dropped because the drain channel was full.",
	})

	HeartbeatFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "airelay_heartbeat_flush_duration_seconds",
		Help:    "Duration of a heartbeat batch flush to the datastore.",
		Buckets: prometheus.DefBuckets,
	})
)

// Public/proxy plane (C7/C8) metrics.
var (
	PublicConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airelay_public_connections_total",
		Help: "Total number of public connections accepted.",
	})

	PublicConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airelay_public_connections_active",
		Help: "Number of public connections currently being handled, counted against max_public_connections.",
	})

	PublicRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airelay_public_rejections_total",
		Help: "Total number of public connections rejected before dispatch.",
	}, []string{"reason"}) // reason: capacity, unauthorized, unavailable, no_eligible_worker, rendezvous_capacity

	RelayBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airelay_relay_bytes_total",
		Help: "Total bytes spliced between public and worker connections.",
	}, []string{"direction"}) // direction: to_worker, to_public
)
