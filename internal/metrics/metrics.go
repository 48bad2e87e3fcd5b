package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsTotal tracks top-level calls per service and final outcome
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpguard_calls_total",
			Help: "Total number of top-level calls",
		},
		[]string{"service", "outcome"},
	)

	// QosRetriesTotal tracks retries scheduled by the retry orchestrator
	QosRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpguard_qos_retries_total",
			Help: "Total number of retries scheduled for QoS conditions",
		},
		[]string{"service", "condition"},
	)

	// QosExhaustedTotal tracks call chains that ran out of retry budget
	QosExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpguard_qos_exhausted_total",
			Help: "Total number of call chains that exhausted their QoS retry budget",
		},
		[]string{"service", "condition"},
	)

	// RedirectsTotal tracks 308 redirects followed at dispatch
	RedirectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpguard_redirects_total",
			Help: "Total number of 308 redirects followed",
		},
		[]string{"service"},
	)

	// FailoversTotal tracks node switches after IO failures
	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpguard_failovers_total",
			Help: "Total number of node failovers after IO errors",
		},
		[]string{"service"},
	)

	// NodeCooldownsTotal tracks nodes placed in cooldown
	NodeCooldownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpguard_node_cooldowns_total",
			Help: "Total number of times a node was placed in cooldown",
		},
		[]string{"node"},
	)

	// LimiterLimit tracks the adaptive concurrency limit per key
	LimiterLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "httpguard_limiter_limit",
			Help: "Current adaptive concurrency limit",
		},
		[]string{"key"},
	)

	// LimiterInFlight tracks permits currently held per key
	LimiterInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "httpguard_limiter_in_flight",
			Help: "Number of in-flight calls holding a permit",
		},
		[]string{"key"},
	)

	// SnapshotsPersisted tracks host-metric rows written to storage
	SnapshotsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "httpguard_snapshots_persisted_total",
			Help: "Total number of host metric snapshot rows persisted",
		},
	)

	// DBConnectionPoolUsage tracks the database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpguard_db_connection_pool_usage_percent",
			Help: "Percentage of database connection pool in use",
		},
	)
)
