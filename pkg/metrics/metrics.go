package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNamespace = "ovsdb"
	MetricSubsystem = "southbound"
)

// MetricConnectedSwitches is the number of live management sessions.
var MetricConnectedSwitches = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystem,
	Name:      "connected_switches",
	Help:      "The number of switches with a live management session",
})

// MetricOwnedSwitches is the number of sessions this member owns.
var MetricOwnedSwitches = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystem,
	Name:      "owned_switches",
	Help:      "The number of connected switches this member is the owner of",
})

var MetricOwnershipChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystem,
	Name:      "ownership_changes_total",
	Help:      "Ownership notifications by outcome",
},
	// labels
	[]string{"transition"},
)

var MetricInvokerCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystem,
	Name:      "invoker_commands_total",
	Help:      "Transaction commands by result",
},
	[]string{"result"},
)

var MetricInvokerQueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystem,
	Name:      "invoker_queue_dropped_total",
	Help:      "Transaction commands dropped because the invoker queue was full",
})

var MetricChainFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystem,
	Name:      "transaction_chain_failures_total",
	Help:      "Transaction chain failures recovered by replay",
})

var MetricReconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystem,
	Name:      "reconciliations_total",
	Help:      "Reconciliation task runs by kind and result",
},
	[]string{"kind", "result"},
)

var MetricReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystem,
	Name:      "reconcile_duration_seconds",
	Help:      "The duration of reconciliation task runs",
	Buckets:   prometheus.ExponentialBuckets(.01, 2, 12),
},
	[]string{"kind"},
)

var registerOnce sync.Once

// Register registers the southbound metrics with the given registry, once per process.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			MetricConnectedSwitches,
			MetricOwnedSwitches,
			MetricOwnershipChanges,
			MetricInvokerCommands,
			MetricInvokerQueueDropped,
			MetricChainFailures,
			MetricReconciliations,
			MetricReconcileDuration,
		)
	})
}
