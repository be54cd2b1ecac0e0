package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshnet_sync_cycles_total",
		Help: "Number of completed replication daemon cycles.",
	})

	operationsPushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshnet_operations_pushed_total",
		Help: "Operations successfully pushed to a peer region.",
	}, []string{"peer"})

	operationsPulledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshnet_operations_pulled_total",
		Help: "Operations pulled from a peer region.",
	}, []string{"peer"})

	operationsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshnet_operations_applied_total",
		Help: "Remote operations applied locally, by operation type.",
	}, []string{"operation"})

	applyErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshnet_apply_errors_total",
		Help: "Remote operations that failed to apply.",
	})

	peerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshnet_peer_failures_total",
		Help: "Failed push or pull attempts, by peer region.",
	}, []string{"peer"})

	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshnet_conflicts_total",
		Help: "Conflict resolutions, by collection and outcome.",
	}, []string{"collection", "outcome"})
)
