// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Commit paths.
const (
	PathAppendOnly = "append_only"
	PathStructural = "structural"
)

var (
	FieldCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabtext_field_commits_total",
		Help: "Field commits that emitted a delta, by diff path",
	}, []string{"path"})

	RejectedAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabtext_rejected_appends_total",
		Help: "Change entries refused by a field, by reason",
	}, []string{"reason"})

	Compactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabtext_compactions_total",
		Help: "Compactions that folded at least one change entry",
	})

	FoldedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabtext_folded_entries_total",
		Help: "Change entries folded into fragments by compaction",
	})

	Reverts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabtext_field_reverts_total",
		Help: "Working values discarded by revert",
	})

	Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabtext_transaction_rollbacks_total",
		Help: "Committed transactions undone by replaying their reverse delta",
	})

	Transactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabtext_transactions_total",
		Help: "Document transactions persisted",
	})

	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabtext_open_sessions",
		Help: "Documents currently loaded in memory",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabtext_connected_clients",
		Help: "WebSocket clients registered with the hub",
	})

	DroppedDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabtext_dropped_deliveries_total",
		Help: "Broadcasts not queued because the client outbox was full or closed",
	})

	CommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collabtext_transaction_duration_seconds",
		Help:    "Time to commit and persist a document transaction",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.25},
	}, []string{"kind"})
)
