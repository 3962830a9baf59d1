// Package metrics holds the Prometheus collectors of the object store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "objectstore"

var (
	Registry = prometheus.NewRegistry()

	// Commits counts commit attempts by outcome: ok, failed, rolled_back.
	Commits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_total",
		Help:      "Object commits by outcome.",
	}, []string{"kind", "outcome"})

	// CommitDuration observes how long commit pipelines take.
	CommitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "commit_duration_seconds",
		Help:      "Duration of the commit pipeline.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// LockContention counts writer requests refused because the object was
	// checked out.
	LockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_contention_total",
		Help:      "Writer sessions refused because another writer holds the object.",
	})

	// OpenWriters tracks the size of the lock table.
	OpenWriters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_writers",
		Help:      "Writer sessions currently holding an object lock.",
	})

	// ReaderCache counts cache lookups and evictions by result.
	ReaderCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reader_cache_total",
		Help:      "Reader cache events: hit, miss, stale, evict_capacity, evict_age, invalidate.",
	}, []string{"event"})

	// IdentifiersIssued counts generated identifiers per namespace.
	IdentifiersIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "identifiers_issued_total",
		Help:      "Identifiers generated, by namespace.",
	}, []string{"namespace"})

	// DeploymentBindings tracks the number of bindings in the deployment index.
	DeploymentBindings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deployment_bindings",
		Help:      "Bindings currently held by the deployment index.",
	})
)

func init() {
	Registry.MustRegister(
		Commits,
		CommitDuration,
		LockContention,
		OpenWriters,
		ReaderCache,
		IdentifiersIssued,
		DeploymentBindings,
	)
}
