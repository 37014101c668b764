package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PushesTotal counts pushes by repository and outcome
	// (accepted, rejected, failed).
	PushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "pushes_total",
			Help:      "Total number of pushes by outcome",
		},
		[]string{"repo", "outcome"},
	)

	// DocumentsIndexedTotal counts index upserts per repository.
	DocumentsIndexedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "documents_indexed_total",
			Help:      "Total number of meta documents upserted into the index",
		},
		[]string{"repo"},
	)

	// RuleViolationsTotal counts reindex-time uniqueness conflicts.
	RuleViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rule_violations_total",
			Help:      "Total number of index-time rule violations",
		},
		[]string{"repo"},
	)

	// QueriesTotal counts structured queries by repository.
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "queries_total",
			Help:      "Total number of structured queries",
		},
		[]string{"repo"},
	)
)

func init() {
	prometheus.MustRegister(PushesTotal)
	prometheus.MustRegister(DocumentsIndexedTotal)
	prometheus.MustRegister(RuleViolationsTotal)
	prometheus.MustRegister(QueriesTotal)
}
