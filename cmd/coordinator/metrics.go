package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics carries its own registry so each coordinator instance (and each
// test) registers its collectors in isolation.
type metrics struct {
	registry *prometheus.Registry

	titlesServed    prometheus.Counter
	noWork          prometheus.Counter
	staleRevisions  prometheus.Counter
	resultsIngested prometheus.Counter
	fetchFailures   prometheus.Counter
	ingestFaults    prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		titlesServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "testreduce_titles_served_total",
			Help: "Titles handed out to polling clients.",
		}),
		noWork: factory.NewCounter(prometheus.CounterOpts{
			Name: "testreduce_no_work_total",
			Help: "Polls answered with no claimable work.",
		}),
		staleRevisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "testreduce_stale_revision_polls_total",
			Help: "Polls from clients running an outdated revision.",
		}),
		resultsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "testreduce_results_ingested_total",
			Help: "Results stored, including overwrites.",
		}),
		fetchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "testreduce_fetch_failures_total",
			Help: "Results routed to the fetch-failure path.",
		}),
		ingestFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "testreduce_ingest_faults_total",
			Help: "Reports rejected because the page could not be resolved.",
		}),
	}
}
