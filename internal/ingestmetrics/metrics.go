// Package ingestmetrics exposes Prometheus counters for the ingestion and
// pull paths.
package ingestmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsIngested counts normalized records written per provider.
	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "records_ingested_total",
		Help:      "Normalized health records persisted, by provider and kind.",
	}, []string{"provider", "kind"})

	// RecordsDropped counts records rejected during normalization.
	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "records_dropped_total",
		Help:      "Records dropped during formatting or normalization, by provider and reason.",
	}, []string{"provider", "reason"})

	// WebhooksReceived counts inbound payloads per platform.
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "webhooks_received_total",
		Help:      "Inbound webhook payloads, by platform and outcome.",
	}, []string{"platform", "outcome"})

	// PullRuns counts scheduled pull executions per provider.
	PullRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "pull_runs_total",
		Help:      "Scheduled pull executions, by provider and result.",
	}, []string{"provider", "result"})

	// AuthFailures counts terminal credential failures requiring relink.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "auth_failures_total",
		Help:      "Terminal vendor authentication failures, by provider.",
	}, []string{"provider"})
)
