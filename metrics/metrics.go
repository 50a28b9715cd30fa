package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwright_stream_events_received_total",
		Help: "Jetstream events received, by record collection.",
	}, []string{"collection"})

	MalformedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedwright_stream_malformed_records_total",
		Help: "Upstream records skipped because they failed to decode.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedwright_stream_reconnects_total",
		Help: "Jetstream reconnect attempts.",
	})

	RowsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwright_projector_rows_stored_total",
		Help: "Rows written by the projector, by table.",
	}, []string{"table"})

	RowsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwright_projector_rows_deleted_total",
		Help: "Rows removed by the projector, by table.",
	}, []string{"table"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwright_job_runs_total",
		Help: "Scheduled job executions, by job and outcome.",
	}, []string{"job", "outcome"})

	RowsTrimmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwright_retention_rows_trimmed_total",
		Help: "Rows removed by retention, by table.",
	}, []string{"table"})

	FeedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwright_feed_requests_total",
		Help: "Feed skeleton requests, by algorithm.",
	}, []string{"algorithm"})

	ExportRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwright_export_requests_total",
		Help: "Compliance export requests, by store.",
	}, []string{"store"})

	ScopeRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedwright_scope_refreshes_total",
		Help: "Ingestion scope cache refreshes.",
	})
)
