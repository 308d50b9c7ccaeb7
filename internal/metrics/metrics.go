// Package metrics holds the prometheus collectors of wizvms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry all wizvms collectors are registered with.
var Registry = prometheus.NewRegistry()

var (
	JobsAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wizvms_engine_jobs_admitted_total",
			Help: "Total number of jobs admitted to an engine.",
		},
	)

	JobsExecuted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wizvms_engine_jobs_executed_total",
			Help: "Total number of jobs whose Execute was called.",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wizvms_engine_jobs_failed_total",
			Help: "Total number of jobs which returned an error or panicked.",
		},
	)

	JobsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wizvms_engine_jobs_skipped_total",
			Help: "Total number of admitted jobs skipped because of a shutdown.",
		},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wizvms_engine_active_jobs",
			Help: "Number of jobs admitted and not yet finished.",
		},
	)

	ReportPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizvms_collect_report_polls_total",
			Help: "Total number of report status queries by reported status.",
		},
		[]string{"status"},
	)

	RecordsCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizvms_collect_records_total",
			Help: "Total number of virtual machine records parsed from reports.",
		},
		[]string{"input"},
	)

	EventsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizvms_sink_events_total",
			Help: "Total number of events written by sink type and result.",
		},
		[]string{"sink", "result"},
	)

	Episodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizvms_service_episodes_total",
			Help: "Total number of collection episodes by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		JobsAdmitted,
		JobsExecuted,
		JobsFailed,
		JobsSkipped,
		ActiveJobs,
		ReportPolls,
		RecordsCollected,
		EventsWritten,
		Episodes,
	)
}

// Handler serves the metrics of Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
