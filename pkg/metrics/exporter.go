// Package metrics exposes Prometheus metrics for the flywheel server:
// job-state gauges derived from the store plus the counters the pipeline
// increments as it runs.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/data-flywheel/pkg/models"
	"github.com/psantana5/data-flywheel/pkg/store"
)

var (
	// RecordsIngested counts records accepted through the ingest endpoint
	RecordsIngested = promauto.NewCounter(promclient.CounterOpts{
		Name: "flywheel_records_ingested_total",
		Help: "Total interaction records accepted after deduplication",
	})

	// EvaluationsTotal counts model evaluations by outcome
	EvaluationsTotal = promauto.NewCounterVec(promclient.CounterOpts{
		Name: "flywheel_evaluations_total",
		Help: "Total model evaluations by outcome",
	}, []string{"outcome"})

	// CustomizationsTotal counts fine-tuning runs by outcome
	CustomizationsTotal = promauto.NewCounterVec(promclient.CounterOpts{
		Name: "flywheel_customizations_total",
		Help: "Total customization runs by outcome",
	}, []string{"outcome"})
)

// Exporter serves Prometheus-compatible metrics at /metrics
type Exporter struct {
	store     store.Store
	startTime time.Time
}

// NewExporter creates an exporter backed by the given store
func NewExporter(s store.Store) *Exporter {
	return &Exporter{store: s, startTime: time.Now()}
}

var jobStatuses = []models.JobStatus{
	models.JobStatusCreated,
	models.JobStatusLoadingData,
	models.JobStatusBaselineEval,
	models.JobStatusRunningCandidates,
	models.JobStatusAggregating,
	models.JobStatusCompleted,
	models.JobStatusFailed,
	models.JobStatusCanceled,
}

// ServeHTTP writes store-derived gauges followed by everything registered
// with the default Prometheus registry
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	jobs, err := e.store.ListJobs()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting job metrics: %v", err), http.StatusInternalServerError)
		return
	}

	// Every status is exported even at zero so dashboards never see gaps
	byStatus := make(map[models.JobStatus]int, len(jobStatuses))
	active := 0
	for _, job := range jobs {
		byStatus[job.Status]++
		if !models.IsTerminalState(job.Status) {
			active++
		}
	}

	fmt.Fprintf(w, "# HELP flywheel_jobs_total Total number of jobs by status\n")
	fmt.Fprintf(w, "# TYPE flywheel_jobs_total gauge\n")
	for _, status := range jobStatuses {
		fmt.Fprintf(w, "flywheel_jobs_total{status=\"%s\"} %d\n", status, byStatus[status])
	}

	fmt.Fprintf(w, "\n# HELP flywheel_active_jobs Number of jobs not yet in a terminal state\n")
	fmt.Fprintf(w, "# TYPE flywheel_active_jobs gauge\n")
	fmt.Fprintf(w, "flywheel_active_jobs %d\n", active)

	fmt.Fprintf(w, "\n# HELP flywheel_uptime_seconds Server uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE flywheel_uptime_seconds gauge\n")
	fmt.Fprintf(w, "flywheel_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	fmt.Fprintf(w, "\n")

	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}
