// Package metrics exposes runner counters on a private prometheus
// registry, served by the runner API server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunnerMetrics holds all instruments the runner records.
type RunnerMetrics struct {
	registry *prometheus.Registry

	Polls               prometheus.Counter
	PollFailures        prometheus.Counter
	Dispatched          prometheus.Counter
	AdmissionRejections prometheus.Counter
	CodePulls           prometheus.Counter
	RunsFinished        *prometheus.CounterVec
	SlotsInUse          prometheus.Gauge
}

// New creates and registers the runner instruments.
func New() *RunnerMetrics {
	reg := prometheus.NewRegistry()
	m := &RunnerMetrics{
		registry: reg,
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefect_runner_polls_total",
			Help: "Completed poll cycles.",
		}),
		PollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefect_runner_poll_failures_total",
			Help: "Poll cycles aborted by an orchestration API failure.",
		}),
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefect_runner_runs_dispatched_total",
			Help: "Flow run processes spawned.",
		}),
		AdmissionRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefect_runner_admission_rejections_total",
			Help: "Dispatch attempts rejected because the run limit was reached.",
		}),
		CodePulls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefect_runner_code_pulls_total",
			Help: "Code staging operations performed for dispatches.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefect_runner_runs_finished_total",
			Help: "Flow runs reaped, by final state.",
		}, []string{"state"}),
		SlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prefect_runner_slots_in_use",
			Help: "Concurrency slots currently held.",
		}),
	}

	reg.MustRegister(
		m.Polls,
		m.PollFailures,
		m.Dispatched,
		m.AdmissionRejections,
		m.CodePulls,
		m.RunsFinished,
		m.SlotsInUse,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *RunnerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
