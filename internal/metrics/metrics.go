package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "calalert_"

// Metrics holds the collectors updated by the fetch and alarm cycles. Each
// instance owns its registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	FetchTotal     prometheus.Counter
	FetchFailures  prometheus.Counter
	Pending        prometheus.Gauge
	AlarmsFired    prometheus.Counter
	NotifyFailures prometheus.Counter
	Evicted        prometheus.Counter
	LoopRestarts   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FetchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "fetch_total",
			Help: "Calendar fetch attempts",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "fetch_failures_total",
			Help: "Calendar fetch attempts that failed with a connection error",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "events_pending",
			Help: "Alarm occurrences waiting for their start time",
		}),
		AlarmsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "alarms_fired_total",
			Help: "Alarms handed to the notifier",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "notify_failures_total",
			Help: "Alarms the notifier failed to show",
		}),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "events_evicted_total",
			Help: "Occurrences dropped because their start time passed",
		}),
		LoopRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "loop_restarts_total",
			Help: "Supervised loop restarts after an unexpected exit",
		}, []string{"loop"}),
	}
	m.registry.MustRegister(
		m.FetchTotal,
		m.FetchFailures,
		m.Pending,
		m.AlarmsFired,
		m.NotifyFailures,
		m.Evicted,
		m.LoopRestarts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
