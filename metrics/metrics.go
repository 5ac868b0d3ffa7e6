// Package metrics exports engine and alert outcomes to prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "curd"

// Recorder implements engine.MetricsRecorder and alerts.Recorder.
type Recorder struct {
	registry *prometheus.Registry

	advanceTotal    *prometheus.CounterVec
	advanceDuration *prometheus.HistogramVec
	lifecycleTotal  *prometheus.CounterVec
	alertTotal      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		advanceTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "advance_total",
				Help:      "Stage advance attempts by outcome",
			},
			[]string{"outcome"},
		),
		advanceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "advance_duration_seconds",
				Help:      "Duration of stage advance attempts in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"outcome"},
		),
		lifecycleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_total",
				Help:      "Batch lifecycle transitions by action",
			},
			[]string{"action"},
		),
		alertTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alert_total",
				Help:      "Platform alert operations by result",
			},
			[]string{"result"},
		),
	}
}

func (r *Recorder) ObserveAdvance(outcome string, elapsed time.Duration) {
	r.advanceTotal.WithLabelValues(outcome).Inc()
	r.advanceDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (r *Recorder) CountLifecycle(action string) {
	r.lifecycleTotal.WithLabelValues(action).Inc()
}

func (r *Recorder) AlertResult(result string) {
	r.alertTotal.WithLabelValues(result).Inc()
}

// Registry exposes the underlying registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
