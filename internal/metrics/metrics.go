// Package metrics exports session and HTTP measurements in the Prometheus
// exposition format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Brownie44l1/modelserver/internal/model"
)

const namespace = "modelserver"

// Metrics implements model.Recorder on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	inits       *prometheus.CounterVec
	predictions *prometheus.CounterVec
	latency     *prometheus.HistogramVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_inits_total",
			Help:      "Model initializations by engine and outcome.",
		}, []string{"engine", "outcome"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions by engine and outcome.",
		}, []string{"engine", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_operation_seconds",
			Help:      "Latency of session operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"engine", "operation"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inits,
		m.predictions,
		m.latency,
		m.requests,
		m.requestDuration,
	)
	return m
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := model.KindOf(err); kind != 0 {
		return kind.String()
	}
	return "error"
}

func (m *Metrics) ObserveInit(engine string, d time.Duration, err error) {
	m.inits.WithLabelValues(engine, outcome(err)).Inc()
	m.latency.WithLabelValues(engine, "init").Observe(d.Seconds())
}

func (m *Metrics) ObservePredict(engine string, d time.Duration, err error) {
	m.predictions.WithLabelValues(engine, outcome(err)).Inc()
	m.latency.WithLabelValues(engine, "predict").Observe(d.Seconds())
}

// Instrument counts and times requests served by h under route.
func (m *Metrics) Instrument(route string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerDuration(m.requestDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.requests.MustCurryWith(labels), h))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
