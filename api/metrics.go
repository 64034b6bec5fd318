package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	inference  prometheus.Histogram
	modelReady prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diagnosis_requests_total",
				Help: "Diagnosis requests by response status.",
			}, []string{"status"},
		),
		inference: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "diagnosis_inference_duration_seconds",
				Help:    "Time spent decoding, preprocessing and classifying one upload.",
				Buckets: prometheus.DefBuckets,
			},
		),
		modelReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "diagnosis_model_ready",
				Help: "1 when the classifier is loaded, 0 otherwise.",
			},
		),
	}

	m.registry.MustRegister(
		m.requests,
		m.inference,
		m.modelReady,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) CountRequest(status int) {
	m.requests.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveInference(d time.Duration) {
	m.inference.Observe(d.Seconds())
}

func (m *Metrics) SetModelReady(ready bool) {
	if ready {
		m.modelReady.Set(1)
	} else {
		m.modelReady.Set(0)
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
