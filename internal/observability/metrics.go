package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec
	detectionsTotal       *prometheus.CounterVec
	detectionDuration     *prometheus.HistogramVec
	detectedRegions       prometheus.Histogram
	synthesisTotal        *prometheus.CounterVec
	synthesisDuration     *prometheus.HistogramVec
	modelLoaded           prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visiontts_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "visiontts_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visiontts_upstream_requests_total",
				Help: "Total text-to-speech upstream requests.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "visiontts_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
		detectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visiontts_detections_total",
				Help: "Detection requests by outcome.",
			},
			[]string{"outcome"},
		),
		detectionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "visiontts_detection_duration_seconds",
				Help:    "Decode, inference and encode time per detection request.",
				Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),
		detectedRegions: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "visiontts_detected_regions",
				Help:    "Number of regions returned per successful detection.",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 300},
			},
		),
		synthesisTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visiontts_tts_requests_total",
				Help: "Speech synthesis requests by language and outcome.",
			},
			[]string{"lang", "outcome"},
		),
		synthesisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "visiontts_tts_duration_seconds",
				Help:    "Speech synthesis time in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"lang", "outcome"},
		),
		modelLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "visiontts_model_loaded",
				Help: "1 if the detection model loaded at startup, 0 otherwise.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.detectionsTotal,
		m.detectionDuration,
		m.detectedRegions,
		m.synthesisTotal,
		m.synthesisDuration,
		m.modelLoaded,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveDetection(outcome string, regions int, duration time.Duration) {
	if m == nil {
		return
	}
	m.detectionsTotal.WithLabelValues(outcome).Inc()
	if outcome == "unavailable" {
		return
	}
	m.detectionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if outcome == "ok" {
		m.detectedRegions.Observe(float64(regions))
	}
}

func (m *Metrics) ObserveSynthesis(lang, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.synthesisTotal.WithLabelValues(lang, outcome).Inc()
	m.synthesisDuration.WithLabelValues(lang, outcome).Observe(duration.Seconds())
}

func (m *Metrics) SetModelLoaded(loaded bool) {
	if m == nil {
		return
	}
	if loaded {
		m.modelLoaded.Set(1)
		return
	}
	m.modelLoaded.Set(0)
}
