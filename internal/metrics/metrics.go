package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	generations       *prometheus.CounterVec
	generationSeconds prometheus.Histogram
	modelLoads        *prometheus.CounterVec
	modelLoadSeconds  prometheus.Histogram
	sessions          prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxstudio",
			Name:      "generations_total",
			Help:      "Generation requests by outcome.",
		}, []string{"outcome"}),
		generationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fluxstudio",
			Name:      "generation_seconds",
			Help:      "Wall-clock time spent inside the pipeline call.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		modelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxstudio",
			Name:      "model_loads_total",
			Help:      "Model handle construction attempts by result.",
		}, []string{"result"}),
		modelLoadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fluxstudio",
			Name:      "model_load_seconds",
			Help:      "Time spent constructing the model handle.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fluxstudio",
			Name:      "sessions",
			Help:      "Live interactive sessions.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.generations,
		m.generationSeconds,
		m.modelLoads,
		m.modelLoadSeconds,
		m.sessions,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveGeneration(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.generationSeconds.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveModelLoad(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.modelLoads.WithLabelValues(result).Inc()
	m.modelLoadSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
