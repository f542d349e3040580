// Package metrics exports memory subsystem metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tiermem"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth          prometheus.Gauge
	embeddingsComputed  *prometheus.CounterVec
	remoteFailures      *prometheus.CounterVec
	remoteCooldowns     prometheus.Counter
	consolidations      *prometheus.CounterVec
	retrievalLatency    *prometheus.HistogramVec
	summarizerLatency   prometheus.Histogram
	longTierPruned      prometheus.Counter
	callbacksDispatched prometheus.Counter
}

type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}
}

func New(cfg Config) *Metrics {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{registry: registry}

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "vectors",
		Name:      "queue_depth",
		Help:      "Vector compute requests waiting or in flight",
	})
	m.embeddingsComputed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vectors",
		Name:      "embeddings_computed_total",
		Help:      "Vectors computed and stored, by backend",
	}, []string{"backend"})
	m.remoteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vectors",
		Name:      "remote_failures_total",
		Help:      "Failed remote embedding calls, by reason",
	}, []string{"reason"})
	m.remoteCooldowns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vectors",
		Name:      "remote_cooldowns_total",
		Help:      "Times the remote backend entered cooldown",
	})
	m.consolidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "memory",
		Name:      "consolidations_total",
		Help:      "Settled consolidation tasks, by transition and result",
	}, []string{"transition", "result"})
	m.retrievalLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "memory",
		Name:      "retrieval_latency_seconds",
		Help:      "Retrieval scoring latency in seconds",
		Buckets:   cfg.LatencyBuckets,
	}, []string{"pool"})
	m.summarizerLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "memory",
		Name:      "summarizer_latency_seconds",
		Help:      "Summarizer call latency in seconds",
		Buckets:   cfg.LatencyBuckets,
	})
	m.longTierPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "memory",
		Name:      "long_tier_pruned_total",
		Help:      "Records removed by long-tier pruning",
	})
	m.callbacksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "callbacks_total",
		Help:      "Callbacks run on the host tick",
	})

	registry.MustRegister(
		m.queueDepth,
		m.embeddingsComputed,
		m.remoteFailures,
		m.remoteCooldowns,
		m.consolidations,
		m.retrievalLatency,
		m.summarizerLatency,
		m.longTierPruned,
		m.callbacksDispatched,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) AddEmbeddings(backend string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.embeddingsComputed.WithLabelValues(backend).Add(float64(n))
}

func (m *Metrics) RemoteFailure(reason string) {
	if m == nil {
		return
	}
	m.remoteFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RemoteCooldown() {
	if m == nil {
		return
	}
	m.remoteCooldowns.Inc()
}

func (m *Metrics) Consolidation(transition, result string) {
	if m == nil {
		return
	}
	m.consolidations.WithLabelValues(transition, result).Inc()
}

func (m *Metrics) ObserveRetrieval(pool string, d time.Duration) {
	if m == nil {
		return
	}
	m.retrievalLatency.WithLabelValues(pool).Observe(d.Seconds())
}

func (m *Metrics) ObserveSummarizer(d time.Duration) {
	if m == nil {
		return
	}
	m.summarizerLatency.Observe(d.Seconds())
}

func (m *Metrics) AddPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.longTierPruned.Add(float64(n))
}

func (m *Metrics) AddCallbacks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.callbacksDispatched.Add(float64(n))
}
