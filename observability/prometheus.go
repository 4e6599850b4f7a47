package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusFactory is a MetricFactory backed by a Prometheus registry.
// Dotted metric names become underscored; counters get a _total suffix.
type PrometheusFactory struct {
	registry   *prometheus.Registry
	buckets    []float64
	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// NewPrometheusFactory creates a factory with its own registry. A nil
// registry creates a fresh one.
func NewPrometheusFactory(reg *prometheus.Registry) *PrometheusFactory {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &PrometheusFactory{
		registry:   reg,
		buckets:    prometheus.DefBuckets,
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Compile-time interface check.
var _ MetricFactory = (*PrometheusFactory)(nil)

// Counter implements MetricFactory. Asking twice for a name returns the
// same counter.
func (f *PrometheusFactory) Counter(name string) Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: promName(name) + "_total",
		Help: "Total " + strings.ReplaceAll(name, ".", " ") + " events",
	})
	f.registry.MustRegister(c)
	f.counters[name] = c
	return c
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h, ok := f.histograms[name]; ok {
		return h
	}
	buckets := f.buckets
	switch {
	case strings.HasSuffix(name, "latency_ms"):
		buckets = prometheus.ExponentialBuckets(5, 2, 12)
	case strings.HasSuffix(name, "attempts_to_succeed"):
		buckets = prometheus.LinearBuckets(1, 1, 5)
	case strings.HasSuffix(name, "scanned"), strings.HasSuffix(name, "amount"):
		buckets = prometheus.ExponentialBuckets(1, 10, 8)
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    promName(name),
		Help:    "Distribution of " + strings.ReplaceAll(name, ".", " "),
		Buckets: buckets,
	})
	f.registry.MustRegister(h)
	f.histograms[name] = h
	return h
}

// Registry returns the backing registry.
func (f *PrometheusFactory) Registry() *prometheus.Registry { return f.registry }

// Handler serves the registry in the Prometheus exposition format.
func (f *PrometheusFactory) Handler() http.Handler {
	return promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{})
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
