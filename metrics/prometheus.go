package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink adapts Sink to the client_golang registry. Unlike the
// teacher's metrics struct (one named field per signal, known up front),
// this engine's components report under call-site-chosen names, so vectors
// are created lazily on first use and cached by name+label-key-set.
type PrometheusSink struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusSink creates a sink registering all vectors under namespace
// into registry (pass prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer's registry for the global one).
func NewPrometheusSink(namespace string, registry *prometheus.Registry) *PrometheusSink {
	return &PrometheusSink{
		namespace:  namespace,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func labelKeys(labels map[string]string) ([]string, []string) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return keys, values
}

func (s *PrometheusSink) IncCounter(name string, labels map[string]string) {
	keys, values := labelKeys(labels)
	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		vec = promauto.With(s.registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      name,
		}, keys)
		s.counters[name] = vec
	}
	s.mu.Unlock()
	vec.WithLabelValues(values...).Inc()
}

func (s *PrometheusSink) ObserveLatency(name string, labels map[string]string, d time.Duration) {
	keys, values := labelKeys(labels)
	s.mu.Lock()
	vec, ok := s.histograms[name]
	if !ok {
		vec = promauto.With(s.registry).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, keys)
		s.histograms[name] = vec
	}
	s.mu.Unlock()
	vec.WithLabelValues(values...).Observe(d.Seconds())
}

func (s *PrometheusSink) SetGauge(name string, labels map[string]string, value float64) {
	keys, values := labelKeys(labels)
	s.mu.Lock()
	vec, ok := s.gauges[name]
	if !ok {
		vec = promauto.With(s.registry).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      name,
		}, keys)
		s.gauges[name] = vec
	}
	s.mu.Unlock()
	vec.WithLabelValues(values...).Set(value)
}
