// Package metrics defines the write-only counter/histogram surface the rest
// of the engine reports through, plus a Prometheus-backed implementation.
package metrics

import "time"

// Sink is the external metrics interface named in the engine's boundary:
// a write-only set of counter/histogram endpoints. Every method is
// fire-and-forget; a Sink must never block or fail the caller.
type Sink interface {
	// IncCounter increments a named counter by one, tagged with labels.
	IncCounter(name string, labels map[string]string)
	// ObserveLatency records a duration against a named histogram.
	ObserveLatency(name string, labels map[string]string, d time.Duration)
	// SetGauge sets a named gauge to value.
	SetGauge(name string, labels map[string]string, value float64)
}

// NoopSink discards every observation. It is the default Sink when no
// metrics backend is configured.
type NoopSink struct{}

func (NoopSink) IncCounter(string, map[string]string)                 {}
func (NoopSink) ObserveLatency(string, map[string]string, time.Duration) {}
func (NoopSink) SetGauge(string, map[string]string, float64)          {}
