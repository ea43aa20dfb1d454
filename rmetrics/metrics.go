// Package rmetrics wires command latency, reconnection, and cache
// hit/miss counters into armon/go-metrics, the same metrics library
// the ambient stack this module follows already depends on.
package rmetrics

import (
	"time"

	"github.com/armon/go-metrics"
)

// Sink is the subset of go-metrics' global API this module calls,
// isolated behind an interface so tests can substitute a no-op or
// recording fake without touching the global metrics.Default sink.
type Sink interface {
	IncrCounter(key []string, val float32)
	AddSample(key []string, val float32)
	MeasureSince(key []string, start time.Time)
}

type defaultSink struct{}

func (defaultSink) IncrCounter(key []string, val float32)       { metrics.IncrCounter(key, val) }
func (defaultSink) AddSample(key []string, val float32)         { metrics.AddSample(key, val) }
func (defaultSink) MeasureSince(key []string, start time.Time)  { metrics.MeasureSince(key, start) }

// Default is the process-wide go-metrics sink.
var Default Sink = defaultSink{}

// CommandLatency records how long a single command took to complete.
func CommandLatency(name string, start time.Time) {
	Default.MeasureSince([]string{"rendang", "command", "latency", name}, start)
}

// ReconnectAttempt records one reconnection attempt, successful or not.
func ReconnectAttempt(success bool) {
	if success {
		Default.IncrCounter([]string{"rendang", "reconnect", "success"}, 1)
	} else {
		Default.IncrCounter([]string{"rendang", "reconnect", "failure"}, 1)
	}
}

// CacheHit records a client-side cache hit or miss.
func CacheHit(hit bool) {
	if hit {
		Default.IncrCounter([]string{"rendang", "cache", "hit"}, 1)
	} else {
		Default.IncrCounter([]string{"rendang", "cache", "miss"}, 1)
	}
}

// QueueDepth samples the handler's outstanding-reply queue length.
func QueueDepth(n int) {
	Default.AddSample([]string{"rendang", "handler", "queue_depth"}, float32(n))
}
