// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Engine counters and gauges on top of armon/go-metrics.
// Instances are private to their owner; nothing touches the global sink.

package control

import (
	"strings"
	"time"

	"github.com/armon/go-metrics"
)

// MetricsRegistry emits counters and gauges into a go-metrics sink.
// A nil *MetricsRegistry is valid and discards everything.
type MetricsRegistry struct {
	m    *metrics.Metrics
	sink *metrics.InmemSink
}

// NewMetricsRegistry builds a registry that prefixes keys with service.
// With a nil sink an in-memory sink is created, readable via GetSnapshot.
func NewMetricsRegistry(service string, sink metrics.MetricSink) (*MetricsRegistry, error) {
	r := &MetricsRegistry{}
	if sink == nil {
		r.sink = metrics.NewInmemSink(10*time.Second, time.Minute)
		sink = r.sink
	} else if in, ok := sink.(*metrics.InmemSink); ok {
		r.sink = in
	}
	cfg := metrics.DefaultConfig(service)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	m, err := metrics.New(cfg, sink)
	if err != nil {
		return nil, err
	}
	r.m = m
	return r, nil
}

// IncrCounter adds v to the counter at key.
func (r *MetricsRegistry) IncrCounter(key []string, v float32) {
	if r == nil {
		return
	}
	r.m.IncrCounter(key, v)
}

// SetGauge sets the gauge at key.
func (r *MetricsRegistry) SetGauge(key []string, v float32) {
	if r == nil {
		return
	}
	r.m.SetGauge(key, v)
}

// GetSnapshot returns counter sums and latest gauge values retained by an
// in-memory sink, keyed by dotted name. Other sinks yield an empty map.
func (r *MetricsRegistry) GetSnapshot() map[string]any {
	out := make(map[string]any)
	if r == nil || r.sink == nil {
		return out
	}
	for _, intv := range r.sink.Data() {
		intv.RLock()
		for k, c := range intv.Counters {
			name := strings.SplitN(k, ";", 2)[0]
			sum, _ := out[name].(float64)
			out[name] = sum + c.Sum
		}
		for k, g := range intv.Gauges {
			out[strings.SplitN(k, ";", 2)[0]] = g.Value
		}
		intv.RUnlock()
	}
	return out
}
