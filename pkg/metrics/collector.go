// Package metrics provides the in-process metrics collector backing the
// /metrics endpoint. Recording is cheap and lock-based; nothing here
// may block the decision path, so all methods are fire-and-forget.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Well-known metric names emitted by the engine.
const (
	MetricClassifications   = "decoygate_classifications_total"
	MetricAnomalies         = "decoygate_anomalies_total"
	MetricNormal            = "decoygate_normal_total"
	MetricBlocked           = "decoygate_blocked_total"
	MetricActions           = "decoygate_actions_total"
	MetricRejected          = "decoygate_rejected_total"
	MetricEscalations       = "decoygate_escalations_total"
	MetricInferenceLatency  = "decoygate_inference_seconds"
	MetricActiveSessions    = "decoygate_active_sessions"
	MetricPolicyEpsilon     = "decoygate_policy_epsilon"
	MetricSystemMemoryPct   = "decoygate_system_memory_pct"
	MetricProcessCPUPercent = "decoygate_process_cpu_pct"
)

// Collector accumulates counters, gauges, and histograms and renders
// them in Prometheus text exposition format.
type Collector struct {
	mu         sync.RWMutex
	counters   map[string]map[string]int64
	gauges     map[string]map[string]float64
	histograms map[string][]float64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]map[string]int64),
		gauges:     make(map[string]map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// IncrementCounter adds one to the named counter series.
func (c *Collector) IncrementCounter(name string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counters[name] == nil {
		c.counters[name] = make(map[string]int64)
	}
	c.counters[name][labelKey(labels)]++
}

// SetGauge records the current value of the named gauge series.
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gauges[name] == nil {
		c.gauges[name] = make(map[string]float64)
	}
	c.gauges[name][labelKey(labels)] = value
}

// ObserveHistogram appends an observation to the named histogram.
func (c *Collector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := name + "|" + labelKey(labels)
	c.histograms[key] = append(c.histograms[key], value)
}

// CounterValue returns a counter's current value, for tests and /status.
func (c *Collector) CounterValue(name string, labels map[string]string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if series, ok := c.counters[name]; ok {
		return series[labelKey(labels)]
	}
	return 0
}

// ExportPrometheus renders all series in text exposition format.
// Histograms are summarized as count/sum/min/max series.
func (c *Collector) ExportPrometheus() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder

	for _, name := range sortedKeys(c.counters) {
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		series := c.counters[name]
		for _, lk := range sortedKeys(series) {
			fmt.Fprintf(&b, "%s%s %d\n", name, renderLabels(lk), series[lk])
		}
	}

	for _, name := range sortedKeys(c.gauges) {
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		series := c.gauges[name]
		for _, lk := range sortedKeys(series) {
			fmt.Fprintf(&b, "%s%s %g\n", name, renderLabels(lk), series[lk])
		}
	}

	for _, key := range sortedKeys(c.histograms) {
		values := c.histograms[key]
		if len(values) == 0 {
			continue
		}
		parts := strings.SplitN(key, "|", 2)
		name, lk := parts[0], parts[1]

		sum, minV, maxV := 0.0, values[0], values[0]
		for _, v := range values {
			sum += v
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
		fmt.Fprintf(&b, "# TYPE %s summary\n", name)
		fmt.Fprintf(&b, "%s_count%s %d\n", name, renderLabels(lk), len(values))
		fmt.Fprintf(&b, "%s_sum%s %g\n", name, renderLabels(lk), sum)
		fmt.Fprintf(&b, "%s_min%s %g\n", name, renderLabels(lk), minV)
		fmt.Fprintf(&b, "%s_max%s %g\n", name, renderLabels(lk), maxV)
	}

	return b.String()
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

func renderLabels(labelKey string) string {
	if labelKey == "" {
		return ""
	}
	pairs := strings.Split(labelKey, ",")
	rendered := make([]string, 0, len(pairs))
	for _, p := range pairs {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		rendered = append(rendered, fmt.Sprintf("%s=%q", kv[0], kv[1]))
	}
	return "{" + strings.Join(rendered, ",") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
