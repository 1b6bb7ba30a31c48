package runner

import (
	"sync"
	"time"
)

// Metrics accumulates fire-and-forget execution counters keyed by tool and
// outcome status. Recording never blocks the hot path beyond a short mutex.
type Metrics struct {
	mu       sync.Mutex
	counters map[MetricKey]*MetricEntry
}

// MetricKey identifies one counter series.
type MetricKey struct {
	Tool   string
	Status string
}

// MetricEntry is the accumulated view of one series.
type MetricEntry struct {
	Count         int64
	TotalDuration time.Duration
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{counters: make(map[MetricKey]*MetricEntry)}
}

// Observe records one step outcome.
func (m *Metrics) Observe(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	key := MetricKey{Tool: tool, Status: status}
	m.mu.Lock()
	entry, ok := m.counters[key]
	if !ok {
		entry = &MetricEntry{}
		m.counters[key] = entry
	}
	entry.Count++
	entry.TotalDuration += duration
	m.mu.Unlock()
}

// Snapshot returns a copy of all series.
func (m *Metrics) Snapshot() map[MetricKey]MetricEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[MetricKey]MetricEntry, len(m.counters))
	for k, v := range m.counters {
		out[k] = *v
	}
	return out
}
