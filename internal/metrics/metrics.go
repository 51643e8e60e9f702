package metrics

import (
	"sort"
	"sync"
	"time"
)

// Metric represents a single metric data point.
type Metric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Source produces point-in-time metrics when the collector runs, for
// values that are cheaper to read than to push (queue depths, idle counts).
type Source func() []Metric

// Collector gathers metrics from the registry and registered sources.
type Collector struct {
	registry *Registry

	mu      sync.Mutex
	sources map[string]Source
	now     func() time.Time
}

// NewCollector creates a Collector over registry. A nil registry yields
// only source metrics.
func NewCollector(registry *Registry) *Collector {
	return &Collector{
		registry: registry,
		sources:  make(map[string]Source),
		now:      time.Now,
	}
}

// Register adds or replaces a named source.
func (c *Collector) Register(name string, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = src
}

// Collect gathers all metrics: registry series first, then sources in
// name order.
func (c *Collector) Collect() []Metric {
	now := c.now().UTC().Format(time.RFC3339)
	var metrics []Metric

	if c.registry != nil {
		for _, s := range c.registry.snapshot() {
			metrics = append(metrics, Metric{Name: s.name, Value: s.value, Labels: s.labels, Timestamp: now})
		}
	}

	c.mu.Lock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	srcs := make([]Source, 0, len(names))
	for _, name := range names {
		srcs = append(srcs, c.sources[name])
	}
	c.mu.Unlock()

	for _, src := range srcs {
		for _, m := range src() {
			if m.Timestamp == "" {
				m.Timestamp = now
			}
			metrics = append(metrics, m)
		}
	}
	return metrics
}
