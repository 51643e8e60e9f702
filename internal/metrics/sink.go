package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Sink receives counter and gauge updates from components. Labels are
// given as alternating key, value pairs.
type Sink interface {
	Add(name string, delta float64, labels ...string)
	Set(name string, value float64, labels ...string)
}

// NoopSink discards everything. Components default to it.
type NoopSink struct{}

func (NoopSink) Add(string, float64, ...string) {}
func (NoopSink) Set(string, float64, ...string) {}

type series struct {
	name   string
	labels map[string]string
	value  float64
}

// Registry is an in-process Sink that keeps the latest value of every
// series. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

func (r *Registry) Add(name string, delta float64, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookup(name, labels).value += delta
}

func (r *Registry) Set(name string, value float64, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookup(name, labels).value = value
}

// Value returns the current value of a series, zero when unknown.
func (r *Registry) Value(name string, labels ...string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[seriesKey(name, labels)]; ok {
		return s.value
	}
	return 0
}

// snapshot copies every series, sorted by key.
func (r *Registry) snapshot() []series {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]series, 0, len(keys))
	for _, k := range keys {
		s := r.series[k]
		out = append(out, series{name: s.name, labels: s.labels, value: s.value})
	}
	return out
}

// lookup must be called with r.mu held.
func (r *Registry) lookup(name string, labels []string) *series {
	key := seriesKey(name, labels)
	s, ok := r.series[key]
	if !ok {
		s = &series{name: name, labels: labelMap(labels)}
		r.series[key] = s
	}
	return s
}

func labelMap(labels []string) map[string]string {
	if len(labels) < 2 {
		return nil
	}
	m := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

func seriesKey(name string, labels []string) string {
	m := labelMap(labels)
	if len(m) == 0 {
		return name
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	return b.String()
}
