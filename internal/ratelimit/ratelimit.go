// Package ratelimit shapes outbound calls with named token buckets built on
// golang.org/x/time/rate. Names without a limiter are not limited.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// LimiterStatus is a snapshot of a limiter's current state.
type LimiterStatus struct {
	Name      string  `json:"name"`
	Rate      float64 `json:"rate"`
	Burst     int     `json:"burst"`
	Available float64 `json:"available"`
	Waits     int64   `json:"waits"`
	Rejected  int64   `json:"rejected"`
}

type limiter struct {
	lim      *rate.Limiter
	waits    int64
	rejected int64
}

// Group manages named rate limiters.
type Group struct {
	mu       sync.RWMutex
	limiters map[string]*limiter
}

// NewGroup creates an empty Group.
func NewGroup() *Group {
	return &Group{limiters: make(map[string]*limiter)}
}

// Add registers (or replaces) a limiter of rps tokens per second with the
// given burst. A non-positive burst is treated as 1.
func (g *Group) Add(name string, rps float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limiters[name] = &limiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Has reports whether name is limited.
func (g *Group) Has(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.limiters[name]
	return ok
}

// Allow consumes a token without waiting. Unlimited names always pass.
func (g *Group) Allow(name string) bool {
	l := g.get(name)
	if l == nil {
		return true
	}
	if l.lim.Allow() {
		return true
	}
	g.mu.Lock()
	l.rejected++
	g.mu.Unlock()
	return false
}

// Wait blocks until name has a token or ctx ends.
func (g *Group) Wait(ctx context.Context, name string) error {
	l := g.get(name)
	if l == nil {
		return nil
	}
	g.mu.Lock()
	l.waits++
	g.mu.Unlock()
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: %s: %w", name, err)
	}
	return nil
}

// Status returns a snapshot of all limiters, sorted by name.
func (g *Group) Status() []LimiterStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	statuses := make([]LimiterStatus, 0, len(g.limiters))
	for name, l := range g.limiters {
		statuses = append(statuses, LimiterStatus{
			Name:      name,
			Rate:      float64(l.lim.Limit()),
			Burst:     l.lim.Burst(),
			Available: l.lim.Tokens(),
			Waits:     l.waits,
			Rejected:  l.rejected,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// Remove deletes a limiter from the group.
func (g *Group) Remove(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, name)
}

func (g *Group) get(name string) *limiter {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limiters[name]
}
