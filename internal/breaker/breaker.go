// Package breaker provides a four-state circuit breaker
// (CLOSED → OPEN → HALF_OPEN → RECOVERING) and a per-operation group of
// breakers for the remote client.
package breaker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrOpen is returned when a breaker refuses a call.
var ErrOpen = errors.New("breaker: circuit open")

// State represents the current state of a circuit breaker.
type State string

const (
	Closed     State = "CLOSED"
	Open       State = "OPEN"
	HalfOpen   State = "HALF_OPEN"
	Recovering State = "RECOVERING"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
	DefaultMaxCooldown      = 5 * time.Minute

	// recoverSuccesses closes a RECOVERING breaker.
	recoverSuccesses = 4
)

// Config holds circuit breaker settings. Zero fields take the defaults.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

// Breaker implements a four-state circuit breaker pattern.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	successes        int // tracks successes during RECOVERING ramp-up
	trialInFlight    bool
	lastFailure      time.Time
	cooldown         time.Duration
	maxCooldown      time.Duration
	failureThreshold int
	now              func() time.Time
}

// Status is a snapshot of a breaker's current state.
type Status struct {
	Name     string        `json:"name,omitempty"`
	State    State         `json:"state"`
	Failures int           `json:"failures"`
	Cooldown time.Duration `json:"cooldown"`
}

// New creates a breaker from cfg.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = DefaultMaxCooldown
		if cfg.MaxCooldown < cfg.Cooldown {
			cfg.MaxCooldown = cfg.Cooldown
		}
	}
	return &Breaker{
		state:            Closed,
		cooldown:         cfg.Cooldown,
		maxCooldown:      cfg.MaxCooldown,
		failureThreshold: cfg.FailureThreshold,
		now:              time.Now,
	}
}

// Allow reports whether a request is permitted under the current state.
//
// State transitions triggered by Allow:
//   - OPEN → HALF_OPEN when cooldown has elapsed (returns true for a single trial call).
//   - HALF_OPEN blocks all calls while the trial call is in flight.
//   - RECOVERING lets requests through while successes accumulate.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, Recovering:
		return true
	case Open:
		if b.now().Sub(b.lastFailure) >= b.cooldown {
			b.state = HalfOpen
			b.trialInFlight = true
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful request.
//
//   - CLOSED: resets the failure counter.
//   - HALF_OPEN: moves to RECOVERING.
//   - RECOVERING: after 4 successes moves to CLOSED.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.state = Recovering
		b.successes = 0
		b.trialInFlight = false
	case Recovering:
		b.successes++
		if b.successes >= recoverSuccesses {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure records a failed request.
//
//   - CLOSED: counts the failure; at the threshold moves to OPEN.
//   - HALF_OPEN: back to OPEN with the cooldown doubled, capped at MaxCooldown.
//   - RECOVERING: back to OPEN.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = Open
			b.lastFailure = b.now()
		}
	case HalfOpen:
		b.state = Open
		b.lastFailure = b.now()
		b.trialInFlight = false
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
	case Recovering:
		b.state = Open
		b.lastFailure = b.now()
		b.successes = 0
	}
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{State: b.state, Failures: b.failures, Cooldown: b.cooldown}
}

// Group lazily keeps one breaker per name, all sharing a Config. A nil
// *Group allows everything.
type Group struct {
	cfg      Config
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty group.
func NewGroup(cfg Config) *Group {
	return &Group{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[name]
	if !ok {
		b = New(g.cfg)
		g.breakers[name] = b
	}
	return b
}

// Allow reports whether name may be called.
func (g *Group) Allow(name string) bool {
	if g == nil {
		return true
	}
	return g.Get(name).Allow()
}

// Record feeds an outcome into name's breaker.
func (g *Group) Record(name string, ok bool) {
	if g == nil {
		return
	}
	if ok {
		g.Get(name).RecordSuccess()
		return
	}
	g.Get(name).RecordFailure()
}

// Status returns every breaker's state sorted by name.
func (g *Group) Status() []Status {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	names := make([]string, 0, len(g.breakers))
	for name := range g.breakers {
		names = append(names, name)
	}
	g.mu.Unlock()
	sort.Strings(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		st := g.Get(name).Status()
		st.Name = name
		out = append(out, st)
	}
	return out
}
