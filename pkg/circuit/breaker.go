// Package circuit provides a circuit breaker used to shield the request
// path from a failing event broker or audit database.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds breaker settings shared by a group.
type Config struct {
	MaxFailures int
	Timeout     time.Duration
	HalfOpenMax int
}

// Breaker trips open after MaxFailures consecutive failures, then admits a
// limited number of probes after Timeout elapses.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
}

func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg}
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) <= b.cfg.Timeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.successes = 0
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMax {
			return ErrCircuitOpen
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !ok {
		b.lastFailure = time.Now()
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.MaxFailures {
				b.state = StateOpen
			}
		case StateHalfOpen:
			b.state = StateOpen
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.state = StateClosed
			b.failures = 0
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerGroup lazily creates one breaker per dependency name.
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
}

func NewBreakerGroup(cfg Config) *BreakerGroup {
	return &BreakerGroup{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

func (g *BreakerGroup) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[name]
	if !ok {
		b = NewBreaker(g.cfg)
		g.breakers[name] = b
	}
	return b
}

func (g *BreakerGroup) Execute(ctx context.Context, name string, fn func() error) error {
	return g.Get(name).Execute(ctx, fn)
}
