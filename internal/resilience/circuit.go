package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// StateClosed lets calls through.
	StateClosed BreakerState = iota
	// StateOpen rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets probe calls through.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit. Default: 5.
	Threshold int
	// CoolDown is how long the circuit stays open. Default: 30s.
	CoolDown time.Duration
	// Probes is the number of successes in half-open needed to close. Default: 1.
	Probes int
	// Counts decides which errors count as failures. Defaults to any non-nil error.
	Counts func(err error) bool
	// OnTransition observes state changes.
	OnTransition func(from, to BreakerState)
}

// NewBreakerConfig builds a config from configured values.
func NewBreakerConfig(threshold int, coolDown time.Duration) BreakerConfig {
	cfg := BreakerConfig{Threshold: 5, CoolDown: 30 * time.Second, Probes: 1}
	if threshold > 0 {
		cfg.Threshold = threshold
	}
	if coolDown > 0 {
		cfg.CoolDown = coolDown
	}
	return cfg
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Counts == nil {
		cfg.Counts = func(err error) bool { return err != nil }
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Call runs fn unless the circuit is open.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.Report(err)
	return val, err
}

// Allow returns ErrCircuitOpen while the circuit is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.CoolDown {
		return ErrCircuitOpen
	}
	b.setState(StateHalfOpen)
	return nil
}

// Report records the outcome of an allowed call.
func (b *Breaker) Report(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Counts(err) {
		switch b.state {
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.Probes {
				b.failures = 0
				b.successes = 0
				b.setState(StateClosed)
			}
		case StateClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.successes = 0
		b.trip()
	case StateClosed:
		if b.failures >= b.cfg.Threshold {
			b.trip()
		}
	}
}

// State returns the effective state, reporting half-open once the cool-down has passed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.setState(StateClosed)
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

func (b *Breaker) setState(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(from, to)
	}
}

// Breakers holds one breaker per source.
type Breakers struct {
	cfg BreakerConfig

	mu  sync.Mutex
	set map[string]*Breaker
}

// NewBreakers creates an empty breaker set sharing cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, set: make(map[string]*Breaker)}
}

// For returns the breaker for name, creating it on first use.
func (bs *Breakers) For(name string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.set[name]
	if !ok {
		b = NewBreaker(bs.cfg)
		bs.set[name] = b
	}
	return b
}

// States reports every known breaker's state, keyed by name.
func (bs *Breakers) States() map[string]BreakerState {
	bs.mu.Lock()
	names := make([]string, 0, len(bs.set))
	for n := range bs.set {
		names = append(names, n)
	}
	bs.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]BreakerState, len(names))
	for _, n := range names {
		out[n] = bs.For(n).State()
	}
	return out
}
