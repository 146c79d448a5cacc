// Package resilience wraps kaiwa's capture, synthesis and conversation
// providers with circuit breakers and ordered failover.
//
// Every entry in a failover chain carries its own three-state breaker:
// repeated failures trip it open, after a cooldown it admits a limited
// number of probe calls, and enough successful probes close it again. A
// [FallbackGroup] strings entries together so the first healthy one serves
// each call, and the Failover* types adapt that machinery to the kaiwa
// provider interfaces.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] when the breaker rejects the
// call without running it.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the position of a breaker.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota

	// StateOpen rejects every call until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

// String returns the state name for logs.
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

// BreakerConfig configures a [Breaker]. Zero values take the default noted
// on each field.
type BreakerConfig struct {
	// Name identifies the breaker in logs, usually the provider name.
	Name string

	// Threshold is the number of consecutive failures that trips the
	// breaker open. Defaults to 5.
	Threshold int

	// Cooldown is how long a tripped breaker rejects calls before it
	// starts probing again. Defaults to 30s.
	Cooldown time.Duration

	// ProbeQuota is the number of probe calls admitted while half-open.
	// That many successes close the breaker; any probe failure reopens
	// it. Defaults to 3.
	ProbeQuota int
}

// Breaker is a three-state circuit breaker. While closed it passes calls
// through and counts consecutive failures; at Threshold it opens and
// rejects calls for Cooldown; after that it half-opens and admits up to
// ProbeQuota probes to decide between closing and reopening.
//
// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	quota     int

	mu        sync.Mutex
	state     State
	strikes   int       // consecutive failures while closed
	openedAt  time.Time // when the breaker last tripped
	probes    int       // probes admitted since entering half-open
	probeWins int       // probe successes since entering half-open
}

// NewBreaker creates a [Breaker] from cfg, applying defaults for zero
// fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 3
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		quota:     cfg.ProbeQuota,
	}
}

// Do runs fn if the breaker admits the call and records the outcome.
// It returns [ErrCircuitOpen] without running fn when the breaker is open
// or the half-open probe quota is spent; otherwise it returns fn's error.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeWins = 0
		slog.Info("circuit half-open, probing", "breaker", b.name)
	}
	if b.probes >= b.quota {
		return ErrCircuitOpen
	}
	b.probes++
	return nil
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		switch b.state {
		case StateHalfOpen:
			b.state = StateOpen
			b.openedAt = time.Now()
			slog.Warn("circuit reopened, probe failed", "breaker", b.name)
		case StateClosed:
			b.strikes++
			if b.strikes >= b.threshold {
				b.state = StateOpen
				b.openedAt = time.Now()
				slog.Warn("circuit opened", "breaker", b.name, "failures", b.strikes)
				b.strikes = 0
			}
		}
		return
	}
	switch b.state {
	case StateHalfOpen:
		b.probeWins++
		if b.probeWins >= b.quota {
			b.state = StateClosed
			b.strikes = 0
			slog.Info("circuit closed", "breaker", b.name)
		}
	case StateClosed:
		b.strikes = 0
	}
}

// State reports the breaker's position. A breaker that tripped but whose
// cooldown has elapsed reports [StateHalfOpen] even before the next call
// flips it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its failure accounting.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.strikes = 0
	b.probes = 0
	b.probeWins = 0
	slog.Info("circuit reset", "breaker", b.name)
}
