package retry

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type BreakerConfig struct {
	FailureThreshold int           // consecutive failures to open circuit
	SuccessThreshold int           // half-open successes needed to close again
	Cooldown         time.Duration // how long to stay open before half-open
}

// CircuitBreaker protects a dependency with the closed/open/half-open state
// machine. While open, Allow fails fast; after Cooldown a single trial call is
// admitted and its outcome decides the next state.
type CircuitBreaker struct {
	cfg BreakerConfig
	mu  sync.Mutex

	state string // "closed" | "open" | "half_open"

	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenInFlight    bool
	openedAt            time.Time
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}

	return &CircuitBreaker{
		cfg:   cfg,
		state: "closed",
	}
}

func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. Callers must pair every true
// result with a RecordSuccess or RecordFailure.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case "closed":
		return true
	case "open":
		if time.Since(b.openedAt) >= b.cfg.Cooldown {
			b.state = "half_open"
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = true
			return true
		}
		return false
	case "half_open":
		// one trial at a time
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0

	if b.state == "half_open" {
		b.halfOpenInFlight = false
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = "closed"
			b.halfOpenSuccesses = 0
		}
		return
	}

	b.state = "closed"
}

func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++

	// any half-open failure reopens immediately
	if b.state == "half_open" {
		b.halfOpenInFlight = false
		b.state = "open"
		b.openedAt = time.Now()
		return
	}

	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.state = "open"
		b.openedAt = time.Now()
	}
}

// Do wraps fn with the breaker gate.
func (b *CircuitBreaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
