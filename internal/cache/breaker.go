package cache

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of the circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("cache circuit breaker is open")

// Breaker trips after a run of consecutive cache failures and lets a probe
// through once the cooldown has elapsed.
type Breaker struct {
	mu sync.RWMutex

	state               BreakerState
	failureThreshold    int
	cooldown            time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	onStateChange func(state BreakerState)
}

func NewBreaker(failureThreshold int, cooldown time.Duration, onStateChange func(BreakerState)) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		onStateChange:    onStateChange,
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentState()
}

func (b *Breaker) currentState() BreakerState {
	if b.state == StateOpen && time.Since(b.lastFailureTime) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a cache call may proceed.
func (b *Breaker) Allow() bool {
	return b.State() != StateOpen
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen || b.state == StateOpen {
		b.changeState(StateClosed)
	}
	b.consecutiveFailures = 0
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	if b.state == StateClosed && b.consecutiveFailures >= b.failureThreshold {
		b.changeState(StateOpen)
	} else if b.currentState() == StateHalfOpen {
		b.changeState(StateOpen)
	}
}

func (b *Breaker) changeState(newState BreakerState) {
	if b.state != newState {
		b.state = newState
		if b.onStateChange != nil {
			b.onStateChange(newState)
		}
	}
}
