// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker guards calls to a storage backend with a circuit breaker
// so a failing backend is given time to recover instead of being hammered.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the backend while the circuit
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures that open the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before a trial call.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of trial successes that close the circuit.
	SuccessThreshold int
	// Now is the clock. It defaults to time.Now.
	Now func() time.Time
}

// StateChangeFunc observes transitions. It runs after the breaker lock is
// released.
type StateChangeFunc func(from, to State)

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
	onStateChange   StateChangeFunc
}

// New creates a closed circuit breaker.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: config.Now(),
	}
}

// Call runs fn when the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn()
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	if cb.config.Now().Sub(cb.lastStateChange) < cb.config.ResetTimeout {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	notify := cb.setStateLocked(StateHalfOpen)
	cb.mu.Unlock()
	notify()
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	notify := func() {}
	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
			notify = cb.setStateLocked(StateOpen)
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				notify = cb.setStateLocked(StateClosed)
			}
		}
	}
	cb.mu.Unlock()
	notify()
}

// setStateLocked switches state and returns the notification to run once
// the lock is released.
func (cb *CircuitBreaker) setStateLocked(to State) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	cb.lastStateChange = cb.config.Now()
	switch to {
	case StateClosed:
		cb.failures, cb.successes = 0, 0
	case StateHalfOpen:
		cb.successes = 0
	}
	fn := cb.onStateChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers fn for state transitions.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns the state and the failure and success counters.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}
