// Copyright 2025 James Ross
// Package cbreaker guards the Remote backend's coordinator connection
// against cascading failure. It is adapted from the teacher's
// internal/breaker: same sliding-window failure-rate state machine,
// generalized so the Remote backend can wrap it around arbitrary
// coordinator calls instead of Redis BRPopLPush specifically.
//
// This is a supplement to spec.md, not one of its requirements: the
// spec only asks that a BackendUnavailable fault be surfaced and that
// in-flight coordinator calls be bounded (section 5). Tripping the
// breaker during a sustained outage turns that bound into fast,
// synchronous failures instead of calls queueing behind dial timeouts.
package cbreaker

import (
	"sync"
	"time"

	"github.com/flyingrobots/guardian/internal/obs"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

type result struct {
	t  time.Time
	ok bool
}

// Breaker is a sliding-window, cooldown-gated circuit breaker.
type Breaker struct {
	mu               sync.Mutex
	state            State
	window           time.Duration
	cooldown         time.Duration
	failureThresh    float64
	minSamples       int
	lastTransition   time.Time
	results          []result
	halfOpenInFlight bool
}

// New returns a Breaker closed from the start, tripping to Open once
// the failure rate over window reaches failureThresh (with at least
// minSamples observations), and probing again after cooldown.
func New(window, cooldown time.Duration, failureThresh float64, minSamples int) *Breaker {
	return &Breaker{
		state:          Closed,
		window:         window,
		cooldown:       cooldown,
		failureThresh:  failureThresh,
		minSamples:     minSamples,
		lastTransition: time.Now(),
	}
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call should proceed. In HalfOpen it permits
// exactly one probe at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if time.Since(b.lastTransition) >= b.cooldown {
			b.state = HalfOpen
			b.lastTransition = time.Now()
			b.halfOpenInFlight = true
			obs.CoordinatorBreakerState.Set(1)
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()

	cutoff := now.Add(-b.window)
	filtered := b.results[:0]
	for _, r := range b.results {
		if r.t.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	b.results = append(filtered, result{t: now, ok: ok})

	total := len(b.results)
	if total < b.minSamples {
		if b.state == HalfOpen {
			b.resolveHalfOpen(ok, now)
		}
		return
	}

	fails := 0
	for _, r := range b.results {
		if !r.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(total)

	switch b.state {
	case Closed:
		if rate >= b.failureThresh {
			b.state = Open
			b.lastTransition = now
			obs.CoordinatorBreakerState.Set(2)
		}
	case HalfOpen:
		b.resolveHalfOpen(ok, now)
	case Open:
		// Handled in Allow.
	}
}

func (b *Breaker) resolveHalfOpen(ok bool, now time.Time) {
	if ok {
		b.state = Closed
		obs.CoordinatorBreakerState.Set(0)
	} else {
		b.state = Open
		obs.CoordinatorBreakerState.Set(2)
	}
	b.halfOpenInFlight = false
	b.lastTransition = now
}
