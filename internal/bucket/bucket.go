// Copyright 2025 James Ross
// Package bucket implements the lock-free token-bucket accounting
// primitive that every storage backend's local decisions are built on.
// It is the one piece of the engine that never suspends and never talks
// to a coordinator: a Cell is just memory, and TryConsume is just math
// plus a compare-and-swap retry loop.
package bucket

import (
	"math"
	"math/bits"
	"sync/atomic"
	"time"
)

// Policy is the immutable throughput policy a bucket enforces.
// RefillRate tokens are added every RefillInterval; Capacity bounds the
// maximum burst. The sustained rate is RefillRate / RefillInterval.
type Policy struct {
	Capacity       uint64
	RefillRate     uint64
	RefillInterval time.Duration
}

// Decision is the outcome of a single TryConsume call.
type Decision struct {
	Allowed bool
	// RetryAfter is meaningful only when Allowed is false: the caller's
	// best estimate of how long until enough tokens are available.
	// time.Duration(math.MaxInt64) signals "never" (cost > capacity).
	RetryAfter time.Duration
}

// Never is the RetryAfter sentinel for a request that can never succeed
// because its cost exceeds the bucket's capacity.
const Never = time.Duration(1<<63 - 1)

// snapshot is the cell's observable state at one instant. Snapshots are
// immutable; a TryConsume call builds a new one and swaps it in with a
// CompareAndSwap, never mutates one in place, so concurrent readers
// never observe a torn state.
type snapshot struct {
	tokens     uint64
	lastRefill time.Time
}

// Cell is one bucket's mutable state. The zero value is not usable;
// construct with New.
type Cell struct {
	state atomic.Pointer[snapshot]
}

// New returns a Cell initialized to full capacity as of now, per the
// lazy-creation contract the Local backend relies on.
func New(capacity uint64, now time.Time) *Cell {
	c := &Cell{}
	c.state.Store(&snapshot{tokens: capacity, lastRefill: now})
	return c
}

// TryConsume attempts to withdraw cost tokens under policy as of now.
// It is safe for concurrent use by any number of goroutines; under
// contention it retries the compare-and-swap until its write is the one
// that lands, so two concurrent callers never together withdraw more
// than what was present after refill.
func (c *Cell) TryConsume(policy Policy, now time.Time, cost uint64) Decision {
	if cost == 0 {
		// Fast-path query: never denied, never writes.
		return Decision{Allowed: true}
	}
	if cost > policy.Capacity {
		return Decision{Allowed: false, RetryAfter: Never}
	}

	for {
		old := c.state.Load()

		elapsed := now.Sub(old.lastRefill)
		if elapsed < 0 {
			// Clock regression: never move last_refill backwards, and
			// never credit tokens for negative elapsed time.
			elapsed = 0
		}

		added := refillAmount(elapsed, policy.RefillRate, policy.RefillInterval)
		tokensRefilled := old.tokens
		if added > 0 {
			tokensRefilled = saturatingAdd(old.tokens, added, policy.Capacity)
		}

		if tokensRefilled < cost {
			retryAfter := retryAfterFor(cost-tokensRefilled, policy.RefillRate, policy.RefillInterval)
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}

		next := &snapshot{tokens: tokensRefilled - cost}
		if added > 0 {
			next.lastRefill = now
		} else {
			next.lastRefill = old.lastRefill
		}

		if c.state.CompareAndSwap(old, next) {
			return Decision{Allowed: true}
		}
		// Lost the race to a concurrent updater; retry from a fresh read.
	}
}

// Usage returns capacity minus the last-observed token count, without
// applying a refill. Used by Local.GetUsage, which is explicitly
// best-effort per the facade contract.
func (c *Cell) Usage(capacity uint64) uint64 {
	s := c.state.Load()
	if s.tokens >= capacity {
		return 0
	}
	return capacity - s.tokens
}

// IdleSince reports how long it has been since the cell's last refill
// write, for the Local backend's idle-eviction sweep.
func (c *Cell) IdleSince(now time.Time) time.Duration {
	s := c.state.Load()
	d := now.Sub(s.lastRefill)
	if d < 0 {
		return 0
	}
	return d
}

// refillAmount computes floor(elapsed * rate / interval) without
// overflowing for large elapsed windows, matching spec's floor rule.
func refillAmount(elapsed time.Duration, rate uint64, interval time.Duration) uint64 {
	if rate == 0 || interval <= 0 || elapsed <= 0 {
		return 0
	}
	// elapsed*rate is formed as a 128-bit product so long idle windows
	// cannot wrap it; a quotient too large for 64 bits saturates, and
	// saturatingAdd then caps the result at capacity.
	hi, lo := bits.Mul64(uint64(elapsed), rate)
	if hi >= uint64(interval) {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, uint64(interval))
	return q
}

// saturatingAdd returns min(capacity, base+added), guarding against
// uint64 overflow on the addition itself.
func saturatingAdd(base, added, capacity uint64) uint64 {
	sum := base + added
	if sum < base { // overflow
		return capacity
	}
	if sum > capacity {
		return capacity
	}
	return sum
}

// retryAfterFor returns ceil(tokensNeeded * interval / rate).
func retryAfterFor(tokensNeeded, rate uint64, interval time.Duration) time.Duration {
	if rate == 0 {
		return Never
	}
	num := tokensNeeded * uint64(interval)
	d := num / rate
	if num%rate != 0 {
		d++
	}
	return time.Duration(d)
}
