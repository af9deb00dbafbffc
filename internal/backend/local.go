// Copyright 2025 James Ross
package backend

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/guardian/internal/bucket"
	"github.com/flyingrobots/guardian/internal/clock"
	"github.com/flyingrobots/guardian/internal/obs"
	"go.uber.org/zap"
)

// Local holds bucket cells in a process-wide concurrent map, keyed by
// the caller's logical key. It never fails and never suspends.
type Local struct {
	policy bucket.Policy
	clock  clock.Clock
	logger *zap.Logger

	cells sync.Map // string -> *bucket.Cell

	idleWindow time.Duration
	sweepDone  chan struct{}
	sweepStop  chan struct{}
}

// LocalOption configures optional behavior of a Local backend.
type LocalOption func(*Local)

// WithIdleEviction enables a background sweep that drops cells whose
// last refill (bucket.Cell.IdleSince) is older than window. A consume
// that adds no tokens does not move the last refill, so it does not
// count as activity for the sweep. A zero window disables sweeping
// (the default).
func WithIdleEviction(window time.Duration) LocalOption {
	return func(l *Local) { l.idleWindow = window }
}

// NewLocal constructs a Local backend for policy, using clk as the time
// source. Pass the options produced by WithIdleEviction to enable the
// sweeper.
func NewLocal(policy bucket.Policy, clk clock.Clock, logger *zap.Logger, opts ...LocalOption) *Local {
	l := &Local{policy: policy, clock: clk, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	if l.idleWindow > 0 {
		l.sweepStop = make(chan struct{})
		l.sweepDone = make(chan struct{})
		go l.sweepLoop()
	}
	return l
}

// TakeTokens implements Backend.
func (l *Local) TakeTokens(_ context.Context, key string, cost uint64) (bucket.Decision, error) {
	if err := validateKey(key); err != nil {
		return bucket.Decision{}, err
	}
	cell := l.loadOrCreate(key)
	now := l.clock.Now()
	return cell.TryConsume(l.policy, now, cost), nil
}

// GetUsage implements Backend.
func (l *Local) GetUsage(_ context.Context, key string) (uint64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	v, ok := l.cells.Load(key)
	if !ok {
		return 0, nil
	}
	return v.(*bucket.Cell).Usage(l.policy.Capacity), nil
}

// Reset implements Backend: atomically replaces the cell with a fresh
// one, so any in-flight reader of the old cell is unaffected and no one
// ever observes a half-reset cell.
func (l *Local) Reset(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	l.cells.Store(key, bucket.New(l.policy.Capacity, l.clock.Now()))
	return nil
}

// Close stops the idle sweeper, if one is running.
func (l *Local) Close() error {
	if l.sweepStop != nil {
		close(l.sweepStop)
		<-l.sweepDone
	}
	return nil
}

// loadOrCreate is the race-safe lazy-creation path: two concurrent
// creators for the same key must agree on exactly one cell. LoadOrStore
// on sync.Map gives us that without a separate lock.
func (l *Local) loadOrCreate(key string) *bucket.Cell {
	if v, ok := l.cells.Load(key); ok {
		return v.(*bucket.Cell)
	}
	fresh := bucket.New(l.policy.Capacity, l.clock.Now())
	actual, _ := l.cells.LoadOrStore(key, fresh)
	return actual.(*bucket.Cell)
}

// sweepLoop periodically removes cells idle longer than idleWindow.
// A cell that is removed and then immediately recreated by a live
// consumer is acceptable (it just restarts at full capacity); a cell
// that a live consumer still holds a reference to is never mutated by
// the sweep, since sweeping only ever calls Delete on the map, never
// touches a Cell's internal state.
func (l *Local) sweepLoop() {
	defer close(l.sweepDone)
	ticker := time.NewTicker(l.idleWindow / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.sweepStop:
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

func (l *Local) sweepOnce() {
	now := l.clock.Now()
	evicted := 0
	l.cells.Range(func(k, v interface{}) bool {
		cell := v.(*bucket.Cell)
		if cell.IdleSince(now) >= l.idleWindow {
			l.cells.Delete(k)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		obs.LocalEvictionsTotal.Add(float64(evicted))
		if l.logger != nil {
			l.logger.Debug("local backend evicted idle buckets", zap.Int("count", evicted))
		}
	}
}
