// Copyright 2025 James Ross
// Package limiter is the public-facing facade the RPC collaborator
// calls: it binds a storage backend to a fail-mode policy and turns
// backend faults into admission decisions, so callers only ever see
// Allowed, Denied, or a programmer-error class.
package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/guardian/internal/backend"
	"github.com/flyingrobots/guardian/internal/bucket"
	"github.com/flyingrobots/guardian/internal/guardianerr"
	"github.com/flyingrobots/guardian/internal/obs"
	"go.uber.org/zap"
)

// Never is the RetryAfter value for a request whose cost exceeds the
// configured capacity and can therefore never be admitted.
const Never = bucket.Never

// FailMode governs how the limiter behaves when its backend faults.
type FailMode int

const (
	// FailOpen admits every request while the backend is faulting.
	FailOpen FailMode = iota
	// FailClosed denies every request while the backend is faulting.
	FailClosed
)

func (m FailMode) String() string {
	if m == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter binds one backend to one fail mode.
type Limiter struct {
	backend  backend.Backend
	failMode FailMode
	name     string
	logger   *zap.Logger
}

// New constructs a Limiter. name identifies the backend in metrics and
// logs (e.g. "local", "remote", "batched").
func New(b backend.Backend, failMode FailMode, name string, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{backend: b, failMode: failMode, name: name, logger: logger}
}

// Check is the decision operation exposed to the RPC collaborator.
// InvalidKey and InvalidCost are programmer errors and are returned
// unchanged; every other backend fault is absorbed and converted to an
// admission decision per the configured fail mode.
func (l *Limiter) Check(ctx context.Context, key string, cost uint64) (Decision, error) {
	ctx, span := obs.ContextWithCheckSpan(ctx, l.name, key, cost)
	defer span.End()

	start := time.Now()
	defer func() {
		obs.DecisionLatencySeconds.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	}()

	d, err := l.backend.TakeTokens(ctx, key, cost)
	if err == nil {
		l.recordOutcome(d.Allowed)
		obs.SetDecisionAttributes(ctx, d.Allowed, d.RetryAfter.Seconds())
		obs.SetSpanSuccess(ctx)
		return Decision{Allowed: d.Allowed, RetryAfter: d.RetryAfter}, nil
	}

	if errors.Is(err, guardianerr.ErrInvalidKey) || errors.Is(err, guardianerr.ErrInvalidCost) {
		obs.RecordError(ctx, err)
		return Decision{}, err
	}

	l.logger.Warn("backend fault absorbed by fail mode",
		zap.String("backend", l.name),
		zap.String("fail_mode", l.failMode.String()),
		zap.Error(err),
	)
	obs.RecordError(ctx, err)
	obs.BackendErrorsTotal.WithLabelValues(l.name, faultKind(err)).Inc()
	obs.FailModeDecisionsTotal.WithLabelValues(l.failMode.String()).Inc()

	d2 := l.applyFailMode()
	obs.SetDecisionAttributes(ctx, d2.Allowed, d2.RetryAfter.Seconds())
	return d2, nil
}

func (l *Limiter) applyFailMode() Decision {
	switch l.failMode {
	case FailOpen:
		l.recordOutcome(true)
		return Decision{Allowed: true}
	default:
		l.recordOutcome(false)
		return Decision{Allowed: false, RetryAfter: 0}
	}
}

func (l *Limiter) recordOutcome(allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	obs.DecisionsTotal.WithLabelValues(outcome).Inc()
}

func faultKind(err error) string {
	switch {
	case guardianerr.IsUnavailable(err):
		return "unavailable"
	case guardianerr.IsProtocol(err):
		return "protocol"
	default:
		return "unknown"
	}
}

// GetUsage is best-effort: backend errors degrade to 0 rather than
// being surfaced, per spec.md section 4.5.
func (l *Limiter) GetUsage(ctx context.Context, key string) uint64 {
	usage, err := l.backend.GetUsage(ctx, key)
	if err != nil {
		l.logger.Debug("get_usage failed, returning 0", zap.Error(err))
		return 0
	}
	return usage
}

// Reset is an administrative, best-effort operation: it invalidates any
// batched reservation for key and clears backend state. It makes one
// attempt; an error is logged and also returned to the caller.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.backend.Reset(ctx, key); err != nil {
		l.logger.Warn("reset failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Close releases the underlying backend's resources.
func (l *Limiter) Close() error {
	return l.backend.Close()
}
