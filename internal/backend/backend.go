// Copyright 2025 James Ross
// Package backend implements the three storage-backend variants the
// limiter facade can bind to: Local (in-process), Remote (delegated to
// a coordinator's atomic script), and Batched (a reservation cache in
// front of Remote). All three satisfy the same Backend interface so the
// facade is indifferent to which one it holds.
package backend

import (
	"context"

	"github.com/flyingrobots/guardian/internal/bucket"
	"github.com/flyingrobots/guardian/internal/keying"
)

// Backend is the storage abstraction the limiter facade consumes. It is
// intentionally a small, closed variant set (Local, Remote, Batched)
// rather than an open extension point, per the design notes.
type Backend interface {
	// TakeTokens attempts to withdraw cost tokens for key. A non-nil
	// error means the decision could not be made at all (an invalid key
	// or a backend fault); it is never returned alongside a Decision.
	TakeTokens(ctx context.Context, key string, cost uint64) (bucket.Decision, error)

	// GetUsage is best-effort: backends without an efficient query
	// return (0, nil) rather than forcing a round trip just to answer
	// an administrative question.
	GetUsage(ctx context.Context, key string) (uint64, error)

	// Reset clears any state held for key, including forfeiting any
	// outstanding batched reservation.
	Reset(ctx context.Context, key string) error

	// Close releases resources (background sweepers, connections).
	Close() error
}

// Name identifies a backend variant, as consumed from the configuration
// surface's `backend` option.
type Name string

const (
	NameLocal   Name = "local"
	NameRemote  Name = "remote"
	NameBatched Name = "batched"
)

// validateKey applies the InvalidKey check every backend must apply
// before touching its storage, so the taxonomy in spec.md section 7 is
// enforced once rather than per-backend. Cost is deliberately not
// bounds-checked here: a cost exceeding capacity is a legitimate
// request that the bucket core (or the coordinator script) denies with
// Decision{Allowed:false, RetryAfter:Never} per spec.md section 4.1 and
// the worked example in section 8 scenario 3 — it is not a programmer
// error. InvalidCost is reserved for genuine arithmetic-overflow
// conditions, which the bucket core already guards against internally
// (see bucket.saturatingAdd); no caller-visible cost value can trigger
// it, and no backend in this package returns it. A malformed coordinator
// reply is reported by the Remote backend as ErrBackendProtocol.
func validateKey(key string) error {
	return keying.Validate(key)
}
