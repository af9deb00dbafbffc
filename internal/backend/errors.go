// Copyright 2025 James Ross
package backend

import "github.com/flyingrobots/guardian/internal/guardianerr"

// Re-exported here so callers that only import internal/backend (the
// public-facing layer) don't also need internal/guardianerr, the way
// the teacher's internal/storage-backends exposes its own sentinel
// errors alongside the BackendError wrapper in one file.
var (
	ErrInvalidKey         = guardianerr.ErrInvalidKey
	ErrInvalidCost        = guardianerr.ErrInvalidCost
	ErrBackendUnavailable = guardianerr.ErrBackendUnavailable
	ErrBackendProtocol    = guardianerr.ErrBackendProtocol
)

// BackendError is an alias of guardianerr.BackendError.
type BackendError = guardianerr.BackendError
