// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flyingrobots/guardian/internal/guardianerr"
	"github.com/flyingrobots/guardian/internal/limiter"
	"go.uber.org/zap"
)

// Handler binds one Limiter to the HTTP surface.
type Handler struct {
	limiter *limiter.Limiter
	logger  *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(l *limiter.Limiter, logger *zap.Logger) *Handler {
	return &Handler{limiter: l, logger: logger}
}

// Check handles POST /v1/check.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	d, err := h.limiter.Check(r.Context(), req.Key, req.Cost)
	if err != nil {
		h.writeLimiterError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CheckResponse{
		Allowed:           d.Allowed,
		RetryAfterSeconds: d.RetryAfter.Seconds(),
	})
}

// Usage handles GET /v1/usage?key=...
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "key query parameter is required")
		return
	}

	usage := h.limiter.GetUsage(r.Context(), key)
	writeJSON(w, http.StatusOK, UsageResponse{Key: key, Usage: usage})
}

// Reset handles POST /v1/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "key is required")
		return
	}

	if err := h.limiter.Reset(r.Context(), req.Key); err != nil {
		writeError(w, http.StatusBadGateway, "RESET_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) writeLimiterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, guardianerr.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "INVALID_KEY", err.Error())
	case errors.Is(err, guardianerr.ErrInvalidCost):
		writeError(w, http.StatusBadRequest, "INVALID_COST", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "unexpected limiter error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
