// Copyright 2025 James Ross
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/flyingrobots/guardian/internal/limiter"
	"go.uber.org/zap"
)

// Server is Guardian's decision-engine HTTP surface.
type Server struct {
	addr    string
	limiter *limiter.Limiter
	logger  *zap.Logger
	server  *http.Server
}

// NewServer constructs a Server bound to addr (":8080"-style).
func NewServer(addr string, l *limiter.Limiter, logger *zap.Logger) *Server {
	return &Server{addr: addr, limiter: l, logger: logger}
}

// Start runs the HTTP server until it is shut down. It blocks, matching
// the teacher's admin-api Server.Start contract.
func (s *Server) Start() error {
	h := NewHandler(s.limiter, s.logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/check", methodHandler(http.MethodPost, h.Check))
	mux.HandleFunc("/v1/usage", methodHandler(http.MethodGet, h.Usage))
	mux.HandleFunc("/v1/reset", methodHandler(http.MethodPost, h.Reset))

	s.server = &http.Server{Addr: s.addr, Handler: mux}
	s.logger.Info("starting guardian api server", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func methodHandler(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", fmt.Sprintf("expected %s", method))
			return
		}
		handler(w, r)
	}
}
