package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/metrics"
	"github.com/deskpilot/deskpilot/internal/app/system"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logging.Logger
}

var _ system.Service = (*Service)(nil)

// NewService wires the handler behind the middleware stack.
func NewService(addr string, deps Deps, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("http")
	}
	handler := NewHandler(deps)
	// Order matters: rate limiting sees every request before auth; CORS
	// short-circuits preflight before both; recovery and metrics wrap the
	// whole stack.
	handler = wrapWithAuth(handler, deps.Gate)
	handler = wrapWithRateLimit(handler, deps.Gate)
	handler = wrapWithCORS(handler)
	handler = wrapWithLogging(handler, log)
	handler = wrapWithRecovery(handler, log)
	handler = metrics.InstrumentHandler(handler)

	return &Service{addr: addr, handler: handler, log: log}
}

// Name implements the service lifecycle.
func (s *Service) Name() string { return "http" }

// Start begins serving in the background and returns nil at once. Listen
// errors, a failed bind included, are only logged.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.handler,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the SSE log stream and websocket upgrades hold
		// their connections open indefinitely.
	}

	go func() {
		s.log.Infof("http server listening on %s", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
