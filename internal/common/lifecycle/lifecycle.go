// Package lifecycle coordinates startup and phased shutdown for the
// dispatch binaries. Long-running components register as Services:
// the Manager starts them in registration order and stops each one in
// its shutdown phase. One-shot teardown work (closing a store,
// releasing a lock) registers as a plain hook.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
)

// Service is a startable, stoppable component. Start brings the
// component up and returns once it is running; long-lived work belongs
// in goroutines the component owns. Stop must be safe to call more
// than once.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ServiceFunc adapts a pair of functions to the Service interface.
// Nil functions are treated as no-ops.
type ServiceFunc struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func NewServiceFunc(name string, start, stop func(ctx context.Context) error) *ServiceFunc {
	return &ServiceFunc{name: name, start: start, stop: stop}
}

func (s *ServiceFunc) Name() string { return s.name }

func (s *ServiceFunc) Start(ctx context.Context) error {
	if s.start == nil {
		return nil
	}
	return s.start(ctx)
}

func (s *ServiceFunc) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	return s.stop(ctx)
}

// HTTPService runs an http.Server as a Service. The listener is bound
// during Start so port conflicts fail startup instead of surfacing
// later from a goroutine.
type HTTPService struct {
	name   string
	server *http.Server
}

func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{name: name, server: server}
}

func (s *HTTPService) Name() string { return s.name }

func (s *HTTPService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	slog.Info("HTTP server listening", "service", s.name, "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "service", s.name, "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *HTTPService) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
