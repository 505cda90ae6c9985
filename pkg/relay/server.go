package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/insights-relay/internal/governance"
)

// writeTimeoutMargin covers body reads and response writes around the two
// outbound calls.
const writeTimeoutMargin = 15 * time.Second

// ServerOptions configures a Server. Name labels the server's spans and log
// lines. A zero timeout uses the default; a negative WriteTimeout disables it.
type ServerOptions struct {
	Name         string
	Logger       *slog.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// WriteTimeoutFor returns a server write timeout long enough for both
// outbound calls to fail with a JSON error before the connection is cut.
// It is negative (disabled) when either call has no deadline.
func WriteTimeoutFor(timeouts *governance.TimeoutManager) time.Duration {
	identity := timeouts.Timeout(governance.CallIdentity)
	prediction := timeouts.Timeout(governance.CallPrediction)
	if identity <= 0 || prediction <= 0 {
		return -1
	}
	return identity + prediction + writeTimeoutMargin
}

// Server serves one handler on any number of listeners, for example a local
// TCP socket and a public tunnel at the same time.
type Server struct {
	name   string
	server *http.Server
	logger *slog.Logger
	errCh  chan error
	wg     sync.WaitGroup
}

// NewServer wraps handler with tracing and prepares an http.Server for it.
func NewServer(handler http.Handler, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "relay"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	switch {
	case opts.WriteTimeout == 0:
		opts.WriteTimeout = 60 * time.Second
	case opts.WriteTimeout < 0:
		opts.WriteTimeout = 0
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}

	return &Server{
		name: opts.Name,
		server: &http.Server{
			Handler:           otelhttp.NewHandler(handler, opts.Name),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       opts.ReadTimeout,
			WriteTimeout:      opts.WriteTimeout,
			IdleTimeout:       opts.IdleTimeout,
		},
		logger: opts.Logger,
		errCh:  make(chan error, 4),
	}
}

// Listen binds addr and starts serving on it.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s server listen on %s: %w", s.name, addr, err)
	}
	s.Serve(ln)
	return ln.Addr(), nil
}

// Serve starts serving on ln in the background. Serve errors other than a
// clean shutdown are reported on Errors.
func (s *Server) Serve(ln net.Listener) {
	s.logger.Info("server listening", "server", s.name, "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed", "server", s.name, "addr", ln.Addr().String(), "error", err)
			select {
			case s.errCh <- fmt.Errorf("%s server on %s: %w", s.name, ln.Addr(), err):
			default:
			}
		}
	}()
}

// Errors delivers fatal serve errors.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Shutdown stops accepting connections, closes every listener and waits for
// in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("%s server shutdown: %w", s.name, err)
	}
	return nil
}

// NewAdminHandler serves health and Prometheus endpoints.
func NewAdminHandler(metrics *Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

// Chain applies the relay's standard middleware around handler.
func Chain(handler http.Handler, metrics *Metrics, logger *slog.Logger) http.Handler {
	return RequestIDMiddleware(metrics.MetricsMiddleware(AccessLogMiddleware(logger, handler)))
}
