package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bldr-io/bldr/internal/logging"
)

// Server exposes a gatherer on /metrics for Prometheus to scrape.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   *logging.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer serves the default registry on addr.
func NewServer(addr string) *Server {
	return NewServerWithRegistry(addr, prometheus.DefaultGatherer)
}

// NewServerWithRegistry serves gatherer on addr. Tests pass their own
// registry so metrics do not collide across cases.
func NewServerWithRegistry(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{addr: addr, gatherer: gatherer, logger: logging.Global()}
}

// WithLogger sets the logger for scrape and serve errors.
func (s *Server) WithLogger(l *logging.Logger) *Server {
	if l != nil {
		s.logger = l
	}
	return s
}

// scrapeLog adapts the logger to promhttp's error log.
type scrapeLog struct{ l *logging.Logger }

func (s scrapeLog) Println(v ...any) {
	s.l.Warnf("metrics scrape error", map[string]any{"error": fmt.Sprint(v...)})
}

// Handler returns the /metrics handler. A collector that fails to gather
// is logged and skipped rather than failing the scrape.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog:      scrapeLog{s.logger},
		ErrorHandling: promhttp.ContinueOnError,
	}))
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warnf("metrics server stopped", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr is the bound address after Start, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Close stops serving. Closing a server that never started is a no-op.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
