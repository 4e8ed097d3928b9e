// Package server provides the HTTP health endpoints and the TLS listener
// shared by bldr processes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bldr-io/bldr/internal/logging"
)

// Status values reported by /healthz and /readyz.
const (
	StatusOK           = "ok"
	StatusShuttingDown = "shutting_down"
	StatusDegraded     = "degraded"
	StatusNotReady     = "not_ready"
)

// DefaultReadinessTimeout bounds each readiness check.
const DefaultReadinessTimeout = 5 * time.Second

// ReadinessChecker is implemented by components that gate readiness: the
// metadata store, router connections, the router listener.
type ReadinessChecker interface {
	Name() string

	// CheckReady returns nil when the component can take traffic.
	CheckReady(ctx context.Context) error
}

// HealthStatus is the JSON body of both endpoints.
type HealthStatus struct {
	Status string                 `json:"status"`
	Loops  map[string]bool        `json:"loops,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Loop is a handle on a long-running goroutine whose exit makes the
// process unhealthy.
type Loop struct {
	name    string
	stopped atomic.Bool
}

// Stop marks the loop as exited.
func (l *Loop) Stop() {
	if l != nil {
		l.stopped.Store(true)
	}
}

// HealthServer serves /healthz (liveness) and /readyz (readiness).
type HealthServer struct {
	addr   string
	logger *logging.Logger

	shuttingDown atomic.Bool

	mu        sync.RWMutex
	loops     []*Loop
	checks    []ReadinessChecker
	timeout   time.Duration
	extra     map[string]http.Handler
	srv       *http.Server
	boundAddr string
}

// NewHealthServer creates a server for addr. It does not listen until
// Start.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &HealthServer{
		addr:    addr,
		logger:  logger,
		timeout: DefaultReadinessTimeout,
		extra:   make(map[string]http.Handler),
	}
}

// TrackLoop registers a running loop. Liveness degrades once the returned
// handle is stopped. Nil-safe, so callers may track against a disabled
// server.
func (h *HealthServer) TrackLoop(name string) *Loop {
	if h == nil {
		return nil
	}
	l := &Loop{name: name}
	h.mu.Lock()
	h.loops = append(h.loops, l)
	h.mu.Unlock()
	return l
}

// RegisterReadinessCheck adds a check run on every /readyz request.
func (h *HealthServer) RegisterReadinessCheck(c ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// SetReadinessTimeout changes the per-check timeout.
func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
}

// RegisterHandler mounts an extra handler next to the health endpoints.
// It must be called before Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extra[pattern] = handler
}

// SetShuttingDown fails both endpoints from now on, so load balancers stop
// sending traffic while the process drains.
func (h *HealthServer) SetShuttingDown() {
	h.shuttingDown.Store(true)
}

// Handler returns the mux with the health endpoints, the extra handlers
// and pprof.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", h.endpoint(func(context.Context) HealthStatus { return h.Liveness() }))
	mux.Handle("/readyz", h.endpoint(h.Readiness))

	h.mu.RLock()
	for pattern, handler := range h.extra {
		mux.Handle(pattern, handler)
	}
	h.mu.RUnlock()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func (h *HealthServer) endpoint(eval func(context.Context) HealthStatus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status := eval(r.Context())
		code := http.StatusOK
		if status.Status != StatusOK {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(status)
		}
	})
}

// Liveness reports whether the process should be restarted: it is not
// shutting down and no tracked loop has exited.
func (h *HealthServer) Liveness() HealthStatus {
	if h.shuttingDown.Load() {
		return shuttingDownStatus()
	}
	status := HealthStatus{Status: StatusOK}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.loops) == 0 {
		return status
	}
	status.Loops = make(map[string]bool, len(h.loops))
	for _, l := range h.loops {
		running := !l.stopped.Load()
		status.Loops[l.name] = running
		if !running {
			status.Status = StatusDegraded
		}
	}
	return status
}

// Readiness runs every registered check concurrently, each bounded by the
// readiness timeout.
func (h *HealthServer) Readiness(ctx context.Context) HealthStatus {
	if h.shuttingDown.Load() {
		return shuttingDownStatus()
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.checks...)
	timeout := h.timeout
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := c.CheckReady(checkCtx); err != nil {
				results[i] = CheckResult{Message: err.Error()}
				return nil
			}
			results[i] = CheckResult{Healthy: true, Message: "healthy"}
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(checks))}
	for i, c := range checks {
		status.Checks[c.Name()] = results[i]
		if !results[i].Healthy {
			status.Status = StatusNotReady
		}
	}
	return status
}

func shuttingDownStatus() HealthStatus {
	return HealthStatus{
		Status: StatusShuttingDown,
		Checks: map[string]CheckResult{"shutdown": {Message: "process is shutting down"}},
	}
}

// Start listens on the configured address and serves in the background.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      DefaultReadinessTimeout + 5*time.Second,
	}

	h.mu.Lock()
	h.srv = srv
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server stopped", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

// Close stops the HTTP server.
func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.srv
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
