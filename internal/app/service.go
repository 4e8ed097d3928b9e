// Package app runs a service process on the mesh.
//
// A Service keeps one handler connection open to every router it discovers,
// serves all of them with a single dispatcher, and on shutdown tells each
// router to stop routing to it, waits for in-flight handlers, and closes.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bldr-io/bldr/internal/client"
	"github.com/bldr-io/bldr/internal/conn"
	"github.com/bldr-io/bldr/internal/dispatch"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metrics"
	"github.com/bldr-io/bldr/internal/routing"
	"github.com/bldr-io/bldr/internal/server"
	"github.com/bldr-io/bldr/internal/wire"
)

// DefaultDrainTimeout bounds Shutdown when Config leaves it unset.
const DefaultDrainTimeout = 10 * time.Second

// Discovery supplies router membership. *routing.Registry and
// routing.StaticResolver satisfy it.
type Discovery interface {
	Routers(ctx context.Context) ([]routing.RouterInfo, error)
	Watch(ctx context.Context, onChange func([]routing.RouterInfo)) error
}

// Config configures a Service.
type Config struct {
	// InstanceID identifies the process to routers. Empty generates one.
	InstanceID string

	Discovery Discovery

	// Conn is the template for router connections. Service, InstanceID,
	// Role, MessageTypes, Addr and Addrs are set per connection.
	Conn conn.Config

	MaxConcurrent int64
	DrainTimeout  time.Duration

	// Compressor is applied to reply payloads and, for callers, requests.
	Compressor wire.PayloadCompressor

	// Caller builds a client for requests to other services.
	Caller      bool
	CallTimeout time.Duration

	// HealthAddr serves /healthz and /readyz. Empty disables it.
	HealthAddr string

	// Registry receives the service's metrics. Nil uses the default
	// Prometheus registerer.
	Registry prometheus.Registerer

	Logger *logging.Logger
}

type handlerConn struct {
	info routing.RouterInfo
	conn *conn.Conn
}

// Service is a running service process.
type Service struct {
	cfg        Config
	name       string
	table      *dispatch.Table
	dispatcher *dispatch.Dispatcher
	logger     *logging.Logger
	health     *server.HealthServer

	connMetrics   *metrics.ConnectionMetrics
	clientMetrics *metrics.ClientMetrics

	client *client.Client

	mu       sync.Mutex
	conns    map[string]*handlerConn
	draining bool

	serveWg sync.WaitGroup
	watchWg sync.WaitGroup
	cancel  context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a service serving table. The table is sealed.
func New(table *dispatch.Table, cfg Config) (*Service, error) {
	if table == nil || table.Len() == 0 {
		return nil, errors.New("app: dispatch table has no handlers")
	}
	if cfg.Discovery == nil {
		return nil, errors.New("app: discovery is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	name := table.Service()
	logger = logger.WithService(name).With(map[string]any{"instanceId": cfg.InstanceID})

	s := &Service{
		cfg:   cfg,
		name:  name,
		table: table,
		dispatcher: dispatch.New(table, dispatch.Config{
			MaxConcurrent: cfg.MaxConcurrent,
			Compressor:    cfg.Compressor,
			Logger:        logger,
			Metrics:       metrics.NewDispatchMetricsWithRegistry(cfg.Registry),
		}),
		logger:      logger,
		connMetrics: metrics.NewConnectionMetricsWithRegistry(cfg.Registry),
		conns:       make(map[string]*handlerConn),
	}

	if cfg.Caller {
		s.clientMetrics = metrics.NewClientMetricsWithRegistry(cfg.Registry)
		if err := s.openCaller(); err != nil {
			return nil, err
		}
	}

	if cfg.HealthAddr != "" {
		s.health = server.NewHealthServer(cfg.HealthAddr, logger)
		s.health.RegisterReadinessCheck(server.NewRouterConnChecker(s.connStates))
	}
	return s, nil
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// InstanceID returns the id announced to routers.
func (s *Service) InstanceID() string {
	return s.cfg.InstanceID
}

// Client returns the caller client, or nil when Config.Caller is false.
func (s *Service) Client() *client.Client {
	return s.client
}

// Health returns the health server, or nil when HealthAddr is empty.
func (s *Service) Health() *server.HealthServer {
	return s.health
}

// Start starts the health server and begins following discovery. It
// returns once watching started; errors from the watch are logged.
func (s *Service) Start(ctx context.Context) error {
	if s.health != nil {
		if err := s.health.Start(); err != nil {
			return fmt.Errorf("app: start health server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	loop := s.health.TrackLoop("router_discovery")
	s.watchWg.Add(1)
	go func() {
		defer s.watchWg.Done()
		defer loop.Stop()
		if err := s.cfg.Discovery.Watch(ctx, s.reconcile); err != nil {
			s.logger.Errorf("router discovery stopped", map[string]any{"error": err.Error()})
		}
	}()

	s.logger.Infof("service started", map[string]any{
		"messageTypes": s.table.MessageTypes(),
	})
	return nil
}

// Run starts the service and blocks until ctx is done, then drains within
// the configured drain timeout.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DrainTimeout)
	defer cancel()
	return s.Shutdown(drainCtx)
}

// Routers returns the ids of routers the service holds a connection to.
func (s *Service) Routers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// reconcile opens connections to new routers and closes connections to
// routers that left.
func (s *Service) reconcile(routers []routing.RouterInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return
	}

	want := make(map[string]routing.RouterInfo, len(routers))
	for _, r := range routers {
		want[r.RouterID] = r
	}

	for id, hc := range s.conns {
		if info, ok := want[id]; ok && info.Addr == hc.info.Addr {
			continue
		}
		delete(s.conns, id)
		s.logger.Infof("router left, closing connection", map[string]any{"routerId": id})
		go hc.conn.Close()
	}

	for id, info := range want {
		if _, ok := s.conns[id]; ok {
			continue
		}
		hc, err := s.openHandler(info)
		if err != nil {
			s.logger.Errorf("failed to open router connection", map[string]any{
				"routerId": id,
				"error":    err.Error(),
			})
			continue
		}
		s.conns[id] = hc
	}
}

func (s *Service) openHandler(info routing.RouterInfo) (*handlerConn, error) {
	cfg := s.cfg.Conn
	cfg.Service = s.name
	cfg.InstanceID = s.cfg.InstanceID
	cfg.Role = wire.RoleHandler
	cfg.MessageTypes = s.table.MessageTypes()
	cfg.Addr = info.Addr
	cfg.Addrs = nil
	cfg.Logger = s.logger.With(map[string]any{"routerId": info.RouterID})
	cfg.Metrics = s.connMetrics

	cn, err := conn.Open(cfg)
	if err != nil {
		return nil, err
	}

	s.serveWg.Add(1)
	go func() {
		defer s.serveWg.Done()
		if err := s.dispatcher.Serve(context.Background(), cn); err != nil {
			s.logger.Errorf("dispatcher stopped", map[string]any{
				"routerId": info.RouterID,
				"error":    err.Error(),
			})
		}
	}()
	return &handlerConn{info: info, conn: cn}, nil
}

// openCaller opens the caller connection.
func (s *Service) openCaller() error {
	cfg := s.cfg.Conn
	cfg.Service = s.name
	cfg.InstanceID = s.cfg.InstanceID
	cfg.Role = wire.RoleCaller
	cfg.MessageTypes = nil
	cfg.Addr = ""
	cfg.Addrs = CallerAddrs(s.cfg.Discovery, s.cfg.InstanceID)
	cfg.Logger = s.logger
	cfg.Metrics = s.connMetrics

	cn, err := conn.Open(cfg)
	if err != nil {
		return fmt.Errorf("app: open caller connection: %w", err)
	}
	s.client = client.New(cn, client.Config{
		CallTimeout: s.cfg.CallTimeout,
		Compressor:  s.cfg.Compressor,
		Logger:      s.logger,
		Metrics:     s.clientMetrics,
	})
	return nil
}

// CallerAddrs resolves router addresses through d in preference order for
// instanceID: the rendezvous winner first, the rest as failover.
func CallerAddrs(d Discovery, instanceID string) func(context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		routers, err := d.Routers(ctx)
		if err != nil {
			return nil, err
		}
		ranked := routing.RankRouters(routers, instanceID)
		addrs := make([]string, len(ranked))
		for i, r := range ranked {
			addrs[i] = r.Addr
		}
		return addrs, nil
	}
}

func (s *Service) connStates() []server.ConnStater {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]server.ConnStater, 0, len(s.conns))
	for _, hc := range s.conns {
		states = append(states, hc.conn)
	}
	return states
}

// Shutdown drains the service: every router is told to stop routing to it,
// in-flight handlers get until ctx is done to finish, then all connections
// close. It is safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Service) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	conns := make([]*handlerConn, 0, len(s.conns))
	for _, hc := range s.conns {
		conns = append(conns, hc)
	}
	s.mu.Unlock()

	if s.health != nil {
		s.health.SetShuttingDown()
	}
	s.logger.Infof("draining", map[string]any{"routers": len(conns)})

	for _, hc := range conns {
		if err := hc.conn.Drain(); err != nil && !errors.Is(err, conn.ErrClosed) {
			s.logger.Warnf("failed to announce drain", map[string]any{
				"routerId": hc.info.RouterID,
				"error":    err.Error(),
			})
		}
	}

	waitErr := s.dispatcher.Wait(ctx)
	if waitErr != nil {
		s.logger.Warnf("drain timed out with handlers in flight", map[string]any{"error": waitErr.Error()})
	}

	for _, hc := range conns {
		if err := hc.conn.Flush(ctx); err != nil {
			s.logger.Warnf("replies left unsent", map[string]any{"routerId": hc.info.RouterID})
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.watchWg.Wait()

	s.mu.Lock()
	for id, hc := range s.conns {
		hc.conn.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()
	for _, hc := range conns {
		hc.conn.Close()
	}
	// Serve returns only after its handlers finished
	if waitErr == nil {
		s.serveWg.Wait()
	}

	if s.client != nil {
		s.client.Close()
	}
	if s.health != nil {
		s.health.Close()
	}
	s.logger.Infof("service stopped", nil)
	return waitErr
}
