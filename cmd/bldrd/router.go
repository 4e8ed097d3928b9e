package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bldr-io/bldr/internal/config"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metadata"
	"github.com/bldr-io/bldr/internal/metrics"
	"github.com/bldr-io/bldr/internal/router"
	"github.com/bldr-io/bldr/internal/routing"
	"github.com/bldr-io/bldr/internal/server"
)

// RouterOptions contains the configuration for creating a router process.
type RouterOptions struct {
	Config   *config.Config
	Logger   *logging.Logger
	RouterID string

	// Registry receives the process metrics. Nil uses the default registry.
	Registry *prometheus.Registry
}

// RouterProcess is a running routing broker with its discovery
// registration, health and metrics endpoints.
type RouterProcess struct {
	opts   RouterOptions
	logger *logging.Logger

	router        *router.Router
	store         metadata.Store
	healthServer  *server.HealthServer
	metricsServer *metrics.Server

	mu      sync.Mutex
	started bool
	ready   chan struct{}
}

// NewRouterProcess creates a router process but does not start it.
func NewRouterProcess(opts RouterOptions) (*RouterProcess, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.RouterID == "" {
		opts.RouterID = uuid.NewString()
	}
	return &RouterProcess{
		opts:   opts,
		logger: opts.Logger,
		ready:  make(chan struct{}),
	}, nil
}

// Start brings up all components and serves until the router stops.
func (p *RouterProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("router already started")
	}
	p.started = true
	p.mu.Unlock()

	cfg := p.opts.Config
	reg, gatherer := registries(p.opts.Registry)

	p.logger.Infof("starting router", map[string]any{
		"routerId":   p.opts.RouterID,
		"clusterId":  cfg.Cluster.ID,
		"listenAddr": cfg.Router.ListenAddr,
		"policy":     cfg.Router.Policy,
		"version":    version,
	})

	policy, err := routing.ParsePolicy(cfg.Router.Policy)
	if err != nil {
		return err
	}

	// TLS listeners are opened by the router so it owns the cert reloader.
	var ln net.Listener
	if !cfg.Router.TLS.Enabled {
		ln, err = net.Listen("tcp", cfg.Router.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Router.ListenAddr, err)
		}
	}

	r := router.New(router.Config{
		ListenAddr:       cfg.Router.ListenAddr,
		RouterID:         p.opts.RouterID,
		RequestTimeout:   cfg.Router.RequestTimeout(),
		Policy:           policy,
		HandshakeTimeout: cfg.Router.HandshakeTimeout(),
		IdleTimeout:      cfg.Router.IdleTimeout(),
		PeerQueueSize:    cfg.Router.PeerQueueSize,
		MaxFrameSize:     cfg.Router.MaxFrameSize,
		TLS:              cfg.Router.TLS,
	}, p.logger).WithMetrics(metrics.NewRouterMetricsWithRegistry(reg))

	// Components are published as they start so Shutdown can tear down a
	// partially started process.
	p.mu.Lock()
	p.router = r
	p.mu.Unlock()

	if cfg.Discovery.Mode == config.DiscoveryOxia {
		store, err := openStore(ctx, cfg, reg, p.logger)
		if err != nil {
			closeQuietly(ln)
			return fmt.Errorf("failed to open metadata store: %w", err)
		}
		p.mu.Lock()
		p.store = store
		p.mu.Unlock()

		advertise := cfg.Router.AdvertiseAddr
		if advertise == "" {
			advertise = cfg.Router.ListenAddr
			if ln != nil {
				advertise = ln.Addr().String()
			}
		}
		r.WithDiscovery(routing.NewRegistry(store, routing.RegistryConfig{
			ClusterID: cfg.Cluster.ID,
			RouterID:  p.opts.RouterID,
			Addr:      advertise,
			ZoneID:    cfg.Cluster.ZoneID,
			BuildInfo: buildInfo(),
			Logger:    p.logger,
		}))
	}

	if cfg.Observability.HealthAddr != "" {
		hs := server.NewHealthServer(cfg.Observability.HealthAddr, p.logger)
		hs.RegisterReadinessCheck(server.NewFuncChecker("router_listener", func(context.Context) error {
			if r.Addr() == nil {
				return errors.New("router is not listening")
			}
			return nil
		}))
		if p.store != nil {
			hs.RegisterReadinessCheck(server.NewMetadataStoreChecker(p.store))
		}
		if err := hs.Start(); err != nil {
			closeQuietly(ln)
			return fmt.Errorf("failed to start health server: %w", err)
		}
		p.mu.Lock()
		p.healthServer = hs
		p.mu.Unlock()
	}

	ms, err := startMetrics(cfg, gatherer, p.logger)
	if err != nil {
		closeQuietly(ln)
		return err
	}
	p.mu.Lock()
	p.metricsServer = ms
	p.mu.Unlock()

	close(p.ready)
	loop := p.healthServer.TrackLoop("router_serve")
	defer loop.Stop()
	if ln != nil {
		err = r.Serve(ctx, ln)
	} else {
		err = r.ListenAndServe(ctx)
	}
	if errors.Is(err, router.ErrRouterClosed) {
		return nil
	}
	return err
}

func closeQuietly(ln net.Listener) {
	if ln != nil {
		ln.Close()
	}
}

// Ready is closed once the router is about to serve.
func (p *RouterProcess) Ready() <-chan struct{} {
	return p.ready
}

// Addr returns the router's listen address, or nil before it is serving.
func (p *RouterProcess) Addr() net.Addr {
	p.mu.Lock()
	r := p.router
	p.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Addr()
}

// Shutdown stops accepting, drains pending requests within the configured
// drain timeout, and closes everything.
func (p *RouterProcess) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	r, hs, ms, store := p.router, p.healthServer, p.metricsServer, p.store
	p.mu.Unlock()

	if hs != nil {
		hs.SetShuttingDown()
	}

	var errs []error
	if r != nil {
		drainCtx, cancel := context.WithTimeout(ctx, p.opts.Config.Router.DrainTimeout())
		err := r.Shutdown(drainCtx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, router.ErrRouterClosed) {
			errs = append(errs, fmt.Errorf("router shutdown: %w", err))
		}
		r.Close()
	}
	if hs != nil {
		if err := hs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if ms != nil {
		if err := ms.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			p.logger.Warnf("error closing metadata store", map[string]any{"error": err.Error()})
		}
	}
	return errors.Join(errs...)
}

func runRouter(args []string) {
	fs := flag.NewFlagSet("router", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override listen address (e.g., :7400)")
	routerID := fs.String("router-id", "", "Override router ID (default: auto-generated UUID)")
	policy := fs.String("policy", "", "Override unkeyed routing policy (round_robin, least_recently_used)")
	healthAddr := fs.String("health-addr", "", "Override health endpoint address (e.g., :9091)")

	fs.Usage = func() {
		fmt.Println(`Usage: bldrd router [options]

Start a routing broker. Services register with it and callers route
requests through it.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Apply CLI overrides
	if *listenAddr != "" {
		cfg.Router.ListenAddr = *listenAddr
	}
	if *routerID != "" {
		cfg.Router.RouterID = *routerID
	}
	if *policy != "" {
		cfg.Router.Policy = *policy
	}
	if *healthAddr != "" {
		cfg.Observability.HealthAddr = *healthAddr
	}

	logger := newLogger(cfg, "router")

	p, err := NewRouterProcess(RouterOptions{
		Config:   cfg,
		Logger:   logger,
		RouterID: cfg.Router.RouterID,
	})
	if err != nil {
		logger.Errorf("failed to create router", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Start(gctx) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case <-gctx.Done():
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	exitCode := 0
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		exitCode = 1
	}
	if err := g.Wait(); err != nil {
		logger.Errorf("router error", map[string]any{"error": err.Error()})
		exitCode = 1
	}
	logger.Info("router shutdown complete")
	os.Exit(exitCode)
}
