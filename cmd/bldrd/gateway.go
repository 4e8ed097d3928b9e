package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bldr-io/bldr/internal/app"
	"github.com/bldr-io/bldr/internal/client"
	"github.com/bldr-io/bldr/internal/config"
	"github.com/bldr-io/bldr/internal/httpgw"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metadata"
	"github.com/bldr-io/bldr/internal/metrics"
)

// GatewayOptions contains the configuration for the HTTP gateway process.
type GatewayOptions struct {
	Config *config.Config
	Logger *logging.Logger

	// Registry receives the process metrics. Nil uses the default registry.
	Registry *prometheus.Registry
}

// GatewayProcess serves the public HTTP API over a caller connection.
type GatewayProcess struct {
	opts   GatewayOptions
	logger *logging.Logger

	mu            sync.Mutex
	client        *client.Client
	gateway       *httpgw.Gateway
	store         metadata.Store
	metricsServer *metrics.Server
}

// NewGatewayProcess creates the gateway process but does not start it.
func NewGatewayProcess(opts GatewayOptions) (*GatewayProcess, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	return &GatewayProcess{opts: opts, logger: opts.Logger}, nil
}

// Start dials the routers and begins serving HTTP.
func (p *GatewayProcess) Start(ctx context.Context) error {
	cfg := p.opts.Config
	reg, gatherer := registries(p.opts.Registry)
	instanceID := cfg.Service.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	connCfg, err := connConfig(cfg)
	if err != nil {
		return err
	}
	compressor, err := cfg.Client.Compressor()
	if err != nil {
		return err
	}

	var store metadata.Store
	if cfg.Discovery.Mode == config.DiscoveryOxia {
		store, err = openStore(ctx, cfg, reg, p.logger)
		if err != nil {
			return fmt.Errorf("failed to open metadata store: %w", err)
		}
	}

	connCfg.Service = "gateway"
	connCfg.InstanceID = instanceID
	connCfg.Addrs = app.CallerAddrs(newDiscovery(cfg, store, p.logger), instanceID)
	connCfg.Metrics = metrics.NewConnectionMetricsWithRegistry(reg)

	c, err := client.Dial(connCfg, client.Config{
		CallTimeout: cfg.Client.CallTimeout(),
		Compressor:  compressor,
		Logger:      p.logger,
		Metrics:     metrics.NewClientMetricsWithRegistry(reg),
	})
	if err != nil {
		closeStore(store)
		return err
	}

	g := httpgw.New(c, httpgw.Config{
		ListenAddr:   cfg.Gateway.ListenAddr,
		ReadTimeout:  cfg.Gateway.ReadTimeout(),
		WriteTimeout: cfg.Gateway.WriteTimeout(),
		Logger:       p.logger,
	})
	if err := g.Start(); err != nil {
		c.Close()
		closeStore(store)
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	ms, err := startMetrics(cfg, gatherer, p.logger)
	if err != nil {
		g.Shutdown(ctx)
		c.Close()
		closeStore(store)
		return err
	}

	p.mu.Lock()
	p.client, p.gateway, p.store, p.metricsServer = c, g, store, ms
	p.mu.Unlock()
	return nil
}

func closeStore(store metadata.Store) {
	if store != nil {
		store.Close()
	}
}

// Addr returns the HTTP listen address, or "" before Start.
func (p *GatewayProcess) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gateway == nil {
		return ""
	}
	return p.gateway.Addr()
}

// Shutdown stops serving HTTP, waits for active requests and closes the
// router connection.
func (p *GatewayProcess) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	c, g, store, ms := p.client, p.gateway, p.store, p.metricsServer
	p.mu.Unlock()

	var errs []error
	if g != nil {
		if err := g.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
	}
	if c != nil {
		c.Close()
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

func runGateway(args []string) {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override HTTP listen address (e.g., :8080)")
	routers := fs.String("routers", "", "Override static router addresses (comma-separated)")

	fs.Usage = func() {
		fmt.Println(`Usage: bldrd gateway [options]

Start the HTTP gateway. Requests are translated into routed messages and
sent through the routers.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)

	// Apply CLI overrides
	if *listenAddr != "" {
		cfg.Gateway.ListenAddr = *listenAddr
	}
	if *routers != "" {
		cfg.Discovery.Routers = splitList(*routers)
	}

	logger := newLogger(cfg, "gateway")

	p, err := NewGatewayProcess(GatewayOptions{Config: cfg, Logger: logger})
	if err != nil {
		logger.Errorf("failed to create gateway", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	if err := p.Start(context.Background()); err != nil {
		logger.Errorf("failed to start gateway", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("gateway shutdown complete")
}
