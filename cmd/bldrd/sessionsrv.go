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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bldr-io/bldr/internal/app"
	"github.com/bldr-io/bldr/internal/config"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metadata"
	"github.com/bldr-io/bldr/internal/metrics"
	"github.com/bldr-io/bldr/internal/server"
	"github.com/bldr-io/bldr/internal/sessionsrv"
)

// SessionOptions contains the configuration for the session service process.
type SessionOptions struct {
	Config *config.Config
	Logger *logging.Logger

	// Store overrides the metadata store opened from Config.
	Store metadata.Store

	// Registry receives the process metrics. Nil uses the default registry.
	Registry *prometheus.Registry
}

// SessionProcess runs the session service against the configured routers.
type SessionProcess struct {
	opts   SessionOptions
	logger *logging.Logger

	mu            sync.Mutex
	store         metadata.Store
	ownsStore     bool
	svc           *app.Service
	metricsServer *metrics.Server
}

// NewSessionProcess creates the session service process but does not start
// it.
func NewSessionProcess(opts SessionOptions) (*SessionProcess, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	return &SessionProcess{opts: opts, logger: opts.Logger}, nil
}

// Start opens the store, starts the service and returns once it is
// following discovery.
func (p *SessionProcess) Start(ctx context.Context) error {
	cfg := p.opts.Config
	reg, gatherer := registries(p.opts.Registry)

	connCfg, err := connConfig(cfg)
	if err != nil {
		return err
	}
	compressor, err := cfg.Client.Compressor()
	if err != nil {
		return err
	}

	store := p.opts.Store
	ownsStore := false
	if store == nil {
		store, err = openStore(ctx, cfg, reg, p.logger)
		if err != nil {
			return fmt.Errorf("failed to open metadata store: %w", err)
		}
		ownsStore = true
	}

	svc, err := app.New(sessionsrv.NewHandlers(store).Table(), app.Config{
		InstanceID:    cfg.Service.InstanceID,
		Discovery:     newDiscovery(cfg, store, p.logger),
		Conn:          connCfg,
		MaxConcurrent: cfg.Service.MaxConcurrent,
		DrainTimeout:  cfg.Service.DrainTimeout(),
		Compressor:    compressor,
		HealthAddr:    cfg.Observability.HealthAddr,
		Registry:      reg,
		Logger:        p.logger,
	})
	if err != nil {
		if ownsStore {
			store.Close()
		}
		return err
	}
	if hs := svc.Health(); hs != nil {
		hs.RegisterReadinessCheck(server.NewMetadataStoreChecker(store))
	}

	ms, err := startMetrics(cfg, gatherer, p.logger)
	if err != nil {
		if ownsStore {
			store.Close()
		}
		return err
	}

	p.mu.Lock()
	p.store, p.ownsStore, p.svc, p.metricsServer = store, ownsStore, svc, ms
	p.mu.Unlock()

	p.logger.Infof("starting session service", map[string]any{
		"instanceId": svc.InstanceID(),
		"discovery":  cfg.Discovery.Mode,
		"version":    version,
	})
	return svc.Start(ctx)
}

// Service returns the running service, or nil before Start.
func (p *SessionProcess) Service() *app.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.svc
}

// Shutdown drains in-flight requests and releases the store.
func (p *SessionProcess) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	svc, ms, store, ownsStore := p.svc, p.metricsServer, p.store, p.ownsStore
	p.mu.Unlock()

	var errs []error
	if svc != nil {
		drainCtx, cancel := context.WithTimeout(ctx, p.opts.Config.Service.DrainTimeout())
		if err := svc.Shutdown(drainCtx); err != nil {
			errs = append(errs, fmt.Errorf("service shutdown: %w", err))
		}
		cancel()
	}
	if ms != nil {
		if err := ms.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if store != nil && ownsStore {
		if err := store.Close(); err != nil {
			p.logger.Warnf("error closing metadata store", map[string]any{"error": err.Error()})
		}
	}
	return errors.Join(errs...)
}

func runSessionSrv(args []string) {
	fs := flag.NewFlagSet("sessionsrv", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	instanceID := fs.String("instance-id", "", "Override instance ID (default: auto-generated UUID)")
	routers := fs.String("routers", "", "Override static router addresses (comma-separated)")
	healthAddr := fs.String("health-addr", "", "Override health endpoint address (e.g., :9091)")

	fs.Usage = func() {
		fmt.Println(`Usage: bldrd sessionsrv [options]

Start the session service. It connects to every router from discovery and
serves account requests backed by the metadata store.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)

	// Apply CLI overrides
	if *instanceID != "" {
		cfg.Service.InstanceID = *instanceID
	}
	if *routers != "" {
		cfg.Discovery.Routers = splitList(*routers)
	}
	if *healthAddr != "" {
		cfg.Observability.HealthAddr = *healthAddr
	}

	logger := newLogger(cfg, "sessionsrv")

	p, err := NewSessionProcess(SessionOptions{Config: cfg, Logger: logger})
	if err != nil {
		logger.Errorf("failed to create session service", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		logger.Errorf("failed to start session service", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("session service shutdown complete")
}
