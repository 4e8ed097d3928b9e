package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bldr-io/bldr/internal/app"
	"github.com/bldr-io/bldr/internal/config"
	"github.com/bldr-io/bldr/internal/conn"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metadata"
	"github.com/bldr-io/bldr/internal/metadata/oxia"
	"github.com/bldr-io/bldr/internal/metrics"
	"github.com/bldr-io/bldr/internal/routing"
	"github.com/bldr-io/bldr/internal/server"
)

// shutdownTimeout bounds the final teardown after draining.
const shutdownTimeout = 30 * time.Second

// loadConfig reads the file at path, or falls back to BLDR_CONFIG and the
// defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func mustLoadConfig(path string) *config.Config {
	cfg, err := loadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg *config.Config, service string) *logging.Logger {
	return logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat, service)
}

func buildInfo() routing.BuildInfo {
	return routing.BuildInfo{Version: version, GitCommit: gitCommit, BuildTime: buildTime}
}

// openStore connects to the Oxia metadata store named in the discovery
// section. An empty endpoint selects an in-memory store for local runs.
func openStore(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *logging.Logger) (metadata.Store, error) {
	if cfg.Discovery.OxiaEndpoint == "" {
		logger.Warnf("no oxia endpoint configured, using in-memory metadata store", nil)
		return metadata.NewMockStore(), nil
	}
	store, err := oxia.New(ctx, oxia.Config{
		ServiceAddress: cfg.Discovery.OxiaEndpoint,
		Namespace:      cfg.Discovery.Namespace,
	})
	if err != nil {
		return nil, err
	}
	return metadata.NewInstrumentedStore(store, metrics.NewMetadataMetricsWithRegistry(reg)), nil
}

// newDiscovery returns the router membership source for cfg. store is only
// used in oxia mode and may be nil otherwise.
func newDiscovery(cfg *config.Config, store metadata.Store, logger *logging.Logger) app.Discovery {
	if cfg.Discovery.Mode == config.DiscoveryOxia {
		return routing.NewRegistry(store, routing.RegistryConfig{
			ClusterID: cfg.Cluster.ID,
			Logger:    logger,
		})
	}
	return routing.StaticResolver(cfg.Discovery.Routers)
}

// connConfig builds the router connection template from the client section.
func connConfig(cfg *config.Config) (conn.Config, error) {
	tlsCfg, err := server.ClientTLS(cfg.Client.TLS)
	if err != nil {
		return conn.Config{}, err
	}
	return conn.Config{
		DialTimeout:       cfg.Client.DialTimeout(),
		InitialBackoff:    cfg.Client.InitialBackoff(),
		MaxBackoff:        cfg.Client.MaxBackoff(),
		HeartbeatInterval: cfg.Client.HeartbeatInterval(),
		IdleTimeout:       4 * cfg.Client.HeartbeatInterval(),
		SendQueueSize:     cfg.Client.SendQueueSize,
		MaxFrameSize:      cfg.Router.MaxFrameSize,
		TLS:               tlsCfg,
	}, nil
}

// registries splits an optional registry into the registerer and gatherer
// used by a process. Nil selects the Prometheus defaults.
func registries(reg *prometheus.Registry) (prometheus.Registerer, prometheus.Gatherer) {
	if reg == nil {
		return prometheus.DefaultRegisterer, nil
	}
	return reg, reg
}

// startMetrics serves /metrics on the observability address.
func startMetrics(cfg *config.Config, gatherer prometheus.Gatherer, logger *logging.Logger) (*metrics.Server, error) {
	if cfg.Observability.MetricsAddr == "" {
		return nil, nil
	}
	s := metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, gatherer).WithLogger(logger)
	if err := s.Start(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	logger.Infof("metrics server started", map[string]any{"addr": s.Addr()})
	return s, nil
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
