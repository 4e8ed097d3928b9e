package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bldr-io/bldr/internal/config"
	"github.com/bldr-io/bldr/internal/logging"
)

// testConfig returns a config bound to loopback ports with the optional
// HTTP endpoints disabled.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Router.ListenAddr = "127.0.0.1:0"
	cfg.Router.DrainTimeoutMs = 1000
	cfg.Gateway.ListenAddr = "127.0.0.1:0"
	cfg.Service.DrainTimeoutMs = 1000
	cfg.Client.InitialBackoffMs = 10
	cfg.Client.MaxBackoffMs = 100
	cfg.Client.HeartbeatIntervalMs = 500
	cfg.Observability.MetricsAddr = ""
	cfg.Observability.HealthAddr = ""
	return cfg
}

// startTestRouter starts a router process and waits for it to listen.
func startTestRouter(t *testing.T, cfg *config.Config, routerID string) *RouterProcess {
	t.Helper()

	p, err := NewRouterProcess(RouterOptions{
		Config:   cfg,
		Logger:   logging.Discard(),
		RouterID: routerID,
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("failed to create router: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Start(ctx)
	}()
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		p.Shutdown(shutdownCtx)
		cancel()
	})

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			t.Fatalf("router failed to start: %v", err)
		default:
		}
		if p.Addr() != nil {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for router to start")
	return nil
}
