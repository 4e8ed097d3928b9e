package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewServer(t *testing.T) {
	s := NewServer(":0")
	if s.Addr() != ":0" {
		t.Errorf("Addr() before start = %q, want :0", s.Addr())
	}
	if s.gatherer != prometheus.DefaultGatherer {
		t.Error("NewServer should serve the default gatherer")
	}
	if NewServerWithRegistry(":0", nil).gatherer != prometheus.DefaultGatherer {
		t.Error("a nil gatherer should fall back to the default one")
	}
}

func TestHandlerServesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewDispatchMetricsWithRegistry(reg)

	w := httptest.NewRecorder()
	NewServerWithRegistry(":0", reg).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	NewServerWithRegistry(":0", reg).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status for unknown path = %d", w.Code)
	}
}

func TestServer_StartAndClose(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	addr := s.Addr()
	if !strings.Contains(addr, ":") || addr == "127.0.0.1:0" {
		t.Errorf("Addr() = %q, expected bound host:port", addr)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := http.Get("http://" + addr + "/metrics"); err == nil {
		t.Error("expected error after server close")
	}
}

func TestServerWithCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRouterMetricsWithRegistry(reg)
	m.RecordOutcome("sessionsrv.AccountGet", OutcomeOK, 0.002)
	m.RecordOutcome("jobsrv.JobCancel", "NO_SHARD", 0)

	s := NewServerWithRegistry("127.0.0.1:0", reg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type = %q, expected text/plain", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	bodyStr := string(body)

	for _, want := range []string{
		"bldr_router_requests_total",
		"bldr_router_route_latency_seconds",
		`outcome="NO_SHARD"`,
		`message_type="sessionsrv.AccountGet"`,
	} {
		if !strings.Contains(bodyStr, want) {
			t.Errorf("expected %s in metrics output", want)
		}
	}
}

func TestServer_CloseWithoutStart(t *testing.T) {
	s := NewServer(":0")
	if err := s.Close(); err != nil {
		t.Errorf("Close on unstarted server returned error: %v", err)
	}
}
