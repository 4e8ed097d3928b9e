package httpgw

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bldr-io/bldr/internal/client"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/neterr"
	"github.com/bldr-io/bldr/internal/protocol/jobsrv"
	"github.com/bldr-io/bldr/internal/protocol/routersrv"
	"github.com/bldr-io/bldr/internal/protocol/sessionsrv"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Config configures a Gateway.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *logging.Logger
}

// Gateway serves the public HTTP API by routing each request to the
// service that owns it.
type Gateway struct {
	cfg    Config
	client *client.Client
	logger *logging.Logger

	mu        sync.RWMutex
	server    *http.Server
	boundAddr string
}

// New creates a gateway that routes through c.
func New(c *client.Client, cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Gateway{
		cfg:    cfg,
		client: c,
		logger: logger.WithService("gateway"),
	}
}

// Handler returns the gateway's routes wrapped in the request middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/accounts/{name}", g.getAccount)
	mux.HandleFunc("GET /v1/accounts/id/{id}", g.getAccountByID)
	mux.HandleFunc("GET /v1/accounts", g.listAccounts)
	mux.HandleFunc("POST /v1/accounts", g.createAccount)
	mux.HandleFunc("GET /v1/jobs/{id}", g.getJob)
	mux.HandleFunc("GET /v1/status", g.routerStatus)
	return Middleware(g.client, g.logger)(mux)
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
	}
	g.mu.Lock()
	g.server = srv
	g.boundAddr = ln.Addr().String()
	g.mu.Unlock()

	g.logger.Infof("gateway listening", map[string]any{"addr": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Errorf("gateway server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (g *Gateway) Addr() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.boundAddr != "" {
		return g.boundAddr
	}
	return g.cfg.ListenAddr
}

// Shutdown stops accepting requests and waits for active ones until ctx is
// done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	srv := g.server
	g.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := RouteMessage[sessionsrv.Account](r, sessionsrv.AccountGet{Name: r.PathValue("name")})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, acct)
}

func (g *Gateway) getAccountByID(w http.ResponseWriter, r *http.Request) {
	acct, err := RouteMessage[sessionsrv.Account](r, sessionsrv.AccountGetID{ID: r.PathValue("id")})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, acct)
}

func (g *Gateway) listAccounts(w http.ResponseWriter, r *http.Request) {
	var req sessionsrv.AccountList
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			WriteError(w, r, neterr.Newf(neterr.CodeRemoteRejected, "invalid limit %q", v))
			return
		}
		req.Limit = limit
	}

	reply, err := RouteMessage[sessionsrv.AccountListReply](r, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, reply)
}

func (g *Gateway) createAccount(w http.ResponseWriter, r *http.Request) {
	var req sessionsrv.AccountCreate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, r, neterr.Newf(neterr.CodeRemoteRejected, "invalid request body: %v", err))
		return
	}

	acct, err := RouteMessage[sessionsrv.Account](r, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, acct)
}

func (g *Gateway) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, r, neterr.Newf(neterr.CodeRemoteRejected, "invalid job id %q", r.PathValue("id")))
		return
	}
	job, err := RouteMessage[jobsrv.Job](r, jobsrv.JobGet{ID: id})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// routerStatus reports the registrations of whichever router the gateway's
// session is attached to.
func (g *Gateway) routerStatus(w http.ResponseWriter, r *http.Request) {
	reply, err := RouteMessage[routersrv.RouterStatusReply](r, routersrv.RouterStatus{})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, reply)
}
