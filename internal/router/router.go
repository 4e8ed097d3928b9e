// Package router implements the routing broker.
//
// Processes connect to a router and announce themselves with a Hello. Handler
// connections join the replica set of every message type they announce. A
// request is forwarded to one replica of its message type, chosen by
// rendezvous hash of the route key for keyed requests and by the configured
// policy otherwise, and its reply travels back to the origin by correlation
// id. Every request ends in exactly one of:
//
//	accepted -> NO_SHARD            no replica registered, nothing pending
//	accepted -> dispatched -> replied
//	accepted -> dispatched -> expired (TIMEOUT sent, late reply dropped)
//
// Message types under the "router." prefix are answered by the router
// itself.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bldr-io/bldr/internal/dispatch"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metrics"
	"github.com/bldr-io/bldr/internal/neterr"
	"github.com/bldr-io/bldr/internal/protocol/routersrv"
	"github.com/bldr-io/bldr/internal/routing"
	"github.com/bldr-io/bldr/internal/server"
	"github.com/bldr-io/bldr/internal/wire"
)

// ErrRouterClosed is returned when operations are attempted on a closed router.
var ErrRouterClosed = errors.New("router closed")

// Config holds the router configuration.
type Config struct {
	ListenAddr string

	// RouterID identifies this router in Welcome envelopes and discovery.
	RouterID string

	// RequestTimeout is the broker deadline of a forwarded request. A
	// caller's timeout hint can only shorten it.
	RequestTimeout time.Duration

	// Policy selects replicas for unkeyed requests.
	Policy routing.Policy

	HandshakeTimeout time.Duration

	// IdleTimeout closes a peer that sent nothing, not even a ping, for
	// this long. Zero disables the check.
	IdleTimeout time.Duration

	WriteTimeout  time.Duration
	PeerQueueSize int
	MaxFrameSize  int
	TLS           server.TLSConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":7400",
		RequestTimeout:   30 * time.Second,
		Policy:           routing.PolicyRoundRobin,
		HandshakeTimeout: 5 * time.Second,
		IdleTimeout:      30 * time.Second,
		WriteTimeout:     10 * time.Second,
		PeerQueueSize:    4096,
		MaxFrameSize:     wire.DefaultMaxFrameSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PeerQueueSize <= 0 {
		c.PeerQueueSize = d.PeerQueueSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	return c
}

// Router is the routing broker. All broker state lives here.
type Router struct {
	cfg       Config
	logger    *logging.Logger
	metrics   *metrics.RouterMetrics
	discovery *routing.Registry
	startedAt time.Time

	services *serviceRegistry
	pending  *pendingTable
	local    *dispatch.Dispatcher

	mu           sync.Mutex
	listener     net.Listener
	peers        map[*peer]struct{}
	certReloader *server.CertReloader

	stopping atomic.Bool
	closed   atomic.Bool
	connWg   sync.WaitGroup
	connID   atomic.Int64
}

// New creates a router.
func New(cfg Config, logger *logging.Logger) *Router {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	r := &Router{
		cfg:       cfg,
		logger:    logger.WithService(routersrv.ServiceName),
		startedAt: time.Now(),
		services:  newServiceRegistry(cfg.Policy),
		pending:   newPendingTable(),
		peers:     make(map[*peer]struct{}),
	}

	table := dispatch.NewTable(routersrv.ServiceName)
	dispatch.Register(table, r.handleStatus)
	r.local = dispatch.New(table, dispatch.Config{Logger: r.logger})
	return r
}

// WithMetrics sets the router metrics.
// Returns the router for method chaining.
func (r *Router) WithMetrics(m *metrics.RouterMetrics) *Router {
	r.metrics = m
	return r
}

// WithDiscovery publishes the router in reg while it is serving.
// Returns the router for method chaining.
func (r *Router) WithDiscovery(reg *routing.Registry) *Router {
	r.discovery = reg
	return r
}

// ID returns the router id.
func (r *Router) ID() string {
	return r.cfg.RouterID
}

// ListenAndServe starts the router on the configured address.
// If TLS is enabled, it creates a TLS listener with certificate hot-reload support.
func (r *Router) ListenAndServe(ctx context.Context) error {
	if r.cfg.TLS.Enabled {
		ln, reloader, err := server.NewTLSListener(r.cfg.ListenAddr, r.cfg.TLS, r.logger)
		if err != nil {
			return fmt.Errorf("failed to create TLS listener: %w", err)
		}
		r.mu.Lock()
		r.certReloader = reloader
		r.mu.Unlock()
		reloader.StartWatcher(server.DefaultCertCheckInterval)
		return r.Serve(ctx, ln)
	}

	ln, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.cfg.ListenAddr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve accepts connections on ln until the router stops.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		ln.Close()
		return ErrRouterClosed
	}
	r.listener = ln
	r.mu.Unlock()

	r.logger.Infof("router listening", map[string]any{
		"addr":     ln.Addr().String(),
		"routerId": r.cfg.RouterID,
	})

	if r.discovery != nil {
		if err := r.discovery.Register(ctx); err != nil {
			ln.Close()
			return err
		}
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			if r.stopping.Load() || r.closed.Load() {
				return ErrRouterClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				r.logger.Warnf("temporary accept error", map[string]any{"error": err.Error()})
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept error: %w", err)
		}

		r.connWg.Add(1)
		go r.handleConn(nc)
	}
}

// Addr returns the listener's address, or nil if not listening.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// StopAccepting stops accepting new connections and new requests. Peers are
// told to drain; replies for pending requests are still forwarded.
func (r *Router) StopAccepting(ctx context.Context) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}
	if !r.stopping.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	if r.listener != nil {
		r.listener.Close()
	}
	peers := r.peerList()
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.send(wire.NewDrain())
	}

	if r.discovery != nil {
		if err := r.discovery.Deregister(ctx); err != nil {
			r.logger.Warnf("failed to deregister router", map[string]any{"error": err.Error()})
		}
	}
	return nil
}

// Drain waits for pending requests to resolve until ctx is done, answers
// the rest with TIMEOUT, and closes all connections.
func (r *Router) Drain(ctx context.Context) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
wait:
	for r.pending.len() > 0 {
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
		}
	}

	r.expireAll("router shutting down")
	r.closePeers()
	r.closed.Store(true)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Shutdown stops accepting, drains pending requests, and closes connections.
func (r *Router) Shutdown(ctx context.Context) error {
	if err := r.StopAccepting(ctx); err != nil {
		return err
	}
	return r.Drain(ctx)
}

// Close shuts down the router immediately. Pending requests are answered
// with TIMEOUT on a best-effort basis.
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrRouterClosed
	}
	r.stopping.Store(true)

	r.mu.Lock()
	if r.listener != nil {
		r.listener.Close()
	}
	r.mu.Unlock()

	r.expireAll("router closed")
	r.closePeers()
	return nil
}

// ReloadCertificate manually triggers a certificate reload.
func (r *Router) ReloadCertificate() error {
	r.mu.Lock()
	reloader := r.certReloader
	r.mu.Unlock()
	if reloader == nil {
		return errors.New("TLS is not enabled")
	}
	return reloader.Reload()
}

func (r *Router) peerList() []*peer {
	out := make([]*peer, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

// closePeers flushes and closes every peer and waits for their goroutines.
func (r *Router) closePeers() {
	r.mu.Lock()
	peers := r.peerList()
	reloader := r.certReloader
	r.certReloader = nil
	r.mu.Unlock()

	for _, p := range peers {
		p.closeAfterFlush()
	}
	if reloader != nil {
		reloader.Stop()
	}
	r.connWg.Wait()
}

// expireAll answers every pending request with TIMEOUT.
func (r *Router) expireAll(reason string) {
	for _, p := range r.pending.drain() {
		r.resolveTimeout(p, reason)
	}
	r.updatePendingGauge()
}

func (r *Router) handleConn(nc net.Conn) {
	defer r.connWg.Done()
	defer nc.Close()

	connID := r.connID.Add(1)
	logger := r.logger.With(map[string]any{
		"connId":     connID,
		"remoteAddr": nc.RemoteAddr().String(),
	})

	hello, a, err := r.readHello(nc)
	if err != nil {
		logger.Warnf("handshake failed", map[string]any{"error": err.Error()})
		return
	}
	logger = logger.With(map[string]any{
		"peerService": a.Service,
		"instanceId":  a.InstanceID,
		"role":        string(a.Role),
	})

	welcome, err := wire.NewWelcome(hello, wire.WelcomeInfo{RouterID: r.cfg.RouterID})
	if err != nil {
		logger.Errorf("failed to build welcome", map[string]any{"error": err.Error()})
		return
	}
	nc.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	if err := wire.WriteFrame(nc, welcome); err != nil {
		logger.Debugf("failed to send welcome", map[string]any{"error": err.Error()})
		return
	}

	p := newPeer(connID, nc, a, r.cfg.PeerQueueSize, logger)

	r.mu.Lock()
	if r.stopping.Load() || r.closed.Load() {
		r.mu.Unlock()
		return
	}
	r.peers[p] = struct{}{}
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ConnectionOpened()
	}

	var writerWg sync.WaitGroup
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		p.writeLoop(r.cfg.WriteTimeout)
	}()

	if a.Role.Handles() && len(a.MessageTypes) > 0 {
		for _, old := range r.services.register(p) {
			old.logger.Infof("registration replaced by reconnect", nil)
		}
		r.updateRegistrations(a.Service)
		logger.Infof("handler registered", map[string]any{"messageTypes": a.MessageTypes})
	} else {
		logger.Debug("caller connected")
	}

	r.readLoop(p)

	// pending requests targeting p expire on schedule
	if r.services.remove(p) {
		r.updateRegistrations(a.Service)
		logger.Infof("handler deregistered", nil)
	}
	r.mu.Lock()
	delete(r.peers, p)
	r.mu.Unlock()

	p.close()
	writerWg.Wait()
	if r.metrics != nil {
		r.metrics.ConnectionClosed()
	}
}

func (r *Router) readHello(nc net.Conn) (*wire.Envelope, wire.Announce, error) {
	nc.SetReadDeadline(time.Now().Add(r.cfg.HandshakeTimeout))
	defer nc.SetReadDeadline(time.Time{})

	hello, err := wire.ReadFrame(nc, r.cfg.MaxFrameSize)
	if err != nil {
		return nil, wire.Announce{}, err
	}
	a, err := wire.ParseAnnounce(hello)
	if err != nil {
		return nil, wire.Announce{}, err
	}
	return hello, a, nil
}

func (r *Router) readLoop(p *peer) {
	for {
		if r.cfg.IdleTimeout > 0 {
			p.nc.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		}
		body, err := wire.ReadRaw(p.nc, r.cfg.MaxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), p.isClosed(), r.closed.Load():
				p.logger.Debug("connection closed")
			case isTimeout(err):
				p.logger.Warnf("peer idle, closing", nil)
			case isConnReset(err):
				p.logger.Debug("connection reset by peer")
			default:
				p.logger.Warnf("read error", map[string]any{"error": err.Error()})
			}
			return
		}

		e, err := wire.Decode(body)
		if err != nil {
			r.rejectMalformed(p, body, err)
			continue
		}

		switch e.Kind {
		case wire.KindRequest:
			r.route(p, e, body)
		case wire.KindReply:
			r.deliver(p, e, body)
		case wire.KindPing:
			if err := p.send(wire.NewPong(e)); err != nil {
				p.logger.Debugf("pong dropped", map[string]any{"error": err.Error()})
			}
		case wire.KindPong:
		case wire.KindDrain:
			p.draining.Store(true)
			if r.services.remove(p) {
				r.updateRegistrations(p.service())
			}
			p.logger.Infof("peer draining", nil)
		default:
			p.logger.Warnf("unexpected envelope", map[string]any{"kind": e.Kind.String()})
		}
	}
}

// route forwards a request to a replica of its message type. body is the
// request as received and is forwarded unchanged.
func (r *Router) route(origin *peer, e *wire.Envelope, body []byte) {
	start := time.Now()

	if strings.HasPrefix(e.MessageType, routersrv.Prefix) {
		r.serveLocal(origin, e, start)
		return
	}

	if r.stopping.Load() {
		r.reject(origin, e, neterr.New(neterr.CodeUnavailable, "router is draining"), start)
		return
	}

	target, ok := r.services.pick(e.MessageType, e.RouteKey, e.Keyed)
	if !ok {
		r.reject(origin, e, neterr.NoShard(e.MessageType), start)
		return
	}

	timeout := r.cfg.RequestTimeout
	if e.TimeoutMs > 0 {
		if hint := time.Duration(e.TimeoutMs) * time.Millisecond; hint < timeout {
			timeout = hint
		}
	}

	pr := &pendingRequest{
		id:          e.CorrelationID,
		messageType: e.MessageType,
		origin:      origin,
		target:      target,
		accepted:    start,
	}
	if !r.pending.insert(pr, timeout, r.expire) {
		// the pending request keeps its single reply; the duplicate gets none
		origin.logger.Warnf("dropping request with duplicate correlation id", map[string]any{
			"correlationId": e.CorrelationID.String(),
			"messageType":   e.MessageType,
		})
		r.recordOutcome(e.MessageType, neterr.CodeBug.String(), start)
		return
	}
	r.updatePendingGauge()

	if err := target.sendRaw(body); err != nil {
		if r.pending.remove(pr) {
			r.updatePendingGauge()
			r.reject(origin, e, neterr.Newf(neterr.CodeUnavailable, "replica %s unavailable: %v", target.instanceID(), err), start)
		}
		return
	}
}

// deliver forwards a reply to the origin of its pending request.
func (r *Router) deliver(from *peer, e *wire.Envelope, body []byte) {
	pr, res := r.pending.take(e.CorrelationID, from)
	switch res {
	case takeUnknown:
		from.logger.Infof("dropping reply without pending request", map[string]any{
			"correlationId": e.CorrelationID.String(),
			"messageType":   e.MessageType,
		})
		if r.metrics != nil {
			r.metrics.RecordDropped(metrics.DropUnknown)
		}
		return
	case takeWrongPeer:
		from.logger.Warnf("dropping reply from a peer that was not dispatched", map[string]any{
			"correlationId": e.CorrelationID.String(),
			"messageType":   e.MessageType,
			"target":        pr.target.instanceID(),
		})
		if r.metrics != nil {
			r.metrics.RecordDropped(metrics.DropWrongPeer)
		}
		return
	}
	r.updatePendingGauge()

	outcome := metrics.OutcomeOK
	if e.Err != nil {
		outcome = e.Err.Code.String()
	}
	r.recordOutcome(pr.messageType, outcome, pr.accepted)

	if err := pr.origin.sendRaw(body); err != nil {
		pr.origin.logger.Infof("origin gone, reply dropped", map[string]any{
			"correlationId": e.CorrelationID.String(),
			"error":         err.Error(),
		})
	}
}

func (r *Router) expire(pr *pendingRequest) {
	r.updatePendingGauge()
	r.resolveTimeout(pr, fmt.Sprintf("no reply from %s within deadline", pr.target.instanceID()))
}

func (r *Router) resolveTimeout(pr *pendingRequest, reason string) {
	r.recordOutcome(pr.messageType, neterr.CodeTimeout.String(), pr.accepted)
	reply := wire.ReplyErrFor(pr.id, pr.messageType, neterr.Timeout("%s: %s", pr.messageType, reason))
	if err := pr.origin.send(reply); err != nil {
		pr.origin.logger.Debugf("timeout reply dropped", map[string]any{
			"correlationId": pr.id.String(),
			"error":         err.Error(),
		})
	}
}

// reject answers a request that was never dispatched.
func (r *Router) reject(origin *peer, e *wire.Envelope, ne *neterr.NetError, start time.Time) {
	r.recordOutcome(e.MessageType, ne.Code.String(), start)
	if err := origin.send(wire.ReplyErr(e, ne)); err != nil {
		origin.logger.Debugf("rejection dropped", map[string]any{
			"correlationId": e.CorrelationID.String(),
			"error":         err.Error(),
		})
	}
}

func (r *Router) serveLocal(origin *peer, e *wire.Envelope, start time.Time) {
	reply := r.local.Handle(context.Background(), e)
	outcome := metrics.OutcomeOK
	if reply.Err != nil {
		outcome = reply.Err.Code.String()
	}
	r.recordOutcome(e.MessageType, outcome, start)
	if err := origin.send(reply); err != nil {
		origin.logger.Debugf("local reply dropped", map[string]any{"error": err.Error()})
	}
}

// rejectMalformed answers an undecodable request with BUG when its header
// can still be read.
func (r *Router) rejectMalformed(p *peer, body []byte, cause error) {
	kind, id, messageType, err := wire.PeekHeader(body)
	p.logger.Warnf("malformed envelope", map[string]any{
		"error":       cause.Error(),
		"messageType": messageType,
	})
	if err != nil || kind != wire.KindRequest || id.IsZero() {
		return
	}
	_ = p.send(wire.ReplyErrFor(id, messageType, neterr.Bug("malformed request: %v", cause)))
}

func (r *Router) recordOutcome(messageType, outcome string, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordOutcome(messageType, outcome, time.Since(start).Seconds())
	}
}

func (r *Router) updatePendingGauge() {
	if r.metrics != nil {
		r.metrics.Pending.Set(float64(r.pending.len()))
	}
}

func (r *Router) updateRegistrations(service string) {
	if r.metrics != nil {
		r.metrics.SetRegistrations(service, r.services.count(service))
	}
}

// Status describes the router's connections and registrations.
func (r *Router) Status() routersrv.RouterStatusReply {
	r.mu.Lock()
	conns := len(r.peers)
	r.mu.Unlock()

	return routersrv.RouterStatusReply{
		RouterID:    r.cfg.RouterID,
		StartedAt:   r.startedAt,
		Connections: conns,
		Pending:     r.pending.len(),
		Services:    r.services.snapshot(r.pending.perTarget()),
	}
}

func (r *Router) handleStatus(_ context.Context, _ routersrv.RouterStatus) (routersrv.RouterStatusReply, error) {
	return r.Status(), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset by peer")
}
