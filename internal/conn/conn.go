// Package conn implements the reconnecting connection between a service
// process and a router.
//
// A Conn owns one logical session at a time. Every session starts with a
// Hello carrying the process identity and, for handler connections, the
// message types of its dispatch table, so a router learns the registration
// again after each reconnect. When a session ends, Receive reports
// ErrSessionReset exactly once and the connection redials with bounded
// exponential backoff.
package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metrics"
	"github.com/bldr-io/bldr/internal/neterr"
	"github.com/bldr-io/bldr/internal/wire"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("conn: closed")

	// ErrSessionReset is returned by Receive once after a session ended.
	// Replies still owed on the old session will never arrive.
	ErrSessionReset = errors.New("conn: session reset")

	// ErrNotReady is returned by Send while no session is live.
	ErrNotReady = errors.New("conn: no live session")

	// ErrQueueFull is returned by Send when the session's send queue is full.
	ErrQueueFull = errors.New("conn: send queue full")

	errHandshake = errors.New("conn: handshake failed")
)

// State is the liveness state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a connection.
type Config struct {
	// Service and InstanceID identify the process to the router.
	Service    string
	InstanceID string

	// Role is what the connection does. Handler connections announce
	// MessageTypes; caller connections announce none.
	Role         wire.Role
	MessageTypes []string

	// Addr is the router address. Ignored when Addrs is set.
	Addr string

	// Addrs returns candidate router addresses in preference order. It is
	// called before every dial round so failover follows discovery.
	Addrs func(ctx context.Context) ([]string, error)

	// DialTimeout bounds dialing plus the Hello/Welcome handshake.
	DialTimeout time.Duration

	// InitialBackoff and MaxBackoff bound the redial delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// HeartbeatInterval is the ping period. Zero disables pings.
	HeartbeatInterval time.Duration

	// IdleTimeout ends a session when nothing was read for this long. It
	// should be a few heartbeat intervals. Zero disables the check.
	IdleTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	SendQueueSize int
	RecvQueueSize int
	MaxFrameSize  int

	// TLS enables TLS when non-nil.
	TLS *tls.Config

	// Dialer overrides the network dialer.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)

	Logger  *logging.Logger
	Metrics *metrics.ConnectionMetrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Role:              wire.RoleCaller,
		DialTimeout:       5 * time.Second,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		IdleTimeout:       20 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendQueueSize:     1024,
		RecvQueueSize:     1024,
		MaxFrameSize:      wire.DefaultMaxFrameSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Role == "" {
		c.Role = d.Role
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.RecvQueueSize <= 0 {
		c.RecvQueueSize = d.RecvQueueSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	return c
}

type inbound struct {
	env *wire.Envelope
	err error
}

// Conn is a reconnecting connection to a router. It is exclusively owned by
// the process that opened it and safe for concurrent use; Receive expects a
// single consumer.
type Conn struct {
	cfg    Config
	logger *logging.Logger

	state    atomic.Int32
	draining atomic.Bool

	mu      sync.Mutex
	session *session
	ready   chan struct{}

	recv      chan inbound
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type session struct {
	nc       net.Conn
	addr     string
	routerID string
	sendq    chan []byte

	// unflushed counts enqueued frames not yet written.
	unflushed atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.nc.Close()
	})
}

// Open validates cfg and starts connecting in the background. Use WaitReady
// to block until the first session is live.
func Open(cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	if cfg.Service == "" || cfg.InstanceID == "" {
		return nil, errors.New("conn: service and instance id are required")
	}
	if cfg.Addr == "" && cfg.Addrs == nil {
		return nil, errors.New("conn: no router address configured")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg: cfg,
		logger: logger.With(map[string]any{
			"service":    cfg.Service,
			"instanceId": cfg.InstanceID,
			"role":       string(cfg.Role),
		}),
		ready:  make(chan struct{}),
		recv:   make(chan inbound, cfg.RecvQueueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	c.state.Store(int32(StateConnecting))

	c.wg.Add(1)
	go c.run(ctx)
	return c, nil
}

// State returns the current liveness state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// RouterID returns the id of the router of the live session, or "".
func (c *Conn) RouterID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.routerID
}

// Addr returns the router address of the live session, or "".
func (c *Conn) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.addr
}

// WaitReady blocks until a session is live, the connection is closed, or ctx
// is done.
func (c *Conn) WaitReady(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send encodes e and enqueues it on the live session without blocking.
func (c *Conn) Send(e *wire.Envelope) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	body, err := wire.Encode(e)
	if err != nil {
		return fmt.Errorf("conn: encode %s: %w", e.Kind, err)
	}

	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return ErrNotReady
	}
	return c.enqueue(s, body)
}

func (c *Conn) enqueue(s *session, body []byte) error {
	select {
	case <-s.done:
		return ErrNotReady
	default:
	}
	s.unflushed.Add(1)
	select {
	case s.sendq <- body:
		return nil
	default:
		s.unflushed.Add(-1)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SendQueueFullTotal.Inc()
		}
		return ErrQueueFull
	}
}

// Receive blocks until the next inbound request or reply. It returns
// ErrSessionReset once after every lost session, ErrClosed after Close, or
// ctx.Err().
func (c *Conn) Receive(ctx context.Context) (*wire.Envelope, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	select {
	case in := <-c.recv:
		return in.env, in.err
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain tells the router to stop routing new requests to this connection.
// Replies for requests already received can still be sent. A session
// established after Drain announces no message types.
func (c *Conn) Drain() error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	c.draining.Store(true)
	c.state.CompareAndSwap(int32(StateReady), int32(StateDraining))
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateDraining))

	err := c.Send(wire.NewDrain())
	if errors.Is(err, ErrNotReady) {
		// nothing to tell; the next Hello carries no registration
		return nil
	}
	return err
}

// Flush blocks until every envelope enqueued on the live session was
// written, the session ended, or ctx is done.
func (c *Conn) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		if s == nil || s.unflushed.Load() == 0 {
			return nil
		}
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close ends the session and stops reconnecting.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.cancel()
		close(c.done)

		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		if s != nil {
			s.close()
		}
		c.wg.Wait()
		c.logger.Debug("connection closed")
	})
	return nil
}

func (c *Conn) announce() wire.Announce {
	a := wire.Announce{
		Service:    c.cfg.Service,
		InstanceID: c.cfg.InstanceID,
		Role:       c.cfg.Role,
	}
	if c.cfg.Role.Handles() && !c.draining.Load() {
		a.MessageTypes = c.cfg.MessageTypes
	}
	return a
}

func (c *Conn) candidates(ctx context.Context) []string {
	if c.cfg.Addrs == nil {
		return []string{c.cfg.Addr}
	}
	addrs, err := c.cfg.Addrs(ctx)
	if err != nil {
		c.logger.Warnf("failed to resolve routers", map[string]any{"error": err.Error()})
		return nil
	}
	return addrs
}

func (c *Conn) run(ctx context.Context) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		var s *session
		for _, addr := range c.candidates(ctx) {
			var err error
			s, err = c.connect(ctx, addr)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.DialFailed(addr)
			}
			c.logger.Warnf("router dial failed", map[string]any{
				"addr":  addr,
				"error": err.Error(),
			})
		}

		if s == nil {
			wait := bo.NextBackOff()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		bo.Reset()
		c.serve(ctx, s)
		if ctx.Err() != nil {
			return
		}

		select {
		case c.recv <- inbound{err: ErrSessionReset}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) dial(ctx context.Context, addr string) (net.Conn, error) {
	if c.cfg.Dialer != nil {
		return c.cfg.Dialer(ctx, addr)
	}
	if c.cfg.TLS != nil {
		d := &tls.Dialer{Config: c.cfg.TLS}
		return d.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// connect dials addr and performs the Hello/Welcome handshake.
func (c *Conn) connect(ctx context.Context, addr string) (*session, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	nc, err := c.dial(dctx, addr)
	if err != nil {
		return nil, err
	}

	hello, err := wire.NewHello(c.announce())
	if err != nil {
		nc.Close()
		return nil, err
	}

	nc.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	if err := wire.WriteFrame(nc, hello); err != nil {
		nc.Close()
		return nil, err
	}
	reply, err := wire.ReadFrame(nc, c.cfg.MaxFrameSize)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %w", errHandshake, err)
	}
	if reply.Kind != wire.KindWelcome || reply.CorrelationID != hello.CorrelationID {
		nc.Close()
		return nil, fmt.Errorf("%w: unexpected %s", errHandshake, reply.Kind)
	}
	info, err := wire.ParseWelcome(reply)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %w", errHandshake, err)
	}
	nc.SetDeadline(time.Time{})

	return &session{
		nc:       nc,
		addr:     addr,
		routerID: info.RouterID,
		sendq:    make(chan []byte, c.cfg.SendQueueSize),
		done:     make(chan struct{}),
	}, nil
}

// serve runs one session until it fails or the connection is closed.
func (c *Conn) serve(ctx context.Context, s *session) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		s.close()
		return
	}
	c.session = s
	close(c.ready)
	c.mu.Unlock()

	if c.draining.Load() {
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDraining))
	} else {
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateReady))
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionEstablished(s.addr)
	}

	logger := c.logger.With(map[string]any{"router": s.routerID, "addr": s.addr})
	logger.Infof("router session established", nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(s, logger)
	}()

	c.readLoop(ctx, s, logger)

	c.mu.Lock()
	c.session = nil
	c.ready = make(chan struct{})
	c.mu.Unlock()
	c.state.CompareAndSwap(int32(StateReady), int32(StateConnecting))

	s.close()
	wg.Wait()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionLost(s.addr)
	}
	if ctx.Err() == nil {
		logger.Warnf("router session lost", nil)
	}
}

func (c *Conn) readLoop(ctx context.Context, s *session, logger *logging.Logger) {
	for {
		if c.cfg.IdleTimeout > 0 {
			s.nc.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		body, err := wire.ReadRaw(s.nc, c.cfg.MaxFrameSize)
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, io.EOF) {
					logger.Debugf("read failed", map[string]any{"error": err.Error()})
				}
			}
			return
		}

		e, err := wire.Decode(body)
		if err != nil {
			c.rejectMalformed(s, body, err, logger)
			continue
		}

		switch e.Kind {
		case wire.KindPing:
			c.enqueuePong(s, e, logger)
		case wire.KindPong:
		case wire.KindRequest, wire.KindReply:
			select {
			case c.recv <- inbound{env: e}:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		case wire.KindDrain:
			logger.Infof("router is draining", nil)
		default:
			logger.Warnf("unexpected envelope", map[string]any{"kind": e.Kind.String()})
		}
	}
}

func (c *Conn) enqueuePong(s *session, ping *wire.Envelope, logger *logging.Logger) {
	body, err := wire.Encode(wire.NewPong(ping))
	if err == nil {
		err = c.enqueue(s, body)
	}
	if err != nil {
		logger.Debugf("pong dropped", map[string]any{"error": err.Error()})
	}
}

// rejectMalformed answers an undecodable request with BUG when its header is
// intact enough to correlate the reply.
func (c *Conn) rejectMalformed(s *session, body []byte, cause error, logger *logging.Logger) {
	kind, id, messageType, err := wire.PeekHeader(body)
	logger.Warnf("malformed envelope", map[string]any{
		"error":       cause.Error(),
		"messageType": messageType,
	})
	if err != nil || kind != wire.KindRequest || id.IsZero() {
		return
	}
	reply, err := wire.Encode(wire.ReplyErrFor(id, messageType, neterr.Bug("malformed request: %v", cause)))
	if err != nil {
		return
	}
	_ = c.enqueue(s, reply)
}

func (c *Conn) writeLoop(s *session, logger *logging.Logger) {
	var tick <-chan time.Time
	if c.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	write := func(body []byte) bool {
		s.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := wire.WriteRaw(s.nc, body); err != nil {
			select {
			case <-s.done:
			default:
				logger.Debugf("write failed", map[string]any{"error": err.Error()})
			}
			s.close()
			return false
		}
		return true
	}

	for {
		select {
		case <-s.done:
			return
		case body := <-s.sendq:
			ok := write(body)
			s.unflushed.Add(-1)
			if !ok {
				return
			}
		case <-tick:
			ping, err := wire.Encode(wire.NewPing())
			if err != nil {
				continue
			}
			if !write(ping) {
				return
			}
		}
	}
}
