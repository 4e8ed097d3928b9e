// Package client is the caller side of the mesh.
//
// A Client multiplexes typed calls over one router connection. Every call
// gets a fresh correlation id and a one-shot channel; the receive loop hands
// each reply to the channel registered under its correlation id. A call ends
// in exactly one of: the correlated reply, TIMEOUT, or DISCONNECTED.
//
//	c, err := client.Dial(connCfg, client.Config{CallTimeout: 5 * time.Second})
//	acct, err := client.Route[sessionsrv.Account](ctx, c, sessionsrv.AccountGet{Name: "bobo"})
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bldr-io/bldr/internal/conn"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metrics"
	"github.com/bldr-io/bldr/internal/neterr"
	"github.com/bldr-io/bldr/internal/protocol"
	"github.com/bldr-io/bldr/internal/wire"
)

// DefaultCallTimeout bounds a call when neither Config nor the caller's
// context sets a shorter deadline.
const DefaultCallTimeout = 10 * time.Second

const retrySendDelay = 5 * time.Millisecond

// Transport is the connection a Client calls over. *conn.Conn satisfies it.
type Transport interface {
	WaitReady(ctx context.Context) error
	Send(e *wire.Envelope) error
	Receive(ctx context.Context) (*wire.Envelope, error)
	Close() error
}

// Config configures a Client.
type Config struct {
	// CallTimeout is the default per-call budget. The caller's context
	// deadline wins when it is earlier.
	CallTimeout time.Duration

	// Codec encodes requests and decodes replies. Nil selects JSON.
	Codec protocol.Codec

	// Compressor is applied to request payloads.
	Compressor wire.PayloadCompressor

	Logger  *logging.Logger
	Metrics *metrics.ClientMetrics
}

// Client routes typed requests and waits for their replies.
type Client struct {
	t          Transport
	timeout    time.Duration
	codec      protocol.Codec
	compressor wire.PayloadCompressor
	logger     *logging.Logger
	metrics    *metrics.ClientMetrics

	mu      sync.Mutex
	pending map[wire.CorrelationID]chan *wire.Envelope
	closed  bool

	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a client over t and starts its receive loop. The client owns
// t and closes it on Close.
func New(t Transport, cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSON
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		t:          t,
		timeout:    cfg.CallTimeout,
		codec:      cfg.Codec,
		compressor: cfg.Compressor,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		pending:    make(map[wire.CorrelationID]chan *wire.Envelope),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	c.wg.Add(1)
	go c.receiveLoop(ctx)
	return c
}

// Dial opens a caller connection with connCfg and wraps it in a Client.
func Dial(connCfg conn.Config, cfg Config) (*Client, error) {
	connCfg.Role = wire.RoleCaller
	connCfg.MessageTypes = nil
	if connCfg.Logger == nil {
		connCfg.Logger = cfg.Logger
	}
	cn, err := conn.Open(connCfg)
	if err != nil {
		return nil, fmt.Errorf("client: open connection: %w", err)
	}
	return New(cn, cfg), nil
}

// Close closes the transport and resolves every pending call with
// DISCONNECTED.
func (c *Client) Close() error {
	err := c.t.Close()
	c.shutdown()
	c.cancel()
	c.wg.Wait()
	return err
}

// Pending returns the number of calls awaiting an outcome.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Route sends req and blocks until its reply, the call deadline, or the
// client closing. The error is always a *neterr.NetError: the code carried
// by the reply, TIMEOUT, DISCONNECTED, or BUG for a reply that is not a Rep.
func Route[Rep protocol.Routable](ctx context.Context, c *Client, req protocol.Routable) (Rep, error) {
	var rep Rep
	messageType := req.MessageType()
	start := time.Now()

	reply, ne := c.call(ctx, req)
	if ne == nil {
		ne = c.decodeInto(reply, protocol.TypeOf[Rep](), &rep)
	}

	outcome := metrics.OutcomeOK
	if ne != nil {
		outcome = ne.Code.String()
	}
	if c.metrics != nil {
		c.metrics.RecordCall(messageType, outcome, time.Since(start).Seconds())
	}
	if ne != nil {
		var zero Rep
		return zero, ne
	}
	return rep, nil
}

func (c *Client) decodeInto(reply *wire.Envelope, want string, out any) *neterr.NetError {
	if reply.Err != nil {
		return reply.Err
	}
	if reply.MessageType != want {
		return neterr.Bug("expected reply %s, got %s", want, reply.MessageType)
	}
	payload, err := wire.PlainPayload(reply)
	if err != nil {
		return neterr.Bug("decompress %s: %v", reply.MessageType, err)
	}
	if err := c.codec.Unmarshal(payload, out); err != nil {
		return neterr.Bug("decode %s: %v", reply.MessageType, err)
	}
	return nil
}

// call runs one request to its terminal outcome.
func (c *Client) call(ctx context.Context, req protocol.Routable) (*wire.Envelope, *neterr.NetError) {
	messageType := req.MessageType()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := c.codec.Marshal(req)
	if err != nil {
		return nil, neterr.Bug("encode %s: %v", messageType, err)
	}
	key, keyed := protocol.DeriveRouteKey(req)
	id := wire.NewCorrelationID()
	env := wire.NewRequest(id, messageType, key, keyed, nil)
	if err := c.compressor.Apply(env, payload); err != nil {
		return nil, neterr.Bug("compress %s: %v", messageType, err)
	}

	logger := c.logger.With(map[string]any{
		"correlationId": id.String(),
		"messageType":   messageType,
	})

	ch, ne := c.register(id)
	if ne != nil {
		return nil, ne
	}

	for {
		if err := c.t.WaitReady(ctx); err != nil {
			c.unregister(id)
			return nil, c.failure(ctx, messageType, err)
		}
		if deadline, ok := ctx.Deadline(); ok {
			env.TimeoutMs = timeoutHint(time.Until(deadline))
		}
		err := c.t.Send(env)
		if err == nil {
			break
		}
		if errors.Is(err, conn.ErrNotReady) {
			// the session dropped between WaitReady and Send
			select {
			case <-ctx.Done():
			case <-time.After(retrySendDelay):
			}
			continue
		}
		c.unregister(id)
		return nil, c.failure(ctx, messageType, err)
	}
	logger.Debug("request sent")

	select {
	case reply := <-ch:
		return c.outcome(reply)
	case <-ctx.Done():
		if !c.unregister(id) {
			// resolved concurrently; the first outcome wins
			return c.outcome(<-ch)
		}
		logger.Debugf("call timed out", map[string]any{"error": ctx.Err().Error()})
		return nil, c.failure(ctx, messageType, ctx.Err())
	}
}

// outcome unwraps a value delivered on a call channel. A nil envelope
// means the client closed.
func (c *Client) outcome(reply *wire.Envelope) (*wire.Envelope, *neterr.NetError) {
	if reply == nil {
		return nil, neterr.New(neterr.CodeDisconnected, "client closed")
	}
	return reply, nil
}

func (c *Client) failure(ctx context.Context, messageType string, err error) *neterr.NetError {
	switch {
	case errors.Is(err, conn.ErrClosed):
		return neterr.New(neterr.CodeDisconnected, "connection closed")
	case errors.Is(err, conn.ErrQueueFull):
		return neterr.Newf(neterr.CodeUnavailable, "%s: send queue full", messageType)
	case errors.Is(err, context.DeadlineExceeded):
		return neterr.Timeout("%s: no reply within deadline", messageType)
	case errors.Is(err, context.Canceled):
		if ctx.Err() != nil {
			return neterr.Timeout("%s: call cancelled", messageType)
		}
	}
	return neterr.Bug("%s: %v", messageType, err)
}

func (c *Client) register(id wire.CorrelationID) (chan *wire.Envelope, *neterr.NetError) {
	ch := make(chan *wire.Envelope, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, neterr.New(neterr.CodeDisconnected, "client closed")
	}
	c.pending[id] = ch
	c.setPendingGauge()
	return ch, nil
}

// unregister removes a pending call. It returns false when the call was
// already resolved.
func (c *Client) unregister(id wire.CorrelationID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	c.setPendingGauge()
	return true
}

// resolve hands e to the call waiting on its correlation id.
func (c *Client) resolve(e *wire.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[e.CorrelationID]
	if ok {
		delete(c.pending, e.CorrelationID)
		c.setPendingGauge()
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- e
	return true
}

// failAll resolves every pending call with a synthesized error reply.
func (c *Client) failAll(ne *neterr.NetError) int {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[wire.CorrelationID]chan *wire.Envelope)
	c.setPendingGauge()
	c.mu.Unlock()

	for id, ch := range calls {
		ch <- wire.ReplyErrFor(id, "", ne)
	}
	return len(calls)
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	calls := c.pending
	c.pending = make(map[wire.CorrelationID]chan *wire.Envelope)
	c.setPendingGauge()
	c.mu.Unlock()

	for _, ch := range calls {
		ch <- nil
	}
	close(c.done)
}

func (c *Client) setPendingGauge() {
	if c.metrics != nil {
		c.metrics.Pending.Set(float64(len(c.pending)))
	}
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.shutdown()

	for {
		e, err := c.t.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, conn.ErrSessionReset):
				if n := c.failAll(neterr.Timeout("session to router lost")); n > 0 {
					c.logger.Warnf("session lost with calls in flight", map[string]any{"calls": n})
				}
				continue
			case errors.Is(err, conn.ErrClosed), ctx.Err() != nil:
				return
			default:
				c.logger.Errorf("receive failed", map[string]any{"error": err.Error()})
				return
			}
		}

		switch e.Kind {
		case wire.KindReply:
			if !c.resolve(e) {
				c.logger.Debugf("dropping reply without pending call", map[string]any{
					"correlationId": e.CorrelationID.String(),
					"messageType":   e.MessageType,
				})
			}
		case wire.KindRequest:
			c.logger.Warnf("caller connection received a request", map[string]any{
				"correlationId": e.CorrelationID.String(),
				"messageType":   e.MessageType,
			})
			_ = c.t.Send(wire.ReplyErr(e, neterr.NoShard(e.MessageType)))
		}
	}
}

// timeoutHint converts the remaining budget to the wire's millisecond hint.
// It never returns zero for a positive budget, since zero means no hint.
func timeoutHint(d time.Duration) uint32 {
	if d <= 0 {
		return 1
	}
	ms := d.Milliseconds()
	switch {
	case ms < 1:
		return 1
	case ms > int64(^uint32(0)):
		return ^uint32(0)
	}
	return uint32(ms)
}
