package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bldr-io/bldr/internal/conn"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metrics"
	"github.com/bldr-io/bldr/internal/neterr"
	"github.com/bldr-io/bldr/internal/wire"
)

// Transport is the connection a Dispatcher serves. *conn.Conn satisfies it.
type Transport interface {
	Receive(ctx context.Context) (*wire.Envelope, error)
	Send(e *wire.Envelope) error
}

// Config configures a Dispatcher.
type Config struct {
	// MaxConcurrent bounds the handlers running at once. Zero selects 64.
	MaxConcurrent int64

	// Compressor is applied to reply payloads.
	Compressor wire.PayloadCompressor

	Logger  *logging.Logger
	Metrics *metrics.DispatchMetrics
}

// Dispatcher runs the handlers of a sealed Table.
type Dispatcher struct {
	table      *Table
	sem        *semaphore.Weighted
	compressor wire.PayloadCompressor
	logger     *logging.Logger
	metrics    *metrics.DispatchMetrics

	// handlers in flight across every Serve loop, for Wait
	mu       sync.Mutex
	inflight int
	idle     chan struct{}
}

// New creates a dispatcher and seals table.
func New(table *Table, cfg Config) *Dispatcher {
	table.Seal()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Dispatcher{
		table:      table,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		compressor: cfg.Compressor,
		logger:     logger.WithService(table.service),
		metrics:    cfg.Metrics,
	}
}

// Table returns the dispatcher's table.
func (d *Dispatcher) Table() *Table {
	return d.table
}

// Handle runs the handler for req and returns its reply. It never returns
// nil and never panics: unknown message types, undecodable payloads, handler
// errors that are not NetErrors and handler panics all become BUG replies.
// The correlation id of req is copied to the reply.
func (d *Dispatcher) Handle(ctx context.Context, req *wire.Envelope) *wire.Envelope {
	start := time.Now()
	correlationID := req.CorrelationID.String()
	ctx = logging.RequestContext(ctx, d.logger, correlationID)
	logger := logging.FromCtx(ctx).With(map[string]any{"messageType": req.MessageType})

	reply := d.handle(ctx, req, logger)

	outcome := metrics.OutcomeOK
	if reply.Err != nil {
		outcome = reply.Err.Code.String()
	}
	if d.metrics != nil {
		d.metrics.RecordHandled(req.MessageType, outcome, time.Since(start).Seconds())
	}
	return reply
}

func (d *Dispatcher) handle(ctx context.Context, req *wire.Envelope, logger *logging.Logger) *wire.Envelope {
	if req.Kind != wire.KindRequest {
		return wire.ReplyErr(req, neterr.Bug("dispatcher received %s envelope", req.Kind))
	}

	e, ok := d.table.lookup(req.MessageType)
	if !ok {
		logger.Warnf("no handler for message type", nil)
		return wire.ReplyErr(req, neterr.Bug("service %s has no handler for %s", d.table.service, req.MessageType))
	}

	payload, err := wire.PlainPayload(req)
	if err != nil {
		return wire.ReplyErr(req, neterr.Bug("decompress %s: %v", req.MessageType, err))
	}

	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	replyType, data, err := d.invoke(ctx, e, payload, logger)
	if err != nil {
		ne := neterr.From(err)
		if !ne.Code.Valid() {
			ne = neterr.Bug("handler returned unknown error code %d: %s", uint16(ne.Code), ne.Msg)
		}
		if ne.Code == neterr.CodeBug {
			logger.Errorf("handler failed", map[string]any{"error": err.Error()})
		} else {
			logger.Debugf("handler returned error", map[string]any{"code": ne.Code.String()})
		}
		return wire.ReplyErr(req, ne)
	}

	reply := wire.ReplyOK(req, replyType, nil)
	if err := d.compressor.Apply(reply, data); err != nil {
		return wire.ReplyErr(req, neterr.Bug("compress %s: %v", replyType, err))
	}
	if reply.Payload == nil {
		reply.Payload = []byte{}
	}
	return reply
}

// invoke runs the handler and turns a panic into a BUG error.
func (d *Dispatcher) invoke(ctx context.Context, e entry, payload []byte, logger *logging.Logger) (replyType string, data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if d.metrics != nil {
				d.metrics.RecordPanic(e.messageType)
			}
			logger.Errorf("handler panicked", map[string]any{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			replyType, data, err = "", nil, neterr.Bug("handler for %s panicked: %v", e.messageType, r)
		}
	}()
	return e.fn(ctx, payload)
}

// Serve receives requests from t and answers each on its own goroutine,
// keeping at most MaxConcurrent handlers running. It returns nil when ctx is
// done or t is closed, after in-flight handlers finished.
func (d *Dispatcher) Serve(ctx context.Context, t Transport) error {
	// this transport's handlers only
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		req, err := t.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, conn.ErrSessionReset):
				d.logger.Infof("session reset, waiting for next session", nil)
				continue
			case errors.Is(err, conn.ErrClosed), ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("dispatch: receive: %w", err)
			}
		}

		if req.Kind != wire.KindRequest {
			d.logger.Warnf("ignoring unexpected envelope", map[string]any{
				"kind":          req.Kind.String(),
				"correlationId": req.CorrelationID.String(),
			})
			continue
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		wg.Add(1)
		d.begin()
		if d.metrics != nil {
			d.metrics.InFlight.Inc()
		}
		go func(req *wire.Envelope) {
			defer func() {
				if d.metrics != nil {
					d.metrics.InFlight.Dec()
				}
				d.sem.Release(1)
				d.end()
				wg.Done()
			}()

			// in-flight handlers are not cancelled when Serve stops
			reply := d.Handle(context.WithoutCancel(ctx), req)
			if err := t.Send(reply); err != nil {
				d.logger.Warnf("failed to send reply", map[string]any{
					"correlationId": req.CorrelationID.String(),
					"messageType":   req.MessageType,
					"error":         err.Error(),
				})
			}
		}(req)
	}
}

func (d *Dispatcher) begin() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight == 0 {
		d.idle = make(chan struct{})
	}
	d.inflight++
}

func (d *Dispatcher) end() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight--
	if d.inflight == 0 {
		close(d.idle)
	}
}

// Wait blocks until the handlers in flight across all Serve calls finished
// or ctx is done. Handlers started after Wait returns are not covered.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	if d.inflight == 0 {
		d.mu.Unlock()
		return nil
	}
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
