package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bldr-io/bldr/internal/conn"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metrics"
	"github.com/bldr-io/bldr/internal/neterr"
	"github.com/bldr-io/bldr/internal/protocol"
	"github.com/bldr-io/bldr/internal/protocol/jobsrv"
	"github.com/bldr-io/bldr/internal/protocol/sessionsrv"
	"github.com/bldr-io/bldr/internal/wire"
)

type inbound struct {
	env *wire.Envelope
	err error
}

// fakeTransport records sent envelopes and delivers whatever the test
// pushes into recv.
type fakeTransport struct {
	sent   chan *wire.Envelope
	recv   chan inbound
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	ready   chan struct{}
	sendErr error
}

func newFakeTransport() *fakeTransport {
	ready := make(chan struct{})
	close(ready)
	return &fakeTransport{
		sent:   make(chan *wire.Envelope, 1024),
		recv:   make(chan inbound, 1024),
		closed: make(chan struct{}),
		ready:  ready,
	}
}

func (f *fakeTransport) setReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ready {
		select {
		case <-f.ready:
		default:
			close(f.ready)
		}
		return
	}
	f.ready = make(chan struct{})
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) WaitReady(ctx context.Context) error {
	f.mu.Lock()
	ready := f.ready
	f.mu.Unlock()
	select {
	case <-f.closed:
		return conn.ErrClosed
	default:
	}
	select {
	case <-ready:
		return nil
	case <-f.closed:
		return conn.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Send(e *wire.Envelope) error {
	select {
	case <-f.closed:
		return conn.ErrClosed
	default:
	}
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	// round trip through the codec like a real session
	body, err := wire.Encode(e)
	if err != nil {
		return err
	}
	decoded, err := wire.Decode(body)
	if err != nil {
		return err
	}
	f.sent <- decoded
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (*wire.Envelope, error) {
	select {
	case in := <-f.recv:
		return in.env, in.err
	case <-f.closed:
		return nil, conn.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) reply(e *wire.Envelope) {
	f.recv <- inbound{env: e}
}

func (f *fakeTransport) nextSent(t *testing.T) *wire.Envelope {
	t.Helper()
	select {
	case e := <-f.sent:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no request sent")
		return nil
	}
}

func newTestClient(t *testing.T, cfg Config) (*Client, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	c := New(ft, cfg)
	t.Cleanup(func() { c.Close() })
	return c, ft
}

func accountReply(t *testing.T, req *wire.Envelope, acct sessionsrv.Account) *wire.Envelope {
	t.Helper()
	data, err := json.Marshal(acct)
	require.NoError(t, err)
	return wire.ReplyOK(req, acct.MessageType(), data)
}

type routeResult[T any] struct {
	rep T
	err error
}

func routeAsync[Rep protocol.Routable](ctx context.Context, c *Client, req protocol.Routable) <-chan routeResult[Rep] {
	out := make(chan routeResult[Rep], 1)
	go func() {
		rep, err := Route[Rep](ctx, c, req)
		out <- routeResult[Rep]{rep: rep, err: err}
	}()
	return out
}

func requireCode(t *testing.T, err error, code neterr.ErrCode) {
	t.Helper()
	require.Error(t, err)
	var ne *neterr.NetError
	require.True(t, errors.As(err, &ne), "expected NetError, got %T: %v", err, err)
	require.Equal(t, code, ne.Code, "unexpected error %v", ne)
}

func TestRouteSuccess(t *testing.T) {
	c, ft := newTestClient(t, Config{})

	res := routeAsync[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})

	req := ft.nextSent(t)
	assert.Equal(t, wire.KindRequest, req.Kind)
	assert.Equal(t, "sessionsrv.AccountGet", req.MessageType)
	assert.True(t, req.Keyed)
	assert.Equal(t, []byte("bobo"), req.RouteKey)
	assert.NotZero(t, req.TimeoutMs)
	assert.LessOrEqual(t, req.TimeoutMs, uint32(DefaultCallTimeout.Milliseconds()))

	ft.reply(accountReply(t, req, sessionsrv.Account{ID: "1", Name: "bobo"}))

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "bobo", r.rep.Name)
	assert.Equal(t, "1", r.rep.ID)
	assert.Zero(t, c.Pending())
}

func TestRouteUnkeyed(t *testing.T) {
	c, ft := newTestClient(t, Config{})

	res := routeAsync[sessionsrv.AccountListReply](context.Background(), c, sessionsrv.AccountList{Limit: 5})
	req := ft.nextSent(t)
	assert.False(t, req.Keyed)
	assert.Empty(t, req.RouteKey)

	data, _ := json.Marshal(sessionsrv.AccountListReply{Accounts: []sessionsrv.Account{{Name: "a"}, {Name: "b"}}})
	ft.reply(wire.ReplyOK(req, "sessionsrv.AccountListReply", data))

	r := <-res
	require.NoError(t, r.err)
	assert.Len(t, r.rep.Accounts, 2)
}

func TestRouteErrorPassesThrough(t *testing.T) {
	c, ft := newTestClient(t, Config{})

	res := routeAsync[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "nobody"})
	req := ft.nextSent(t)
	ft.reply(wire.ReplyErr(req, neterr.New(neterr.CodeNotFound, "no account nobody")))

	r := <-res
	requireCode(t, r.err, neterr.CodeNotFound)
	assert.Contains(t, r.err.Error(), "no account nobody")
	assert.Empty(t, r.rep.Name)
}

func TestRouteNoShard(t *testing.T) {
	c, ft := newTestClient(t, Config{})

	res := routeAsync[jobsrv.Job](context.Background(), c, jobsrv.JobCancel{ID: 42})
	req := ft.nextSent(t)
	ft.reply(wire.ReplyErr(req, neterr.NoShard(req.MessageType)))

	requireCode(t, (<-res).err, neterr.CodeNoShard)
}

func TestRouteMismatchedReplyType(t *testing.T) {
	c, ft := newTestClient(t, Config{})

	res := routeAsync[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	req := ft.nextSent(t)
	ft.reply(wire.ReplyOK(req, "jobsrv.Job", []byte(`{"id":1}`)))

	requireCode(t, (<-res).err, neterr.CodeBug)
}

func TestRouteUndecodableReply(t *testing.T) {
	c, ft := newTestClient(t, Config{})

	res := routeAsync[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	req := ft.nextSent(t)
	ft.reply(wire.ReplyOK(req, "sessionsrv.Account", []byte("{not json")))

	requireCode(t, (<-res).err, neterr.CodeBug)
}

func TestRouteTimeoutDropsLateReply(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewClientMetricsWithRegistry(reg)
	c, ft := newTestClient(t, Config{CallTimeout: 50 * time.Millisecond, Metrics: m})

	start := time.Now()
	res := routeAsync[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "slow"})
	req := ft.nextSent(t)

	r := <-res
	requireCode(t, r.err, neterr.CodeTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, c.Pending())

	// the late reply finds no pending call and is dropped
	ft.reply(accountReply(t, req, sessionsrv.Account{Name: "slow"}))
	assert.Eventually(t, func() bool { return len(ft.recv) == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Pending())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("sessionsrv.AccountGet", "TIMEOUT")))
}

func TestRouteContextDeadlineWins(t *testing.T) {
	c, ft := newTestClient(t, Config{CallTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	res := routeAsync[sessionsrv.Account](ctx, c, sessionsrv.AccountGet{Name: "bobo"})
	req := ft.nextSent(t)
	assert.LessOrEqual(t, req.TimeoutMs, uint32(40))

	requireCode(t, (<-res).err, neterr.CodeTimeout)
}

func TestRouteCancelledContext(t *testing.T) {
	c, ft := newTestClient(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	res := routeAsync[sessionsrv.Account](ctx, c, sessionsrv.AccountGet{Name: "bobo"})
	ft.nextSent(t)
	cancel()

	requireCode(t, (<-res).err, neterr.CodeTimeout)
}

func TestRouteSessionResetResolvesTimeout(t *testing.T) {
	c, ft := newTestClient(t, Config{})

	res := routeAsync[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	req := ft.nextSent(t)

	ft.recv <- inbound{err: conn.ErrSessionReset}
	requireCode(t, (<-res).err, neterr.CodeTimeout)

	// a reply from the old session arriving afterwards is dropped
	ft.reply(accountReply(t, req, sessionsrv.Account{Name: "bobo"}))

	// the client keeps working on the next session
	res = routeAsync[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	req = ft.nextSent(t)
	ft.reply(accountReply(t, req, sessionsrv.Account{Name: "bobo"}))
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "bobo", r.rep.Name)
}

func TestRouteWaitsForReadySession(t *testing.T) {
	c, ft := newTestClient(t, Config{})
	ft.setReady(false)

	res := routeAsync[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	select {
	case <-ft.sent:
		t.Fatal("request sent without a session")
	case <-time.After(30 * time.Millisecond):
	}

	ft.setReady(true)
	req := ft.nextSent(t)
	ft.reply(accountReply(t, req, sessionsrv.Account{Name: "bobo"}))
	require.NoError(t, (<-res).err)
}

func TestRouteNoSessionTimesOut(t *testing.T) {
	c, ft := newTestClient(t, Config{CallTimeout: 30 * time.Millisecond})
	ft.setReady(false)

	_, err := Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	requireCode(t, err, neterr.CodeTimeout)
	assert.Zero(t, c.Pending())
}

func TestRouteQueueFull(t *testing.T) {
	c, ft := newTestClient(t, Config{})
	ft.setSendErr(conn.ErrQueueFull)

	_, err := Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	requireCode(t, err, neterr.CodeUnavailable)
	assert.Zero(t, c.Pending())
}

func TestRouteDisconnected(t *testing.T) {
	c, ft := newTestClient(t, Config{})

	res := routeAsync[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	ft.nextSent(t)

	require.NoError(t, c.Close())
	requireCode(t, (<-res).err, neterr.CodeDisconnected)

	_, err := Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	requireCode(t, err, neterr.CodeDisconnected)
}

func TestRouteCompressesRequest(t *testing.T) {
	c, ft := newTestClient(t, Config{Compressor: wire.PayloadCompressor{Codec: wire.CompressionLZ4, Threshold: 1}})

	res := routeAsync[sessionsrv.Account](context.Background(), c, sessionsrv.AccountCreate{Name: "bobo", Email: "bobo@example.com"})
	req := ft.nextSent(t)
	assert.Equal(t, wire.CompressionLZ4, req.Compression)

	plain, err := wire.PlainPayload(req)
	require.NoError(t, err)
	var create sessionsrv.AccountCreate
	require.NoError(t, json.Unmarshal(plain, &create))
	assert.Equal(t, "bobo@example.com", create.Email)

	reply := wire.ReplyOK(req, "sessionsrv.Account", nil)
	data, _ := json.Marshal(sessionsrv.Account{Name: "bobo"})
	require.NoError(t, wire.PayloadCompressor{Codec: wire.CompressionZstd}.Apply(reply, data))
	ft.reply(reply)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "bobo", r.rep.Name)
}

func TestRouteUnknownReplyIgnored(t *testing.T) {
	c, ft := newTestClient(t, Config{})

	stray := wire.ReplyOK(&wire.Envelope{CorrelationID: wire.NewCorrelationID()}, "sessionsrv.Account", []byte("{}"))
	ft.reply(stray)

	res := routeAsync[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	req := ft.nextSent(t)
	ft.reply(accountReply(t, req, sessionsrv.Account{Name: "bobo"}))
	require.NoError(t, (<-res).err)
}

func TestInboundRequestRejected(t *testing.T) {
	_, ft := newTestClient(t, Config{})

	req := wire.NewRequest(wire.NewCorrelationID(), "sessionsrv.AccountGet", []byte("x"), true, []byte("{}"))
	ft.recv <- inbound{env: req}

	reply := ft.nextSent(t)
	assert.Equal(t, req.CorrelationID, reply.CorrelationID)
	require.NotNil(t, reply.Err)
	assert.Equal(t, neterr.CodeNoShard, reply.Err.Code)
}

// TestConcurrentCallsKeepCorrelation runs many calls against a responder
// that answers out of order after random delays, and checks every caller
// gets the reply to its own request exactly once.
func TestConcurrentCallsKeepCorrelation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewClientMetricsWithRegistry(reg)
	c, ft := newTestClient(t, Config{Metrics: m})

	stop := make(chan struct{})
	var responders sync.WaitGroup
	responders.Add(1)
	go func() {
		defer responders.Done()
		for {
			select {
			case <-stop:
				return
			case req := <-ft.sent:
				responders.Add(1)
				go func(req *wire.Envelope) {
					defer responders.Done()
					time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
					var get sessionsrv.AccountGet
					json.Unmarshal(req.Payload, &get)
					data, _ := json.Marshal(sessionsrv.Account{Name: get.Name})
					ft.reply(wire.ReplyOK(req, "sessionsrv.Account", data))
				}(req)
			}
		}
	}()

	const calls = 500
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("user-%d", i)
			acct, err := Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: name})
			if err != nil {
				errs <- err
				return
			}
			if acct.Name != name {
				errs <- fmt.Errorf("call %s got reply for %s", name, acct.Name)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	responders.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, c.Pending())
	assert.Equal(t, float64(calls), testutil.ToFloat64(m.CallsTotal.WithLabelValues("sessionsrv.AccountGet", metrics.OutcomeOK)))
	assert.Zero(t, testutil.ToFloat64(m.Pending))
}

func TestTimeoutHint(t *testing.T) {
	assert.Equal(t, uint32(1), timeoutHint(0))
	assert.Equal(t, uint32(1), timeoutHint(-time.Second))
	assert.Equal(t, uint32(1), timeoutHint(time.Microsecond))
	assert.Equal(t, uint32(1500), timeoutHint(1500*time.Millisecond))
	assert.Equal(t, ^uint32(0), timeoutHint(time.Duration(1<<62)))
}
