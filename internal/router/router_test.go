package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bldr-io/bldr/internal/client"
	"github.com/bldr-io/bldr/internal/conn"
	"github.com/bldr-io/bldr/internal/dispatch"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metrics"
	"github.com/bldr-io/bldr/internal/neterr"
	"github.com/bldr-io/bldr/internal/protocol/jobsrv"
	"github.com/bldr-io/bldr/internal/protocol/routersrv"
	"github.com/bldr-io/bldr/internal/protocol/sessionsrv"
	"github.com/bldr-io/bldr/internal/routing"
	"github.com/bldr-io/bldr/internal/wire"
)

func startRouter(t *testing.T, cfg Config) (*Router, *metrics.RouterMetrics) {
	t.Helper()
	if cfg.RouterID == "" {
		cfg.RouterID = "router-test"
	}
	m := metrics.NewRouterMetricsWithRegistry(prometheus.NewRegistry())
	r := New(cfg, logging.Discard()).WithMetrics(m)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan struct{})
	go func() {
		defer close(served)
		r.Serve(context.Background(), ln)
	}()
	t.Cleanup(func() {
		r.Close()
		<-served
	})
	require.Eventually(t, func() bool { return r.Addr() != nil }, time.Second, time.Millisecond)
	return r, m
}

// startReplica runs a sessionsrv replica whose handlers are installed by
// register. It returns once the router has registered the replica.
func startReplica(t *testing.T, r *Router, instanceID string, register func(*dispatch.Table)) *conn.Conn {
	t.Helper()
	table := dispatch.NewTable(sessionsrv.ServiceName)
	register(table)
	d := dispatch.New(table, dispatch.Config{Logger: logging.Discard()})

	before := r.services.count(sessionsrv.ServiceName)
	cn, err := conn.Open(conn.Config{
		Service:        sessionsrv.ServiceName,
		InstanceID:     instanceID,
		Role:           wire.RoleHandler,
		MessageTypes:   table.MessageTypes(),
		Addr:           r.Addr().String(),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		d.Serve(ctx, cn)
	}()
	t.Cleanup(func() {
		cancel()
		cn.Close()
		<-served
	})

	require.Eventually(t, func() bool {
		return r.services.count(sessionsrv.ServiceName) > before
	}, 2*time.Second, time.Millisecond)
	return cn
}

func dialClient(t *testing.T, r *Router, timeout time.Duration) *client.Client {
	t.Helper()
	c, err := client.Dial(conn.Config{
		Service:    "test",
		InstanceID: wire.NewCorrelationID().String(),
		Addr:       r.Addr().String(),
		Logger:     logging.Discard(),
	}, client.Config{CallTimeout: timeout, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// rawPeer performs the handshake by hand and returns the bare connection.
func rawPeer(t *testing.T, r *Router, a wire.Announce) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })

	hello, err := wire.NewHello(a)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(nc, hello))

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	welcome, err := wire.ReadFrame(nc, wire.DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, wire.KindWelcome, welcome.Kind)
	nc.SetReadDeadline(time.Time{})
	return nc
}

func readEnvelope(t *testing.T, nc net.Conn, timeout time.Duration) (*wire.Envelope, error) {
	t.Helper()
	nc.SetReadDeadline(time.Now().Add(timeout))
	defer nc.SetReadDeadline(time.Time{})
	return wire.ReadFrame(nc, wire.DefaultMaxFrameSize)
}

func accountHandlers(replicaID string) func(*dispatch.Table) {
	return func(table *dispatch.Table) {
		dispatch.Register(table, func(_ context.Context, req sessionsrv.AccountGet) (sessionsrv.Account, error) {
			if req.Name == "nobody" {
				return sessionsrv.Account{}, neterr.Newf(neterr.CodeNotFound, "no account %s", req.Name)
			}
			return sessionsrv.Account{ID: replicaID, Name: req.Name}, nil
		})
		dispatch.Register(table, func(_ context.Context, req sessionsrv.AccountList) (sessionsrv.AccountListReply, error) {
			return sessionsrv.AccountListReply{Accounts: []sessionsrv.Account{{ID: replicaID}}}, nil
		})
	}
}

func requireCode(t *testing.T, err error, code neterr.ErrCode) {
	t.Helper()
	require.Error(t, err)
	var ne *neterr.NetError
	require.True(t, errors.As(err, &ne), "expected NetError, got %T: %v", err, err)
	require.Equal(t, code, ne.Code, "unexpected error %v", ne)
}

func TestRouteHappyPath(t *testing.T) {
	r, m := startRouter(t, Config{})
	startReplica(t, r, "replica-1", accountHandlers("replica-1"))
	c := dialClient(t, r, 5*time.Second)

	acct, err := client.Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	require.NoError(t, err)
	assert.Equal(t, "bobo", acct.Name)
	assert.Equal(t, "replica-1", acct.ID)

	assert.Zero(t, r.pending.len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("sessionsrv.AccountGet", metrics.OutcomeOK)))
}

func TestRouteNoShard(t *testing.T) {
	r, m := startRouter(t, Config{})
	startReplica(t, r, "replica-1", accountHandlers("replica-1"))
	c := dialClient(t, r, 5*time.Second)

	_, err := client.Route[jobsrv.Job](context.Background(), c, jobsrv.JobCancel{ID: 42})
	requireCode(t, err, neterr.CodeNoShard)

	assert.Zero(t, r.pending.len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("jobsrv.JobCancel", "NO_SHARD")))
}

func TestHandlerErrorPassesThrough(t *testing.T) {
	r, _ := startRouter(t, Config{})
	startReplica(t, r, "replica-1", accountHandlers("replica-1"))
	c := dialClient(t, r, 5*time.Second)

	_, err := client.Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "nobody"})
	requireCode(t, err, neterr.CodeNotFound)
	assert.Contains(t, err.Error(), "no account nobody")
}

func TestHandlerUnknownErrorCodeReachesCallerAsBug(t *testing.T) {
	r, _ := startRouter(t, Config{})
	startReplica(t, r, "replica-1", func(table *dispatch.Table) {
		dispatch.Register(table, func(context.Context, sessionsrv.AccountGet) (sessionsrv.Account, error) {
			return sessionsrv.Account{}, neterr.New(neterr.ErrCode(5), "legacy failure")
		})
	})
	c := dialClient(t, r, 5*time.Second)

	start := time.Now()
	_, err := client.Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	requireCode(t, err, neterr.CodeBug)
	assert.Contains(t, err.Error(), "legacy failure")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTimeoutDropsLateReply(t *testing.T) {
	r, m := startRouter(t, Config{RequestTimeout: 50 * time.Millisecond})
	release := make(chan struct{})
	handled := make(chan struct{}, 1)
	startReplica(t, r, "slow", func(table *dispatch.Table) {
		dispatch.Register(table, func(_ context.Context, req sessionsrv.AccountGet) (sessionsrv.Account, error) {
			<-release
			handled <- struct{}{}
			return sessionsrv.Account{Name: req.Name}, nil
		})
	})
	c := dialClient(t, r, 5*time.Second)

	start := time.Now()
	_, err := client.Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	requireCode(t, err, neterr.CodeTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, r.pending.len())

	close(release)
	<-handled
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DroppedReplies.WithLabelValues(metrics.DropUnknown)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("sessionsrv.AccountGet", "TIMEOUT")))
	assert.Zero(t, c.Pending())
}

func TestCallerTimeoutHintShortensDeadline(t *testing.T) {
	r, _ := startRouter(t, Config{RequestTimeout: time.Minute})
	release := make(chan struct{})
	startReplica(t, r, "slow", func(table *dispatch.Table) {
		dispatch.Register(table, func(_ context.Context, req sessionsrv.AccountGet) (sessionsrv.Account, error) {
			<-release
			return sessionsrv.Account{Name: req.Name}, nil
		})
	})
	t.Cleanup(func() { close(release) })
	c := dialClient(t, r, 100*time.Millisecond)

	_, err := client.Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	requireCode(t, err, neterr.CodeTimeout)

	// the broker's own deadline was shortened by the hint
	require.Eventually(t, func() bool { return r.pending.len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestKeyedStickiness(t *testing.T) {
	r, _ := startRouter(t, Config{})
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("replica-%d", i)
		startReplica(t, r, id, accountHandlers(id))
	}
	c := dialClient(t, r, 5*time.Second)
	ctx := context.Background()

	seen := make(map[string]string)
	replicas := make(map[string]bool)
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("user-%d", i)
		for j := 0; j < 3; j++ {
			acct, err := client.Route[sessionsrv.Account](ctx, c, sessionsrv.AccountGet{Name: name})
			require.NoError(t, err)
			if prev, ok := seen[name]; ok {
				require.Equal(t, prev, acct.ID, "key %s moved between replicas", name)
			}
			seen[name] = acct.ID
			replicas[acct.ID] = true
		}
	}
	assert.Greater(t, len(replicas), 1, "keys should spread across replicas")
}

func TestUnkeyedRoundRobin(t *testing.T) {
	r, _ := startRouter(t, Config{Policy: routing.PolicyRoundRobin})
	startReplica(t, r, "replica-a", accountHandlers("replica-a"))
	startReplica(t, r, "replica-b", accountHandlers("replica-b"))
	c := dialClient(t, r, 5*time.Second)

	counts := make(map[string]int)
	for i := 0; i < 10; i++ {
		rep, err := client.Route[sessionsrv.AccountListReply](context.Background(), c, sessionsrv.AccountList{})
		require.NoError(t, err)
		require.Len(t, rep.Accounts, 1)
		counts[rep.Accounts[0].ID]++
	}
	assert.Equal(t, map[string]int{"replica-a": 5, "replica-b": 5}, counts)
}

func TestRouterStatus(t *testing.T) {
	r, _ := startRouter(t, Config{RouterID: "router-7"})
	startReplica(t, r, "replica-1", accountHandlers("replica-1"))
	c := dialClient(t, r, 5*time.Second)

	status, err := client.Route[routersrv.RouterStatusReply](context.Background(), c, routersrv.RouterStatus{})
	require.NoError(t, err)
	assert.Equal(t, "router-7", status.RouterID)
	assert.Equal(t, 2, status.Connections)
	require.Len(t, status.Services, 1)

	svc := status.Services[0]
	assert.Equal(t, sessionsrv.ServiceName, svc.Name)
	assert.ElementsMatch(t, []string{"sessionsrv.AccountGet", "sessionsrv.AccountList"}, svc.MessageTypes)
	require.Len(t, svc.Replicas, 1)
	assert.Equal(t, "replica-1", svc.Replicas[0].InstanceID)
}

func TestReplicaDrainStopsRouting(t *testing.T) {
	r, _ := startRouter(t, Config{})
	a := startReplica(t, r, "replica-a", accountHandlers("replica-a"))
	startReplica(t, r, "replica-b", accountHandlers("replica-b"))
	c := dialClient(t, r, 5*time.Second)

	require.NoError(t, a.Drain())
	require.Eventually(t, func() bool {
		return r.services.count(sessionsrv.ServiceName) == 1
	}, 2*time.Second, time.Millisecond)

	for i := 0; i < 6; i++ {
		rep, err := client.Route[sessionsrv.AccountListReply](context.Background(), c, sessionsrv.AccountList{})
		require.NoError(t, err)
		assert.Equal(t, "replica-b", rep.Accounts[0].ID)
	}
}

func TestReplicaLossLeavesNoShard(t *testing.T) {
	r, _ := startRouter(t, Config{})
	a := startReplica(t, r, "replica-a", accountHandlers("replica-a"))
	c := dialClient(t, r, 5*time.Second)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		return r.services.count(sessionsrv.ServiceName) == 0
	}, 2*time.Second, time.Millisecond)

	_, err := client.Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
	requireCode(t, err, neterr.CodeNoShard)
}

func TestWrongPeerReplyDropped(t *testing.T) {
	r, m := startRouter(t, Config{})
	replica := rawPeer(t, r, wire.Announce{
		Service:      sessionsrv.ServiceName,
		InstanceID:   "raw-replica",
		Role:         wire.RoleHandler,
		MessageTypes: []string{"sessionsrv.AccountGet"},
	})
	require.Eventually(t, func() bool { return r.services.count(sessionsrv.ServiceName) == 1 }, time.Second, time.Millisecond)
	impostor := rawPeer(t, r, wire.Announce{Service: "impostor", InstanceID: "impostor-1", Role: wire.RoleCaller})
	c := dialClient(t, r, 5*time.Second)

	type result struct {
		acct sessionsrv.Account
		err  error
	}
	res := make(chan result, 1)
	go func() {
		acct, err := client.Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
		res <- result{acct, err}
	}()

	req, err := readEnvelope(t, replica, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.KindRequest, req.Kind)

	require.NoError(t, wire.WriteFrame(impostor, wire.ReplyOK(req, "sessionsrv.Account", []byte(`{"name":"evil"}`))))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DroppedReplies.WithLabelValues(metrics.DropWrongPeer)) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, r.pending.len())

	require.NoError(t, wire.WriteFrame(replica, wire.ReplyOK(req, "sessionsrv.Account", []byte(`{"name":"bobo"}`))))
	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, "bobo", got.acct.Name)
}

func TestDuplicateCorrelationIDGetsOneReply(t *testing.T) {
	r, _ := startRouter(t, Config{})
	replica := rawPeer(t, r, wire.Announce{
		Service:      sessionsrv.ServiceName,
		InstanceID:   "raw-replica",
		Role:         wire.RoleHandler,
		MessageTypes: []string{"sessionsrv.AccountGet"},
	})
	require.Eventually(t, func() bool { return r.services.count(sessionsrv.ServiceName) == 1 }, time.Second, time.Millisecond)
	caller := rawPeer(t, r, wire.Announce{Service: "raw", InstanceID: "raw-caller", Role: wire.RoleCaller})

	req := wire.NewRequest(wire.NewCorrelationID(), "sessionsrv.AccountGet", []byte("bobo"), true, []byte(`{"name":"bobo"}`))
	require.NoError(t, wire.WriteFrame(caller, req))
	require.NoError(t, wire.WriteFrame(caller, req))

	got, err := readEnvelope(t, replica, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, req.CorrelationID, got.CorrelationID)
	_, err = readEnvelope(t, replica, 100*time.Millisecond)
	require.Error(t, err, "duplicate request must not be forwarded")

	require.NoError(t, wire.WriteFrame(replica, wire.ReplyOK(got, "sessionsrv.Account", []byte(`{"name":"bobo"}`))))
	reply, err := readEnvelope(t, caller, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.CorrelationID, reply.CorrelationID)
	assert.Nil(t, reply.Err)

	_, err = readEnvelope(t, caller, 100*time.Millisecond)
	require.Error(t, err, "caller must receive exactly one reply")
}

func TestMalformedRequestGetsBug(t *testing.T) {
	r, _ := startRouter(t, Config{})
	caller := rawPeer(t, r, wire.Announce{Service: "raw", InstanceID: "raw-caller", Role: wire.RoleCaller})

	req := wire.NewRequest(wire.NewCorrelationID(), "sessionsrv.AccountGet", []byte("bobo"), true, []byte(`{}`))
	body, err := wire.Encode(req)
	require.NoError(t, err)
	body[len(body)-1] ^= 0xff
	require.NoError(t, wire.WriteRaw(caller, body))

	reply, err := readEnvelope(t, caller, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.CorrelationID, reply.CorrelationID)
	require.NotNil(t, reply.Err)
	assert.Equal(t, neterr.CodeBug, reply.Err.Code)
}

func TestRouterAnswersPing(t *testing.T) {
	r, _ := startRouter(t, Config{})
	nc := rawPeer(t, r, wire.Announce{Service: "raw", InstanceID: "raw-caller", Role: wire.RoleCaller})

	ping := wire.NewPing()
	require.NoError(t, wire.WriteFrame(nc, ping))
	pong, err := readEnvelope(t, nc, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.KindPong, pong.Kind)
	assert.Equal(t, ping.CorrelationID, pong.CorrelationID)
}

func TestShutdownResolvesPendingAsTimeout(t *testing.T) {
	r, _ := startRouter(t, Config{})
	release := make(chan struct{})
	startReplica(t, r, "stuck", func(table *dispatch.Table) {
		dispatch.Register(table, func(_ context.Context, req sessionsrv.AccountGet) (sessionsrv.Account, error) {
			<-release
			return sessionsrv.Account{Name: req.Name}, nil
		})
	})
	t.Cleanup(func() { close(release) })
	c := dialClient(t, r, 10*time.Second)

	errc := make(chan error, 1)
	go func() {
		_, err := client.Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: "bobo"})
		errc <- err
	}()
	require.Eventually(t, func() bool { return r.pending.len() == 1 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case err := <-errc:
		requireCode(t, err, neterr.CodeTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not resolved by shutdown")
	}
	assert.Zero(t, r.pending.len())
	assert.ErrorIs(t, r.Close(), ErrRouterClosed)
}

func TestStopAcceptingRejectsNewRequests(t *testing.T) {
	r, _ := startRouter(t, Config{})
	startReplica(t, r, "replica-1", accountHandlers("replica-1"))
	caller := rawPeer(t, r, wire.Announce{Service: "raw", InstanceID: "raw-caller", Role: wire.RoleCaller})

	require.NoError(t, r.StopAccepting(context.Background()))

	drain, err := readEnvelope(t, caller, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.KindDrain, drain.Kind)

	req := wire.NewRequest(wire.NewCorrelationID(), "sessionsrv.AccountGet", []byte("bobo"), true, []byte(`{"name":"bobo"}`))
	require.NoError(t, wire.WriteFrame(caller, req))
	reply, err := readEnvelope(t, caller, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply.Err)
	assert.Equal(t, neterr.CodeUnavailable, reply.Err.Code)
}

// TestConcurrentRoutingKeepsCorrelation drives many concurrent calls from
// several clients through replicas with random handler delays.
func TestConcurrentRoutingKeepsCorrelation(t *testing.T) {
	r, m := startRouter(t, Config{})
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("replica-%d", i)
		startReplica(t, r, id, func(table *dispatch.Table) {
			dispatch.Register(table, func(_ context.Context, req sessionsrv.AccountGet) (sessionsrv.Account, error) {
				time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
				return sessionsrv.Account{ID: id, Name: req.Name}, nil
			})
		})
	}
	clients := []*client.Client{
		dialClient(t, r, 10*time.Second),
		dialClient(t, r, 10*time.Second),
		dialClient(t, r, 10*time.Second),
	}

	const perClient = 150
	var wg sync.WaitGroup
	errs := make(chan error, perClient*len(clients))
	for ci, c := range clients {
		for i := 0; i < perClient; i++ {
			wg.Add(1)
			go func(c *client.Client, name string) {
				defer wg.Done()
				acct, err := client.Route[sessionsrv.Account](context.Background(), c, sessionsrv.AccountGet{Name: name})
				if err != nil {
					errs <- fmt.Errorf("%s: %w", name, err)
					return
				}
				if acct.Name != name {
					errs <- fmt.Errorf("%s got reply for %s", name, acct.Name)
				}
			}(c, fmt.Sprintf("c%d-user-%d", ci, i))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	assert.Zero(t, r.pending.len())
	total := float64(perClient * len(clients))
	assert.Equal(t, total, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("sessionsrv.AccountGet", metrics.OutcomeOK)))
	assert.Zero(t, testutil.ToFloat64(m.DroppedReplies.WithLabelValues(metrics.DropUnknown)))
}
