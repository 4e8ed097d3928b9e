package sessionsrv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bldr-io/bldr/internal/dispatch"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metadata"
	"github.com/bldr-io/bldr/internal/metadata/keys"
	"github.com/bldr-io/bldr/internal/neterr"
	"github.com/bldr-io/bldr/internal/protocol"
	api "github.com/bldr-io/bldr/internal/protocol/sessionsrv"
	"github.com/bldr-io/bldr/internal/wire"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestHandlers(t *testing.T) (*Handlers, *metadata.MockStore) {
	t.Helper()
	store := metadata.NewMockStore()
	h := NewHandlers(store)
	h.now = func() time.Time { return fixedNow }
	n := 0
	h.newID = func() string {
		n++
		return fmt.Sprintf("acct-%d", n)
	}
	return h, store
}

func requireCode(t *testing.T, err error, code neterr.ErrCode) {
	t.Helper()
	require.Error(t, err)
	got, ok := neterr.CodeOf(err)
	require.True(t, ok, "expected a NetError, got %v", err)
	assert.Equal(t, code, got, "error: %v", err)
}

func TestAccountCreateAndGet(t *testing.T) {
	h, _ := newTestHandlers(t)
	ctx := context.Background()

	created, err := h.AccountCreate(ctx, api.AccountCreate{Name: "Bobo T. Clown", Email: "bobo@chef.io"})
	require.NoError(t, err)
	assert.Equal(t, "acct-1", created.ID)
	assert.Equal(t, fixedNow, created.CreatedAt)

	got, err := h.AccountGet(ctx, api.AccountGet{Name: "Bobo T. Clown"})
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

func TestAccountCreateConflict(t *testing.T) {
	h, _ := newTestHandlers(t)
	ctx := context.Background()

	_, err := h.AccountCreate(ctx, api.AccountCreate{Name: "bobo", Email: "bobo@chef.io"})
	require.NoError(t, err)

	_, err = h.AccountCreate(ctx, api.AccountCreate{Name: "bobo", Email: "other@chef.io"})
	requireCode(t, err, neterr.CodeEntityConflict)

	got, err := h.AccountGet(ctx, api.AccountGet{Name: "bobo"})
	require.NoError(t, err)
	assert.Equal(t, "bobo@chef.io", got.Email, "conflicting create must not overwrite")
}

func TestAccountCreateRejectsInvalidInput(t *testing.T) {
	h, _ := newTestHandlers(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  api.AccountCreate
	}{
		{"empty name", api.AccountCreate{Email: "a@b.c"}},
		{"blank name", api.AccountCreate{Name: "   ", Email: "a@b.c"}},
		{"long name", api.AccountCreate{Name: string(make([]byte, MaxNameLen+1)), Email: "a@b.c"}},
		{"missing email", api.AccountCreate{Name: "bobo"}},
		{"bad email", api.AccountCreate{Name: "bobo", Email: "bobo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.AccountCreate(ctx, tt.req)
			requireCode(t, err, neterr.CodeRemoteRejected)
		})
	}
}

func TestAccountGetNotFound(t *testing.T) {
	h, _ := newTestHandlers(t)
	_, err := h.AccountGet(context.Background(), api.AccountGet{Name: "nobody"})
	requireCode(t, err, neterr.CodeNotFound)
}

func TestAccountGetID(t *testing.T) {
	h, store := newTestHandlers(t)
	ctx := context.Background()

	created, err := h.AccountCreate(ctx, api.AccountCreate{Name: "Bobo T. Clown", Email: "bobo@chef.io"})
	require.NoError(t, err)

	res, err := store.Get(ctx, keys.AccountIDKeyPath(created.ID))
	require.NoError(t, err)
	require.True(t, res.Exists, "create must write the id index")
	assert.Equal(t, "Bobo T. Clown", string(res.Value))

	got, err := h.AccountGetID(ctx, api.AccountGetID{ID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = h.AccountGetID(ctx, api.AccountGetID{ID: "acct-404"})
	requireCode(t, err, neterr.CodeNotFound)

	_, err = h.AccountGetID(ctx, api.AccountGetID{ID: " "})
	requireCode(t, err, neterr.CodeRemoteRejected)
}

func TestAccountGetIDStaleIndex(t *testing.T) {
	h, store := newTestHandlers(t)
	ctx := context.Background()

	created, err := h.AccountCreate(ctx, api.AccountCreate{Name: "bobo", Email: "bobo@chef.io"})
	require.NoError(t, err)

	// the name now belongs to a different account
	_, err = store.Put(ctx, keys.AccountKeyPath("bobo"), []byte(`{"id":"acct-99","name":"bobo"}`))
	require.NoError(t, err)
	_, err = h.AccountGetID(ctx, api.AccountGetID{ID: created.ID})
	requireCode(t, err, neterr.CodeNotFound)

	// an index entry whose account is gone
	_, err = store.Put(ctx, keys.AccountIDKeyPath("acct-7"), []byte("ghost"))
	require.NoError(t, err)
	_, err = h.AccountGetID(ctx, api.AccountGetID{ID: "acct-7"})
	requireCode(t, err, neterr.CodeNotFound)
}

func TestAccountGetCorruptRecord(t *testing.T) {
	h, store := newTestHandlers(t)
	ctx := context.Background()
	_, err := store.Put(ctx, keys.AccountKeyPath("bobo"), []byte("{not json"))
	require.NoError(t, err)

	_, err = h.AccountGet(ctx, api.AccountGet{Name: "bobo"})
	requireCode(t, err, neterr.CodeDataStore)
}

func TestStoreFailureIsDataStore(t *testing.T) {
	h, store := newTestHandlers(t)
	require.NoError(t, store.Close())
	ctx := context.Background()

	_, err := h.AccountGet(ctx, api.AccountGet{Name: "bobo"})
	requireCode(t, err, neterr.CodeDataStore)

	_, err = h.AccountCreate(ctx, api.AccountCreate{Name: "bobo", Email: "bobo@chef.io"})
	requireCode(t, err, neterr.CodeDataStore)

	_, err = h.AccountList(ctx, api.AccountList{})
	requireCode(t, err, neterr.CodeDataStore)
}

func TestAccountList(t *testing.T) {
	h, store := newTestHandlers(t)
	ctx := context.Background()

	for _, name := range []string{"carol", "alice", "bob"} {
		_, err := h.AccountCreate(ctx, api.AccountCreate{Name: name, Email: name + "@chef.io"})
		require.NoError(t, err)
	}
	// records outside the prefix and corrupt records are skipped
	_, err := store.Put(ctx, keys.RouterKeyPath("local", "r1"), []byte("{}"))
	require.NoError(t, err)
	_, err = store.Put(ctx, keys.AccountKeyPath("broken"), []byte("nope"))
	require.NoError(t, err)

	reply, err := h.AccountList(ctx, api.AccountList{})
	require.NoError(t, err)
	names := make([]string, 0, len(reply.Accounts))
	for _, a := range reply.Accounts {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)

	reply, err = h.AccountList(ctx, api.AccountList{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, reply.Accounts, 2)

	_, err = h.AccountList(ctx, api.AccountList{Limit: -1})
	requireCode(t, err, neterr.CodeRemoteRejected)
}

func TestTableDispatch(t *testing.T) {
	h, _ := newTestHandlers(t)
	table := h.Table()
	assert.Equal(t, api.ServiceName, table.Service())
	assert.ElementsMatch(t, []string{
		api.AccountGet{}.MessageType(),
		api.AccountGetID{}.MessageType(),
		api.AccountCreate{}.MessageType(),
		api.AccountList{}.MessageType(),
	}, table.MessageTypes())

	d := dispatch.New(table, dispatch.Config{Logger: logging.Discard()})

	send := func(m protocol.Routable) *wire.Envelope {
		payload, err := protocol.JSON.Marshal(m)
		require.NoError(t, err)
		key, keyed := protocol.DeriveRouteKey(m)
		return d.Handle(context.Background(), wire.NewRequest(wire.NewCorrelationID(), m.MessageType(), key, keyed, payload))
	}

	reply := send(api.AccountCreate{Name: "bobo", Email: "bobo@chef.io"})
	require.Nil(t, reply.Err)
	assert.Equal(t, api.Account{}.MessageType(), reply.MessageType)

	acct, err := protocol.Decode[api.Account](protocol.JSON, reply.Payload)
	require.NoError(t, err)
	assert.Equal(t, "bobo", acct.Name)

	reply = send(api.AccountGetID{ID: acct.ID})
	require.Nil(t, reply.Err)
	byID, err := protocol.Decode[api.Account](protocol.JSON, reply.Payload)
	require.NoError(t, err)
	assert.Equal(t, acct, byID)

	reply = send(api.AccountGet{Name: "nobody"})
	require.NotNil(t, reply.Err)
	assert.Equal(t, neterr.CodeNotFound, reply.Err.Code)
}
