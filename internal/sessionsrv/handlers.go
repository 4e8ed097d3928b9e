// Package sessionsrv implements the session service: account records kept
// in the metadata store and served over the mesh.
package sessionsrv

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bldr-io/bldr/internal/dispatch"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metadata"
	"github.com/bldr-io/bldr/internal/metadata/keys"
	"github.com/bldr-io/bldr/internal/neterr"
	api "github.com/bldr-io/bldr/internal/protocol/sessionsrv"
)

const (
	// MaxNameLen bounds account names.
	MaxNameLen = 128

	// DefaultListLimit applies when AccountList sets no limit.
	DefaultListLimit = 100

	// MaxListLimit caps AccountList.
	MaxListLimit = 1000
)

// Handlers serves account requests from a metadata store.
type Handlers struct {
	store metadata.Store
	now   func() time.Time
	newID func() string
}

// NewHandlers creates account handlers over store.
func NewHandlers(store metadata.Store) *Handlers {
	return &Handlers{
		store: store,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Table returns the service's dispatch table with every handler registered.
func (h *Handlers) Table() *dispatch.Table {
	t := dispatch.NewTable(api.ServiceName)
	h.Register(t)
	return t
}

// Register adds the account handlers to t.
func (h *Handlers) Register(t *dispatch.Table) {
	dispatch.Register(t, h.AccountGet)
	dispatch.Register(t, h.AccountGetID)
	dispatch.Register(t, h.AccountCreate)
	dispatch.Register(t, h.AccountList)
}

// AccountGet returns the account named req.Name, or NOT_FOUND.
func (h *Handlers) AccountGet(ctx context.Context, req api.AccountGet) (api.Account, error) {
	if err := validateName(req.Name); err != nil {
		return api.Account{}, err
	}

	res, err := h.store.Get(ctx, keys.AccountKeyPath(req.Name))
	if err != nil {
		return api.Account{}, dataStoreError(ctx, "get account", err)
	}
	if !res.Exists {
		return api.Account{}, neterr.Newf(neterr.CodeNotFound, "account %q not found", req.Name)
	}
	return decodeAccount(ctx, res.Value)
}

// AccountGetID returns the account with id req.ID, or NOT_FOUND.
func (h *Handlers) AccountGetID(ctx context.Context, req api.AccountGetID) (api.Account, error) {
	if strings.TrimSpace(req.ID) == "" {
		return api.Account{}, neterr.New(neterr.CodeRemoteRejected, "account id is required")
	}

	res, err := h.store.Get(ctx, keys.AccountIDKeyPath(req.ID))
	if err != nil {
		return api.Account{}, dataStoreError(ctx, "get account index", err)
	}
	if !res.Exists {
		return api.Account{}, neterr.Newf(neterr.CodeNotFound, "account id %q not found", req.ID)
	}

	acct, err := h.AccountGet(ctx, api.AccountGet{Name: string(res.Value)})
	if code, ok := neterr.CodeOf(err); ok && code == neterr.CodeNotFound {
		return api.Account{}, neterr.Newf(neterr.CodeNotFound, "account id %q not found", req.ID)
	}
	if err != nil {
		return api.Account{}, err
	}
	// a stale index entry may name an account that was recreated
	if acct.ID != req.ID {
		return api.Account{}, neterr.Newf(neterr.CodeNotFound, "account id %q not found", req.ID)
	}
	return acct, nil
}

// AccountCreate stores a new account. A taken name is ENTITY_CONFLICT.
func (h *Handlers) AccountCreate(ctx context.Context, req api.AccountCreate) (api.Account, error) {
	if err := validateName(req.Name); err != nil {
		return api.Account{}, err
	}
	if !strings.Contains(req.Email, "@") {
		return api.Account{}, neterr.Newf(neterr.CodeRemoteRejected, "invalid email %q", req.Email)
	}

	acct := api.Account{
		ID:        h.newID(),
		Name:      req.Name,
		Email:     req.Email,
		CreatedAt: h.now().UTC(),
	}
	data, err := json.Marshal(acct)
	if err != nil {
		return api.Account{}, neterr.Bug("encode account: %v", err)
	}

	// expected version 0 means the key must not exist yet
	_, err = h.store.Put(ctx, keys.AccountKeyPath(req.Name), data, metadata.IfAbsent())
	if errors.Is(err, metadata.ErrVersionMismatch) {
		return api.Account{}, neterr.Newf(neterr.CodeEntityConflict, "account %q already exists", req.Name)
	}
	if err != nil {
		return api.Account{}, dataStoreError(ctx, "create account", err)
	}
	if _, err := h.store.Put(ctx, keys.AccountIDKeyPath(acct.ID), []byte(acct.Name)); err != nil {
		return api.Account{}, dataStoreError(ctx, "index account", err)
	}

	logging.FromCtx(ctx).Infof("account created", map[string]any{
		"accountId": acct.ID,
		"name":      acct.Name,
	})
	return acct, nil
}

// AccountList returns accounts in name order.
func (h *Handlers) AccountList(ctx context.Context, req api.AccountList) (api.AccountListReply, error) {
	limit := req.Limit
	switch {
	case limit < 0:
		return api.AccountListReply{}, neterr.Newf(neterr.CodeRemoteRejected, "invalid limit %d", limit)
	case limit == 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	kvs, err := h.store.List(ctx, keys.AccountsPrefix, "", limit)
	if err != nil {
		return api.AccountListReply{}, dataStoreError(ctx, "list accounts", err)
	}

	reply := api.AccountListReply{Accounts: make([]api.Account, 0, len(kvs))}
	for _, kv := range kvs {
		acct, err := decodeAccount(ctx, kv.Value)
		if err != nil {
			logging.FromCtx(ctx).Warnf("skipping corrupt account record", map[string]any{"key": kv.Key})
			continue
		}
		reply.Accounts = append(reply.Accounts, acct)
	}
	return reply, nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return neterr.New(neterr.CodeRemoteRejected, "account name is required")
	}
	if len(name) > MaxNameLen {
		return neterr.Newf(neterr.CodeRemoteRejected, "account name longer than %d bytes", MaxNameLen)
	}
	return nil
}

func decodeAccount(ctx context.Context, data []byte) (api.Account, error) {
	var acct api.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return api.Account{}, dataStoreError(ctx, "decode account", err)
	}
	return acct, nil
}

func dataStoreError(ctx context.Context, op string, err error) *neterr.NetError {
	logging.FromCtx(ctx).Errorf(op+" failed", map[string]any{"error": err.Error()})
	return neterr.Newf(neterr.CodeDataStore, "%s: %v", op, err)
}
