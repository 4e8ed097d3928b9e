// Package dispatch maps inbound requests to typed handlers.
//
// A service builds one Table at startup with Register, seals it, and serves
// it with a Dispatcher on each of its handler connections:
//
//	t := dispatch.NewTable("sessionsrv")
//	dispatch.Register(t, h.AccountGet)
//	dispatch.Register(t, h.AccountCreate)
//	d := dispatch.New(t, dispatch.Config{MaxConcurrent: 64})
//	go d.Serve(ctx, conn)
//
// Once sealed, the table is read without locks.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/bldr-io/bldr/internal/neterr"
	"github.com/bldr-io/bldr/internal/protocol"
)

// handlerFunc is a type-erased handler. It decodes the request payload,
// runs the typed handler and encodes its reply.
type handlerFunc func(ctx context.Context, payload []byte) (replyType string, reply []byte, err error)

type entry struct {
	messageType string
	replyType   string
	fn          handlerFunc
}

// Table holds the handlers of one service.
type Table struct {
	service  string
	codec    protocol.Codec
	handlers map[string]entry
	sealed   atomic.Bool
}

// NewTable creates an empty table for service using the JSON codec.
func NewTable(service string) *Table {
	return NewTableWithCodec(service, protocol.JSON)
}

// NewTableWithCodec creates an empty table using codec for payloads.
func NewTableWithCodec(service string, codec protocol.Codec) *Table {
	return &Table{
		service:  service,
		codec:    codec,
		handlers: make(map[string]entry),
	}
}

// Register adds the handler for Req. It panics when Req already has a
// handler or the table is sealed; both are startup programming errors.
func Register[Req, Rep protocol.Routable](t *Table, h func(ctx context.Context, req Req) (Rep, error)) {
	if t.sealed.Load() {
		panic(fmt.Sprintf("dispatch: register %s on sealed table %s", protocol.TypeOf[Req](), t.service))
	}
	messageType := protocol.TypeOf[Req]()
	if messageType == "" {
		panic("dispatch: request type has an empty message type")
	}
	if _, dup := t.handlers[messageType]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for %s", messageType))
	}

	codec := t.codec
	replyType := protocol.TypeOf[Rep]()
	t.handlers[messageType] = entry{
		messageType: messageType,
		replyType:   replyType,
		fn: func(ctx context.Context, payload []byte) (string, []byte, error) {
			req, err := protocol.Decode[Req](codec, payload)
			if err != nil {
				return "", nil, neterr.Bug("decode %s: %v", messageType, err)
			}
			rep, err := h(ctx, req)
			if err != nil {
				return "", nil, err
			}
			data, err := codec.Marshal(rep)
			if err != nil {
				return "", nil, neterr.Bug("encode %s: %v", replyType, err)
			}
			return replyType, data, nil
		},
	}
}

// Seal makes the table read-only. Sealing twice is a no-op.
func (t *Table) Seal() {
	t.sealed.Store(true)
}

// Sealed reports whether the table is read-only.
func (t *Table) Sealed() bool {
	return t.sealed.Load()
}

// Service returns the name the table was created for.
func (t *Table) Service() string {
	return t.service
}

// MessageTypes returns the registered request types in sorted order.
func (t *Table) MessageTypes() []string {
	out := make([]string, 0, len(t.handlers))
	for mt := range t.handlers {
		out = append(out, mt)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered handlers.
func (t *Table) Len() int {
	return len(t.handlers)
}

func (t *Table) lookup(messageType string) (entry, bool) {
	e, ok := t.handlers[messageType]
	return e, ok
}
