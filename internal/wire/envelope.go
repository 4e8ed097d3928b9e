// Package wire implements the envelope format exchanged between services and
// routers.
//
// Every frame on a connection is a 4-byte big-endian length prefix followed
// by one encoded Envelope. The fixed header carries the kind, flags and the
// correlation id; the message type and route key follow before the payload,
// so a receiver can identify the schema of a frame without touching the
// payload bytes. A CRC32C trailer covers the whole envelope.
package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bldr-io/bldr/internal/neterr"
)

// Magic identifies a bldr envelope.
const Magic uint16 = 0xB1D7

// Version is the current envelope format version.
const Version uint8 = 1

// HeaderSize is the size of the fixed envelope header:
// magic(2) version(1) kind(1) flags(1) correlationID(16) timeoutMs(4).
const HeaderSize = 25

// TrailerSize is the size of the CRC32C trailer.
const TrailerSize = 4

// MaxMessageTypeLen and MaxRouteKeyLen bound the u16-prefixed fields.
const (
	MaxMessageTypeLen = 1<<16 - 1
	MaxRouteKeyLen    = 1<<16 - 1
)

// Kind discriminates the purpose of an envelope.
type Kind uint8

const (
	// KindHello is sent by a connection right after dialing; its payload
	// is an Announce.
	KindHello Kind = iota + 1
	// KindWelcome is the router's answer to a Hello.
	KindWelcome
	// KindRequest carries a routed request.
	KindRequest
	// KindReply carries the single reply to a request.
	KindReply
	// KindPing is a liveness probe.
	KindPing
	// KindPong answers a Ping.
	KindPong
	// KindDrain announces that the sender accepts no new requests.
	KindDrain
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindWelcome:
		return "welcome"
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindDrain:
		return "drain"
	default:
		return "unknown"
	}
}

func (k Kind) valid() bool {
	return k >= KindHello && k <= KindDrain
}

// Flag bits.
const (
	flagKeyed    uint8 = 1 << 0
	flagHasError uint8 = 1 << 1

	compressionShift = 4
	compressionMask  = 0x3 << compressionShift
)

// CorrelationID identifies one in-flight request. It is generated by the
// caller and echoed unchanged by every hop.
type CorrelationID [16]byte

// NewCorrelationID returns a fresh random correlation id.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New())
}

// IsZero reports whether the id is unset.
func (id CorrelationID) IsZero() bool {
	return id == CorrelationID{}
}

func (id CorrelationID) String() string {
	return uuid.UUID(id).String()
}

// Envelope is the unit of transport.
type Envelope struct {
	Kind          Kind
	CorrelationID CorrelationID

	// MessageType names the concrete request or reply schema.
	MessageType string

	// Keyed is set on requests whose type derives a route key. RouteKey may
	// be empty on a keyed request; it is still hashed.
	Keyed    bool
	RouteKey []byte

	// TimeoutMs is the caller's remaining budget for a request, zero when
	// the caller expressed none. Routers may only shorten their own
	// deadline with it.
	TimeoutMs uint32

	// Compression describes how Payload is encoded. Routers forward the
	// bytes untouched.
	Compression Compression
	Payload     []byte

	// Err is set on failed replies only.
	Err *neterr.NetError
}

// Validation errors.
var (
	ErrRequestWithError   = errors.New("wire: request envelope carries an error")
	ErrReplyPayloadAndErr = errors.New("wire: reply envelope carries both payload and error")
	ErrMissingCorrelation = errors.New("wire: request or reply without correlation id")
	ErrMissingMessageType = errors.New("wire: request without message type")
)

// Validate checks the structural invariants of an envelope.
func (e *Envelope) Validate() error {
	if !e.Kind.valid() {
		return ErrInvalidKind
	}
	if e.Err != nil && e.Kind != KindReply {
		return ErrRequestWithError
	}
	if e.Err != nil && !e.Err.Code.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownErrorCode, uint16(e.Err.Code))
	}
	switch e.Kind {
	case KindRequest:
		if e.CorrelationID.IsZero() {
			return ErrMissingCorrelation
		}
		if e.MessageType == "" {
			return ErrMissingMessageType
		}
	case KindReply:
		if e.CorrelationID.IsZero() {
			return ErrMissingCorrelation
		}
		if e.Err != nil && len(e.Payload) > 0 {
			return ErrReplyPayloadAndErr
		}
	}
	if len(e.MessageType) > MaxMessageTypeLen {
		return ErrFieldTooLong
	}
	if len(e.RouteKey) > MaxRouteKeyLen {
		return ErrFieldTooLong
	}
	if !e.Compression.valid() {
		return ErrUnknownCompression
	}
	return nil
}

// NewRequest builds a request envelope.
func NewRequest(id CorrelationID, messageType string, routeKey []byte, keyed bool, payload []byte) *Envelope {
	return &Envelope{
		Kind:          KindRequest,
		CorrelationID: id,
		MessageType:   messageType,
		Keyed:         keyed,
		RouteKey:      routeKey,
		Payload:       payload,
	}
}

// ReplyOK builds a successful reply to req.
func ReplyOK(req *Envelope, messageType string, payload []byte) *Envelope {
	if payload == nil {
		payload = []byte{}
	}
	return &Envelope{
		Kind:          KindReply,
		CorrelationID: req.CorrelationID,
		MessageType:   messageType,
		Payload:       payload,
	}
}

// ReplyErr builds a failed reply to req.
func ReplyErr(req *Envelope, err *neterr.NetError) *Envelope {
	return ReplyErrFor(req.CorrelationID, req.MessageType, err)
}

// ReplyErrFor builds a failed reply for a correlation id when the request
// envelope itself is no longer at hand.
func ReplyErrFor(id CorrelationID, messageType string, err *neterr.NetError) *Envelope {
	if err == nil {
		err = neterr.Bug("nil error in failed reply")
	}
	return &Envelope{
		Kind:          KindReply,
		CorrelationID: id,
		MessageType:   messageType,
		Err:           err,
	}
}

// IsError reports whether the envelope is a failed reply.
func (e *Envelope) IsError() bool {
	return e.Err != nil
}
