package protocol

import "encoding/binary"

// Routable is implemented by every message that crosses the mesh.
type Routable interface {
	// MessageType returns the stable discriminator of the message schema,
	// conventionally "<service>.<Name>".
	MessageType() string
}

// Keyed is implemented by requests with a natural partition attribute.
type Keyed interface {
	Routable
	// RouteKey returns the partition key. It must be a pure function of the
	// request's identifying fields.
	RouteKey() []byte
}

// DeriveRouteKey returns the route key of m and whether m is keyed.
// A keyed message may return an empty key.
func DeriveRouteKey(m Routable) ([]byte, bool) {
	k, ok := m.(Keyed)
	if !ok {
		return nil, false
	}
	return k.RouteKey(), true
}

// TypeOf returns the message type of T. T must be usable as its zero value,
// which holds for the value-receiver message structs used on the mesh.
func TypeOf[T Routable]() string {
	var zero T
	return zero.MessageType()
}

// Uint64Key encodes a numeric identifier as a route key.
func Uint64Key(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}
