// Package protocol defines the contract between typed messages and the
// routing layer.
//
// Every request and reply type implements Routable, naming its schema with a
// stable message type string. Request types with a natural partition
// attribute also implement Keyed; the route key is derived from that
// attribute and is the same for equal attribute values:
//
//	type AccountGet struct {
//		Name string `json:"name"`
//	}
//
//	func (AccountGet) MessageType() string { return "sessionsrv.AccountGet" }
//
//	func (m AccountGet) RouteKey() []byte { return []byte(m.Name) }
//
// Whether a request is keyed is a property of its Go type. Payloads are
// encoded with a Codec; the routing layer never looks inside them.
package protocol
