// Package httpgw adapts HTTP handlers to the mesh: a route client travels in
// the request context, RouteMessage sends a typed request with it, and
// NetErrors render as JSON with a matching HTTP status.
package httpgw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/bldr-io/bldr/internal/client"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/neterr"
	"github.com/bldr-io/bldr/internal/protocol"
)

// RequestIDHeader carries the correlation id of a gateway request.
const RequestIDHeader = "X-Request-ID"

type clientKey struct{}

// WithClient returns ctx carrying c.
func WithClient(ctx context.Context, c *client.Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFromCtx returns the route client attached to ctx.
func ClientFromCtx(ctx context.Context) (*client.Client, bool) {
	c, ok := ctx.Value(clientKey{}).(*client.Client)
	return c, ok && c != nil
}

// Middleware attaches c and a request-scoped logger to every request. The
// correlation id is taken from X-Request-ID or generated, and echoed back.
func Middleware(c *client.Client, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := logging.RequestContext(r.Context(), logger, id)
			ctx = WithClient(ctx, c)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RouteMessage routes req with the route client of r's context and returns
// the typed reply. Without a client it fails with UNAVAILABLE.
func RouteMessage[Rep protocol.Routable](r *http.Request, req protocol.Routable) (Rep, error) {
	c, ok := ClientFromCtx(r.Context())
	if !ok {
		var zero Rep
		return zero, neterr.New(neterr.CodeUnavailable, "no route client attached to request")
	}
	return client.Route[Rep](r.Context(), c, req)
}

// StatusFor maps a NetError code to an HTTP status.
func StatusFor(code neterr.ErrCode) int {
	switch code {
	case neterr.CodeTimeout:
		return http.StatusGatewayTimeout
	case neterr.CodeRemoteRejected:
		return http.StatusNotAcceptable
	case neterr.CodeNotFound:
		return http.StatusNotFound
	case neterr.CodeEntityConflict:
		return http.StatusConflict
	case neterr.CodeAccessDenied, neterr.CodeAuthScope:
		return http.StatusForbidden
	case neterr.CodeSessionExpired:
		return http.StatusUnauthorized
	case neterr.CodeBadRemoteReply:
		return http.StatusBadGateway
	case neterr.CodeNoShard, neterr.CodeUnavailable, neterr.CodeDisconnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the JSON rendering of a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError renders err as JSON. Errors that are not NetErrors become BUG
// with a generic message; their text is logged, not returned.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ne *neterr.NetError
	if !errors.As(err, &ne) {
		logging.FromCtx(r.Context()).Errorf("request failed", map[string]any{"error": err.Error()})
		ne = neterr.New(neterr.CodeBug, "internal error")
	}
	status := StatusFor(ne.Code)
	if status >= http.StatusInternalServerError {
		logging.FromCtx(r.Context()).Warnf("request failed", map[string]any{
			"code":  ne.Code.String(),
			"error": ne.Msg,
		})
	}
	WriteJSON(w, status, ErrorBody{Code: ne.Code.String(), Message: ne.Msg})
}

// WriteJSON renders v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
