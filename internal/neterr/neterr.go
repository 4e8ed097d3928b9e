// Package neterr defines the error value that crosses service boundaries.
//
// Every failure observed by a caller of the mesh, whether it originated in a
// handler's business logic or in the transport, is a *NetError carrying one
// ErrCode from a closed set. Handlers return NetErrors explicitly; the broker
// and the client facade synthesize them for infrastructure failures.
package neterr

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrCode is a failure category. The numeric value is part of the wire
// format and must not be reassigned.
type ErrCode uint16

const (
	// CodeBug is a protocol or internal violation: unregistered message type,
	// decode failure, handler panic.
	CodeBug ErrCode = 0
	// CodeTimeout means no reply arrived before a deadline, at the broker or
	// at the client.
	CodeTimeout ErrCode = 1
	// CodeRemoteRejected means the handler refused the request as invalid.
	CodeRemoteRejected ErrCode = 2
	// CodeBadRemoteReply means a reply could not be decoded into the
	// expected type.
	CodeBadRemoteReply ErrCode = 3
	// CodeNotFound means the entity named by the request does not exist.
	CodeNotFound ErrCode = 4
	// CodeNoShard means no live registration can serve the message type.
	CodeNoShard ErrCode = 6
	// CodeAccessDenied means the caller is not allowed to perform the request.
	CodeAccessDenied ErrCode = 7
	// CodeSessionExpired means the caller's session is no longer valid.
	CodeSessionExpired ErrCode = 8
	// CodeEntityConflict means the request conflicts with existing state.
	CodeEntityConflict ErrCode = 9
	// CodeDataStore means the handler's backing store failed.
	CodeDataStore ErrCode = 11
	// CodeAuthScope means the caller's credentials lack a required scope.
	CodeAuthScope ErrCode = 12
	// CodeUnavailable means a replica was selected but could not accept the
	// request.
	CodeUnavailable ErrCode = 13
	// CodeDisconnected means the local connection was closed.
	CodeDisconnected ErrCode = 14
)

var codeNames = map[ErrCode]string{
	CodeBug:            "BUG",
	CodeTimeout:        "TIMEOUT",
	CodeRemoteRejected: "REMOTE_REJECTED",
	CodeBadRemoteReply: "BAD_REMOTE_REPLY",
	CodeNotFound:       "NOT_FOUND",
	CodeNoShard:        "NO_SHARD",
	CodeAccessDenied:   "ACCESS_DENIED",
	CodeSessionExpired: "SESSION_EXPIRED",
	CodeEntityConflict: "ENTITY_CONFLICT",
	CodeDataStore:      "DATA_STORE",
	CodeAuthScope:      "AUTH_SCOPE",
	CodeUnavailable:    "UNAVAILABLE",
	CodeDisconnected:   "DISCONNECTED",
}

// String returns the canonical name of the code.
func (c ErrCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "ErrCode(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c is a member of the closed code set.
func (c ErrCode) Valid() bool {
	_, ok := codeNames[c]
	return ok
}

// ParseCode converts a canonical name back to its code.
func ParseCode(s string) (ErrCode, bool) {
	for code, name := range codeNames {
		if name == s {
			return code, true
		}
	}
	return CodeBug, false
}

// Infrastructure reports whether the code is synthesized by the mesh itself
// rather than returned by a handler.
func (c ErrCode) Infrastructure() bool {
	switch c {
	case CodeTimeout, CodeNoShard, CodeUnavailable, CodeDisconnected:
		return true
	default:
		return false
	}
}

// NetError pairs an ErrCode with a human readable message.
type NetError struct {
	Code ErrCode `json:"code"`
	Msg  string  `json:"msg"`
}

// New creates a NetError.
func New(code ErrCode, msg string) *NetError {
	return &NetError{Code: code, Msg: msg}
}

// Newf creates a NetError with a formatted message.
func Newf(code ErrCode, format string, args ...any) *NetError {
	return &NetError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *NetError) Error() string {
	if e.Msg == "" {
		return "[" + e.Code.String() + "]"
	}
	return "[" + e.Code.String() + "] " + e.Msg
}

// Is matches another *NetError with the same code, so errors.Is can be used
// against code sentinels such as &NetError{Code: CodeTimeout}.
func (e *NetError) Is(target error) bool {
	t, ok := target.(*NetError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code carried by err. Errors that are not NetErrors
// are reported as CodeBug; nil is reported as ok=false.
func CodeOf(err error) (ErrCode, bool) {
	if err == nil {
		return CodeBug, false
	}
	var ne *NetError
	if errors.As(err, &ne) {
		return ne.Code, true
	}
	return CodeBug, true
}

// From converts any error into a NetError suitable for crossing a service
// boundary. NetErrors anywhere in the chain are returned as-is; everything
// else becomes CodeBug.
func From(err error) *NetError {
	if err == nil {
		return nil
	}
	var ne *NetError
	if errors.As(err, &ne) {
		return ne
	}
	return &NetError{Code: CodeBug, Msg: err.Error()}
}

// Timeout is a convenience constructor used by the broker and the facade.
func Timeout(format string, args ...any) *NetError {
	return Newf(CodeTimeout, format, args...)
}

// NoShard is a convenience constructor used by the broker.
func NoShard(messageType string) *NetError {
	return Newf(CodeNoShard, "no registration for message type %s", messageType)
}

// Bug is a convenience constructor for protocol violations.
func Bug(format string, args ...any) *NetError {
	return Newf(CodeBug, format, args...)
}
