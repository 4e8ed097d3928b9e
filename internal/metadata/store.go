// Package metadata is the key-value store shared by bldr processes.
//
// Routers publish their registration under ephemeral keys so services can
// discover them, and the session service keeps its account records here.
// Production deployments use the Oxia implementation in the oxia
// subpackage; MockStore serves tests and single-process runs.
package metadata

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrVersionMismatch is returned when a conditional write finds a
	// different version than it expected, including a key that exists
	// when IfAbsent was given.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version is a key's write version. Zero means the key is absent.
type Version int64

// KV is a stored entry.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of Get. A missing key is not an error.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// Event reports a change to one key.
type Event struct {
	Key     string
	Version Version
	Deleted bool
}

// Events delivers the changes under one watched prefix.
type Events interface {
	// Next blocks for the next event. It returns ErrStoreClosed once the
	// store is closed and ctx.Err() when ctx is done.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// WriteOption conditions a Put or Delete.
type WriteOption func(*WriteOptions)

// WriteOptions is the resolved form of a WriteOption list, for store
// implementations.
type WriteOptions struct {
	// ExpectedVersion, when set, must match the key's current version.
	// Zero requires the key to be absent.
	ExpectedVersion *Version

	// Ephemeral binds the key to the writer's session. Ignored by Delete.
	Ephemeral bool
}

// IfVersion makes the write conditional on the key being at version v.
func IfVersion(v Version) WriteOption {
	return func(o *WriteOptions) { o.ExpectedVersion = &v }
}

// IfAbsent makes a Put create-only.
func IfAbsent() WriteOption {
	return IfVersion(0)
}

// Ephemeral makes a Put's key vanish when the writer's session ends.
func Ephemeral() WriteOption {
	return func(o *WriteOptions) { o.Ephemeral = true }
}

// ResolveWriteOptions applies opts in order.
func ResolveWriteOptions(opts []WriteOption) WriteOptions {
	var o WriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Matches reports whether an entry at current satisfies the expected
// version, if any.
func (o WriteOptions) Matches(current Version) bool {
	return o.ExpectedVersion == nil || *o.ExpectedVersion == current
}

// Store is a versioned key-value store.
type Store interface {
	// Get returns the value of key.
	Get(ctx context.Context, key string) (GetResult, error)

	// Put writes key and returns its new version.
	Put(ctx context.Context, key string, value []byte, opts ...WriteOption) (Version, error)

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string, opts ...WriteOption) error

	// List returns entries in [startKey, endKey) in key order, or every
	// entry under the prefix startKey when endKey is empty. A limit <= 0
	// means no limit.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Watch streams changes to keys under prefix.
	Watch(ctx context.Context, prefix string) (Events, error)

	Close() error
}

// Under reports whether key falls under the watch prefix.
func Under(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
