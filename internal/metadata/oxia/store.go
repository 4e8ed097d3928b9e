package oxia

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/bldr-io/bldr/internal/metadata"
)

// Config configures the Oxia-backed store.
type Config struct {
	// ServiceAddress is the Oxia endpoint, e.g. "localhost:6648".
	ServiceAddress string

	// Namespace scopes every key, e.g. "bldr".
	Namespace string

	// RequestTimeout bounds each call. Zero keeps the client default.
	RequestTimeout time.Duration

	// SessionTimeout is how long ephemeral keys outlive a silent client.
	// Oxia rejects values under five seconds. Zero keeps the client default.
	SessionTimeout time.Duration
}

func (c Config) validate() error {
	if c.ServiceAddress == "" {
		return errors.New("oxia: service address is required")
	}
	if c.Namespace == "" {
		return errors.New("oxia: namespace is required")
	}
	return nil
}

// Store is a metadata.Store on an Oxia namespace.
type Store struct {
	client oxiaclient.SyncClient

	mu     sync.RWMutex
	closed bool
}

// New connects to Oxia.
func New(_ context.Context, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := []oxiaclient.ClientOption{oxiaclient.WithNamespace(cfg.Namespace)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: connect to %s: %w", cfg.ServiceAddress, err)
	}
	return &Store{client: client}, nil
}

// Oxia numbers versions from zero; metadata reserves zero for "absent".
func fromOxia(v int64) metadata.Version { return metadata.Version(v + 1) }
func toOxia(v metadata.Version) int64   { return int64(v) - 1 }

func (s *Store) open() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.open(); err != nil {
		return metadata.GetResult{}, err
	}

	_, value, version, err := s.client.Get(ctx, key)
	switch {
	case errors.Is(err, oxiaclient.ErrKeyNotFound):
		return metadata.GetResult{}, nil
	case err != nil:
		return metadata.GetResult{}, fmt.Errorf("oxia: get %s: %w", key, err)
	}
	return metadata.GetResult{Value: value, Version: fromOxia(version.VersionId), Exists: true}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.WriteOption) (metadata.Version, error) {
	if err := s.open(); err != nil {
		return 0, err
	}

	o := metadata.ResolveWriteOptions(opts)
	var putOpts []oxiaclient.PutOption
	if o.Ephemeral {
		putOpts = append(putOpts, oxiaclient.Ephemeral())
	}
	if v := o.ExpectedVersion; v != nil {
		if *v == 0 {
			putOpts = append(putOpts, oxiaclient.ExpectedRecordNotExists())
		} else {
			putOpts = append(putOpts, oxiaclient.ExpectedVersionId(toOxia(*v)))
		}
	}

	_, version, err := s.client.Put(ctx, key, value, putOpts...)
	switch {
	case errors.Is(err, oxiaclient.ErrUnexpectedVersionId):
		return 0, metadata.ErrVersionMismatch
	case err != nil:
		return 0, fmt.Errorf("oxia: put %s: %w", key, err)
	}
	return fromOxia(version.VersionId), nil
}

func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.WriteOption) error {
	if err := s.open(); err != nil {
		return err
	}

	var delOpts []oxiaclient.DeleteOption
	if v := metadata.ResolveWriteOptions(opts).ExpectedVersion; v != nil && *v > 0 {
		delOpts = append(delOpts, oxiaclient.ExpectedVersionId(toOxia(*v)))
	}

	err := s.client.Delete(ctx, key, delOpts...)
	switch {
	case err == nil, errors.Is(err, oxiaclient.ErrKeyNotFound):
		return nil
	case errors.Is(err, oxiaclient.ErrUnexpectedVersionId):
		return metadata.ErrVersionMismatch
	default:
		return fmt.Errorf("oxia: delete %s: %w", key, err)
	}
}

func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	if endKey == "" {
		endKey = scanEnd(startKey)
	}

	results := s.client.RangeScan(ctx, startKey, endKey)
	var kvs []metadata.KV
	for r := range results {
		if r.Err != nil {
			go drain(results)
			return nil, fmt.Errorf("oxia: list %s: %w", startKey, r.Err)
		}
		kvs = append(kvs, metadata.KV{Key: r.Key, Value: r.Value, Version: fromOxia(r.Version.VersionId)})
		if limit > 0 && len(kvs) == limit {
			go drain(results)
			break
		}
	}
	return kvs, nil
}

// scanEnd returns the exclusive end of a prefix scan. Oxia orders keys by
// path segment, so a prefix ending in '/' covers its direct children with
// the end key prefix+"/".
func scanEnd(prefix string) string {
	if strings.HasSuffix(prefix, "/") {
		return prefix + "/"
	}
	return prefixEnd(prefix)
}

// prefixEnd returns the smallest key greater than every key with the
// prefix, or "" when none exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func drain(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}

// Watch subscribes to the namespace's notifications and filters them to
// prefix.
func (s *Store) Watch(_ context.Context, prefix string) (metadata.Events, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	n, err := s.client.GetNotifications()
	if err != nil {
		return nil, fmt.Errorf("oxia: watch %s: %w", prefix, err)
	}
	return &events{n: n, prefix: prefix}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

var _ metadata.Store = (*Store)(nil)
