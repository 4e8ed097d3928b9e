package metadata

import (
	"context"
	"time"
)

// MetricsRecorder receives one observation per store call.
type MetricsRecorder interface {
	RecordOperation(operation string, durationSeconds float64, success bool)
}

// Operation labels, kept in step with the metrics package.
const (
	opGet          = "get"
	opPut          = "put"
	opPutEphemeral = "put_ephemeral"
	opDelete       = "delete"
	opList         = "list"
	opWatch        = "watch"
)

// InstrumentedStore times every call on the wrapped Store. Version
// mismatches count as failures.
type InstrumentedStore struct {
	Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder disables recording.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{Store: store, metrics: metrics}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil)
	}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	start := time.Now()
	res, err := s.Store.Get(ctx, key)
	s.observe(opGet, start, err)
	return res, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...WriteOption) (Version, error) {
	op := opPut
	if ResolveWriteOptions(opts).Ephemeral {
		op = opPutEphemeral
	}
	start := time.Now()
	v, err := s.Store.Put(ctx, key, value, opts...)
	s.observe(op, start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...WriteOption) error {
	start := time.Now()
	err := s.Store.Delete(ctx, key, opts...)
	s.observe(opDelete, start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	start := time.Now()
	kvs, err := s.Store.List(ctx, startKey, endKey, limit)
	s.observe(opList, start, err)
	return kvs, err
}

// Watch records how long opening the watch took, not its lifetime.
func (s *InstrumentedStore) Watch(ctx context.Context, prefix string) (Events, error) {
	start := time.Now()
	ev, err := s.Store.Watch(ctx, prefix)
	s.observe(opWatch, start, err)
	return ev, err
}

var _ Store = (*InstrumentedStore)(nil)
