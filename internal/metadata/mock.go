package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MockStore is an in-memory Store for tests and single-process runs. All
// keys written with Ephemeral belong to one simulated session.
type MockStore struct {
	mu        sync.RWMutex
	data      map[string]KV
	ephemeral map[string]struct{}
	nextVer   Version
	watchers  map[*mockEvents]struct{}
	closed    bool
	closeErr  error
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		data:      make(map[string]KV),
		ephemeral: make(map[string]struct{}),
		nextVer:   1,
		watchers:  make(map[*mockEvents]struct{}),
	}
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...WriteOption) (Version, error) {
	o := ResolveWriteOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if !o.Matches(m.data[key].Version) {
		return 0, ErrVersionMismatch
	}

	ver := m.nextVer
	m.nextVer++
	m.data[key] = KV{Key: key, Value: append([]byte(nil), value...), Version: ver}
	if o.Ephemeral {
		m.ephemeral[key] = struct{}{}
	} else {
		delete(m.ephemeral, key)
	}
	m.publishLocked(Event{Key: key, Version: ver})
	return ver, nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...WriteOption) error {
	o := ResolveWriteOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	existing, ok := m.data[key]
	if !ok {
		return nil
	}
	if !o.Matches(existing.Version) {
		return ErrVersionMismatch
	}
	m.removeLocked(key)
	return nil
}

func (m *MockStore) removeLocked(key string) {
	delete(m.data, key)
	delete(m.ephemeral, key)
	m.publishLocked(Event{Key: key, Deleted: true})
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var matched []string
	for k := range m.data {
		if endKey == "" {
			if strings.HasPrefix(k, startKey) {
				matched = append(matched, k)
			}
		} else if k >= startKey && k < endKey {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]KV, len(matched))
	for i, k := range matched {
		out[i] = m.data[k]
	}
	return out, nil
}

func (m *MockStore) Watch(_ context.Context, prefix string) (Events, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	w := &mockEvents{store: m, prefix: prefix, ch: make(chan Event, 256), done: make(chan struct{})}
	m.watchers[w] = struct{}{}
	return w, nil
}

func (m *MockStore) publishLocked(e Event) {
	for w := range m.watchers {
		if !Under(e.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- e:
		default:
			// a lagging watcher misses events, as with a real watch
		}
	}
}

// ExpireSession deletes every ephemeral key, as if the owning session
// timed out.
func (m *MockStore) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.ephemeral {
		m.removeLocked(key)
	}
}

// SetCloseError makes Close return err.
func (m *MockStore) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for w := range m.watchers {
		w.once.Do(func() { close(w.done) })
	}
	m.watchers = nil
	return m.closeErr
}

type mockEvents struct {
	store  *MockStore
	prefix string
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (w *mockEvents) Next(ctx context.Context) (Event, error) {
	// buffered events win over close so none are lost on shutdown
	select {
	case e := <-w.ch:
		return e, nil
	default:
	}
	select {
	case e := <-w.ch:
		return e, nil
	case <-w.done:
		return Event{}, ErrStoreClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (w *mockEvents) Close() error {
	w.store.mu.Lock()
	delete(w.store.watchers, w)
	w.store.mu.Unlock()
	w.once.Do(func() { close(w.done) })
	return nil
}

var _ Store = (*MockStore)(nil)
