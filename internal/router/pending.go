package router

import (
	"sync"
	"time"

	"github.com/bldr-io/bldr/internal/wire"
)

// pendingRequest is a request forwarded to a replica and not yet resolved.
type pendingRequest struct {
	id          wire.CorrelationID
	messageType string
	origin      *peer
	target      *peer
	accepted    time.Time
	timer       *time.Timer
}

type takeResult int

const (
	taken takeResult = iota
	takeUnknown
	takeWrongPeer
)

// pendingTable holds one entry per outstanding correlation id. Every entry
// leaves the table exactly once, through a reply, its timer, or a drain.
type pendingTable struct {
	mu      sync.Mutex
	entries map[wire.CorrelationID]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[wire.CorrelationID]*pendingRequest)}
}

// insert adds p and arms its deadline. It returns false when the
// correlation id is already pending.
func (t *pendingTable) insert(p *pendingRequest, timeout time.Duration, onExpire func(*pendingRequest)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.entries[p.id]; dup {
		return false
	}
	t.entries[p.id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if t.remove(p) {
			onExpire(p)
		}
	})
	return true
}

// remove deletes p if it is still the entry for its id.
func (t *pendingTable) remove(p *pendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries[p.id] != p {
		return false
	}
	delete(t.entries, p.id)
	p.timer.Stop()
	return true
}

// take resolves the entry for id with a reply from from. A reply from any
// peer other than the dispatched target leaves the entry in place.
func (t *pendingTable) take(id wire.CorrelationID, from *peer) (*pendingRequest, takeResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[id]
	if !ok {
		return nil, takeUnknown
	}
	if p.target != from {
		return p, takeWrongPeer
	}
	delete(t.entries, id)
	p.timer.Stop()
	return p, taken
}

// drain removes and returns every entry.
func (t *pendingTable) drain() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*pendingRequest, 0, len(t.entries))
	for id, p := range t.entries {
		p.timer.Stop()
		delete(t.entries, id)
		out = append(out, p)
	}
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// perTarget counts pending entries by target peer.
func (t *pendingTable) perTarget() map[*peer]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[*peer]int)
	for _, p := range t.entries {
		out[p.target]++
	}
	return out
}
