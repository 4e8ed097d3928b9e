package routing

import (
	"fmt"
	"strings"
	"sync"
)

// Policy selects a replica for unkeyed requests.
type Policy string

const (
	// PolicyRoundRobin cycles through replicas in registration order.
	PolicyRoundRobin Policy = "round_robin"
	// PolicyLeastRecentlyUsed picks the replica that was handed a request
	// longest ago.
	PolicyLeastRecentlyUsed Policy = "least_recently_used"
)

// ParsePolicy maps a config value to a Policy. Empty selects round robin.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyRoundRobin:
		return PolicyRoundRobin, nil
	case PolicyLeastRecentlyUsed:
		return PolicyLeastRecentlyUsed, nil
	default:
		return "", fmt.Errorf("routing: unknown policy %q", s)
	}
}

// Balancer picks replicas for one replica set. It is safe for concurrent use.
type Balancer struct {
	policy Policy

	mu       sync.Mutex
	next     uint64
	seq      uint64
	lastUsed map[string]uint64
}

// NewBalancer creates a balancer using policy for unkeyed requests.
func NewBalancer(policy Policy) *Balancer {
	if policy == "" {
		policy = PolicyRoundRobin
	}
	return &Balancer{policy: policy, lastUsed: make(map[string]uint64)}
}

// Policy returns the unkeyed policy.
func (b *Balancer) Policy() Policy {
	return b.policy
}

// Pick returns the index in ids of the replica that should receive a
// request, or -1 if ids is empty. Keyed requests are hashed; an empty key is
// hashed like any other.
func (b *Balancer) Pick(ids []string, key []byte, keyed bool) int {
	if len(ids) == 0 {
		return -1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var idx int
	if keyed {
		idx = RendezvousIndex(ids, key)
	} else {
		idx = b.pickUnkeyedLocked(ids)
	}
	// the stamp lands in the same critical section as the selection
	b.seq++
	b.lastUsed[ids[idx]] = b.seq
	return idx
}

// pickUnkeyedLocked must be called with b.mu held.
func (b *Balancer) pickUnkeyedLocked(ids []string) int {
	switch b.policy {
	case PolicyLeastRecentlyUsed:
		best := 0
		bestSeq := b.lastUsed[ids[0]]
		for i := 1; i < len(ids); i++ {
			if s := b.lastUsed[ids[i]]; s < bestSeq {
				best, bestSeq = i, s
			}
		}
		return best
	default:
		idx := int(b.next % uint64(len(ids)))
		b.next++
		return idx
	}
}

// Forget drops usage state for a replica that left the set.
func (b *Balancer) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lastUsed, id)
}
