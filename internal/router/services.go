package router

import (
	"sort"
	"sync"

	"github.com/bldr-io/bldr/internal/protocol/routersrv"
	"github.com/bldr-io/bldr/internal/routing"
)

// replicaSet holds the peers that handle one message type.
type replicaSet struct {
	peers    []*peer
	ids      []string
	balancer *routing.Balancer
}

func (rs *replicaSet) rebuild() {
	rs.ids = rs.ids[:0]
	for _, p := range rs.peers {
		rs.ids = append(rs.ids, p.instanceID())
	}
}

// serviceRegistry maps message types to replica sets.
type serviceRegistry struct {
	policy routing.Policy

	mu       sync.RWMutex
	byType   map[string]*replicaSet
	services map[string]map[*peer]struct{}
}

func newServiceRegistry(policy routing.Policy) *serviceRegistry {
	return &serviceRegistry{
		policy:   policy,
		byType:   make(map[string]*replicaSet),
		services: make(map[string]map[*peer]struct{}),
	}
}

// register adds p to the replica set of every message type it announced.
// A previous registration of the same service instance is replaced and
// returned.
func (r *serviceRegistry) register(p *peer) []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced []*peer
	for existing := range r.services[p.service()] {
		if existing != p && existing.instanceID() == p.instanceID() {
			r.removeLocked(existing)
			replaced = append(replaced, existing)
		}
	}

	for _, mt := range p.announce.MessageTypes {
		rs, ok := r.byType[mt]
		if !ok {
			rs = &replicaSet{balancer: routing.NewBalancer(r.policy)}
			r.byType[mt] = rs
		}
		rs.peers = append(rs.peers, p)
		rs.rebuild()
	}

	peers, ok := r.services[p.service()]
	if !ok {
		peers = make(map[*peer]struct{})
		r.services[p.service()] = peers
	}
	peers[p] = struct{}{}
	return replaced
}

// remove drops p from every replica set. It reports whether p was
// registered.
func (r *serviceRegistry) remove(p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(p)
}

func (r *serviceRegistry) removeLocked(p *peer) bool {
	peers, ok := r.services[p.service()]
	if !ok {
		return false
	}
	if _, ok := peers[p]; !ok {
		return false
	}
	delete(peers, p)
	if len(peers) == 0 {
		delete(r.services, p.service())
	}

	for _, mt := range p.announce.MessageTypes {
		rs, ok := r.byType[mt]
		if !ok {
			continue
		}
		for i, candidate := range rs.peers {
			if candidate == p {
				rs.peers = append(rs.peers[:i], rs.peers[i+1:]...)
				break
			}
		}
		rs.balancer.Forget(p.instanceID())
		if len(rs.peers) == 0 {
			delete(r.byType, mt)
			continue
		}
		rs.rebuild()
	}
	return true
}

// pick selects the replica for a request.
func (r *serviceRegistry) pick(messageType string, key []byte, keyed bool) (*peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rs, ok := r.byType[messageType]
	if !ok {
		return nil, false
	}
	idx := rs.balancer.Pick(rs.ids, key, keyed)
	if idx < 0 {
		return nil, false
	}
	return rs.peers[idx], true
}

// count returns the number of registered peers of service.
func (r *serviceRegistry) count(service string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services[service])
}

// snapshot describes the registrations, sorted by service and instance.
func (r *serviceRegistry) snapshot(inFlight map[*peer]int) []routersrv.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]routersrv.Service, 0, len(r.services))
	for name, peers := range r.services {
		svc := routersrv.Service{Name: name}
		types := make(map[string]struct{})
		for p := range peers {
			svc.Replicas = append(svc.Replicas, routersrv.Replica{
				InstanceID: p.instanceID(),
				RemoteAddr: p.remoteAddr,
				Since:      p.since,
				InFlight:   inFlight[p],
			})
			for _, mt := range p.announce.MessageTypes {
				types[mt] = struct{}{}
			}
		}
		for mt := range types {
			svc.MessageTypes = append(svc.MessageTypes, mt)
		}
		sort.Strings(svc.MessageTypes)
		sort.Slice(svc.Replicas, func(i, j int) bool {
			return svc.Replicas[i].InstanceID < svc.Replicas[j].InstanceID
		})
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
