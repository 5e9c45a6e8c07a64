// Package shard maps upload ids onto a set of destination endpoints with
// consistent hashing, so an upload keeps its endpoint while others come and go.
package shard

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"
)

const (
	// DefaultVNodesPerEndpoint is the number of ring positions per endpoint.
	// More positions spread uploads more evenly at the cost of ring size.
	DefaultVNodesPerEndpoint = 128
)

// Ring manages the consistent hashing ring.
type Ring struct {
	mu                sync.RWMutex
	vnodes            []vnode // sorted by token
	endpoints         map[string]Endpoint
	vnodesPerEndpoint int
}

// NewRing creates an empty ring.
func NewRing(vnodesPerEndpoint int) *Ring {
	if vnodesPerEndpoint <= 0 {
		vnodesPerEndpoint = DefaultVNodesPerEndpoint
	}
	return &Ring{
		endpoints:         make(map[string]Endpoint),
		vnodesPerEndpoint: vnodesPerEndpoint,
	}
}

// Add places an endpoint on the ring. Adding a known id only refreshes its URL
// and status; its ring positions stay where they are.
func (r *Ring) Add(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep.Status == "" {
		ep.Status = StatusHealthy
	}

	if _, exists := r.endpoints[ep.ID]; exists {
		r.endpoints[ep.ID] = ep
		return
	}
	r.endpoints[ep.ID] = ep

	for i := 0; i < r.vnodesPerEndpoint; i++ {
		r.vnodes = append(r.vnodes, vnode{
			token:      hashKey(fmt.Sprintf("%s-%d", ep.ID, i)),
			endpointID: ep.ID,
		})
	}
	sort.Slice(r.vnodes, func(i, j int) bool {
		return r.vnodes[i].token < r.vnodes[j].token
	})
}

// Remove takes an endpoint and its positions off the ring.
func (r *Ring) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[id]; !exists {
		return
	}
	delete(r.endpoints, id)

	kept := make([]vnode, 0, len(r.vnodes))
	for _, vn := range r.vnodes {
		if vn.endpointID != id {
			kept = append(kept, vn)
		}
	}
	r.vnodes = kept
}

// SetStatus marks an endpoint healthy or unhealthy without moving it.
func (r *Ring) SetStatus(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, exists := r.endpoints[id]; exists {
		ep.Status = status
		r.endpoints[id] = ep
	}
}

// Get returns the endpoint with the given id.
func (r *Ring) Get(id string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

// Locate returns the owner of key: the first healthy endpoint clockwise from
// the key's token, or the primary owner when none is healthy.
func (r *Ring) Locate(key string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 {
		return Endpoint{}, false
	}

	token := hashKey(key)
	start := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].token >= token
	})
	if start == len(r.vnodes) {
		start = 0
	}

	seen := make(map[string]bool, len(r.endpoints))
	for i := 0; i < len(r.vnodes) && len(seen) < len(r.endpoints); i++ {
		id := r.vnodes[(start+i)%len(r.vnodes)].endpointID
		if seen[id] {
			continue
		}
		seen[id] = true
		if ep := r.endpoints[id]; ep.Status == StatusHealthy {
			return ep, true
		}
	}
	return r.endpoints[r.vnodes[start].endpointID], true
}

// Endpoints returns every endpoint sorted by id.
func (r *Ring) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hashKey(key string) uint64 {
	return murmur3.Sum64([]byte(key))
}
