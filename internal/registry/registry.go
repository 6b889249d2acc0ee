// Package registry holds the configured endpoint descriptors: the static list
// of remote virtualization-management systems the daemon monitors. The list is
// persisted in SQLite and mirrored into an in-memory Registry for the hot
// paths (scheduler ticks, cache reads) that must not touch the database.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultPort is used when an endpoint is added without an explicit port.
const DefaultPort = 443

// Endpoint describes one configured remote system.
type Endpoint struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	VerifyTLS       bool          `json:"verify_tls"`
	Enabled         bool          `json:"enabled"`
	RefreshInterval time.Duration `json:"refresh_interval,omitempty"` // 0 = global default
}

// Address returns the host:port pair used to dial the endpoint.
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", e.Host, port)
}

var errEmptyHost = errors.New("registry: endpoint host must not be empty")

// Validate checks the fields a descriptor needs before it can be dialed.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return errEmptyHost
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("registry: endpoint %s: invalid port %d", e.ID, e.Port)
	}
	return nil
}

// Watcher is notified when the registry mutates, so a live orchestrator can
// keep its connection and trigger maps consistent without a restart.
type Watcher interface {
	EndpointAdded(ep Endpoint)
	EndpointUpdated(ep Endpoint)
	EndpointRemoved(id string)
}

// Registry is the in-memory view of the configured endpoints.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	watchers  []Watcher
}

// NewRegistry builds a registry from an initial endpoint list.
func NewRegistry(endpoints []Endpoint) *Registry {
	r := &Registry{endpoints: make(map[string]Endpoint, len(endpoints))}
	for _, ep := range endpoints {
		r.endpoints[ep.ID] = ep
	}
	return r
}

// Watch registers a mutation watcher.
func (r *Registry) Watch(w Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, w)
}

func (r *Registry) snapshotWatchers() []Watcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Watcher(nil), r.watchers...)
}

// All returns every configured endpoint, sorted by name.
func (r *Registry) All() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enabled returns the enabled endpoints, sorted by name.
func (r *Registry) Enabled() []Endpoint {
	all := r.All()
	out := all[:0]
	for _, ep := range all {
		if ep.Enabled {
			out = append(out, ep)
		}
	}
	return out
}

// Get looks up one endpoint by id.
func (r *Registry) Get(id string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

// IsEnabled reports whether the endpoint exists and is enabled. Disabled and
// removed endpoints never participate in connection, refresh or aggregation.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ok && ep.Enabled
}

// Put inserts or replaces an endpoint and notifies watchers.
func (r *Registry) Put(ep Endpoint) {
	r.mu.Lock()
	_, existed := r.endpoints[ep.ID]
	r.endpoints[ep.ID] = ep
	r.mu.Unlock()

	for _, w := range r.snapshotWatchers() {
		if existed {
			w.EndpointUpdated(ep)
		} else {
			w.EndpointAdded(ep)
		}
	}
}

// Delete removes an endpoint and notifies watchers. Removing an unknown id is
// a no-op.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	_, existed := r.endpoints[id]
	delete(r.endpoints, id)
	r.mu.Unlock()

	if !existed {
		return
	}
	for _, w := range r.snapshotWatchers() {
		w.EndpointRemoved(id)
	}
}
