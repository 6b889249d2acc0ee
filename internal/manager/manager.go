// Package manager owns the per-endpoint session lifecycle and the background
// refresh scheduler. It is the only writer of the encrypted cache; everything
// the presentation layer shows comes out of the cache, never straight off a
// live session.
package manager

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/vcompanion/vcompanion/internal/cache"
	"github.com/vcompanion/vcompanion/internal/inventory"
	"github.com/vcompanion/vcompanion/internal/registry"
	"github.com/vcompanion/vcompanion/internal/stats"
	"github.com/vcompanion/vcompanion/internal/vsphere"
)

// Connector is the per-endpoint session the manager drives. The vsphere
// package provides the real one; tests inject fakes through the factory.
type Connector interface {
	Endpoint() registry.Endpoint
	UpdateEndpoint(ep registry.Endpoint)
	Connect(ctx context.Context, user, password string) error
	Disconnect()
	IsAlive(ctx context.Context) bool
	About(ctx context.Context) (inventory.AboutInfo, error)

	FetchHosts(ctx context.Context) ([]inventory.Host, error)
	FetchVMs(ctx context.Context, hostNames map[string]string) ([]inventory.VM, error)
	FetchAlerts(ctx context.Context) ([]inventory.Alert, error)
	FetchClusters(ctx context.Context) ([]inventory.Cluster, error)
	FetchNetworks(ctx context.Context) (inventory.NetworkInventory, error)
	FetchStorage(ctx context.Context) (inventory.StorageInventory, error)
	FetchEvents(ctx context.Context, limit int) ([]inventory.Event, error)
	FetchTasks(ctx context.Context, limit int) ([]inventory.Task, error)
}

// ConnectorFactory builds a disconnected connector for an endpoint.
type ConnectorFactory func(ep registry.Endpoint) Connector

// DialVSphere is the production factory.
func DialVSphere(ep registry.Endpoint) Connector { return vsphere.NewConnector(ep) }

const (
	// DefaultRefreshInterval is how often an endpoint is refreshed when its
	// descriptor carries no override.
	DefaultRefreshInterval = 60 * time.Second

	// DefaultTick is the scheduler resolution. Sub-second so a short
	// per-endpoint override is honored promptly.
	DefaultTick = 500 * time.Millisecond

	// DefaultStaleWindow bounds how long a REFRESHING marker suppresses new
	// triggers. A refresh goroutine that died without clearing its marker
	// would otherwise wedge the endpoint forever.
	DefaultStaleWindow = 5 * time.Minute

	// DefaultFanOutWorkers bounds concurrent on-demand fetches.
	DefaultFanOutWorkers = 4

	// DefaultFanOutTimeout bounds one refresh cycle or on-demand fetch.
	DefaultFanOutTimeout = 30 * time.Second
)

// Options configures a Manager. Registry and Cache are required.
type Options struct {
	Registry *registry.Registry
	Cache    *cache.Store
	Dial     ConnectorFactory // nil means DialVSphere

	RefreshInterval time.Duration
	Tick            time.Duration
	StaleWindow     time.Duration
	FanOutWorkers   int
	FanOutTimeout   time.Duration
}

// Manager orchestrates sessions, the scheduler and cache writes.
type Manager struct {
	registry *registry.Registry
	cache    *cache.Store
	dial     ConnectorFactory

	refreshInterval time.Duration
	tick            time.Duration
	staleWindow     time.Duration
	fanOutWorkers   int
	fanOutTimeout   time.Duration

	now func() time.Time // test seam

	mu          sync.Mutex
	conns       map[string]Connector
	refreshing  map[string]bool
	lastTrigger map[string]time.Time
	stopCh      chan struct{}
	running     bool

	jobs sync.WaitGroup
}

// New builds a manager and registers it as a registry watcher so endpoint
// mutations reach the live session map without a restart.
func New(opts Options) *Manager {
	m := &Manager{
		registry:        opts.Registry,
		cache:           opts.Cache,
		dial:            opts.Dial,
		refreshInterval: opts.RefreshInterval,
		tick:            opts.Tick,
		staleWindow:     opts.StaleWindow,
		fanOutWorkers:   opts.FanOutWorkers,
		fanOutTimeout:   opts.FanOutTimeout,
		now:             time.Now,
		conns:           make(map[string]Connector),
		refreshing:      make(map[string]bool),
		lastTrigger:     make(map[string]time.Time),
	}
	if m.dial == nil {
		m.dial = DialVSphere
	}
	if m.refreshInterval <= 0 {
		m.refreshInterval = DefaultRefreshInterval
	}
	if m.tick <= 0 {
		m.tick = DefaultTick
	}
	if m.staleWindow <= 0 {
		m.staleWindow = DefaultStaleWindow
	}
	if m.fanOutWorkers <= 0 {
		m.fanOutWorkers = DefaultFanOutWorkers
	}
	if m.fanOutTimeout <= 0 {
		m.fanOutTimeout = DefaultFanOutTimeout
	}
	m.registry.Watch(m)
	return m
}

// ConnectResult reports one endpoint's outcome of a Connect call.
type ConnectResult struct {
	OK        bool              `json:"ok"`
	ErrorKind vsphere.ErrorKind `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Connect unlocks the cache (if needed) and opens sessions to the named
// endpoints, or to every enabled endpoint when ids is empty. Endpoints fail
// independently; one bad host never blocks the rest. Each successful connect
// enqueues an immediate refresh, and the scheduler starts once any session
// is live. An unlock failure short-circuits: no connect is attempted.
func (m *Manager) Connect(ctx context.Context, user, password string, ids ...string) map[string]ConnectResult {
	targets := m.targets(ids)
	results := make(map[string]ConnectResult, len(targets))

	if !m.cache.IsUnlocked() && !m.cache.Unlock(password) {
		log.Printf("[Manager] Cache unlock failed; refusing to connect")
		for _, ep := range targets {
			results[ep.ID] = ConnectResult{ErrorKind: vsphere.KindUnknown, Error: "cache unlock failed"}
		}
		return results
	}

	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, ep := range targets {
		wg.Add(1)
		go func(ep registry.Endpoint) {
			defer wg.Done()
			res := m.connectOne(ctx, ep, user, password)
			resMu.Lock()
			results[ep.ID] = res
			resMu.Unlock()
		}(ep)
	}
	wg.Wait()

	m.mu.Lock()
	if len(m.conns) > 0 {
		m.startSchedulerLocked()
	}
	m.mu.Unlock()

	for id, res := range results {
		if res.OK {
			m.TriggerRefresh(id)
		}
	}
	return results
}

func (m *Manager) targets(ids []string) []registry.Endpoint {
	if len(ids) == 0 {
		return m.registry.Enabled()
	}
	out := make([]registry.Endpoint, 0, len(ids))
	for _, id := range ids {
		ep, ok := m.registry.Get(id)
		if !ok || !ep.Enabled {
			log.Printf("[Manager] Skipping connect to unknown or disabled endpoint %q", id)
			continue
		}
		out = append(out, ep)
	}
	return out
}

func (m *Manager) connectOne(ctx context.Context, ep registry.Endpoint, user, password string) ConnectResult {
	m.mu.Lock()
	conn, ok := m.conns[ep.ID]
	m.mu.Unlock()
	if ok {
		conn.UpdateEndpoint(ep)
	} else {
		conn = m.dial(ep)
	}

	if err := conn.Connect(ctx, user, password); err != nil {
		m.mu.Lock()
		delete(m.conns, ep.ID)
		m.mu.Unlock()
		// The failure is part of the fleet state: the endpoint must show up
		// in the cached breakdown as ERROR, not vanish from it.
		status, _ := m.cache.EndpointStatus(ep.ID)
		status.ID = ep.ID
		status.Name = ep.Name
		status.Status = inventory.StatusError
		status.ErrorMessage = err.Error()
		if saveErr := m.cache.SaveEndpointStatus(status); saveErr != nil {
			log.Printf("[Manager] Recording connect failure for %s: %v", ep.Name, saveErr)
		}
		return ConnectResult{ErrorKind: vsphere.KindOf(err), Error: err.Error()}
	}

	m.mu.Lock()
	m.conns[ep.ID] = conn
	m.mu.Unlock()

	status, _ := m.cache.EndpointStatus(ep.ID)
	status.ID = ep.ID
	status.Name = ep.Name
	if status.Status == "" {
		status.Status = inventory.StatusReady
	}
	if err := m.cache.SaveEndpointStatus(status); err != nil {
		log.Printf("[Manager] Recording status for %s: %v", ep.Name, err)
	}
	return ConnectResult{OK: true}
}

// DisconnectAll stops the scheduler, locks the cache, then tears down every
// session, in that order: no refresh may observe a disconnecting session
// while the cache is still writable.
func (m *Manager) DisconnectAll() {
	m.stopScheduler()
	m.cache.Lock()

	m.mu.Lock()
	conns := make([]Connector, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]Connector)
	m.refreshing = make(map[string]bool)
	m.lastTrigger = make(map[string]time.Time)
	m.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	m.jobs.Wait()
	log.Printf("[Manager] Disconnected %d endpoint(s)", len(conns))
}

// Stats aggregates whatever the cache currently holds.
func (m *Manager) Stats() stats.Stats { return stats.Cached(m.cache) }

// NetworkTopology builds the switch tree from the cached snapshots.
func (m *Manager) NetworkTopology() stats.NetworkTopology {
	return stats.BuildNetworkTopology(m.cache.AllNetworks(), m.cache.AllVMs())
}

// StorageTopology builds the datastore tree from the cached snapshots.
func (m *Manager) StorageTopology() stats.StorageTopology {
	return stats.BuildStorageTopology(m.cache.AllStorage())
}

// EndpointStatusView is one row of ConnectionStatus.
type EndpointStatusView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`

	Status       inventory.RefreshStatus `json:"status,omitempty"`
	LastRefresh  time.Time               `json:"last_refresh,omitzero"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	Version      string                  `json:"version,omitempty"`

	SecondsSinceRefresh float64 `json:"seconds_since_refresh"` // -1 when never refreshed
	NextDueSeconds      float64 `json:"next_due_seconds"`      // -1 when not scheduled
}

// ConnectionStatus reports every configured endpoint with its session and
// cached refresh state. Side-effect-free: it never probes a session (a probe
// can tear one down) and never touches the network.
func (m *Manager) ConnectionStatus() []EndpointStatusView {
	now := m.now()

	m.mu.Lock()
	connected := make(map[string]bool, len(m.conns))
	for id := range m.conns {
		connected[id] = true
	}
	triggers := make(map[string]time.Time, len(m.lastTrigger))
	for id, t := range m.lastTrigger {
		triggers[id] = t
	}
	m.mu.Unlock()

	endpoints := m.registry.All()
	out := make([]EndpointStatusView, 0, len(endpoints))
	for _, ep := range endpoints {
		view := EndpointStatusView{
			ID:                  ep.ID,
			Name:                ep.Name,
			Enabled:             ep.Enabled,
			Connected:           connected[ep.ID],
			SecondsSinceRefresh: -1,
			NextDueSeconds:      -1,
		}
		if st, ok := m.cache.EndpointStatus(ep.ID); ok {
			view.Status = st.Status
			view.LastRefresh = st.LastRefresh
			view.ErrorMessage = st.ErrorMessage
			view.Version = st.Version
			if !st.LastRefresh.IsZero() {
				view.SecondsSinceRefresh = now.Sub(st.LastRefresh).Seconds()
			}
		}
		if trigger, ok := triggers[ep.ID]; ok && connected[ep.ID] {
			interval := ep.RefreshInterval
			if interval <= 0 {
				interval = m.refreshInterval
			}
			due := trigger.Add(interval).Sub(now).Seconds()
			if due < 0 {
				due = 0
			}
			view.NextDueSeconds = due
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EndpointAdded implements registry.Watcher. A new endpoint becomes
// schedulable on the next Connect; no session is opened here because the
// manager never holds credentials.
func (m *Manager) EndpointAdded(ep registry.Endpoint) {
	log.Printf("[Manager] Endpoint %s (%s) added; will connect on next unlock", ep.Name, ep.ID)
}

// EndpointUpdated implements registry.Watcher. A live session picks up the
// new descriptor for future reconnects; disabling an endpoint tears its
// session down immediately.
func (m *Manager) EndpointUpdated(ep registry.Endpoint) {
	m.mu.Lock()
	conn := m.conns[ep.ID]
	if conn != nil && !ep.Enabled {
		delete(m.conns, ep.ID)
		delete(m.refreshing, ep.ID)
		delete(m.lastTrigger, ep.ID)
	}
	m.mu.Unlock()

	if conn == nil {
		return
	}
	conn.UpdateEndpoint(ep)
	if !ep.Enabled {
		conn.Disconnect()
		log.Printf("[Manager] Endpoint %s disabled; session closed", ep.Name)
	}
}

// EndpointRemoved implements registry.Watcher.
func (m *Manager) EndpointRemoved(id string) {
	m.mu.Lock()
	conn := m.conns[id]
	delete(m.conns, id)
	delete(m.refreshing, id)
	delete(m.lastTrigger, id)
	m.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
		log.Printf("[Manager] Endpoint %s removed; session closed", id)
	}
}
