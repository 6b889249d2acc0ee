// Package stats computes dashboard aggregates from cached snapshots. Every
// function here is pure: given the same cache contents it returns the same
// result, and nothing in this package touches the network or the disk.
package stats

import (
	"sort"
	"time"

	"github.com/vcompanion/vcompanion/internal/inventory"
)

// Reader is the slice of the cache the aggregator consumes. The cache store
// satisfies it; tests use literal fakes.
type Reader interface {
	EndpointStatuses() []inventory.EndpointStatus
	AllVMs() []inventory.VM
	AllHosts() []inventory.Host
	AllAlerts() []inventory.Alert
	AllClusters() []inventory.Cluster
	AllStorage() map[string]inventory.StorageInventory
}

// EndpointStats is the per-endpoint slice of the aggregate.
type EndpointStats struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Status       inventory.RefreshStatus `json:"status"`
	Connected    bool                    `json:"connected"` // true only for READY
	LastRefresh  time.Time               `json:"last_refresh"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	VMs          int                     `json:"vms"`
	PoweredOnVMs int                     `json:"powered_on_vms"`
	Snapshots    int                     `json:"snapshots"`
	Hosts        int                     `json:"hosts"`
	Alerts       int                     `json:"alerts"`
}

// Stats is the fleet-wide aggregate. HasData distinguishes "nothing cached
// yet" from "everything is genuinely zero": a fresh unlock with no prior
// refresh must not render as an empty-but-healthy fleet.
type Stats struct {
	HasData bool `json:"has_data"`

	TotalVMs        int `json:"total_vms"`
	PoweredOnVMs    int `json:"powered_on_vms"`
	TotalSnapshots  int `json:"total_snapshots"`
	TotalHosts      int `json:"total_hosts"`
	TotalClusters   int `json:"total_clusters"`
	TotalDatastores int `json:"total_datastores"`

	CriticalAlerts int `json:"critical_alerts"`
	WarningAlerts  int `json:"warning_alerts"`

	OSDistribution map[string]int  `json:"os_distribution,omitempty"`
	PerEndpoint    []EndpointStats `json:"per_endpoint"`
}

// Cached aggregates whatever the cache currently holds. It never blocks on a
// refresh: stale data with a timestamp beats fresh data that is not there.
func Cached(r Reader) Stats {
	statuses := r.EndpointStatuses()
	vms := r.AllVMs()
	hosts := r.AllHosts()
	alerts := r.AllAlerts()
	clusters := r.AllClusters()
	storage := r.AllStorage()

	s := Stats{
		HasData:       len(statuses) > 0,
		TotalVMs:      len(vms),
		TotalHosts:    len(hosts),
		TotalClusters: len(clusters),
	}

	perEndpoint := make(map[string]*EndpointStats, len(statuses))
	for _, st := range statuses {
		perEndpoint[st.ID] = &EndpointStats{
			ID:           st.ID,
			Name:         st.Name,
			Status:       st.Status,
			Connected:    st.Status == inventory.StatusReady,
			LastRefresh:  st.LastRefresh,
			ErrorMessage: st.ErrorMessage,
		}
	}
	// Inventory for an endpoint whose status record was lost still counts in
	// the totals; the per-endpoint row just will not exist.
	bump := func(id string, f func(*EndpointStats)) {
		if es, ok := perEndpoint[id]; ok {
			f(es)
		}
	}

	osDist := make(map[string]int)
	for _, vm := range vms {
		s.TotalSnapshots += vm.SnapshotCount()
		if vm.PoweredOn() {
			s.PoweredOnVMs++
		}
		name := vm.GuestOS
		if name == "" {
			name = "Unknown"
		}
		osDist[name]++

		bump(vm.EndpointID, func(es *EndpointStats) {
			es.VMs++
			es.Snapshots += vm.SnapshotCount()
			if vm.PoweredOn() {
				es.PoweredOnVMs++
			}
		})
	}
	if len(osDist) > 0 {
		s.OSDistribution = osDist
	}

	for _, h := range hosts {
		bump(h.EndpointID, func(es *EndpointStats) { es.Hosts++ })
	}

	for _, a := range alerts {
		switch a.Severity {
		case inventory.SeverityCritical:
			s.CriticalAlerts++
		default:
			s.WarningAlerts++
		}
		bump(a.EndpointID, func(es *EndpointStats) { es.Alerts++ })
	}

	for _, inv := range storage {
		s.TotalDatastores += len(inv.Datastores)
	}

	s.PerEndpoint = make([]EndpointStats, 0, len(perEndpoint))
	for _, es := range perEndpoint {
		s.PerEndpoint = append(s.PerEndpoint, *es)
	}
	sort.Slice(s.PerEndpoint, func(i, j int) bool { return s.PerEndpoint[i].Name < s.PerEndpoint[j].Name })

	return s
}
