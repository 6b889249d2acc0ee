package stats

import (
	"sort"

	"github.com/vcompanion/vcompanion/internal/inventory"
)

// TopoPortGroup is one port group in the rendered network topology, with the
// VMs attached to it.
type TopoPortGroup struct {
	Name string   `json:"name"`
	VLAN string   `json:"vlan,omitempty"`
	VMs  []string `json:"vms,omitempty"`
}

// TopoSwitch is one switch in the rendered network topology. Standard
// switches with the same name on different hosts are folded into one node
// with merged uplinks, matching how operators think of "vSwitch0" fleet-wide.
type TopoSwitch struct {
	Name       string               `json:"name"`
	Kind       inventory.SwitchKind `json:"kind"`
	Hosts      []string             `json:"hosts,omitempty"`
	Uplinks    []string             `json:"uplinks,omitempty"`
	PortGroups []TopoPortGroup      `json:"port_groups"`
}

// NetworkTopology is the switch → port group → VM tree.
type NetworkTopology struct {
	Switches []TopoSwitch `json:"switches"`
}

// BuildNetworkTopology joins the cached network snapshots with the cached VMs.
// Standard-switch NICs resolve by (host, port group name); distributed NICs
// resolve by the switch UUID and port group key carried in the NIC backing.
func BuildNetworkTopology(networks map[string]inventory.NetworkInventory, vms []inventory.VM) NetworkTopology {
	type pgSlot struct {
		pg  *TopoPortGroup
		set map[string]bool
	}
	type swSlot struct {
		sw      *TopoSwitch
		hosts   map[string]bool
		uplinks map[string]bool
		groups  map[string]*pgSlot // port group name → slot
	}

	switches := make(map[string]*swSlot) // merged key → slot
	mergedKey := func(sw inventory.VirtualSwitch) string {
		if sw.Kind == inventory.SwitchDistributed {
			return string(sw.Kind) + "/" + sw.Key
		}
		return string(sw.Kind) + "/" + sw.Name
	}
	slotFor := func(key string, sw inventory.VirtualSwitch) *swSlot {
		slot, ok := switches[key]
		if !ok {
			slot = &swSlot{
				sw:      &TopoSwitch{Name: sw.Name, Kind: sw.Kind},
				hosts:   make(map[string]bool),
				uplinks: make(map[string]bool),
				groups:  make(map[string]*pgSlot),
			}
			switches[key] = slot
		}
		return slot
	}

	// rawKey → merged key, so port groups and NICs land on the folded node.
	byRawKey := make(map[string]string)
	// (host, standard pg name) and (dvs uuid, dv pg key) → *pgSlot for NICs.
	stdAttach := make(map[[2]string]*pgSlot)
	dvAttach := make(map[[2]string]*pgSlot)
	// dvs uuid → merged key, for NICs whose port group key was not cached.
	dvsByUUID := make(map[string]string)

	for _, inv := range networks {
		for _, sw := range inv.Switches {
			key := mergedKey(sw)
			slot := slotFor(key, sw)
			byRawKey[sw.Key] = key
			if sw.Host != "" {
				slot.hosts[sw.Host] = true
			}
			for _, up := range sw.Uplinks {
				slot.uplinks[up] = true
			}
			if sw.Kind == inventory.SwitchDistributed {
				dvsByUUID[sw.Key] = key
			}
		}
	}

	for _, inv := range networks {
		for _, pg := range inv.PortGroups {
			key, ok := byRawKey[pg.SwitchKey]
			if !ok {
				continue // port group referencing a switch we never saw
			}
			slot := switches[key]
			ps, ok := slot.groups[pg.Name]
			if !ok {
				ps = &pgSlot{pg: &TopoPortGroup{Name: pg.Name, VLAN: pg.VLAN}, set: make(map[string]bool)}
				slot.groups[pg.Name] = ps
			}
			if slot.sw.Kind == inventory.SwitchStandard {
				// SwitchKey of a standard port group is host/switchName.
				host := hostOfKey(pg.SwitchKey)
				stdAttach[[2]string{host, pg.Name}] = ps
			} else if pg.Key != "" {
				dvAttach[[2]string{pg.SwitchKey, pg.Key}] = ps
			}
		}
	}

	for _, vm := range vms {
		for _, nic := range vm.NICs {
			var ps *pgSlot
			switch {
			case nic.PortGroup != "":
				ps = stdAttach[[2]string{vm.Host, nic.PortGroup}]
			case nic.SwitchUUID != "" && nic.PortgroupKey != "":
				ps = dvAttach[[2]string{nic.SwitchUUID, nic.PortgroupKey}]
			}
			if ps == nil || ps.set[vm.Name] {
				continue
			}
			ps.set[vm.Name] = true
			ps.pg.VMs = append(ps.pg.VMs, vm.Name)
		}
	}

	topo := NetworkTopology{Switches: make([]TopoSwitch, 0, len(switches))}
	for _, slot := range switches {
		slot.sw.Hosts = sortedKeys(slot.hosts)
		slot.sw.Uplinks = sortedKeys(slot.uplinks)
		slot.sw.PortGroups = make([]TopoPortGroup, 0, len(slot.groups))
		for _, ps := range slot.groups {
			sort.Strings(ps.pg.VMs)
			slot.sw.PortGroups = append(slot.sw.PortGroups, *ps.pg)
		}
		sort.Slice(slot.sw.PortGroups, func(i, j int) bool {
			return slot.sw.PortGroups[i].Name < slot.sw.PortGroups[j].Name
		})
		topo.Switches = append(topo.Switches, *slot.sw)
	}
	sort.Slice(topo.Switches, func(i, j int) bool {
		if topo.Switches[i].Name != topo.Switches[j].Name {
			return topo.Switches[i].Name < topo.Switches[j].Name
		}
		return topo.Switches[i].Kind < topo.Switches[j].Kind
	})
	return topo
}

func hostOfKey(switchKey string) string {
	for i := 0; i < len(switchKey); i++ {
		if switchKey[i] == '/' {
			return switchKey[:i]
		}
	}
	return ""
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TopoDatastore is one datastore in the rendered storage topology.
type TopoDatastore struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	CapacityGB float64  `json:"capacity_gb"`
	FreeGB     float64  `json:"free_gb"`
	Accessible bool     `json:"accessible"`
	Adapters   []string `json:"adapters,omitempty"`
}

// StorageGroup is a datastore cluster (or the standalone bucket) with its
// member datastores.
type StorageGroup struct {
	Cluster    string          `json:"cluster,omitempty"` // empty = standalone
	Datastores []TopoDatastore `json:"datastores"`
}

// StorageTopology is the cluster → datastore → adapter tree.
type StorageTopology struct {
	Groups []StorageGroup `json:"groups"`
}

// BuildStorageTopology groups the cached datastores by datastore cluster.
// VMFS datastores carry the adapters resolved from their extents at fetch
// time. NFS and vSAN have no discrete host bus adapter, so they get a
// synthetic adapter named after the datastore type, keeping the rendered tree
// uniform.
func BuildStorageTopology(storage map[string]inventory.StorageInventory) StorageTopology {
	groups := make(map[string][]TopoDatastore)
	for _, inv := range storage {
		for _, ds := range inv.Datastores {
			td := TopoDatastore{
				Name:       ds.Name,
				Type:       ds.Type,
				CapacityGB: ds.CapacityGB,
				FreeGB:     ds.FreeGB,
				Accessible: ds.Accessible,
				Adapters:   append([]string(nil), ds.Adapters...),
			}
			if len(td.Adapters) == 0 {
				switch ds.Type {
				case "NFS", "NFS41":
					td.Adapters = []string{"nfs"}
				case "vsan":
					td.Adapters = []string{"vsan"}
				}
			}
			groups[ds.Cluster] = append(groups[ds.Cluster], td)
		}
	}

	topo := StorageTopology{Groups: make([]StorageGroup, 0, len(groups))}
	for cluster, datastores := range groups {
		sort.Slice(datastores, func(i, j int) bool { return datastores[i].Name < datastores[j].Name })
		topo.Groups = append(topo.Groups, StorageGroup{Cluster: cluster, Datastores: datastores})
	}
	sort.Slice(topo.Groups, func(i, j int) bool { return topo.Groups[i].Cluster < topo.Groups[j].Cluster })
	return topo
}
