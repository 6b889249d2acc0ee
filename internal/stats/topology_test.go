package stats_test

import (
	"reflect"
	"testing"

	"github.com/vcompanion/vcompanion/internal/inventory"
	"github.com/vcompanion/vcompanion/internal/stats"
)

func TestBuildNetworkTopologyJoinsStandardAndDistributed(t *testing.T) {
	t.Parallel()

	networks := map[string]inventory.NetworkInventory{
		"ep1": {
			Switches: []inventory.VirtualSwitch{
				{Key: "esx01/vSwitch0", Name: "vSwitch0", Kind: inventory.SwitchStandard, Host: "esx01", Uplinks: []string{"vmnic0"}},
				{Key: "esx02/vSwitch0", Name: "vSwitch0", Kind: inventory.SwitchStandard, Host: "esx02", Uplinks: []string{"vmnic1"}},
				{Key: "50 11 22 33", Name: "dvs-core", Kind: inventory.SwitchDistributed},
			},
			PortGroups: []inventory.PortGroup{
				{Name: "VM Network", SwitchKey: "esx01/vSwitch0", VLAN: "0"},
				{Name: "VM Network", SwitchKey: "esx02/vSwitch0", VLAN: "0"},
				{Name: "prod-dvpg", Key: "dvportgroup-42", SwitchKey: "50 11 22 33"},
			},
		},
	}
	vms := []inventory.VM{
		{Name: "web-01", Host: "esx01", NICs: []inventory.VMNIC{{PortGroup: "VM Network"}}},
		{Name: "web-02", Host: "esx02", NICs: []inventory.VMNIC{{PortGroup: "VM Network"}}},
		{Name: "db-01", NICs: []inventory.VMNIC{{SwitchUUID: "50 11 22 33", PortgroupKey: "dvportgroup-42"}}},
		{Name: "orphan", Host: "esx01", NICs: []inventory.VMNIC{{PortGroup: "does-not-exist"}}},
	}

	topo := stats.BuildNetworkTopology(networks, vms)
	if len(topo.Switches) != 2 {
		t.Fatalf("switches = %d, want 2 (per-host vSwitch0 folded)", len(topo.Switches))
	}

	// Sorted by name: dvs-core then vSwitch0.
	dvs, std := topo.Switches[0], topo.Switches[1]
	if dvs.Name != "dvs-core" || dvs.Kind != inventory.SwitchDistributed {
		t.Fatalf("dvs row: %+v", dvs)
	}
	if len(dvs.PortGroups) != 1 || !reflect.DeepEqual(dvs.PortGroups[0].VMs, []string{"db-01"}) {
		t.Fatalf("dvs port groups: %+v", dvs.PortGroups)
	}

	if std.Name != "vSwitch0" {
		t.Fatalf("standard row: %+v", std)
	}
	if !reflect.DeepEqual(std.Hosts, []string{"esx01", "esx02"}) {
		t.Fatalf("hosts not merged: %v", std.Hosts)
	}
	if !reflect.DeepEqual(std.Uplinks, []string{"vmnic0", "vmnic1"}) {
		t.Fatalf("uplinks not merged: %v", std.Uplinks)
	}
	if len(std.PortGroups) != 1 {
		t.Fatalf("standard port groups: %+v", std.PortGroups)
	}
	if !reflect.DeepEqual(std.PortGroups[0].VMs, []string{"web-01", "web-02"}) {
		t.Fatalf("attached VMs: %v", std.PortGroups[0].VMs)
	}
}

func TestBuildNetworkTopologyEmptyInputs(t *testing.T) {
	t.Parallel()

	topo := stats.BuildNetworkTopology(nil, nil)
	if len(topo.Switches) != 0 {
		t.Fatalf("empty inputs produced %d switches", len(topo.Switches))
	}
}

func TestBuildStorageTopologyGroupsAndFallbacks(t *testing.T) {
	t.Parallel()

	storage := map[string]inventory.StorageInventory{
		"ep1": {Datastores: []inventory.Datastore{
			{Name: "vmfs-01", Type: "VMFS", Cluster: "pod-a", Adapters: []string{"vmhba1"}, CapacityGB: 100, FreeGB: 40, Accessible: true},
			{Name: "vmfs-02", Type: "VMFS", Cluster: "pod-a", Adapters: []string{"vmhba1", "vmhba2"}, Accessible: true},
			{Name: "nfs-01", Type: "NFS", Accessible: true},
			{Name: "vsan-ds", Type: "vsan", Accessible: true},
		}},
	}

	topo := stats.BuildStorageTopology(storage)
	if len(topo.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(topo.Groups))
	}

	// Sorted by cluster name; the standalone bucket (empty name) first.
	standalone, pod := topo.Groups[0], topo.Groups[1]
	if standalone.Cluster != "" || pod.Cluster != "pod-a" {
		t.Fatalf("group order: %q, %q", standalone.Cluster, pod.Cluster)
	}
	if len(pod.Datastores) != 2 {
		t.Fatalf("pod-a datastores: %+v", pod.Datastores)
	}

	byName := make(map[string]stats.TopoDatastore)
	for _, ds := range standalone.Datastores {
		byName[ds.Name] = ds
	}
	if !reflect.DeepEqual(byName["nfs-01"].Adapters, []string{"nfs"}) {
		t.Fatalf("NFS fallback adapters: %v", byName["nfs-01"].Adapters)
	}
	if !reflect.DeepEqual(byName["vsan-ds"].Adapters, []string{"vsan"}) {
		t.Fatalf("vSAN fallback adapters: %v", byName["vsan-ds"].Adapters)
	}
	if !reflect.DeepEqual(pod.Datastores[0].Adapters, []string{"vmhba1"}) {
		t.Fatalf("VMFS adapters: %v", pod.Datastores[0].Adapters)
	}
}
