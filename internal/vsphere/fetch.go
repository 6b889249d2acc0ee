package vsphere

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vmware/govmomi/event"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/vcompanion/vcompanion/internal/inventory"
)

const disconnectTimeout = 10 * time.Second

// retrieve runs a container-view retrieval over the whole inventory tree,
// mirroring the per-category views the system has always used.
func retrieve(ctx context.Context, c *vim25.Client, kind string, props []string, dst any) error {
	m := view.NewManager(c)
	v, err := m.CreateContainerView(ctx, c.ServiceContent.RootFolder, []string{kind}, true)
	if err != nil {
		return fmt.Errorf("vsphere: create %s view: %w", kind, err)
	}
	defer func() {
		// Destroy with a fresh timeout: the caller's ctx may already be done.
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		_ = v.Destroy(dctx)
	}()

	if err := v.Retrieve(ctx, []string{kind}, props, dst); err != nil {
		return fmt.Errorf("vsphere: retrieve %s: %w", kind, err)
	}
	return nil
}

// FetchHosts returns every hypervisor host on the endpoint.
func (c *Connector) FetchHosts(ctx context.Context) ([]inventory.Host, error) {
	client, err := c.vimClient()
	if err != nil {
		return nil, err
	}
	ep := c.Endpoint()

	var hosts []mo.HostSystem
	if err := retrieve(ctx, client, "HostSystem", []string{"name", "summary", "runtime", "parent"}, &hosts); err != nil {
		return nil, err
	}

	clusterNames := clusterNameIndex(ctx, client)

	out := make([]inventory.Host, 0, len(hosts))
	for _, h := range hosts {
		rec := inventory.Host{
			ID:              h.Self.Value,
			Name:            h.Name,
			EndpointID:      ep.ID,
			EndpointName:    ep.Name,
			ConnectionState: string(h.Runtime.ConnectionState),
			PowerState:      string(h.Runtime.PowerState),
			BootTime:        h.Runtime.BootTime,
			CPUUsageMHz:     h.Summary.QuickStats.OverallCpuUsage,
			MemoryUsageMB:   h.Summary.QuickStats.OverallMemoryUsage,
		}
		if hw := h.Summary.Hardware; hw != nil {
			rec.CPUCores = hw.NumCpuCores
			rec.MemoryTotalMB = hw.MemorySize / (1024 * 1024)
		}
		if h.Parent != nil {
			rec.Cluster = clusterNames[h.Parent.Value]
		}
		out = append(out, rec)
	}
	log.Printf("[Connector] Retrieved %d hosts from %s", len(out), ep.Name)
	return out, nil
}

// clusterNameIndex is best effort: a host without a resolvable cluster is
// still a valid host record.
func clusterNameIndex(ctx context.Context, c *vim25.Client) map[string]string {
	var clusters []mo.ClusterComputeResource
	if err := retrieve(ctx, c, "ClusterComputeResource", []string{"name"}, &clusters); err != nil {
		log.Printf("[Connector] Cluster name lookup failed: %v", err)
		return nil
	}
	idx := make(map[string]string, len(clusters))
	for _, cl := range clusters {
		idx[cl.Self.Value] = cl.Name
	}
	return idx
}

// FetchVMs returns every virtual machine on the endpoint. hostNames maps host
// managed-object ids to display names (from the preceding FetchHosts) so VM
// placement resolves without a second round trip. Individual malformed VMs
// are skipped, never fatal.
func (c *Connector) FetchVMs(ctx context.Context, hostNames map[string]string) ([]inventory.VM, error) {
	client, err := c.vimClient()
	if err != nil {
		return nil, err
	}
	ep := c.Endpoint()

	props := []string{"name", "summary", "runtime", "guest", "snapshot", "config.hardware.device"}
	var vms []mo.VirtualMachine
	if err := retrieve(ctx, client, "VirtualMachine", props, &vms); err != nil {
		return nil, err
	}

	out := make([]inventory.VM, 0, len(vms))
	for _, vm := range vms {
		rec := inventory.VM{
			ID:           vm.Self.Value,
			Name:         vm.Name,
			EndpointID:   ep.ID,
			EndpointName: ep.Name,
			PowerState:   string(vm.Runtime.PowerState),
			GuestOS:      vm.Summary.Config.GuestFullName,
			CPUCount:     vm.Summary.Config.NumCpu,
			MemoryMB:     vm.Summary.Config.MemorySizeMB,
		}
		if vm.Guest != nil {
			rec.IPAddress = vm.Guest.IpAddress
		}
		if vm.Runtime.Host != nil {
			rec.Host = hostNames[vm.Runtime.Host.Value]
		}
		if st := vm.Summary.Storage; st != nil {
			rec.StorageCommitted = st.Committed
			rec.StorageUncommitted = st.Uncommitted
		}
		if vm.Snapshot != nil {
			rec.Snapshots = flattenSnapshots(vm.Snapshot.RootSnapshotList)
		}
		if vm.Config != nil {
			rec.Disks, rec.NICs = devicesOf(vm.Config.Hardware.Device)
		}
		out = append(out, rec)
	}
	log.Printf("[Connector] Retrieved %d VMs from %s", len(out), ep.Name)
	return out, nil
}

func flattenSnapshots(tree []types.VirtualMachineSnapshotTree) []inventory.Snapshot {
	var out []inventory.Snapshot
	for _, node := range tree {
		out = append(out, inventory.Snapshot{
			Name:        node.Name,
			Description: node.Description,
			Created:     node.CreateTime,
		})
		out = append(out, flattenSnapshots(node.ChildSnapshotList)...)
	}
	return out
}

func devicesOf(devices []types.BaseVirtualDevice) ([]inventory.VMDisk, []inventory.VMNIC) {
	var disks []inventory.VMDisk
	var nics []inventory.VMNIC
	for _, d := range devices {
		switch dev := d.(type) {
		case *types.VirtualDisk:
			disk := inventory.VMDisk{CapacityKB: dev.CapacityInKB}
			if dev.DeviceInfo != nil {
				disk.Label = dev.DeviceInfo.GetDescription().Label
			}
			if fb, ok := dev.Backing.(types.BaseVirtualDeviceFileBackingInfo); ok {
				disk.Datastore = datastoreOfPath(fb.GetVirtualDeviceFileBackingInfo().FileName)
			}
			disks = append(disks, disk)
		default:
			card, ok := d.(types.BaseVirtualEthernetCard)
			if !ok {
				continue
			}
			eth := card.GetVirtualEthernetCard()
			nic := inventory.VMNIC{MAC: eth.MacAddress}
			if eth.DeviceInfo != nil {
				nic.Label = eth.DeviceInfo.GetDescription().Label
			}
			switch backing := eth.Backing.(type) {
			case *types.VirtualEthernetCardNetworkBackingInfo:
				nic.PortGroup = backing.DeviceName
			case *types.VirtualEthernetCardDistributedVirtualPortBackingInfo:
				nic.SwitchUUID = backing.Port.SwitchUuid
				nic.PortgroupKey = backing.Port.PortgroupKey
			}
			nics = append(nics, nic)
		}
	}
	return disks, nics
}

// datastoreOfPath extracts the datastore name from a "[ds1] vm/vm.vmdk" path.
func datastoreOfPath(path string) string {
	if !strings.HasPrefix(path, "[") {
		return ""
	}
	end := strings.Index(path, "]")
	if end < 0 {
		return ""
	}
	return path[1:end]
}

// FetchAlerts returns the triggered alarms visible from the inventory root.
func (c *Connector) FetchAlerts(ctx context.Context) ([]inventory.Alert, error) {
	client, err := c.vimClient()
	if err != nil {
		return nil, err
	}
	ep := c.Endpoint()
	pc := property.DefaultCollector(client)

	var root mo.Folder
	if err := pc.RetrieveOne(ctx, client.ServiceContent.RootFolder, []string{"triggeredAlarmState"}, &root); err != nil {
		return nil, fmt.Errorf("vsphere: retrieve triggered alarms: %w", err)
	}
	if len(root.TriggeredAlarmState) == 0 {
		return nil, nil
	}

	alarmNames := objectNames(ctx, pc, refsOf(root.TriggeredAlarmState, func(s types.AlarmState) types.ManagedObjectReference { return s.Alarm }), "alarm")
	entityNames := objectNames(ctx, pc, refsOf(root.TriggeredAlarmState, func(s types.AlarmState) types.ManagedObjectReference { return s.Entity }), "entity")

	out := make([]inventory.Alert, 0, len(root.TriggeredAlarmState))
	for _, state := range root.TriggeredAlarmState {
		severity := inventory.SeverityWarning
		if state.OverallStatus == types.ManagedEntityStatusRed {
			severity = inventory.SeverityCritical
		}
		rec := inventory.Alert{
			Name:         alarmNames[state.Alarm.Value],
			Entity:       entityNames[state.Entity.Value],
			Severity:     severity,
			Time:         state.Time,
			EndpointID:   ep.ID,
			EndpointName: ep.Name,
		}
		if state.Acknowledged != nil {
			rec.Acknowledged = *state.Acknowledged
		}
		out = append(out, rec)
	}
	return out, nil
}

func refsOf(states []types.AlarmState, pick func(types.AlarmState) types.ManagedObjectReference) []types.ManagedObjectReference {
	seen := make(map[string]bool, len(states))
	var refs []types.ManagedObjectReference
	for _, s := range states {
		ref := pick(s)
		if ref.Value == "" || seen[ref.Value] {
			continue
		}
		seen[ref.Value] = true
		refs = append(refs, ref)
	}
	return refs
}

// objectNames resolves display names for a mixed set of managed objects.
// Best effort: unresolved refs fall back to their raw ids at the call site.
func objectNames(ctx context.Context, pc *property.Collector, refs []types.ManagedObjectReference, what string) map[string]string {
	names := make(map[string]string, len(refs))
	if len(refs) == 0 {
		return names
	}
	var entities []mo.ManagedEntity
	if err := pc.Retrieve(ctx, refs, []string{"name"}, &entities); err != nil {
		log.Printf("[Connector] Resolving %s names: %v", what, err)
		return names
	}
	for _, e := range entities {
		names[e.Self.Value] = e.Name
	}
	return names
}

// FetchClusters returns every compute cluster on the endpoint.
func (c *Connector) FetchClusters(ctx context.Context) ([]inventory.Cluster, error) {
	client, err := c.vimClient()
	if err != nil {
		return nil, err
	}
	ep := c.Endpoint()

	var clusters []mo.ClusterComputeResource
	if err := retrieve(ctx, client, "ClusterComputeResource", []string{"name", "summary"}, &clusters); err != nil {
		return nil, err
	}

	out := make([]inventory.Cluster, 0, len(clusters))
	for _, cl := range clusters {
		rec := inventory.Cluster{
			ID:           cl.Self.Value,
			Name:         cl.Name,
			EndpointID:   ep.ID,
			EndpointName: ep.Name,
		}
		if cl.Summary != nil {
			summary := cl.Summary.GetComputeResourceSummary()
			rec.HostCount = summary.NumHosts
			rec.EffectiveHost = summary.NumEffectiveHosts
			rec.TotalCPUMHz = summary.TotalCpu
			rec.TotalMemoryMB = summary.TotalMemory / (1024 * 1024)
			rec.OverallStatus = string(summary.OverallStatus)
		}
		out = append(out, rec)
	}
	return out, nil
}

// FetchNetworks returns the endpoint's virtual-network snapshot: standard
// switches per host, distributed switches fabric-wide, and every port group.
func (c *Connector) FetchNetworks(ctx context.Context) (inventory.NetworkInventory, error) {
	client, err := c.vimClient()
	if err != nil {
		return inventory.NetworkInventory{}, err
	}

	var inv inventory.NetworkInventory

	var hosts []mo.HostSystem
	if err := retrieve(ctx, client, "HostSystem", []string{"name", "config.network"}, &hosts); err != nil {
		return inventory.NetworkInventory{}, err
	}
	for _, h := range hosts {
		if h.Config == nil || h.Config.Network == nil {
			continue
		}
		netInfo := h.Config.Network

		pnicDevices := make(map[string]string, len(netInfo.Pnic))
		for _, pnic := range netInfo.Pnic {
			pnicDevices[pnic.Key] = pnic.Device
		}

		for _, vs := range netInfo.Vswitch {
			sw := inventory.VirtualSwitch{
				Key:  h.Name + "/" + vs.Name,
				Name: vs.Name,
				Kind: inventory.SwitchStandard,
				Host: h.Name,
			}
			for _, pnicKey := range vs.Pnic {
				if dev, ok := pnicDevices[pnicKey]; ok {
					sw.Uplinks = append(sw.Uplinks, dev)
				}
			}
			sort.Strings(sw.Uplinks)
			inv.Switches = append(inv.Switches, sw)
		}

		for _, pg := range netInfo.Portgroup {
			inv.PortGroups = append(inv.PortGroups, inventory.PortGroup{
				Name:      pg.Spec.Name,
				SwitchKey: h.Name + "/" + pg.Spec.VswitchName,
				VLAN:      strconv.Itoa(int(pg.Spec.VlanId)),
			})
		}
	}

	var switches []mo.DistributedVirtualSwitch
	if err := retrieve(ctx, client, "DistributedVirtualSwitch", []string{"name", "uuid"}, &switches); err != nil {
		// Environments without a distributed switch license report none.
		log.Printf("[Connector] Distributed switch retrieval: %v", err)
	}
	dvsUUIDs := make(map[string]string, len(switches))
	for _, dvs := range switches {
		dvsUUIDs[dvs.Self.Value] = dvs.Uuid
		inv.Switches = append(inv.Switches, inventory.VirtualSwitch{
			Key:  dvs.Uuid,
			Name: dvs.Name,
			Kind: inventory.SwitchDistributed,
		})
	}

	var portgroups []mo.DistributedVirtualPortgroup
	if err := retrieve(ctx, client, "DistributedVirtualPortgroup", []string{"name", "key", "config.distributedVirtualSwitch"}, &portgroups); err != nil {
		log.Printf("[Connector] Distributed portgroup retrieval: %v", err)
	}
	for _, pg := range portgroups {
		rec := inventory.PortGroup{Name: pg.Name, Key: pg.Key}
		if pg.Config.DistributedVirtualSwitch != nil {
			rec.SwitchKey = dvsUUIDs[pg.Config.DistributedVirtualSwitch.Value]
		}
		inv.PortGroups = append(inv.PortGroups, rec)
	}

	return inv, nil
}

// FetchStorage returns the endpoint's datastore snapshot, including
// datastore-cluster membership and host-bus-adapter ownership resolved
// through the extent-to-adapter mapping. Network-attached (NFS) and
// hyper-converged (vSAN) datastores have no discrete adapter; they keep an
// empty adapter list and are grouped by type downstream.
func (c *Connector) FetchStorage(ctx context.Context) (inventory.StorageInventory, error) {
	client, err := c.vimClient()
	if err != nil {
		return inventory.StorageInventory{}, err
	}

	var datastores []mo.Datastore
	if err := retrieve(ctx, client, "Datastore", []string{"name", "summary", "info", "parent"}, &datastores); err != nil {
		return inventory.StorageInventory{}, err
	}

	podNames := storagePodIndex(ctx, client)
	diskAdapters := diskAdapterIndex(ctx, client)

	const gb = 1024 * 1024 * 1024
	inv := inventory.StorageInventory{Datastores: make([]inventory.Datastore, 0, len(datastores))}
	for _, ds := range datastores {
		rec := inventory.Datastore{
			Name:       ds.Name,
			Type:       ds.Summary.Type,
			CapacityGB: float64(ds.Summary.Capacity) / gb,
			FreeGB:     float64(ds.Summary.FreeSpace) / gb,
			Accessible: ds.Summary.Accessible,
		}
		if ds.Parent != nil {
			rec.Cluster = podNames[ds.Parent.Value]
		}
		if vmfs, ok := ds.Info.(*types.VmfsDatastoreInfo); ok && vmfs.Vmfs != nil {
			adapterSet := make(map[string]bool)
			for _, extent := range vmfs.Vmfs.Extent {
				rec.ExtentDisks = append(rec.ExtentDisks, extent.DiskName)
				for _, adapter := range diskAdapters[extent.DiskName] {
					adapterSet[adapter] = true
				}
			}
			for adapter := range adapterSet {
				rec.Adapters = append(rec.Adapters, adapter)
			}
			sort.Strings(rec.Adapters)
		}
		inv.Datastores = append(inv.Datastores, rec)
	}
	return inv, nil
}

func storagePodIndex(ctx context.Context, c *vim25.Client) map[string]string {
	var pods []mo.StoragePod
	if err := retrieve(ctx, c, "StoragePod", []string{"name"}, &pods); err != nil {
		log.Printf("[Connector] Datastore cluster lookup: %v", err)
		return nil
	}
	idx := make(map[string]string, len(pods))
	for _, pod := range pods {
		idx[pod.Self.Value] = pod.Name
	}
	return idx
}

// diskAdapterIndex maps a LUN's canonical disk name to the host-bus-adapter
// devices that reach it, folded across every host.
func diskAdapterIndex(ctx context.Context, c *vim25.Client) map[string][]string {
	var hosts []mo.HostSystem
	if err := retrieve(ctx, c, "HostSystem", []string{"config.storageDevice"}, &hosts); err != nil {
		log.Printf("[Connector] Storage device lookup: %v", err)
		return nil
	}

	idx := make(map[string][]string)
	for _, h := range hosts {
		if h.Config == nil || h.Config.StorageDevice == nil {
			continue
		}
		sd := h.Config.StorageDevice

		lunCanonical := make(map[string]string, len(sd.ScsiLun))
		for _, lun := range sd.ScsiLun {
			l := lun.GetScsiLun()
			lunCanonical[l.Key] = l.CanonicalName
		}
		hbaDevice := make(map[string]string, len(sd.HostBusAdapter))
		for _, hba := range sd.HostBusAdapter {
			a := hba.GetHostHostBusAdapter()
			hbaDevice[a.Key] = a.Device
		}

		if sd.ScsiTopology == nil {
			continue
		}
		for _, iface := range sd.ScsiTopology.Adapter {
			device, ok := hbaDevice[iface.Adapter]
			if !ok {
				continue
			}
			for _, target := range iface.Target {
				for _, lun := range target.Lun {
					canonical := lunCanonical[lun.ScsiLun]
					if canonical == "" {
						continue
					}
					if !containsString(idx[canonical], device) {
						idx[canonical] = append(idx[canonical], device)
					}
				}
			}
		}
	}
	return idx
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// FetchEvents returns the most recent events, newest first.
func (c *Connector) FetchEvents(ctx context.Context, limit int) ([]inventory.Event, error) {
	client, err := c.vimClient()
	if err != nil {
		return nil, err
	}
	ep := c.Endpoint()

	em := event.NewManager(client)
	filter := types.EventFilterSpec{
		Entity: &types.EventFilterSpecByEntity{
			Entity:    client.ServiceContent.RootFolder,
			Recursion: types.EventFilterSpecRecursionOptionAll,
		},
		MaxCount: int32(limit),
	}
	events, err := em.QueryEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("vsphere: query events: %w", err)
	}

	out := make([]inventory.Event, 0, len(events))
	for _, base := range events {
		e := base.GetEvent()
		if e == nil {
			continue
		}
		rec := inventory.Event{
			Message:      strings.TrimSpace(e.FullFormattedMessage),
			User:         e.UserName,
			Time:         e.CreatedTime,
			EndpointID:   ep.ID,
			EndpointName: ep.Name,
		}
		switch {
		case e.Vm != nil:
			rec.Target = e.Vm.Name
		case e.Host != nil:
			rec.Target = e.Host.Name
		case e.ComputeResource != nil:
			rec.Target = e.ComputeResource.Name
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchTasks returns the endpoint's recent tasks, newest first.
func (c *Connector) FetchTasks(ctx context.Context, limit int) ([]inventory.Task, error) {
	client, err := c.vimClient()
	if err != nil {
		return nil, err
	}
	ep := c.Endpoint()
	pc := property.DefaultCollector(client)

	if client.ServiceContent.TaskManager == nil {
		return nil, nil
	}
	var tm mo.TaskManager
	if err := pc.RetrieveOne(ctx, *client.ServiceContent.TaskManager, []string{"recentTask"}, &tm); err != nil {
		return nil, fmt.Errorf("vsphere: retrieve recent tasks: %w", err)
	}
	if len(tm.RecentTask) == 0 {
		return nil, nil
	}

	var tasks []mo.Task
	if err := pc.Retrieve(ctx, tm.RecentTask, []string{"info"}, &tasks); err != nil {
		return nil, fmt.Errorf("vsphere: retrieve task info: %w", err)
	}

	out := make([]inventory.Task, 0, len(tasks))
	for _, t := range tasks {
		rec := inventory.Task{
			Description:  t.Info.DescriptionId,
			Entity:       t.Info.EntityName,
			State:        string(t.Info.State),
			EndpointID:   ep.ID,
			EndpointName: ep.Name,
		}
		if t.Info.StartTime != nil {
			rec.StartTime = *t.Info.StartTime
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
