package inventory

import "time"

// RefreshStatus is the lifecycle state of an endpoint's background refresh.
type RefreshStatus string

const (
	StatusReady      RefreshStatus = "READY"
	StatusRefreshing RefreshStatus = "REFRESHING"
	StatusError      RefreshStatus = "ERROR"
)

// EndpointStatus is the cached per-endpoint refresh record. It is written by
// the orchestrator at the start and end of every refresh cycle and is the only
// category that carries timestamps rather than inventory.
type EndpointStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Status       RefreshStatus `json:"status"`
	LastRefresh  time.Time     `json:"last_refresh"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Version      string        `json:"version,omitempty"`
	Build        string        `json:"build,omitempty"`
	APIType      string        `json:"api_type,omitempty"`
}

// Snapshot describes one point-in-time snapshot attached to a VM.
type Snapshot struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Created     time.Time `json:"created"`
}

// VM is a cached virtual machine record.
type VM struct {
	ID           string `json:"id"` // managed object id, stable per endpoint
	Name         string `json:"name"`
	EndpointID   string `json:"endpoint_id"`
	EndpointName string `json:"endpoint_name"`

	PowerState string     `json:"power_state"` // poweredOn, poweredOff, suspended
	GuestOS    string     `json:"guest_os"`
	CPUCount   int32      `json:"cpu_count"`
	MemoryMB   int32      `json:"memory_mb"`
	IPAddress  string     `json:"ip_address,omitempty"`
	Host       string     `json:"host,omitempty"` // resolved host name
	Snapshots  []Snapshot `json:"snapshots,omitempty"`

	StorageCommitted   int64    `json:"storage_committed"`
	StorageUncommitted int64    `json:"storage_uncommitted"`
	Disks              []VMDisk `json:"disks,omitempty"`
	NICs               []VMNIC  `json:"nics,omitempty"`
}

// SnapshotCount returns the number of snapshots attached to the VM.
func (v VM) SnapshotCount() int { return len(v.Snapshots) }

// PoweredOn reports whether the VM was powered on at capture time.
func (v VM) PoweredOn() bool { return v.PowerState == "poweredOn" }

// VMDisk is one virtual disk of a VM, keyed to the datastore that backs it.
type VMDisk struct {
	Label      string `json:"label"`
	Datastore  string `json:"datastore"`
	CapacityKB int64  `json:"capacity_kb"`
}

// VMNIC is one virtual network adapter of a VM. Exactly one of the backing
// fields is set: PortGroup for standard-switch backings, SwitchUUID plus
// PortgroupKey for distributed ones.
type VMNIC struct {
	Label        string `json:"label"`
	MAC          string `json:"mac,omitempty"`
	PortGroup    string `json:"port_group,omitempty"`
	SwitchUUID   string `json:"switch_uuid,omitempty"`
	PortgroupKey string `json:"portgroup_key,omitempty"`
}

// Host is a cached hypervisor host record.
type Host struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	EndpointID   string `json:"endpoint_id"`
	EndpointName string `json:"endpoint_name"`

	ConnectionState string     `json:"connection_state"`
	PowerState      string     `json:"power_state"`
	CPUCores        int16      `json:"cpu_cores"`
	CPUUsageMHz     int32      `json:"cpu_usage_mhz"`
	MemoryTotalMB   int64      `json:"memory_total_mb"`
	MemoryUsageMB   int32      `json:"memory_usage_mb"`
	BootTime        *time.Time `json:"boot_time,omitempty"`
	Cluster         string     `json:"cluster,omitempty"`
}

// AlertSeverity classifies a triggered alarm.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityWarning  AlertSeverity = "warning"
)

// Alert is a cached triggered-alarm record.
type Alert struct {
	Name         string        `json:"name"`
	Entity       string        `json:"entity"`
	Severity     AlertSeverity `json:"severity"`
	Time         time.Time     `json:"time"`
	Acknowledged bool          `json:"acknowledged"`
	EndpointID   string        `json:"endpoint_id"`
	EndpointName string        `json:"endpoint_name"`
}

// Cluster is a cached compute-cluster record.
type Cluster struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	EndpointID    string `json:"endpoint_id"`
	EndpointName  string `json:"endpoint_name"`
	HostCount     int32  `json:"host_count"`
	EffectiveHost int32  `json:"effective_hosts"`
	TotalCPUMHz   int32  `json:"total_cpu_mhz"`
	TotalMemoryMB int64  `json:"total_memory_mb"`
	OverallStatus string `json:"overall_status"`
}

// SwitchKind distinguishes host-local virtual switches from fabric-wide
// distributed ones.
type SwitchKind string

const (
	SwitchStandard    SwitchKind = "standard"
	SwitchDistributed SwitchKind = "distributed"
)

// VirtualSwitch is one virtual switch observed on an endpoint. Standard
// switches are scoped to a host; distributed switches carry a UUID key that
// VM NIC backings reference.
type VirtualSwitch struct {
	Key     string     `json:"key"` // host/name for standard, UUID for distributed
	Name    string     `json:"name"`
	Kind    SwitchKind `json:"kind"`
	Host    string     `json:"host,omitempty"`
	Uplinks []string   `json:"uplinks,omitempty"`
}

// PortGroup is one port group bound to a virtual switch.
type PortGroup struct {
	Name      string `json:"name"`
	Key       string `json:"key,omitempty"` // distributed portgroup key
	SwitchKey string `json:"switch_key"`
	VLAN      string `json:"vlan,omitempty"`
}

// NetworkInventory is the per-endpoint network category snapshot.
type NetworkInventory struct {
	Switches   []VirtualSwitch `json:"switches"`
	PortGroups []PortGroup     `json:"port_groups"`
}

// Datastore is one datastore observed on an endpoint.
type Datastore struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // VMFS, NFS, vsan, ...
	CapacityGB  float64  `json:"capacity_gb"`
	FreeGB      float64  `json:"free_gb"`
	Accessible  bool     `json:"accessible"`
	Cluster     string   `json:"cluster,omitempty"` // datastore cluster (pod)
	Adapters    []string `json:"adapters,omitempty"`
	ExtentDisks []string `json:"extent_disks,omitempty"`
}

// StorageInventory is the per-endpoint storage category snapshot.
type StorageInventory struct {
	Datastores []Datastore `json:"datastores"`
}

// Event is a recent endpoint event, fetched on demand and never cached.
type Event struct {
	Message      string    `json:"message"`
	Target       string    `json:"target,omitempty"`
	User         string    `json:"user,omitempty"`
	Time         time.Time `json:"time"`
	EndpointID   string    `json:"endpoint_id"`
	EndpointName string    `json:"endpoint_name"`
}

// Task is a recent endpoint task, fetched on demand and never cached.
type Task struct {
	Description  string    `json:"description"`
	Entity       string    `json:"entity,omitempty"`
	State        string    `json:"state"`
	StartTime    time.Time `json:"start_time"`
	EndpointID   string    `json:"endpoint_id"`
	EndpointName string    `json:"endpoint_name"`
}

// AboutInfo is the endpoint version metadata gathered at the end of a
// refresh cycle.
type AboutInfo struct {
	Version  string `json:"version"`
	Build    string `json:"build"`
	APIType  string `json:"api_type"`
	Vendor   string `json:"vendor"`
	FullName string `json:"full_name"`
}
