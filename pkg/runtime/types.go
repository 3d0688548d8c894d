package runtime

import (
	"time"
)

// ContainerSpec defines the specification for creating a container
type ContainerSpec struct {
	Name   string
	Image  string
	Env    map[string]string
	Labels map[string]string

	Resources ResourceLimits

	Ports  []PortMapping
	Mounts []Mount

	RestartPolicy RestartPolicy

	// HostIPC shares the host IPC namespace, needed by NCCL and PyTorch dataloaders
	HostIPC bool
	Ulimits []Ulimit
}

// ResourceLimits are the cgroup and device limits of a container. Zero values
// leave the runtime default in place.
type ResourceLimits struct {
	CPUSet          string
	MemoryBytes     int64
	MemorySwapBytes int64
	ShmBytes        int64
	// StorageSize is passed as the "size" storage option, e.g. "50G"
	StorageSize string
	GPUs        GPURequest
}

// GPURequest selects GPUs for a container. All takes precedence over DeviceIDs.
type GPURequest struct {
	All       bool
	DeviceIDs []string
}

// Requested reports whether any GPU is requested
func (g GPURequest) Requested() bool {
	return g.All || len(g.DeviceIDs) > 0
}

// Container represents a container known to the runtime
type Container struct {
	ID        string
	Name      string
	Image     string
	State     ContainerState
	Status    string
	CreatedAt time.Time
	Labels    map[string]string
	Ports     []PortMapping
}

// Running reports whether the container is running
func (c *Container) Running() bool {
	return c.State == ContainerStateRunning
}

// ContainerState represents the state of a container
type ContainerState string

const (
	ContainerStateCreated    ContainerState = "created"
	ContainerStateRunning    ContainerState = "running"
	ContainerStatePaused     ContainerState = "paused"
	ContainerStateRestarting ContainerState = "restarting"
	ContainerStateStopped    ContainerState = "stopped"
	ContainerStateDead       ContainerState = "dead"
	ContainerStateUnknown    ContainerState = "unknown"
)

// PortMapping defines a port mapping
type PortMapping struct {
	HostPort      int
	ContainerPort int
	Protocol      string
	HostIP        string
}

// Mount defines a volume mount
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// RestartPolicy defines the restart policy for a container
type RestartPolicy struct {
	Name              string // no, on-failure, always, unless-stopped
	MaximumRetryCount int
}

// Ulimit is a resource limit applied to the container process
type Ulimit struct {
	Name string
	Soft int64
	Hard int64
}

// ContainerStats is a one-shot resource usage sample
type ContainerStats struct {
	CPUPercent       float64
	MemoryUsageBytes uint64
	MemoryLimitBytes uint64
	Timestamp        time.Time
}

// Info describes the container engine
type Info struct {
	ServerVersion string
	Driver        string
	// StorageQuota is true when the storage driver honours a "size" storage option
	StorageQuota bool
	NCPU         int
	MemTotal     int64
	Runtimes     []string
}

// HasRuntime reports whether the engine has the named OCI runtime registered
func (i *Info) HasRuntime(name string) bool {
	for _, r := range i.Runtimes {
		if r == name {
			return true
		}
	}
	return false
}
