package api

import (
	"encoding/json"
)

// Envelope wraps every control plane response. Exception 0 means success.
type Envelope struct {
	Exception int             `json:"exception"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConfirmData is the payload returned by agent registration. Older control
// plane builds return the identifier as "id" instead of "agent_id".
type ConfirmData struct {
	AgentID json.RawMessage `json:"agent_id,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// PullData is the payload returned by a task pull
type PullData struct {
	TaskID        json.RawMessage `json:"task_id,omitempty"`
	TaskData      *TaskData       `json:"task_data,omitempty"`
	ContainerInfo *ContainerInfo  `json:"container_info,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// TaskData carries the image and resource grant of a task. Resource fields
// are kept raw and coerced by the allocator.
type TaskData struct {
	DockerImage        string          `json:"docker_image"`
	GPURequired        json.RawMessage `json:"gpu_required,omitempty"`
	GPUEnabledIndices  json.RawMessage `json:"gpu_enabled_indices,omitempty"`
	CPUAllocatedRanges json.RawMessage `json:"cpu_allocated_ranges,omitempty"`
	RAMAllocatedGB     json.RawMessage `json:"ram_allocated_gb,omitempty"`
	StorageAllocatedGB json.RawMessage `json:"storage_allocated_gb,omitempty"`
}

// ContainerInfo carries the SSH target the control plane assigned to a task
type ContainerInfo struct {
	SSHUsername string          `json:"ssh_username,omitempty"`
	SSHPassword string          `json:"ssh_password,omitempty"`
	SSHPort     json.RawMessage `json:"ssh_port,omitempty"`
	SSHHost     string          `json:"ssh_host,omitempty"`
	SSHCommand  string          `json:"ssh_command,omitempty"`
}

// TaskStatusRequest reports the outcome of provisioning a task
type TaskStatusRequest struct {
	Status        string  `json:"status"`
	Progress      float64 `json:"progress"`
	Output        string  `json:"output"`
	ErrorMessage  *string `json:"error_message"`
	ContainerID   string  `json:"container_id"`
	ContainerName string  `json:"container_name"`
}

// HeartbeatRequest is the periodic utilization push
type HeartbeatRequest struct {
	Status       string             `json:"status"`
	CPUUsage     float64            `json:"cpu_usage"`
	MemoryUsage  float64            `json:"memory_usage"`
	DiskUsage    map[string]float64 `json:"disk_usage"`
	GPUUsage     map[string]float64 `json:"gpu_usage"`
	NetworkUsage NetworkUsage       `json:"network_usage"`
}

// NetworkUsage is the estimated throughput since the previous sample
type NetworkUsage struct {
	UpMbps   float64 `json:"up_mbps"`
	DownMbps float64 `json:"down_mbps"`
}

// SystemSnapshot is sent on registration and on every start as the init
// payload. GPUUsage here is the average across devices.
type SystemSnapshot struct {
	Hostname       string             `json:"hostname"`
	IPAddress      string             `json:"ip_address"`
	TotalRAMGB     float64            `json:"total_ram_gb"`
	RAMType        string             `json:"ram_type"`
	HardwareInfo   HardwareInfo       `json:"hardware_info"`
	Location       string             `json:"location"`
	Status         string             `json:"status"`
	CPUUsage       float64            `json:"cpu_usage"`
	MemoryUsage    float64            `json:"memory_usage"`
	DiskUsage      map[string]float64 `json:"disk_usage"`
	GPUUsage       float64            `json:"gpu_usage"`
	NetworkUsage   NetworkUsage       `json:"network_usage"`
	CPUTemperature *float64           `json:"cpu_temperature"`
}

// HardwareInfo lists the hardware descriptors of the host
type HardwareInfo struct {
	CPUs     []CPUInfo     `json:"cpus"`
	GPUs     []GPUInfo     `json:"gpus"`
	Disks    []DiskInfo    `json:"disks"`
	Networks []NetworkInfo `json:"networks"`
}

// CPUInfo describes one CPU package
type CPUInfo struct {
	Model        string  `json:"model"`
	Cores        int     `json:"cores"`
	Threads      int     `json:"threads"`
	FrequencyMHz float64 `json:"frequency_mhz"`
}

// GPUInfo describes one GPU device
type GPUInfo struct {
	Index       int     `json:"index"`
	Model       string  `json:"model"`
	MemoryGB    float64 `json:"memory_gb"`
	UUID        string  `json:"uuid,omitempty"`
	Utilization float64 `json:"utilization"`
}

// DiskInfo describes one mounted filesystem
type DiskInfo struct {
	Device     string  `json:"device"`
	Mountpoint string  `json:"mountpoint"`
	FSType     string  `json:"fstype"`
	TotalGB    float64 `json:"total_gb"`
	FreeGB     float64 `json:"free_gb"`
}

// NetworkInfo describes one network interface
type NetworkInfo struct {
	Name      string   `json:"name"`
	MAC       string   `json:"mac,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}
