// Package inventory reports host hardware and utilization to the rest of the
// agent through a narrow interface.
package inventory

import (
	"context"
	"time"

	"github.com/rigmarket/rigagent/pkg/api"
)

// Inventory describes and samples the host
type Inventory interface {
	CPUInfo(ctx context.Context) ([]api.CPUInfo, error)
	GPUInfo(ctx context.Context) ([]api.GPUInfo, error)
	DiskInfo(ctx context.Context) ([]api.DiskInfo, error)
	NetworkInfo(ctx context.Context) ([]api.NetworkInfo, error)
	HostInfo(ctx context.Context) (*HostInfo, error)
	Utilization(ctx context.Context) (*Utilization, error)
	Resources(ctx context.Context) (*HostResources, error)
}

// HostInfo identifies the host
type HostInfo struct {
	Hostname       string
	IPAddress      string
	TotalRAMGB     float64
	RAMType        string
	CPUTemperature *float64
}

// Utilization is a point-in-time usage sample
type Utilization struct {
	Timestamp     time.Time
	CPUPercent    float64
	MemoryPercent float64
	// DiskPercent is keyed by mount point
	DiskPercent map[string]float64
	// GPUPercent is keyed by "gpu<index>"
	GPUPercent  map[string]float64
	NetUpMbps   float64
	NetDownMbps float64
}

// GPUAverage returns the mean GPU utilization, 0 without GPUs
func (u *Utilization) GPUAverage() float64 {
	if len(u.GPUPercent) == 0 {
		return 0
	}
	var total float64
	for _, v := range u.GPUPercent {
		total += v
	}
	return total / float64(len(u.GPUPercent))
}

// HostResources are the host totals the provisioner clamps grants against
type HostResources struct {
	CPUCount             int
	MemoryTotalBytes     uint64
	MemoryAvailableBytes uint64
	DiskTotalBytes       uint64
	DiskFreeBytes        uint64
	GPUCount             int
}
