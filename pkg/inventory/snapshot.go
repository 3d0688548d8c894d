package inventory

import (
	"context"

	"go.uber.org/zap"

	"github.com/rigmarket/rigagent/pkg/api"
)

const (
	// UnknownLocation is reported until the operator configures a location
	UnknownLocation = "Unknown"
	statusOnline    = "online"
	unknownValue    = "unknown"
)

// BuildSnapshot collects the registration and init payload. It never fails:
// a descriptor that cannot be read is logged and reported as unknown or
// empty, a utilization failure leaves the usage fields zero.
func BuildSnapshot(ctx context.Context, inv Inventory, location string, logger *zap.Logger) *api.SystemSnapshot {
	if location == "" {
		location = UnknownLocation
	}

	snapshot := &api.SystemSnapshot{
		Hostname:  unknownValue,
		IPAddress: unknownValue,
		RAMType:   unknownValue,
		HardwareInfo: api.HardwareInfo{
			CPUs:     collect(ctx, logger, "cpu", inv.CPUInfo),
			GPUs:     collect(ctx, logger, "gpu", inv.GPUInfo),
			Disks:    collect(ctx, logger, "disk", inv.DiskInfo),
			Networks: collect(ctx, logger, "network", inv.NetworkInfo),
		},
		Location:  location,
		Status:    statusOnline,
		DiskUsage: map[string]float64{},
	}

	if hostInfo, err := inv.HostInfo(ctx); err != nil {
		logger.Warn("Failed to collect host info, reporting it as unknown", zap.Error(err))
	} else {
		snapshot.Hostname = orUnknown(hostInfo.Hostname)
		snapshot.IPAddress = orUnknown(hostInfo.IPAddress)
		snapshot.RAMType = orUnknown(hostInfo.RAMType)
		snapshot.TotalRAMGB = hostInfo.TotalRAMGB
		snapshot.CPUTemperature = hostInfo.CPUTemperature
	}

	usage, err := inv.Utilization(ctx)
	if err != nil {
		logger.Warn("Failed to sample utilization for the snapshot", zap.Error(err))
		return snapshot
	}
	snapshot.CPUUsage = usage.CPUPercent
	snapshot.MemoryUsage = usage.MemoryPercent
	if usage.DiskPercent != nil {
		snapshot.DiskUsage = usage.DiskPercent
	}
	snapshot.GPUUsage = roundTo(usage.GPUAverage(), 1)
	snapshot.NetworkUsage = api.NetworkUsage{
		UpMbps:   usage.NetUpMbps,
		DownMbps: usage.NetDownMbps,
	}

	return snapshot
}

func collect[T any](ctx context.Context, logger *zap.Logger, kind string, read func(context.Context) ([]T, error)) []T {
	items, err := read(ctx)
	if err != nil {
		logger.Warn("Failed to collect hardware descriptors",
			zap.String("kind", kind),
			zap.Error(err),
		)
		return []T{}
	}
	return nonNil(items)
}

func orUnknown(v string) string {
	if v == "" {
		return unknownValue
	}
	return v
}

// HeartbeatFrom converts a utilization sample into a heartbeat body
func HeartbeatFrom(u *Utilization) *api.HeartbeatRequest {
	disk := u.DiskPercent
	if disk == nil {
		disk = map[string]float64{}
	}
	gpu := u.GPUPercent
	if gpu == nil {
		gpu = map[string]float64{}
	}
	return &api.HeartbeatRequest{
		Status:      statusOnline,
		CPUUsage:    u.CPUPercent,
		MemoryUsage: u.MemoryPercent,
		DiskUsage:   disk,
		GPUUsage:    gpu,
		NetworkUsage: api.NetworkUsage{
			UpMbps:   u.NetUpMbps,
			DownMbps: u.NetDownMbps,
		},
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
