package provisioner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rigmarket/rigagent/pkg/allocator"
	"github.com/rigmarket/rigagent/pkg/observability"
)

const bytesPerGiB = 1 << 30

// Capacity is what the host can still hand out to a new container
type Capacity struct {
	CPUCount        int
	MemoryFreeBytes uint64
	DiskFreeBytes   uint64
	GPUCount        int
	// RunningContainers is the number of running agent containers accounted for
	RunningContainers int
}

// Capacity measures free host capacity net of the running agent containers
func (p *Provisioner) Capacity(ctx context.Context) (*Capacity, error) {
	res, err := p.inventory.Resources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host resources: %w", err)
	}

	containers, err := p.runtime.ListContainers(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var running int
	var used uint64
	for _, c := range containers {
		if !c.Running() {
			continue
		}
		running++

		stats, err := p.runtime.GetContainerStats(ctx, c.ID)
		if err != nil {
			p.logger.Debug("No stats for container, ignoring its memory",
				zap.String("container", c.Name),
				zap.Error(err),
			)
			continue
		}
		used += stats.MemoryUsageBytes
	}

	memFree := res.MemoryAvailableBytes
	if used < res.MemoryTotalBytes {
		if headroom := res.MemoryTotalBytes - used; headroom < memFree {
			memFree = headroom
		}
	} else {
		memFree = 0
	}

	reserved := uint64(running) * uint64(p.config.ContainerDiskGB) * bytesPerGiB
	var diskFree uint64
	if res.DiskFreeBytes > reserved {
		diskFree = res.DiskFreeBytes - reserved
	}

	return &Capacity{
		CPUCount:          res.CPUCount,
		MemoryFreeBytes:   memFree,
		DiskFreeBytes:     diskFree,
		GPUCount:          res.GPUCount,
		RunningContainers: running,
	}, nil
}

// clampAllocation reduces each component of alloc to fit capacity, warning
// once per reduced component. It never rejects a grant.
func clampAllocation(alloc allocator.Allocation, capacity *Capacity, logger *zap.Logger) allocator.Allocation {
	clamped := alloc

	if alloc.CPUSet != "" && capacity.CPUCount > 0 {
		var kept []allocator.CPURange
		width := 0
		for _, r := range alloc.CPURanges() {
			if r.Start < 0 || r.Start > r.End {
				continue
			}
			width += r.End - r.Start + 1
			if r.Start >= capacity.CPUCount {
				continue
			}
			if r.End >= capacity.CPUCount {
				r.End = capacity.CPUCount - 1
			}
			kept = append(kept, r)
		}
		// An empty cpuset would leave the container unpinned
		if len(kept) == 0 {
			n := capacity.CPUCount
			if width > 0 {
				n = min(width, capacity.CPUCount)
			}
			kept = []allocator.CPURange{{Start: 0, End: n - 1}}
		}
		clamped.CPUSet = allocator.FormatCPUSet(kept)
		if clamped.CPUSet != alloc.CPUSet {
			warnClamped(logger, "cpu", alloc.CPUSet, clamped.CPUSet)
		}
	}

	if alloc.MemoryGB > 0 {
		if granted, ok := fitGiB(alloc.MemoryGB, capacity.MemoryFreeBytes, "memory", logger); ok {
			clamped.MemoryGB = granted
			clamped.ShmGB = allocator.ShmFor(granted)
			warnClamped(logger, "memory", alloc.MemoryFlag(), clamped.MemoryFlag())
		}
	}

	if alloc.StorageGB > 0 {
		if granted, ok := fitGiB(alloc.StorageGB, capacity.DiskFreeBytes, "storage", logger); ok {
			clamped.StorageGB = granted
			warnClamped(logger, "storage", alloc.StorageFlag(), clamped.StorageFlag())
		}
	}

	if alloc.GPURequested() && !alloc.AllGPUs() {
		var kept []int
		for _, idx := range alloc.GPUIndices() {
			if idx >= 0 && idx < capacity.GPUCount {
				kept = append(kept, idx)
			}
		}
		if len(kept) == 0 {
			clamped.GPUs = allocator.AllGPUs
		} else {
			clamped.GPUs = allocator.FormatGPUIndices(kept)
		}
		if clamped.GPUs != alloc.GPUs {
			warnClamped(logger, "gpu", alloc.GPUs, clamped.GPUs)
		}
	}

	return clamped
}

// fitGiB returns the GiB amount to grant when requested exceeds freeBytes.
// Less than a GiB free still grants one. Nothing free at all keeps the
// request.
func fitGiB(requested int, freeBytes uint64, resource string, logger *zap.Logger) (int, bool) {
	freeGB := int(freeBytes / bytesPerGiB)
	if requested <= freeGB {
		return requested, false
	}
	if freeBytes == 0 {
		logger.Warn("No free capacity reported, keeping request",
			zap.String("resource", resource),
			zap.Int("requested_gb", requested),
		)
		return requested, false
	}
	return max(freeGB, 1), true
}

func warnClamped(logger *zap.Logger, resource, requested, granted string) {
	observability.AllocationClampedTotal.WithLabelValues(resource).Inc()
	logger.Warn("Resource request exceeds free capacity, clamping",
		zap.String("resource", resource),
		zap.String("requested", requested),
		zap.String("granted", granted),
	)
}
