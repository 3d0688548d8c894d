package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// GetContainerStats takes a one-shot resource usage sample of a container
func (r *DockerRuntime) GetContainerStats(ctx context.Context, containerID string) (*ContainerStats, error) {
	resp, err := r.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		return nil, fmt.Errorf("failed to get stats for %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", containerID, err)
	}

	return parseStats(&stats), nil
}

func parseStats(s *container.StatsResponse) *ContainerStats {
	usage := s.MemoryStats.Usage
	// cgroup v1 reports page cache as used memory; the docker CLI subtracts it
	if cache, ok := s.MemoryStats.Stats["total_inactive_file"]; ok && cache < usage {
		usage -= cache
	} else if cache, ok := s.MemoryStats.Stats["inactive_file"]; ok && cache < usage {
		usage -= cache
	}

	return &ContainerStats{
		CPUPercent:       cpuPercent(s),
		MemoryUsageBytes: usage,
		MemoryLimitBytes: s.MemoryStats.Limit,
		Timestamp:        s.Read,
	}
}

func cpuPercent(s *container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}

	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}

	return cpuDelta / systemDelta * online * 100.0
}
