package provisioner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rigmarket/rigagent/pkg/allocator"
	"github.com/rigmarket/rigagent/pkg/inventory"
	"github.com/rigmarket/rigagent/pkg/runtime"
)

func TestClampAllocation(t *testing.T) {
	capacity := &Capacity{
		CPUCount:        8,
		MemoryFreeBytes: 16 << 30,
		DiskFreeBytes:   100 << 30,
		GPUCount:        2,
	}

	tests := []struct {
		name     string
		alloc    allocator.Allocation
		want     allocator.Allocation
		warnings []string
	}{
		{
			name:  "fits",
			alloc: allocator.Allocation{GPUs: "1", CPUSet: "0-1", MemoryGB: 4, ShmGB: 2, StorageGB: 50},
			want:  allocator.Allocation{GPUs: "1", CPUSet: "0-1", MemoryGB: 4, ShmGB: 2, StorageGB: 50},
		},
		{
			name:     "cpu ranges truncated and dropped",
			alloc:    allocator.Allocation{CPUSet: "0-3,6-11,12-15"},
			want:     allocator.Allocation{CPUSet: "0-3,6-7"},
			warnings: []string{"cpu"},
		},
		{
			name:     "cpu range entirely beyond host keeps its width",
			alloc:    allocator.Allocation{CPUSet: "12-15"},
			want:     allocator.Allocation{CPUSet: "0-3"},
			warnings: []string{"cpu"},
		},
		{
			name:     "wide cpu range beyond host pins every cpu",
			alloc:    allocator.Allocation{CPUSet: "20-39"},
			want:     allocator.Allocation{CPUSet: "0-7"},
			warnings: []string{"cpu"},
		},
		{
			name:     "reversed cpu range pins every cpu",
			alloc:    allocator.Allocation{CPUSet: "5-2"},
			want:     allocator.Allocation{CPUSet: "0-7"},
			warnings: []string{"cpu"},
		},
		{
			name:     "negative cpu range pins every cpu",
			alloc:    allocator.Allocation{CPUSet: "-1-3"},
			want:     allocator.Allocation{CPUSet: "0-7"},
			warnings: []string{"cpu"},
		},
		{
			name:     "memory limited to free ram",
			alloc:    allocator.Allocation{MemoryGB: 64, ShmGB: 32},
			want:     allocator.Allocation{MemoryGB: 16, ShmGB: 8},
			warnings: []string{"memory"},
		},
		{
			name:     "storage limited to free disk",
			alloc:    allocator.Allocation{StorageGB: 500},
			want:     allocator.Allocation{StorageGB: 100},
			warnings: []string{"storage"},
		},
		{
			name:     "missing gpu indices dropped",
			alloc:    allocator.Allocation{GPUs: "1,3"},
			want:     allocator.Allocation{GPUs: "1"},
			warnings: []string{"gpu"},
		},
		{
			name:     "all gpu indices missing falls back to all",
			alloc:    allocator.Allocation{GPUs: "5,6"},
			want:     allocator.Allocation{GPUs: "all"},
			warnings: []string{"gpu"},
		},
		{
			name:  "all gpus untouched",
			alloc: allocator.Allocation{GPUs: "all"},
			want:  allocator.Allocation{GPUs: "all"},
		},
		{
			name:     "several components",
			alloc:    allocator.Allocation{GPUs: "0,7", CPUSet: "4-9", MemoryGB: 32, ShmGB: 16},
			want:     allocator.Allocation{GPUs: "0", CPUSet: "4-7", MemoryGB: 16, ShmGB: 8},
			warnings: []string{"cpu", "memory", "gpu"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)

			got := clampAllocation(tt.alloc, capacity, zap.New(core))
			assert.Equal(t, tt.want, got)

			var resources []string
			for _, entry := range logs.All() {
				resources = append(resources, entry.ContextMap()["resource"].(string))
			}
			assert.Equal(t, tt.warnings, resources)
		})
	}
}

func TestClampAllocation_NothingFreeKeepsRequest(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	alloc := allocator.Allocation{MemoryGB: 8, ShmGB: 4, StorageGB: 50}

	got := clampAllocation(alloc, &Capacity{CPUCount: 4}, zap.New(core))

	assert.Equal(t, alloc, got)
	assert.Equal(t, 2, logs.FilterMessage("No free capacity reported, keeping request").Len())
	assert.Zero(t, logs.FilterMessage("Resource request exceeds free capacity, clamping").Len())
}

func TestClampAllocation_LessThanOneGiBFreeGrantsOne(t *testing.T) {
	capacity := &Capacity{CPUCount: 4, MemoryFreeBytes: 512 << 20, DiskFreeBytes: 100 << 20}

	got := clampAllocation(allocator.Allocation{MemoryGB: 8, ShmGB: 4, StorageGB: 50}, capacity, zap.NewNop())
	assert.Equal(t, 1, got.MemoryGB)
	assert.Equal(t, 1, got.ShmGB)
	assert.Equal(t, 1, got.StorageGB)
}

func TestCapacity(t *testing.T) {
	rt := runtime.NewFakeRuntime()
	managed := map[string]string{LabelManaged: "true"}

	a := rt.AddContainer("task_1", runtime.ContainerStateRunning, managed)
	b := rt.AddContainer("task_2", runtime.ContainerStateRunning, managed)
	rt.AddContainer("task_3", runtime.ContainerStateStopped, managed)
	other := rt.AddContainer("postgres", runtime.ContainerStateRunning, nil)

	rt.SetStats(a.ID, &runtime.ContainerStats{MemoryUsageBytes: 8 << 30})
	rt.SetStats(b.ID, &runtime.ContainerStats{MemoryUsageBytes: 4 << 30})
	rt.SetStats(other.ID, &runtime.ContainerStats{MemoryUsageBytes: 30 << 30})

	inv := &inventory.FakeInventory{
		Totals: &inventory.HostResources{
			CPUCount:             32,
			MemoryTotalBytes:     64 << 30,
			MemoryAvailableBytes: 60 << 30,
			DiskFreeBytes:        500 << 30,
			GPUCount:             4,
		},
	}

	p, err := NewProvisioner(rt, inv, Config{}, zap.NewNop())
	require.NoError(t, err)

	capacity, err := p.Capacity(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 32, capacity.CPUCount)
	assert.Equal(t, 4, capacity.GPUCount)
	assert.Equal(t, 2, capacity.RunningContainers)
	assert.Equal(t, uint64(52<<30), capacity.MemoryFreeBytes)
	assert.Equal(t, uint64(460<<30), capacity.DiskFreeBytes)
}

func TestCapacity_AvailableMemoryBelowHeadroom(t *testing.T) {
	inv := &inventory.FakeInventory{
		Totals: &inventory.HostResources{
			CPUCount:             4,
			MemoryTotalBytes:     16 << 30,
			MemoryAvailableBytes: 2 << 30,
			DiskFreeBytes:        10 << 30,
		},
	}
	rt := runtime.NewFakeRuntime()
	rt.AddContainer("task_1", runtime.ContainerStateRunning, map[string]string{LabelManaged: "true"})

	p, err := NewProvisioner(rt, inv, Config{}, zap.NewNop())
	require.NoError(t, err)

	capacity, err := p.Capacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2<<30), capacity.MemoryFreeBytes)
	assert.Zero(t, capacity.DiskFreeBytes)
}
