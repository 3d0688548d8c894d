package inventory

import (
	"context"
	"sync"

	"github.com/rigmarket/rigagent/pkg/api"
)

// FakeInventory is a static Inventory for tests and dry runs
type FakeInventory struct {
	mu sync.Mutex

	Host      *HostInfo
	CPUs      []api.CPUInfo
	GPUs      []api.GPUInfo
	Disks     []api.DiskInfo
	Networks  []api.NetworkInfo
	Usage     *Utilization
	Totals    *HostResources
	HostErr   error
	GPUErr    error
	UsageErr  error
	UsageHits int
}

var _ Inventory = (*FakeInventory)(nil)

func (f *FakeInventory) CPUInfo(ctx context.Context) ([]api.CPUInfo, error) {
	return f.CPUs, nil
}

func (f *FakeInventory) GPUInfo(ctx context.Context) ([]api.GPUInfo, error) {
	if f.GPUErr != nil {
		return nil, f.GPUErr
	}
	return f.GPUs, nil
}

func (f *FakeInventory) DiskInfo(ctx context.Context) ([]api.DiskInfo, error) {
	return f.Disks, nil
}

func (f *FakeInventory) NetworkInfo(ctx context.Context) ([]api.NetworkInfo, error) {
	return f.Networks, nil
}

func (f *FakeInventory) HostInfo(ctx context.Context) (*HostInfo, error) {
	if f.HostErr != nil {
		return nil, f.HostErr
	}
	if f.Host == nil {
		return &HostInfo{RAMType: "Unknown"}, nil
	}
	return f.Host, nil
}

func (f *FakeInventory) Utilization(ctx context.Context) (*Utilization, error) {
	f.mu.Lock()
	f.UsageHits++
	f.mu.Unlock()

	if f.UsageErr != nil {
		return nil, f.UsageErr
	}
	if f.Usage == nil {
		return &Utilization{}, nil
	}
	return f.Usage, nil
}

func (f *FakeInventory) Resources(ctx context.Context) (*HostResources, error) {
	if f.Totals != nil {
		return f.Totals, nil
	}
	return &HostResources{
		CPUCount:             64,
		MemoryTotalBytes:     512 << 30,
		MemoryAvailableBytes: 512 << 30,
		DiskTotalBytes:       4 << 40,
		DiskFreeBytes:        4 << 40,
		GPUCount:             len(f.GPUs),
	}, nil
}

// Hits returns how many utilization samples were taken
func (f *FakeInventory) Hits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.UsageHits
}
