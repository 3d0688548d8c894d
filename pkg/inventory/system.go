package inventory

import (
	"context"
	"fmt"
	"math"
	stdnet "net"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/rigmarket/rigagent/pkg/api"
)

const bytesPerGiB = 1 << 30

// Config configures the system inventory
type Config struct {
	// DiskPaths are the mount points reported in utilization samples
	DiskPaths []string

	// StoragePath is the filesystem holding container data, used for capacity
	StoragePath string

	// NetSampleWindow is how long the first network sample waits to measure throughput
	NetSampleWindow time.Duration
}

// SystemInventory implements Inventory with gopsutil and vendor tools
type SystemInventory struct {
	config Config
	logger *zap.Logger
	run    CommandRunner

	mu          sync.Mutex
	lastNet     *net.IOCountersStat
	lastNetTime time.Time
}

// NewSystemInventory creates a new system inventory
func NewSystemInventory(config Config, logger *zap.Logger) *SystemInventory {
	if len(config.DiskPaths) == 0 {
		config.DiskPaths = []string{"/"}
	}
	if config.StoragePath == "" {
		config.StoragePath = "/"
	}
	if config.NetSampleWindow == 0 {
		config.NetSampleWindow = 500 * time.Millisecond
	}

	return &SystemInventory{
		config: config,
		logger: logger,
		run:    execCommand,
	}
}

// CPUInfo returns one descriptor for the host CPU set
func (s *SystemInventory) CPUInfo(ctx context.Context) ([]api.CPUInfo, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu info: %w", err)
	}

	physical, err := cpu.CountsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to count physical cores: %w", err)
	}
	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to count logical cores: %w", err)
	}

	info := api.CPUInfo{
		Cores:   physical,
		Threads: logical,
	}
	if len(infos) > 0 {
		info.Model = strings.TrimSpace(infos[0].ModelName)
		info.FrequencyMHz = infos[0].Mhz
	}

	return []api.CPUInfo{info}, nil
}

// GPUInfo lists NVIDIA GPUs. A host without nvidia-smi has no GPUs.
func (s *SystemInventory) GPUInfo(ctx context.Context) ([]api.GPUInfo, error) {
	out, err := s.run(ctx, "nvidia-smi", nvidiaQueryArgs...)
	if err != nil {
		s.logger.Debug("nvidia-smi not available", zap.Error(err))
		return nil, nil
	}

	gpus, err := parseNvidiaSMI(out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse nvidia-smi output: %w", err)
	}

	return gpus, nil
}

// DiskInfo lists mounted physical filesystems
func (s *SystemInventory) DiskInfo(ctx context.Context) ([]api.DiskInfo, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	disks := make([]api.DiskInfo, 0, len(partitions))
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			s.logger.Debug("Skipping unreadable mount",
				zap.String("mountpoint", p.Mountpoint),
				zap.Error(err),
			)
			continue
		}
		disks = append(disks, api.DiskInfo{
			Device:     p.Device,
			Mountpoint: p.Mountpoint,
			FSType:     p.Fstype,
			TotalGB:    roundTo(float64(usage.Total)/bytesPerGiB, 1),
			FreeGB:     roundTo(float64(usage.Free)/bytesPerGiB, 1),
		})
	}

	return disks, nil
}

// NetworkInfo lists non-loopback interfaces
func (s *SystemInventory) NetworkInfo(ctx context.Context) ([]api.NetworkInfo, error) {
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	var result []api.NetworkInfo
	for _, iface := range ifaces {
		if isLoopback(iface.Flags) {
			continue
		}
		info := api.NetworkInfo{
			Name: iface.Name,
			MAC:  iface.HardwareAddr,
		}
		for _, addr := range iface.Addrs {
			info.Addresses = append(info.Addresses, addr.Addr)
		}
		result = append(result, info)
	}

	return result, nil
}

// HostInfo identifies the host
func (s *SystemInventory) HostInfo(ctx context.Context) (*HostInfo, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory info: %w", err)
	}

	info := &HostInfo{
		Hostname:   hi.Hostname,
		TotalRAMGB: roundTo(float64(vm.Total)/bytesPerGiB, 1),
		RAMType:    "Unknown",
	}

	if networks, err := s.NetworkInfo(ctx); err == nil {
		info.IPAddress = primaryIPv4(networks)
	}

	if out, err := s.run(ctx, "dmidecode", "-t", "memory"); err == nil {
		info.RAMType = parseRAMType(out)
	} else {
		s.logger.Debug("dmidecode not available", zap.Error(err))
	}

	info.CPUTemperature = s.cpuTemperature(ctx)

	return info, nil
}

// Utilization samples CPU, memory, disk, GPU and network usage
func (s *SystemInventory) Utilization(ctx context.Context) (*Utilization, error) {
	u := &Utilization{
		Timestamp:   time.Now(),
		DiskPercent: map[string]float64{},
		GPUPercent:  map[string]float64{},
	}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percents) > 0 {
		u.CPUPercent = roundTo(percents[0], 1)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory usage: %w", err)
	}
	u.MemoryPercent = roundTo(vm.UsedPercent, 1)

	for _, path := range s.config.DiskPaths {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			s.logger.Debug("Skipping unreadable disk path", zap.String("path", path), zap.Error(err))
			continue
		}
		u.DiskPercent[path] = roundTo(usage.UsedPercent, 1)
	}

	gpus, err := s.GPUInfo(ctx)
	if err != nil {
		s.logger.Warn("Failed to read GPU utilization", zap.Error(err))
	}
	for _, g := range gpus {
		u.GPUPercent[fmt.Sprintf("gpu%d", g.Index)] = g.Utilization
	}

	up, down, err := s.networkThroughput(ctx)
	if err != nil {
		s.logger.Debug("Failed to measure network throughput", zap.Error(err))
	}
	u.NetUpMbps, u.NetDownMbps = up, down

	return u, nil
}

// Resources reports host totals for capacity clamping
func (s *SystemInventory) Resources(ctx context.Context) (*HostResources, error) {
	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to count cpus: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory info: %w", err)
	}

	usage, err := disk.UsageWithContext(ctx, s.config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage of %s: %w", s.config.StoragePath, err)
	}

	gpus, err := s.GPUInfo(ctx)
	if err != nil {
		return nil, err
	}

	return &HostResources{
		CPUCount:             logical,
		MemoryTotalBytes:     vm.Total,
		MemoryAvailableBytes: vm.Available,
		DiskTotalBytes:       usage.Total,
		DiskFreeBytes:        usage.Free,
		GPUCount:             len(gpus),
	}, nil
}

// networkThroughput returns up/down Mbps since the previous call. The first
// call measures over NetSampleWindow.
func (s *SystemInventory) networkThroughput(ctx context.Context) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastNet == nil {
		first, err := totalNetCounters(ctx)
		if err != nil {
			return 0, 0, err
		}
		s.lastNet, s.lastNetTime = first, time.Now()

		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-time.After(s.config.NetSampleWindow):
		}
	}

	current, err := totalNetCounters(ctx)
	if err != nil {
		return 0, 0, err
	}
	now := time.Now()

	up, down := throughputMbps(*s.lastNet, *current, now.Sub(s.lastNetTime))
	s.lastNet, s.lastNetTime = current, now

	return up, down, nil
}

func totalNetCounters(ctx context.Context) (*net.IOCountersStat, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read network counters: %w", err)
	}
	if len(counters) == 0 {
		return nil, fmt.Errorf("no network counters reported")
	}
	return &counters[0], nil
}

func throughputMbps(before, after net.IOCountersStat, elapsed time.Duration) (float64, float64) {
	seconds := elapsed.Seconds()
	if seconds <= 0 || after.BytesSent < before.BytesSent || after.BytesRecv < before.BytesRecv {
		return 0, 0
	}
	up := float64(after.BytesSent-before.BytesSent) * 8 / 1e6 / seconds
	down := float64(after.BytesRecv-before.BytesRecv) * 8 / 1e6 / seconds
	return roundTo(up, 2), roundTo(down, 2)
}

func (s *SystemInventory) cpuTemperature(ctx context.Context) *float64 {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(temps) == 0 {
		s.logger.Debug("CPU temperature not readable", zap.Error(err))
		return nil
	}
	return pickCPUTemperature(temps)
}

// pickCPUTemperature prefers CPU package sensors and falls back to the first reading
func pickCPUTemperature(temps []host.TemperatureStat) *float64 {
	var fallback *float64
	for _, t := range temps {
		if t.Temperature <= 0 {
			continue
		}
		value := math.Trunc(t.Temperature)
		key := strings.ToLower(t.SensorKey)
		if strings.Contains(key, "coretemp") || strings.Contains(key, "k10temp") || strings.Contains(key, "cpu") {
			return &value
		}
		if fallback == nil {
			fallback = &value
		}
	}
	return fallback
}

func primaryIPv4(networks []api.NetworkInfo) string {
	for _, n := range networks {
		for _, addr := range n.Addresses {
			ip, _, err := stdnet.ParseCIDR(addr)
			if err != nil {
				ip = stdnet.ParseIP(addr)
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
				return ip.String()
			}
		}
	}
	return ""
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
