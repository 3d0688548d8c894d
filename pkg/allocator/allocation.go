package allocator

import (
	"fmt"
	"strconv"
	"strings"
)

// GPURequested reports whether the allocation asks for any GPU
func (a Allocation) GPURequested() bool {
	return a.GPUs != ""
}

// AllGPUs reports whether the allocation grants every GPU on the host
func (a Allocation) AllGPUs() bool {
	return a.GPUs == AllGPUs
}

// GPUIndices returns the explicit device indices, or nil for "all" or none
func (a Allocation) GPUIndices() []int {
	if a.GPUs == "" || a.GPUs == AllGPUs {
		return nil
	}
	var out []int
	for _, part := range strings.Split(a.GPUs, ",") {
		if idx, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, idx)
		}
	}
	return out
}

// CPURange is an inclusive range of CPU indices
type CPURange struct {
	Start int
	End   int
}

func (r CPURange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// CPURanges parses the cpuset back into ranges
func (a Allocation) CPURanges() []CPURange {
	if a.CPUSet == "" {
		return nil
	}
	var out []CPURange
	for _, part := range strings.Split(a.CPUSet, ",") {
		bounds := strings.SplitN(part, "-", 2)
		start, err := strconv.Atoi(bounds[0])
		if err != nil {
			continue
		}
		end := start
		if len(bounds) == 2 {
			if end, err = strconv.Atoi(bounds[1]); err != nil {
				continue
			}
		}
		out = append(out, CPURange{Start: start, End: end})
	}
	return out
}

// FormatCPUSet renders ranges as a cpuset string
func FormatCPUSet(ranges []CPURange) string {
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}

// FormatGPUIndices renders device indices as a comma-joined list
func FormatGPUIndices(indices []int) string {
	parts := make([]string, 0, len(indices))
	for _, idx := range indices {
		parts = append(parts, strconv.Itoa(idx))
	}
	return strings.Join(parts, ",")
}

// MemoryBytes returns the memory limit in bytes, 0 when unset
func (a Allocation) MemoryBytes() int64 {
	return int64(a.MemoryGB) * bytesPerGiB
}

// ShmBytes returns the shared memory size in bytes, 0 when unset
func (a Allocation) ShmBytes() int64 {
	return int64(a.ShmGB) * bytesPerGiB
}

// MemoryFlag renders the memory limit the way the docker CLI accepts it ("4g")
func (a Allocation) MemoryFlag() string {
	return gigabytesFlag(a.MemoryGB)
}

// ShmFlag renders the shared memory size the way the docker CLI accepts it ("2g")
func (a Allocation) ShmFlag() string {
	return gigabytesFlag(a.ShmGB)
}

// StorageFlag renders the storage quota as a storage-opt size ("50G")
func (a Allocation) StorageFlag() string {
	if a.StorageGB <= 0 {
		return ""
	}
	return fmt.Sprintf("%dG", a.StorageGB)
}

func gigabytesFlag(gb int) string {
	if gb <= 0 {
		return ""
	}
	return fmt.Sprintf("%dg", gb)
}
