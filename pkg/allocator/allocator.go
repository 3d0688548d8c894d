// Package allocator turns a task's raw resource request into concrete,
// runtime-ready container parameters.
package allocator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rigmarket/rigagent/pkg/api"
)

// AllGPUs is the device spec granting every GPU on the host
const AllGPUs = "all"

const bytesPerGiB = 1 << 30

// Allocation is the resolved resource grant for one container. Zero values
// mean "not set": no GPU, no CPU pinning, runtime default memory and shm,
// no storage quota.
type Allocation struct {
	GPUs      string `json:"gpus,omitempty" yaml:"gpus,omitempty"`
	CPUSet    string `json:"cpuset,omitempty" yaml:"cpuset,omitempty"`
	MemoryGB  int    `json:"memory_gb,omitempty" yaml:"memory_gb,omitempty"`
	ShmGB     int    `json:"shm_gb,omitempty" yaml:"shm_gb,omitempty"`
	StorageGB int    `json:"storage_gb,omitempty" yaml:"storage_gb,omitempty"`
}

// Allocate resolves req into an Allocation. It never fails: entries it cannot
// read are dropped and logged at debug level.
func Allocate(req api.ResourceRequest, logger *zap.Logger) Allocation {
	var alloc Allocation

	alloc.GPUs = resolveGPUs(req, logger)
	alloc.CPUSet = resolveCPUSet(req.CPURanges, logger)

	if ram, present, err := api.Int(req.RAMGB); err != nil {
		logger.Debug("Ignoring unreadable RAM request",
			zap.String("ram_allocated_gb", string(req.RAMGB)),
			zap.Error(err),
		)
	} else if present && ram > 0 {
		alloc.MemoryGB = ram
		alloc.ShmGB = ShmFor(ram)
	}

	if storage, present, err := api.Int(req.StorageGB); err != nil {
		logger.Debug("Ignoring unreadable storage request",
			zap.String("storage_allocated_gb", string(req.StorageGB)),
			zap.Error(err),
		)
	} else if present && storage > 0 {
		alloc.StorageGB = storage
	}

	return alloc
}

// ShmFor returns the shared memory size for a RAM grant: half of it, at least 1 GiB.
func ShmFor(ramGB int) int {
	if ramGB <= 0 {
		return 0
	}
	if shm := ramGB / 2; shm > 1 {
		return shm
	}
	return 1
}

func resolveGPUs(req api.ResourceRequest, logger *zap.Logger) string {
	count, _, err := api.Int(req.GPURequired)
	if err != nil {
		logger.Debug("Ignoring unreadable GPU count",
			zap.String("gpu_required", string(req.GPURequired)),
			zap.Error(err),
		)
		return ""
	}
	if count <= 0 {
		return ""
	}

	if api.IsAbsent(req.GPUIndices) {
		return AllGPUs
	}

	entries, ok := decodeList(req.GPUIndices)
	if !ok {
		logger.Debug("GPU index list is not a list, granting all GPUs",
			zap.String("gpu_enabled_indices", string(req.GPUIndices)),
		)
		return AllGPUs
	}
	if len(entries) == 0 {
		return AllGPUs
	}

	indices := make([]string, 0, len(entries))
	for _, entry := range entries {
		idx, err := api.IntValue(entry)
		if err != nil {
			logger.Debug("Unreadable GPU index, granting all GPUs",
				zap.Any("index", entry),
				zap.Error(err),
			)
			return AllGPUs
		}
		indices = append(indices, strconv.Itoa(idx))
	}

	return strings.Join(indices, ",")
}

func resolveCPUSet(raw json.RawMessage, logger *zap.Logger) string {
	if api.IsAbsent(raw) {
		return ""
	}

	entries, ok := decodeList(raw)
	if !ok {
		logger.Debug("CPU range list is not a list, leaving CPUs unpinned",
			zap.String("cpu_allocated_ranges", string(raw)),
		)
		return ""
	}

	ranges := make([]string, 0, len(entries))
	for _, entry := range entries {
		pair, ok := entry.([]interface{})
		if !ok || len(pair) != 2 {
			logger.Debug("Dropping CPU range with wrong shape", zap.Any("range", entry))
			continue
		}
		start, err := api.IntValue(pair[0])
		if err != nil {
			logger.Debug("Dropping CPU range with unreadable start", zap.Any("range", entry), zap.Error(err))
			continue
		}
		end, err := api.IntValue(pair[1])
		if err != nil {
			logger.Debug("Dropping CPU range with unreadable end", zap.Any("range", entry), zap.Error(err))
			continue
		}
		ranges = append(ranges, fmt.Sprintf("%d-%d", start, end))
	}

	return strings.Join(ranges, ",")
}

func decodeList(raw json.RawMessage) ([]interface{}, bool) {
	var list []interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&list); err != nil {
		return nil, false
	}
	return list, true
}
