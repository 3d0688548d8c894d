package inventory

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rigmarket/rigagent/pkg/api"
)

// CommandRunner runs an external tool and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out.Bytes(), nil
}

var nvidiaQueryArgs = []string{
	"--query-gpu=index,name,memory.total,uuid,utilization.gpu",
	"--format=csv,noheader,nounits",
}

// parseNvidiaSMI parses the csv output of nvidia-smi for nvidiaQueryArgs.
// Fields reported as "[N/A]" or "[Not Supported]" read as zero.
func parseNvidiaSMI(out []byte) ([]api.GPUInfo, error) {
	var gpus []api.GPUInfo

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) < 5 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("unexpected GPU index %q: %w", fields[0], err)
		}

		memMiB, _ := strconv.ParseFloat(fields[2], 64)
		util, _ := strconv.ParseFloat(fields[4], 64)

		gpus = append(gpus, api.GPUInfo{
			Index:       index,
			Model:       fields[1],
			MemoryGB:    roundTo(memMiB/1024, 1),
			UUID:        fields[3],
			Utilization: util,
		})
	}

	return gpus, nil
}

// parseRAMType picks the memory type out of `dmidecode -t memory`
func parseRAMType(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Type:") {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(line, "Type:"))
		switch value {
		case "", "Unknown", "Other", "<OUT OF SPEC>":
			continue
		}
		return value
	}
	return "Unknown"
}
