package runtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// maxLogLine bounds a single scanned log line
const maxLogLine = 1024 * 1024

// LogEntry is one line of container output
type LogEntry struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Stream    string    `json:"stream" yaml:"stream"`
	Log       string    `json:"log" yaml:"log"`
}

// GetContainerLogs returns the last tail lines of a container's stdout and
// stderr in timestamp order. tail <= 0 returns everything.
func (r *DockerRuntime) GetContainerLogs(ctx context.Context, nameOrID string, tail int) ([]LogEntry, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	rc, err := r.client.ContainerLogs(ctx, nameOrID, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, nameOrID)
		}
		return nil, fmt.Errorf("failed to read logs of %s: %w", nameOrID, err)
	}
	defer rc.Close()

	// Task containers run without a TTY, so the stream is multiplexed
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, fmt.Errorf("failed to demultiplex logs of %s: %w", nameOrID, err)
	}

	entries := r.scanLogs(&stdout, "stdout")
	entries = append(entries, r.scanLogs(&stderr, "stderr")...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	return tailEntries(entries, tail), nil
}

// scanLogs splits timestamped engine output into entries
func (r *DockerRuntime) scanLogs(reader io.Reader, stream string) []LogEntry {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)

	var entries []LogEntry
	for scanner.Scan() {
		entries = append(entries, parseLogLine(scanner.Text(), stream))
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("Error reading logs",
			zap.String("stream", stream),
			zap.Error(err),
		)
	}
	return entries
}

func parseLogLine(line, stream string) LogEntry {
	entry := LogEntry{Stream: stream, Log: line}
	if ts, rest, ok := strings.Cut(line, " "); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.Timestamp = t
			entry.Log = rest
		}
	}
	return entry
}

func tailEntries(entries []LogEntry, tail int) []LogEntry {
	if tail > 0 && len(entries) > tail {
		return entries[len(entries)-tail:]
	}
	return entries
}
