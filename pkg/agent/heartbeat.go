package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rigmarket/rigagent/pkg/inventory"
	"github.com/rigmarket/rigagent/pkg/observability"
)

// HeartbeatReporter pushes utilization samples on a fixed period
type HeartbeatReporter struct {
	agentID   string
	client    ControlPlane
	inventory inventory.Inventory
	interval  time.Duration
	logger    *zap.Logger
}

// NewHeartbeatReporter creates a new heartbeat reporter
func NewHeartbeatReporter(agentID string, client ControlPlane, inv inventory.Inventory, interval time.Duration, logger *zap.Logger) *HeartbeatReporter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &HeartbeatReporter{
		agentID:   agentID,
		client:    client,
		inventory: inv,
		interval:  interval,
		logger:    logger,
	}
}

// Run sends a heartbeat every interval until ctx is cancelled. The first one
// goes out one interval after start.
func (h *HeartbeatReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Send(ctx); err != nil {
				h.logger.Warn("Failed to send heartbeat", zap.Error(err))
			}
		}
	}
}

// Send samples utilization and pushes one heartbeat
func (h *HeartbeatReporter) Send(ctx context.Context) error {
	usage, err := h.inventory.Utilization(ctx)
	if err != nil {
		observability.HeartbeatsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to sample utilization: %w", err)
	}

	heartbeat := inventory.HeartbeatFrom(usage)

	h.logger.Debug("Sending heartbeat",
		zap.Float64("cpu_percent", heartbeat.CPUUsage),
		zap.Float64("memory_percent", heartbeat.MemoryUsage),
		zap.Int("gpus", len(heartbeat.GPUUsage)),
	)

	ctx = observability.WithAgentID(ctx, h.agentID)
	if err := h.client.Heartbeat(ctx, h.agentID, heartbeat); err != nil {
		observability.HeartbeatsTotal.WithLabelValues("failure").Inc()
		return err
	}

	observability.HeartbeatsTotal.WithLabelValues("success").Inc()
	return nil
}
