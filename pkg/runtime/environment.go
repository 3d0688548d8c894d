package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// ErrRuntimeUnavailable is returned when the engine cannot be reached by the agent's user
var ErrRuntimeUnavailable = errors.New("container runtime unavailable")

// NvidiaRuntime is the OCI runtime name registered by the NVIDIA container toolkit
const NvidiaRuntime = "nvidia"

// EnvironmentReport is resolved once at startup and threaded into the
// provisioner as plain configuration.
type EnvironmentReport struct {
	ServerVersion  string
	Driver         string
	StorageQuota   bool
	GPUPassthrough bool
}

// EnvironmentManager checks the preconditions the provisioner relies on
type EnvironmentManager struct {
	runtime Runtime
	logger  *zap.Logger
	geteuid func() int
}

// NewEnvironmentManager creates a new environment manager
func NewEnvironmentManager(rt Runtime, logger *zap.Logger) *EnvironmentManager {
	return &EnvironmentManager{
		runtime: rt,
		logger:  logger,
		geteuid: os.Geteuid,
	}
}

// Ensure verifies the engine is reachable without privilege escalation and
// records its storage capabilities.
func (m *EnvironmentManager) Ensure(ctx context.Context) (*EnvironmentReport, error) {
	if err := m.runtime.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v (is the agent user in the docker group?)", ErrRuntimeUnavailable, err)
	}

	info, err := m.runtime.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	report := &EnvironmentReport{
		ServerVersion: info.ServerVersion,
		Driver:        info.Driver,
		StorageQuota:  info.StorageQuota,
	}

	m.logger.Info("Container runtime ready",
		zap.String("server_version", report.ServerVersion),
		zap.String("storage_driver", report.Driver),
		zap.Bool("storage_quota", report.StorageQuota),
	)

	if m.geteuid() == 0 {
		m.logger.Warn("Agent is running as root, a docker group member is enough")
	}

	if !report.StorageQuota {
		m.logger.Warn("Storage driver does not support per-container quotas, storage grants will not be enforced",
			zap.String("storage_driver", report.Driver),
		)
	}

	return report, nil
}

// VerifyGPUPassthrough checks that the engine can hand GPUs to containers and
// records the result in report.
func (m *EnvironmentManager) VerifyGPUPassthrough(ctx context.Context, report *EnvironmentReport) error {
	info, err := m.runtime.Info(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	report.GPUPassthrough = info.HasRuntime(NvidiaRuntime)
	if report.GPUPassthrough {
		m.logger.Info("GPU passthrough available", zap.Strings("runtimes", info.Runtimes))
	} else {
		m.logger.Warn("GPU passthrough not available, GPU tasks will be rejected",
			zap.Strings("runtimes", info.Runtimes),
		)
	}

	return nil
}
