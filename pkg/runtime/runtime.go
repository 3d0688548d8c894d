package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// ErrContainerNotFound is returned when no container matches a name or ID
var ErrContainerNotFound = errors.New("container not found")

// Runtime defines the interface for container runtime operations
type Runtime interface {
	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (*Container, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	DeleteContainer(ctx context.Context, containerID string) error
	GetContainer(ctx context.Context, nameOrID string) (*Container, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]*Container, error)
	GetContainerStats(ctx context.Context, containerID string) (*ContainerStats, error)
	GetContainerLogs(ctx context.Context, nameOrID string, tail int) ([]LogEntry, error)

	// Image operations
	EnsureImage(ctx context.Context, image string) error

	// Engine
	Ping(ctx context.Context) error
	Info(ctx context.Context) (*Info, error)
	Close() error
}

// DockerRuntime implements Runtime using the Docker engine API
type DockerRuntime struct {
	client client.APIClient
	logger *zap.Logger
}

// RuntimeConfig contains configuration for the runtime
type RuntimeConfig struct {
	// Host is the engine endpoint, e.g. unix:///var/run/docker.sock. Empty
	// means DOCKER_HOST or the platform default.
	Host string

	// APIVersion pins the engine API version. Empty negotiates.
	APIVersion string

	// Timeout for the initial connection check
	Timeout time.Duration
}

// NewDockerRuntime connects to the Docker engine and verifies it responds
func NewDockerRuntime(config RuntimeConfig, logger *zap.Logger) (*DockerRuntime, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	opts := []client.Opt{client.FromEnv}
	if config.Host != "" {
		opts = append(opts, client.WithHost(config.Host))
	}
	if config.APIVersion != "" {
		opts = append(opts, client.WithVersion(config.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	logger.Info("Connecting to docker engine",
		zap.String("host", cli.DaemonHost()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	ping, err := cli.Ping(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to reach docker engine: %w", err)
	}

	logger.Info("Connected to docker engine",
		zap.String("api_version", ping.APIVersion),
		zap.String("os", ping.OSType),
	)

	return NewDockerRuntimeWithClient(cli, logger), nil
}

// NewDockerRuntimeWithClient wraps an existing engine client
func NewDockerRuntimeWithClient(cli client.APIClient, logger *zap.Logger) *DockerRuntime {
	return &DockerRuntime{
		client: cli,
		logger: logger,
	}
}

// Close closes the engine client
func (r *DockerRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks if the engine is responsive
func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Info returns engine facts the provisioner and environment checks need
func (r *DockerRuntime) Info(ctx context.Context) (*Info, error) {
	info, err := r.client.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get docker info: %w", err)
	}

	runtimes := make([]string, 0, len(info.Runtimes))
	for name := range info.Runtimes {
		runtimes = append(runtimes, name)
	}
	sort.Strings(runtimes)

	return &Info{
		ServerVersion: info.ServerVersion,
		Driver:        info.Driver,
		StorageQuota:  supportsStorageQuota(info.Driver, info.DriverStatus),
		NCPU:          info.NCPU,
		MemTotal:      info.MemTotal,
		Runtimes:      runtimes,
	}, nil
}

// supportsStorageQuota reports whether the storage driver accepts a "size"
// storage option. overlay2 needs an xfs backing filesystem for it.
func supportsStorageQuota(driver string, status [][2]string) bool {
	switch driver {
	case "devicemapper", "btrfs", "zfs", "windowsfilter":
		return true
	case "overlay2":
		for _, kv := range status {
			if kv[0] == "Backing Filesystem" && kv[1] == "xfs" {
				return true
			}
		}
	}
	return false
}
