// Package provisioner launches task containers: create-or-reuse by a
// deterministic name, capacity clamping, port publishing and a readiness wait.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/rigmarket/rigagent/pkg/allocator"
	"github.com/rigmarket/rigagent/pkg/api"
	"github.com/rigmarket/rigagent/pkg/inventory"
	"github.com/rigmarket/rigagent/pkg/observability"
	"github.com/rigmarket/rigagent/pkg/runtime"
)

var (
	// ErrLaunchFailed is returned when the runtime refuses to create or start a container
	ErrLaunchFailed = errors.New("container launch failed")

	// ErrGPUUnavailable is returned for GPU tasks on hosts that cannot pass GPUs through
	ErrGPUUnavailable = errors.New("gpu unavailable")
)

// Labels set on every container the agent creates
const (
	LabelManaged   = "rigagent.managed"
	LabelTaskID    = "rigagent.task_id"
	LabelStorageGB = "rigagent.storage_gb"
)

const (
	sshContainerPort     = 22
	jupyterContainerPort = 8888
	maxPort              = 65535

	memlockUnlimited = -1
	stackLimitBytes  = 64 << 20

	stopTimeout = 10 * time.Second
)

// Status is the lifecycle state of a task container
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// ContainerRecord describes a provisioned task container
type ContainerRecord struct {
	ID          string               `json:"id" yaml:"id"`
	Name        string               `json:"name" yaml:"name"`
	TaskID      string               `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Image       string               `json:"image,omitempty" yaml:"image,omitempty"`
	SSHPort     int                  `json:"ssh_port,omitempty" yaml:"ssh_port,omitempty"`
	JupyterPort int                  `json:"jupyter_port,omitempty" yaml:"jupyter_port,omitempty"`
	Host        string               `json:"host,omitempty" yaml:"host,omitempty"`
	Status      Status               `json:"status" yaml:"status"`
	Allocation  allocator.Allocation `json:"allocation" yaml:"allocation"`
	Reused      bool                 `json:"reused" yaml:"reused"`
}

// Config contains provisioner configuration
type Config struct {
	// ReadinessInterval is the delay between readiness probes
	ReadinessInterval time.Duration

	// ReadinessTimeout bounds the readiness wait
	ReadinessTimeout time.Duration

	// ReadinessMode is "tcp" or "ssh"
	ReadinessMode string

	// ReadinessHost is dialled by the probe, the published ports live on the host
	ReadinessHost string

	// ContainerDiskGB is the disk each running container is assumed to use
	ContainerDiskGB int

	// NameWithUsername appends the SSH username to container names
	NameWithUsername bool

	// GPUPassthrough and StorageQuota are resolved once from the environment report
	GPUPassthrough bool
	StorageQuota   bool
}

// Validate fills defaults and rejects unusable values
func (c *Config) Validate() error {
	if c.ReadinessInterval == 0 {
		c.ReadinessInterval = 2 * time.Second
	}
	if c.ReadinessTimeout == 0 {
		c.ReadinessTimeout = 60 * time.Second
	}
	if c.ReadinessInterval < 0 {
		return fmt.Errorf("readiness interval must be positive, got %s", c.ReadinessInterval)
	}
	if c.ReadinessTimeout < 0 {
		return fmt.Errorf("readiness timeout must be positive, got %s", c.ReadinessTimeout)
	}
	if c.ReadinessMode == "" {
		c.ReadinessMode = ReadinessTCP
	}
	if c.ReadinessMode != ReadinessTCP && c.ReadinessMode != ReadinessSSH {
		return fmt.Errorf("unknown readiness mode %q", c.ReadinessMode)
	}
	if c.ReadinessHost == "" {
		c.ReadinessHost = "127.0.0.1"
	}
	if c.ContainerDiskGB == 0 {
		c.ContainerDiskGB = 20
	}
	if c.ContainerDiskGB < 0 {
		return fmt.Errorf("container disk estimate must not be negative")
	}
	return nil
}

// Provisioner creates task containers on the local runtime
type Provisioner struct {
	runtime   runtime.Runtime
	inventory inventory.Inventory
	config    Config
	logger    *zap.Logger

	prober   Prober
	portFree func(port int) bool
}

// Option customises a Provisioner
type Option func(*Provisioner)

// WithProber replaces the readiness prober selected by ReadinessMode
func WithProber(prober Prober) Option {
	return func(p *Provisioner) {
		p.prober = prober
	}
}

// WithPortCheck replaces the host port availability check
func WithPortCheck(free func(port int) bool) Option {
	return func(p *Provisioner) {
		p.portFree = free
	}
}

// NewProvisioner creates a new provisioner
func NewProvisioner(rt runtime.Runtime, inv inventory.Inventory, config Config, logger *zap.Logger, opts ...Option) (*Provisioner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &Provisioner{
		runtime:   rt,
		inventory: inv,
		config:    config,
		logger:    logger,
		prober:    newProber(config.ReadinessMode),
		portFree:  hostPortFree,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// SetGPUPassthrough records the result of the startup GPU check
func (p *Provisioner) SetGPUPassthrough(ok bool) {
	p.config.GPUPassthrough = ok
}

// SetStorageQuota records whether the storage driver enforces size quotas
func (p *Provisioner) SetStorageQuota(ok bool) {
	p.config.StorageQuota = ok
}

// ContainerName returns the deterministic container name of a task
func (p *Provisioner) ContainerName(taskID, username string) string {
	if p.config.NameWithUsername && username != "" {
		return fmt.Sprintf("task_%s_%s", taskID, username)
	}
	return "task_" + taskID
}

// Provision makes sure a container for the task is running. An existing
// running container is returned as is, a stopped one is started again.
func (p *Provisioner) Provision(ctx context.Context, spec api.TaskSpec, alloc allocator.Allocation) (*ContainerRecord, error) {
	ctx, span := observability.StartSpan(ctx, "provisioner.Provision",
		attribute.String("task.id", spec.ID),
		attribute.String("image", spec.Image),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		observability.ProvisionDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	logger := observability.ContextLogger(ctx, p.logger)
	name := p.ContainerName(spec.ID, spec.SSH.Username)
	span.SetAttributes(attribute.String("container.name", name))

	record, err := p.provision(ctx, logger, name, spec, alloc)
	if err != nil {
		observability.TasksTotal.WithLabelValues("failed").Inc()
		observability.RecordError(ctx, err)
		return nil, err
	}

	if record.Reused {
		observability.TasksTotal.WithLabelValues("reused").Inc()
	} else {
		observability.TasksTotal.WithLabelValues("started").Inc()
	}
	span.SetStatus(codes.Ok, "")

	return record, nil
}

func (p *Provisioner) provision(ctx context.Context, logger *zap.Logger, name string, spec api.TaskSpec, alloc allocator.Allocation) (*ContainerRecord, error) {
	existing, err := p.runtime.GetContainer(ctx, name)
	if err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
		return nil, fmt.Errorf("%w: failed to look up %s: %v", ErrLaunchFailed, name, err)
	}

	if existing != nil {
		return p.reuse(ctx, logger, existing, spec, alloc)
	}

	if alloc.GPURequested() && !p.config.GPUPassthrough {
		return nil, fmt.Errorf("%w: host cannot pass GPUs to containers", ErrGPUUnavailable)
	}

	capacity, err := p.Capacity(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	if alloc.GPURequested() && capacity.GPUCount == 0 {
		return nil, fmt.Errorf("%w: no GPUs on host", ErrGPUUnavailable)
	}

	alloc = clampAllocation(alloc, capacity, logger.With(zap.String("container", name)))

	jupyterPort := 0
	if spec.SSH.Port < maxPort {
		jupyterPort = spec.SSH.Port + 1
	}
	for _, port := range []int{spec.SSH.Port, jupyterPort} {
		if port != 0 && !p.portFree(port) {
			return nil, fmt.Errorf("%w: host port %d is already in use", ErrLaunchFailed, port)
		}
	}

	if err := p.runtime.EnsureImage(ctx, spec.Image); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	containerSpec := p.buildSpec(name, spec, alloc, jupyterPort)
	created, err := p.runtime.CreateContainer(ctx, containerSpec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	if err := p.runtime.StartContainer(ctx, created.ID); err != nil {
		if delErr := p.runtime.DeleteContainer(ctx, created.ID); delErr != nil {
			logger.Warn("Failed to remove container after start failure",
				zap.String("container_id", created.ID),
				zap.Error(delErr),
			)
		}
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	logger.Info("Container started",
		zap.String("container", name),
		zap.String("container_id", created.ID),
		zap.String("gpus", alloc.GPUs),
		zap.String("cpuset", alloc.CPUSet),
		zap.Int("memory_gb", alloc.MemoryGB),
		zap.Int("ssh_port", spec.SSH.Port),
	)

	record := &ContainerRecord{
		ID:          created.ID,
		Name:        name,
		TaskID:      spec.ID,
		Image:       spec.Image,
		SSHPort:     spec.SSH.Port,
		JupyterPort: jupyterPort,
		Host:        spec.SSH.Host,
		Status:      StatusCreating,
		Allocation:  alloc,
	}

	if err := p.waitReady(ctx, logger, record, spec.SSH); err != nil {
		return nil, err
	}
	record.Status = StatusRunning

	return record, nil
}

func (p *Provisioner) reuse(ctx context.Context, logger *zap.Logger, existing *runtime.Container, spec api.TaskSpec, alloc allocator.Allocation) (*ContainerRecord, error) {
	record := &ContainerRecord{
		ID:         existing.ID,
		Name:       existing.Name,
		TaskID:     spec.ID,
		Image:      existing.Image,
		SSHPort:    spec.SSH.Port,
		Host:       spec.SSH.Host,
		Status:     StatusRunning,
		Allocation: alloc,
		Reused:     true,
	}
	for _, pm := range existing.Ports {
		if pm.ContainerPort == jupyterContainerPort {
			record.JupyterPort = pm.HostPort
		}
	}

	if existing.Running() {
		logger.Info("Container already running, reusing it",
			zap.String("container", existing.Name),
			zap.String("container_id", existing.ID),
		)
		return record, nil
	}

	logger.Info("Starting existing container",
		zap.String("container", existing.Name),
		zap.String("container_id", existing.ID),
		zap.String("state", string(existing.State)),
	)
	if err := p.runtime.StartContainer(ctx, existing.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	record.Status = StatusCreating
	if err := p.waitReady(ctx, logger, record, spec.SSH); err != nil {
		return nil, err
	}
	record.Status = StatusRunning

	return record, nil
}

func (p *Provisioner) buildSpec(name string, spec api.TaskSpec, alloc allocator.Allocation, jupyterPort int) runtime.ContainerSpec {
	env := map[string]string{
		"SSH_USERNAME":               spec.SSH.Username,
		"SSH_PASSWORD":               spec.SSH.Password,
		"JUPYTER_TOKEN":              spec.SSH.Password,
		"NVIDIA_DRIVER_CAPABILITIES": "compute,utility",
	}
	if alloc.GPURequested() {
		env["NVIDIA_VISIBLE_DEVICES"] = alloc.GPUs
	}

	labels := map[string]string{
		LabelManaged: "true",
		LabelTaskID:  spec.ID,
	}

	ports := []runtime.PortMapping{
		{HostPort: spec.SSH.Port, ContainerPort: sshContainerPort, Protocol: "tcp"},
	}
	if jupyterPort != 0 {
		ports = append(ports, runtime.PortMapping{HostPort: jupyterPort, ContainerPort: jupyterContainerPort, Protocol: "tcp"})
	}

	limits := runtime.ResourceLimits{
		CPUSet:          alloc.CPUSet,
		MemoryBytes:     alloc.MemoryBytes(),
		MemorySwapBytes: alloc.MemoryBytes(),
		ShmBytes:        alloc.ShmBytes(),
	}
	if alloc.StorageGB > 0 {
		if p.config.StorageQuota {
			limits.StorageSize = alloc.StorageFlag()
		} else {
			labels[LabelStorageGB] = strconv.Itoa(alloc.StorageGB)
		}
	}
	switch {
	case alloc.AllGPUs():
		limits.GPUs.All = true
	case alloc.GPURequested():
		for _, idx := range alloc.GPUIndices() {
			limits.GPUs.DeviceIDs = append(limits.GPUs.DeviceIDs, strconv.Itoa(idx))
		}
	}

	return runtime.ContainerSpec{
		Name:      name,
		Image:     spec.Image,
		Env:       env,
		Labels:    labels,
		Resources: limits,
		Ports:     ports,
		Mounts: []runtime.Mount{
			{Source: name + "-work", Destination: "/work"},
		},
		RestartPolicy: runtime.RestartPolicy{Name: "unless-stopped"},
		HostIPC:       true,
		Ulimits: []runtime.Ulimit{
			{Name: "memlock", Soft: memlockUnlimited, Hard: memlockUnlimited},
			{Name: "stack", Soft: stackLimitBytes, Hard: stackLimitBytes},
		},
	}
}

// waitReady probes the SSH port until it answers. A timeout is tolerated
// when the runtime still reports the container as running.
func (p *Provisioner) waitReady(ctx context.Context, logger *zap.Logger, record *ContainerRecord, target api.SSHTarget) error {
	err := waitFor(ctx, p.prober, ProbeTarget{
		Address:  fmt.Sprintf("%s:%d", p.config.ReadinessHost, target.Port),
		Username: target.Username,
		Password: target.Password,
	}, p.config.ReadinessInterval, p.config.ReadinessTimeout)
	if err == nil {
		logger.Info("Container SSH ready",
			zap.String("container", record.Name),
			zap.Int("ssh_port", target.Port),
		)
		return nil
	}

	current, inspectErr := p.runtime.GetContainer(ctx, record.ID)
	if inspectErr == nil && current.Running() {
		logger.Warn("SSH readiness not confirmed, container is running",
			zap.String("container", record.Name),
			zap.Error(err),
		)
		return nil
	}

	record.Status = StatusFailed
	return fmt.Errorf("%w: container %s is not running after readiness wait: %v", ErrLaunchFailed, record.Name, err)
}

// Remove stops and removes the container of a task
func (p *Provisioner) Remove(ctx context.Context, taskID, username string) error {
	name := p.ContainerName(taskID, username)

	c, err := p.runtime.GetContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to find container %s: %w", name, err)
	}

	if c.Running() {
		if err := p.runtime.StopContainer(ctx, c.ID, stopTimeout); err != nil {
			return fmt.Errorf("failed to stop container %s: %w", name, err)
		}
	}

	if err := p.runtime.DeleteContainer(ctx, c.ID); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}

	p.logger.Info("Container removed",
		zap.String("container", name),
		zap.String("container_id", c.ID),
	)

	return nil
}

// Logs returns the last tail lines of a task container's output
func (p *Provisioner) Logs(ctx context.Context, taskID, username string, tail int) ([]runtime.LogEntry, error) {
	name := p.ContainerName(taskID, username)

	entries, err := p.runtime.GetContainerLogs(ctx, name, tail)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of container %s: %w", name, err)
	}
	return entries, nil
}

// List returns the containers created by the agent
func (p *Provisioner) List(ctx context.Context) ([]*ContainerRecord, error) {
	containers, err := p.runtime.ListContainers(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	records := make([]*ContainerRecord, 0, len(containers))
	for _, c := range containers {
		record := &ContainerRecord{
			ID:     c.ID,
			Name:   c.Name,
			TaskID: c.Labels[LabelTaskID],
			Image:  c.Image,
			Status: statusOf(c),
		}
		for _, pm := range c.Ports {
			switch pm.ContainerPort {
			case sshContainerPort:
				record.SSHPort = pm.HostPort
			case jupyterContainerPort:
				record.JupyterPort = pm.HostPort
			}
		}
		records = append(records, record)
	}

	return records, nil
}

func statusOf(c *runtime.Container) Status {
	switch c.State {
	case runtime.ContainerStateRunning, runtime.ContainerStateRestarting:
		return StatusRunning
	case runtime.ContainerStateCreated:
		return StatusCreating
	case runtime.ContainerStateDead:
		return StatusFailed
	default:
		return StatusStopped
	}
}
