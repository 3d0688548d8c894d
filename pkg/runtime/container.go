package runtime

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// NVIDIA device requests are matched by the "gpu" capability
var gpuCapabilities = [][]string{{"gpu"}}

// CreateContainer creates a new container from the spec. The image must
// already be present; see EnsureImage.
func (r *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (*Container, error) {
	r.logger.Info("Creating container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
	)

	config, hostConfig, err := buildContainerConfig(spec)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	for _, warning := range resp.Warnings {
		r.logger.Warn("Docker create warning",
			zap.String("name", spec.Name),
			zap.String("warning", warning),
		)
	}

	r.logger.Info("Container created",
		zap.String("id", resp.ID),
		zap.String("name", spec.Name),
	)

	return &Container{
		ID:        resp.ID,
		Name:      spec.Name,
		Image:     spec.Image,
		State:     ContainerStateCreated,
		CreatedAt: time.Now(),
		Labels:    spec.Labels,
		Ports:     spec.Ports,
	}, nil
}

// buildContainerConfig translates a ContainerSpec into engine create options
func buildContainerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pm := range spec.Ports {
		proto := pm.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(pm.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %d: %w", pm.ContainerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   pm.HostIP,
			HostPort: strconv.Itoa(pm.HostPort),
		})
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		bind := m.Source + ":" + m.Destination
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Binds:        binds,
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.RestartPolicy.Name),
			MaximumRetryCount: spec.RestartPolicy.MaximumRetryCount,
		},
		ShmSize: spec.Resources.ShmBytes,
		Resources: container.Resources{
			CpusetCpus: spec.Resources.CPUSet,
			Memory:     spec.Resources.MemoryBytes,
			MemorySwap: spec.Resources.MemorySwapBytes,
		},
	}

	if spec.HostIPC {
		hostConfig.IpcMode = container.IPCModeHost
	}

	for _, u := range spec.Ulimits {
		hostConfig.Resources.Ulimits = append(hostConfig.Resources.Ulimits, &container.Ulimit{
			Name: u.Name,
			Soft: u.Soft,
			Hard: u.Hard,
		})
	}

	if spec.Resources.StorageSize != "" {
		hostConfig.StorageOpt = map[string]string{"size": spec.Resources.StorageSize}
	}

	if gpus := spec.Resources.GPUs; gpus.Requested() {
		req := container.DeviceRequest{
			Driver:       "nvidia",
			Capabilities: gpuCapabilities,
		}
		if gpus.All {
			req.Count = -1
		} else {
			req.DeviceIDs = gpus.DeviceIDs
		}
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{req}
	}

	return config, hostConfig, nil
}

// StartContainer starts a created or stopped container
func (r *DockerRuntime) StartContainer(ctx context.Context, containerID string) error {
	r.logger.Info("Starting container", zap.String("id", containerID))

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}

	return nil
}

// StopContainer stops a container, killing it after timeout
func (r *DockerRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	r.logger.Info("Stopping container",
		zap.String("id", containerID),
		zap.Duration("timeout", timeout),
	)

	seconds := int(timeout.Seconds())
	if err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}

	return nil
}

// DeleteContainer force-removes a container. Named volumes are kept so a
// tenant's /work survives re-provisioning.
func (r *DockerRuntime) DeleteContainer(ctx context.Context, containerID string) error {
	r.logger.Info("Deleting container", zap.String("id", containerID))

	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		return fmt.Errorf("failed to delete container %s: %w", containerID, err)
	}

	return nil
}

// GetContainer inspects a container by name or ID
func (r *DockerRuntime) GetContainer(ctx context.Context, nameOrID string) (*Container, error) {
	resp, err := r.client.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, nameOrID)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}

	return inspectToContainer(resp), nil
}

// ListContainers lists all containers, running or not, carrying every given label
func (r *DockerRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]*Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	summaries, err := r.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]*Container, 0, len(summaries))
	for _, s := range summaries {
		result = append(result, summaryToContainer(s))
	}

	return result, nil
}

func inspectToContainer(resp container.InspectResponse) *Container {
	c := &Container{State: ContainerStateUnknown}

	if resp.ContainerJSONBase != nil {
		c.ID = resp.ID
		c.Name = strings.TrimPrefix(resp.Name, "/")
		if created, err := time.Parse(time.RFC3339Nano, resp.Created); err == nil {
			c.CreatedAt = created
		}
		if resp.State != nil {
			c.State = mapState(resp.State.Status)
			c.Status = resp.State.Status
		}
		if resp.HostConfig != nil {
			c.Ports = portsFromBindings(resp.HostConfig.PortBindings)
		}
	}

	if resp.Config != nil {
		c.Image = resp.Config.Image
		c.Labels = resp.Config.Labels
	}

	return c
}

func summaryToContainer(s container.Summary) *Container {
	c := &Container{
		ID:        s.ID,
		Image:     s.Image,
		State:     mapState(s.State),
		Status:    s.Status,
		CreatedAt: time.Unix(s.Created, 0),
		Labels:    s.Labels,
	}
	if len(s.Names) > 0 {
		c.Name = strings.TrimPrefix(s.Names[0], "/")
	}
	for _, p := range s.Ports {
		if p.PublicPort == 0 {
			continue
		}
		c.Ports = append(c.Ports, PortMapping{
			HostPort:      int(p.PublicPort),
			ContainerPort: int(p.PrivatePort),
			Protocol:      p.Type,
			HostIP:        p.IP,
		})
	}
	return c
}

func portsFromBindings(bindings nat.PortMap) []PortMapping {
	var ports []PortMapping
	for port, bs := range bindings {
		for _, b := range bs {
			hostPort, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			ports = append(ports, PortMapping{
				HostPort:      hostPort,
				ContainerPort: port.Int(),
				Protocol:      port.Proto(),
				HostIP:        b.HostIP,
			})
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].ContainerPort < ports[j].ContainerPort })
	return ports
}

func mapState(status string) ContainerState {
	switch status {
	case container.StateCreated:
		return ContainerStateCreated
	case container.StateRunning:
		return ContainerStateRunning
	case container.StatePaused:
		return ContainerStatePaused
	case container.StateRestarting:
		return ContainerStateRestarting
	case container.StateExited:
		return ContainerStateStopped
	case container.StateDead:
		return ContainerStateDead
	default:
		return ContainerStateUnknown
	}
}
