package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeRuntime is an in-memory Runtime for tests of the layers above the engine
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*Container
	specs      map[string]ContainerSpec
	stats      map[string]*ContainerStats
	logs       map[string][]LogEntry
	nextID     int

	EngineInfo Info
	PingErr    error
	CreateErr  error
	StartErr   error
	ImageErr   error

	CreateCalls int
	StartCalls  int
	DeleteCalls int
	Images      []string
}

var _ Runtime = (*FakeRuntime)(nil)

// NewFakeRuntime returns an empty fake engine using the overlay2 driver
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]*Container),
		specs:      make(map[string]ContainerSpec),
		stats:      make(map[string]*ContainerStats),
		logs:       make(map[string][]LogEntry),
		EngineInfo: Info{ServerVersion: "28.5.2", Driver: "overlay2"},
	}
}

// AddContainer seeds a container and returns it
func (f *FakeRuntime) AddContainer(name string, state ContainerState, labels map[string]string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	c := &Container{
		ID:        fmt.Sprintf("c%04d", f.nextID),
		Name:      name,
		State:     state,
		CreatedAt: time.Now(),
		Labels:    labels,
	}
	f.containers[c.ID] = c
	return c
}

// SetStats sets the usage sample returned for a container
func (f *FakeRuntime) SetStats(containerID string, stats *ContainerStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[containerID] = stats
}

// SetLogs sets the output returned for a container
func (f *FakeRuntime) SetLogs(containerID string, entries []LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[containerID] = entries
}

// Spec returns the spec a container was created with
func (f *FakeRuntime) Spec(name string) (ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[name]
	return spec, ok
}

func (f *FakeRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (*Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateCalls++
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	if f.lookup(spec.Name) != nil {
		return nil, fmt.Errorf("container name %q already in use", spec.Name)
	}

	f.nextID++
	c := &Container{
		ID:        fmt.Sprintf("c%04d", f.nextID),
		Name:      spec.Name,
		Image:     spec.Image,
		State:     ContainerStateCreated,
		CreatedAt: time.Now(),
		Labels:    spec.Labels,
		Ports:     spec.Ports,
	}
	f.containers[c.ID] = c
	f.specs[spec.Name] = spec
	copied := *c
	return &copied, nil
}

func (f *FakeRuntime) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.StartCalls++
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return ErrContainerNotFound
	}
	c.State = ContainerStateRunning
	return nil
}

func (f *FakeRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return ErrContainerNotFound
	}
	c.State = ContainerStateStopped
	return nil
}

func (f *FakeRuntime) DeleteContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DeleteCalls++
	c, ok := f.containers[containerID]
	if !ok {
		return ErrContainerNotFound
	}
	delete(f.containers, containerID)
	delete(f.specs, c.Name)
	return nil
}

func (f *FakeRuntime) GetContainer(ctx context.Context, nameOrID string) (*Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.lookup(nameOrID)
	if c == nil {
		return nil, ErrContainerNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *FakeRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]*Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []*Container
	for _, c := range f.containers {
		if matchLabels(c.Labels, labels) {
			copied := *c
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (f *FakeRuntime) GetContainerStats(ctx context.Context, containerID string) (*ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.containers[containerID]; !ok {
		return nil, ErrContainerNotFound
	}
	if s, ok := f.stats[containerID]; ok {
		return s, nil
	}
	return &ContainerStats{Timestamp: time.Now()}, nil
}

func (f *FakeRuntime) GetContainerLogs(ctx context.Context, nameOrID string, tail int) ([]LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.lookup(nameOrID)
	if c == nil {
		return nil, ErrContainerNotFound
	}
	return tailEntries(f.logs[c.ID], tail), nil
}

func (f *FakeRuntime) EnsureImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ImageErr != nil {
		return f.ImageErr
	}
	f.Images = append(f.Images, image)
	return nil
}

func (f *FakeRuntime) Ping(ctx context.Context) error {
	return f.PingErr
}

func (f *FakeRuntime) Info(ctx context.Context) (*Info, error) {
	if f.PingErr != nil {
		return nil, f.PingErr
	}
	info := f.EngineInfo
	return &info, nil
}

func (f *FakeRuntime) Close() error {
	return nil
}

func (f *FakeRuntime) lookup(nameOrID string) *Container {
	if c, ok := f.containers[nameOrID]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.Name == nameOrID {
			return c
		}
	}
	return nil
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
