package runtime

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type notFoundError struct{ msg string }

func (e notFoundError) Error() string { return e.msg }
func (e notFoundError) NotFound()     {}

// fakeDockerClient implements the engine calls the runtime uses. Anything
// else panics through the nil embedded interface.
type fakeDockerClient struct {
	client.APIClient

	info       system.Info
	pingErr    error
	containers map[string]container.InspectResponse
	summaries  []container.Summary
	images     map[string]bool

	created    []string
	lastConfig *container.Config
	lastHost   *container.HostConfig
	listOpts   container.ListOptions
	pulled     []string
	pullBody   string
	statsBody  string
	logsBody   []byte
	logsOpts   container.LogsOptions
}

func (f *fakeDockerClient) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, f.pingErr
}

func (f *fakeDockerClient) Info(ctx context.Context) (system.Info, error) {
	return f.info, nil
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.created = append(f.created, containerName)
	f.lastConfig = config
	f.lastHost = hostConfig
	return container.CreateResponse{ID: "id-" + containerName}, nil
}

func (f *fakeDockerClient) ContainerInspect(ctx context.Context, nameOrID string) (container.InspectResponse, error) {
	resp, ok := f.containers[nameOrID]
	if !ok {
		return container.InspectResponse{}, notFoundError{msg: "No such container: " + nameOrID}
	}
	return resp, nil
}

func (f *fakeDockerClient) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.listOpts = options
	return f.summaries, nil
}

func (f *fakeDockerClient) ImageInspect(ctx context.Context, ref string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	if f.images[ref] {
		return image.InspectResponse{ID: "sha256:" + ref}, nil
	}
	return image.InspectResponse{}, notFoundError{msg: "No such image: " + ref}
}

func (f *fakeDockerClient) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	body := f.pullBody
	if body == "" {
		body = `{"status":"Downloaded newer image"}`
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeDockerClient) ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error) {
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader(f.statsBody))}, nil
}

func (f *fakeDockerClient) ContainerLogs(ctx context.Context, nameOrID string, options container.LogsOptions) (io.ReadCloser, error) {
	if _, ok := f.containers[nameOrID]; !ok {
		return nil, notFoundError{msg: "No such container: " + nameOrID}
	}
	f.logsOpts = options
	return io.NopCloser(bytes.NewReader(f.logsBody)), nil
}

func (f *fakeDockerClient) Close() error { return nil }
