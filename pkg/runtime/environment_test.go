package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/api/types/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEnvironmentManager_Ensure(t *testing.T) {
	fake := &fakeDockerClient{info: system.Info{ServerVersion: "28.5.2", Driver: "btrfs"}}
	m := NewEnvironmentManager(NewDockerRuntimeWithClient(fake, zap.NewNop()), zap.NewNop())
	m.geteuid = func() int { return 1000 }

	report, err := m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "28.5.2", report.ServerVersion)
	assert.True(t, report.StorageQuota)
	assert.False(t, report.GPUPassthrough, "passthrough is only set by VerifyGPUPassthrough")
}

func TestEnvironmentManager_EnsureWarnsWhenRoot(t *testing.T) {
	fake := &fakeDockerClient{info: system.Info{ServerVersion: "28.5.2", Driver: "overlay2"}}
	core, logs := observer.New(zapcore.WarnLevel)
	m := NewEnvironmentManager(NewDockerRuntimeWithClient(fake, zap.NewNop()), zap.New(core))

	m.geteuid = func() int { return 1000 }
	_, err := m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessage("Agent is running as root, a docker group member is enough").Len())

	m.geteuid = func() int { return 0 }
	_, err = m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("Agent is running as root, a docker group member is enough").Len())
}

func TestEnvironmentManager_EnsureUnreachable(t *testing.T) {
	fake := &fakeDockerClient{pingErr: errors.New("permission denied while trying to connect to the Docker daemon socket")}
	m := NewEnvironmentManager(NewDockerRuntimeWithClient(fake, zap.NewNop()), zap.NewNop())

	_, err := m.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntimeUnavailable))
	assert.Contains(t, err.Error(), "permission denied")
}

func TestEnvironmentManager_VerifyGPUPassthrough(t *testing.T) {
	tests := []struct {
		name     string
		runtimes map[string]system.RuntimeWithStatus
		want     bool
	}{
		{"nvidia runtime registered", map[string]system.RuntimeWithStatus{"runc": {}, "nvidia": {}}, true},
		{"runc only", map[string]system.RuntimeWithStatus{"runc": {}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeDockerClient{info: system.Info{Runtimes: tt.runtimes}}
			m := NewEnvironmentManager(NewDockerRuntimeWithClient(fake, zap.NewNop()), zap.NewNop())

			report := &EnvironmentReport{}
			require.NoError(t, m.VerifyGPUPassthrough(context.Background(), report))
			assert.Equal(t, tt.want, report.GPUPassthrough)
		})
	}
}
