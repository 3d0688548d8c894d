package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rigmarket/rigagent/pkg/agent"
	"github.com/rigmarket/rigagent/pkg/api"
	"github.com/rigmarket/rigagent/pkg/inventory"
	"github.com/rigmarket/rigagent/pkg/provisioner"
	"github.com/rigmarket/rigagent/pkg/runtime"
)

func TestNewOutputter(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		want    OutputFormat
		wantErr bool
	}{
		{name: "json", format: "json", want: OutputJSON},
		{name: "yaml", format: "yaml", want: OutputYAML},
		{name: "table", format: "table", want: OutputTable},
		{name: "empty defaults to table", format: "", want: OutputTable},
		{name: "unknown", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NewOutputter(tt.format, &bytes.Buffer{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Format())
		})
	}
}

func TestOutputter_Print(t *testing.T) {
	data := map[string]int{"value": 42}
	table := func() ([]string, [][]string) {
		return []string{"Key", "Value"}, [][]string{{"value", "42"}}
	}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		out, err := NewOutputter("json", &buf)
		require.NoError(t, err)
		require.NoError(t, out.Print(data, table))
		assert.JSONEq(t, `{"value": 42}`, buf.String())
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		out, err := NewOutputter("yaml", &buf)
		require.NoError(t, err)
		require.NoError(t, out.Print(data, table))
		assert.Equal(t, "value: 42\n", buf.String())
	})

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		out, err := NewOutputter("table", &buf)
		require.NoError(t, err)
		require.NoError(t, out.Print(data, table))
		assert.Contains(t, strings.ToUpper(buf.String()), "KEY")
		assert.Contains(t, buf.String(), "42")
	})
}

func TestPrintSnapshot(t *testing.T) {
	inv := &inventory.FakeInventory{
		GPUs: []api.GPUInfo{{Index: 0, Model: "RTX 4090", MemoryGB: 24}},
	}
	snapshot := inventory.BuildSnapshot(context.Background(), inv, "Berlin", zap.NewNop())

	var buf bytes.Buffer
	out, err := NewOutputter("table", &buf)
	require.NoError(t, err)
	require.NoError(t, printSnapshot(out, snapshot))

	assert.Contains(t, buf.String(), "Berlin")
	assert.Contains(t, buf.String(), "RTX 4090 (24 GB)")

	buf.Reset()
	out, err = NewOutputter("json", &buf)
	require.NoError(t, err)
	require.NoError(t, printSnapshot(out, snapshot))

	var decoded api.SystemSnapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "Berlin", decoded.Location)
	assert.Len(t, decoded.HardwareInfo.GPUs, 1)
}

func TestShowIdentity(t *testing.T) {
	store := agent.NewIdentityStore(t.TempDir())

	var buf bytes.Buffer
	require.NoError(t, showIdentity(&buf, store))
	assert.Contains(t, buf.String(), "Not registered")

	require.NoError(t, store.Save("agent-7"))
	buf.Reset()
	require.NoError(t, showIdentity(&buf, store))
	assert.Equal(t, "agent-7\n", buf.String())
}

func TestListContainers(t *testing.T) {
	rt := runtime.NewFakeRuntime()
	c := rt.AddContainer("task_42", runtime.ContainerStateRunning, map[string]string{
		provisioner.LabelManaged: "true",
		provisioner.LabelTaskID:  "42",
	})
	c.Image = "rig/pytorch:latest"
	c.Ports = []runtime.PortMapping{
		{HostPort: 2201, ContainerPort: 22},
		{HostPort: 2202, ContainerPort: 8888},
	}
	rt.AddContainer("unrelated", runtime.ContainerStateRunning, map[string]string{"app": "other"})

	prov, err := provisioner.NewProvisioner(rt, &inventory.FakeInventory{}, provisioner.Config{}, zap.NewNop())
	require.NoError(t, err)

	var buf bytes.Buffer
	out, err := NewOutputter("yaml", &buf)
	require.NoError(t, err)
	require.NoError(t, listContainers(context.Background(), prov, out))

	var records []provisioner.ContainerRecord
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "task_42", records[0].Name)
	assert.Equal(t, "42", records[0].TaskID)
	assert.Equal(t, 2201, records[0].SSHPort)
	assert.Equal(t, 2202, records[0].JupyterPort)

	buf.Reset()
	out, err = NewOutputter("table", &buf)
	require.NoError(t, err)
	require.NoError(t, listContainers(context.Background(), prov, out))
	assert.Contains(t, buf.String(), "task_42")
	assert.Contains(t, buf.String(), "2201")
	assert.NotContains(t, buf.String(), "unrelated")
}

func TestPrintLogs(t *testing.T) {
	rt := runtime.NewFakeRuntime()
	c := rt.AddContainer("task_9", runtime.ContainerStateRunning, map[string]string{provisioner.LabelManaged: "true"})
	ts := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	rt.SetLogs(c.ID, []runtime.LogEntry{{Timestamp: ts, Stream: "stdout", Log: "sshd started"}})

	prov, err := provisioner.NewProvisioner(rt, &inventory.FakeInventory{}, provisioner.Config{}, zap.NewNop())
	require.NoError(t, err)

	var buf bytes.Buffer
	out, err := NewOutputter("table", &buf)
	require.NoError(t, err)
	require.NoError(t, printLogs(context.Background(), prov, out, "9", "", 10))
	assert.Equal(t, "2026-01-02T10:00:00Z stdout sshd started\n", buf.String())

	buf.Reset()
	out, err = NewOutputter("json", &buf)
	require.NoError(t, err)
	require.NoError(t, printLogs(context.Background(), prov, out, "9", "", 10))
	assert.Contains(t, buf.String(), `"log": "sshd started"`)

	assert.Error(t, printLogs(context.Background(), prov, out, "10", "", 10))
}

func TestConfigFromViper(t *testing.T) {
	v := viper.New()
	v.Set("secret_key", "s3cret")
	v.Set("data_dir", t.TempDir())
	v.Set("poll.short_backoff", "5s")
	v.Set("poll.long_backoff", "30s")
	v.Set("readiness.mode", "ssh")
	v.Set("provision.container_disk_gb", 40)

	config, err := configFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", config.SecretKey)
	assert.Equal(t, 5*time.Second, config.Poll.ShortBackoff)
	assert.Equal(t, 30*time.Second, config.Poll.LongBackoff)
	assert.Equal(t, "ssh", config.Provisioner.ReadinessMode)
	assert.Equal(t, 40, config.Provisioner.ContainerDiskGB)
	assert.Equal(t, "https://api.gpuniq.ru/v1", config.APIURL)
	assert.Equal(t, 5*time.Minute, config.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, config.PullTimeout)
}

func TestConfigFromViper_Errors(t *testing.T) {
	v := viper.New()
	_, err := configFromViper(v)
	assert.Error(t, err, "secret key is required")

	v.Set("secret_key", "s3cret")
	v.Set("readiness.mode", "icmp")
	_, err = configFromViper(v)
	assert.Error(t, err)
}

func TestConfigFromViper_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rigagent.yaml")
	content := `secret_key: from-file
location: Helsinki
poll:
  error_threshold: 3
inventory:
  disk_paths: ["/", "/data"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	v.Set("data_dir", dir)

	config, err := configFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "from-file", config.SecretKey)
	assert.Equal(t, "Helsinki", config.Location)
	assert.Equal(t, 3, config.Poll.ErrorThreshold)
	assert.Equal(t, []string{"/", "/data"}, config.Inventory.DiskPaths)
}

func TestLocalConfig_NoSecret(t *testing.T) {
	v := viper.New()
	v.Set("data_dir", t.TempDir())

	config, err := localConfig(v)
	require.NoError(t, err)
	assert.NotEmpty(t, config.SecretKey)
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)
	assert.Contains(t, buf.String(), "Version:    dev")
}

func TestEnvKeyReplacer(t *testing.T) {
	assert.Equal(t, "poll_short_backoff", envKeyReplacer.Replace("poll.short_backoff"))
	assert.Equal(t, "docker_api_version", envKeyReplacer.Replace("docker.api-version"))
}
