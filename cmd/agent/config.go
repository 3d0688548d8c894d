package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/rigmarket/rigagent/pkg/agent"
	"github.com/rigmarket/rigagent/pkg/inventory"
	"github.com/rigmarket/rigagent/pkg/observability"
	"github.com/rigmarket/rigagent/pkg/provisioner"
	"github.com/rigmarket/rigagent/pkg/runtime"
)

var envKeyReplacer = strings.NewReplacer(".", "_", "-", "_")

// configFromViper builds and validates the agent configuration. Keys that
// are unset keep the package defaults applied by Validate.
func configFromViper(v *viper.Viper) (*agent.Config, error) {
	config := &agent.Config{
		SecretKey:         v.GetString("secret_key"),
		APIURL:            v.GetString("api_url"),
		DataDir:           v.GetString("data_dir"),
		Location:          v.GetString("location"),
		MetricsAddr:       v.GetString("metrics_addr"),
		HealthAddr:        v.GetString("health_addr"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		PullTimeout:       v.GetDuration("poll.timeout"),
		RequestTimeout:    v.GetDuration("request_timeout"),
		Poll: agent.PollerConfig{
			ShortBackoff:     v.GetDuration("poll.short_backoff"),
			LongBackoff:      v.GetDuration("poll.long_backoff"),
			ErrorThreshold:   v.GetInt("poll.error_threshold"),
			ProvisionTimeout: v.GetDuration("provision.timeout"),
		},
		Docker: runtime.RuntimeConfig{
			Host:       v.GetString("docker.host"),
			APIVersion: v.GetString("docker.api_version"),
		},
		Provisioner: provisioner.Config{
			ReadinessInterval: v.GetDuration("readiness.interval"),
			ReadinessTimeout:  v.GetDuration("readiness.timeout"),
			ReadinessMode:     v.GetString("readiness.mode"),
			ReadinessHost:     v.GetString("readiness.host"),
			ContainerDiskGB:   v.GetInt("provision.container_disk_gb"),
			NameWithUsername:  v.GetBool("provision.name_with_username"),
		},
		Inventory: inventory.Config{
			DiskPaths:   v.GetStringSlice("inventory.disk_paths"),
			StoragePath: v.GetString("inventory.storage_path"),
		},
		Tracing: observability.TracerConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			Endpoint:    v.GetString("tracing.endpoint"),
			ServiceName: "rigagent",
			SampleRate:  v.GetFloat64("tracing.sample_rate"),
			Insecure:    !v.GetBool("tracing.tls"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// localConfig is the subset of the configuration the maintenance commands
// need. They run without a secret key.
func localConfig(v *viper.Viper) (*agent.Config, error) {
	if v.GetString("secret_key") == "" {
		v.Set("secret_key", "unused")
	}
	return configFromViper(v)
}
