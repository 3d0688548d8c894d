package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rigmarket/rigagent/pkg/controlplane"
	"github.com/rigmarket/rigagent/pkg/inventory"
	"github.com/rigmarket/rigagent/pkg/observability"
	"github.com/rigmarket/rigagent/pkg/provisioner"
	"github.com/rigmarket/rigagent/pkg/runtime"
)

// Config represents the agent configuration
type Config struct {
	SecretKey string
	APIURL    string
	DataDir   string
	Location  string

	MetricsAddr string
	HealthAddr  string

	HeartbeatInterval time.Duration
	PullTimeout       time.Duration
	RequestTimeout    time.Duration

	Poll        PollerConfig
	Docker      runtime.RuntimeConfig
	Provisioner provisioner.Config
	Inventory   inventory.Config
	Tracing     observability.TracerConfig
}

// Validate validates the agent configuration and applies defaults
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("secret key is required")
	}
	if c.APIURL == "" {
		c.APIURL = controlplane.DefaultBaseURL
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Location == "" {
		c.Location = inventory.UnknownLocation
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Minute
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	c.Poll.setDefaults()
	if c.Poll.LongBackoff < c.Poll.ShortBackoff {
		return fmt.Errorf("long poll backoff %s is shorter than short backoff %s", c.Poll.LongBackoff, c.Poll.ShortBackoff)
	}
	if err := c.Provisioner.Validate(); err != nil {
		return fmt.Errorf("invalid provisioner configuration: %w", err)
	}
	return nil
}

// ControlPlaneConfig derives the control plane client configuration
func (c *Config) ControlPlaneConfig() controlplane.Config {
	return controlplane.Config{
		BaseURL:     c.APIURL,
		SecretKey:   c.SecretKey,
		Timeout:     c.RequestTimeout,
		PullTimeout: c.PullTimeout,
	}
}

// Deps are the collaborators of an Agent. New fills the ones left nil with
// the production implementations.
type Deps struct {
	Runtime      runtime.Runtime
	Inventory    inventory.Inventory
	ControlPlane ControlPlane
	Clock        Clock

	ProvisionerOptions []provisioner.Option
}

// Agent manages the node agent
type Agent struct {
	config *Config
	logger *zap.Logger

	// Components
	runtime     runtime.Runtime
	inventory   inventory.Inventory
	client      ControlPlane
	provisioner *provisioner.Provisioner
	environment *runtime.EnvironmentManager
	identity    *IdentityStore
	clock       Clock

	// State
	agentID   string
	poller    *Poller
	heartbeat *HeartbeatReporter
	ready     atomic.Bool
	stopOnce  sync.Once
}

// New creates a new agent instance
func New(config *Config, deps Deps, logger *zap.Logger) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	a := &Agent{
		config:    config,
		logger:    logger,
		runtime:   deps.Runtime,
		inventory: deps.Inventory,
		client:    deps.ControlPlane,
		clock:     deps.Clock,
		identity:  NewIdentityStore(config.DataDir),
	}

	if a.runtime == nil {
		logger.Info("Initializing container runtime", zap.String("host", config.Docker.Host))
		rt, err := runtime.NewDockerRuntime(config.Docker, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", runtime.ErrRuntimeUnavailable, err)
		}
		a.runtime = rt
	}

	if a.inventory == nil {
		a.inventory = inventory.NewSystemInventory(config.Inventory, logger)
	}

	if a.client == nil {
		client, err := controlplane.NewClient(config.ControlPlaneConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create control plane client: %w", err)
		}
		a.client = client
	}

	prov, err := provisioner.NewProvisioner(a.runtime, a.inventory, config.Provisioner, logger, deps.ProvisionerOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioner: %w", err)
	}
	a.provisioner = prov
	a.environment = runtime.NewEnvironmentManager(a.runtime, logger)

	return a, nil
}

// Start runs the startup sequence and launches the poller and heartbeat
// reporter. They stop when ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting agent", zap.String("data_dir", a.config.DataDir))

	report, err := a.environment.Ensure(ctx)
	if err != nil {
		return err
	}
	a.provisioner.SetStorageQuota(report.StorageQuota)

	gpus, err := a.inventory.GPUInfo(ctx)
	if err != nil {
		a.logger.Warn("Failed to detect GPUs", zap.Error(err))
	}
	if len(gpus) > 0 {
		if err := a.environment.VerifyGPUPassthrough(ctx, report); err != nil {
			a.logger.Warn("GPU passthrough check failed", zap.Error(err))
		}
	}
	a.provisioner.SetGPUPassthrough(report.GPUPassthrough)

	snapshot := inventory.BuildSnapshot(ctx, a.inventory, a.config.Location, a.logger)

	agentID, err := a.identity.Load()
	switch {
	case errors.Is(err, ErrIdentityMissing):
		a.logger.Info("No agent identity found, registering with control plane")
		agentID, err = a.client.Confirm(ctx, snapshot)
		if err != nil {
			return fmt.Errorf("failed to register agent: %w", err)
		}
		if err := a.identity.Save(agentID); err != nil {
			return err
		}
		a.logger.Info("Agent registered", zap.String("agent_id", agentID))
	case err != nil:
		return err
	default:
		a.logger.Info("Loaded agent identity", zap.String("agent_id", agentID))
	}
	a.agentID = agentID

	if err := a.client.Init(ctx, agentID, snapshot); err != nil {
		a.logger.Warn("Failed to send init snapshot, continuing", zap.Error(err))
	}

	a.poller = NewPoller(agentID, a.client, a.provisioner, a.clock, a.config.Poll, a.logger)
	a.heartbeat = NewHeartbeatReporter(agentID, a.client, a.inventory, a.config.HeartbeatInterval, a.logger)

	go a.poller.Run(ctx)
	go a.heartbeat.Run(ctx)

	a.ready.Store(true)
	a.logger.Info("Agent started",
		zap.String("agent_id", agentID),
		zap.Bool("gpu_passthrough", report.GPUPassthrough),
		zap.Int("gpus", len(gpus)),
	)

	return nil
}

// Run starts the agent and blocks until ctx is cancelled
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Stop()
		return err
	}

	<-ctx.Done()
	return a.Stop()
}

// Stop releases the control plane client and the runtime
func (a *Agent) Stop() error {
	var errs []error
	a.stopOnce.Do(func() {
		a.ready.Store(false)
		a.logger.Info("Stopping agent")

		if err := a.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close control plane client: %w", err))
		}
		if err := a.runtime.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close runtime: %w", err))
		}
	})
	return errors.Join(errs...)
}

// AgentID returns the registered agent id, empty before Start
func (a *Agent) AgentID() string {
	return a.agentID
}

// Ready reports whether startup completed
func (a *Agent) Ready() bool {
	return a.ready.Load()
}

// PollSession returns the state of the poll loop
func (a *Agent) PollSession() PollSession {
	if a.poller == nil {
		return PollSession{State: StateIdle, Tier: TierShort}
	}
	return a.poller.Session()
}
