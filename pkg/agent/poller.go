package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rigmarket/rigagent/pkg/allocator"
	"github.com/rigmarket/rigagent/pkg/api"
	"github.com/rigmarket/rigagent/pkg/controlplane"
	"github.com/rigmarket/rigagent/pkg/observability"
	"github.com/rigmarket/rigagent/pkg/provisioner"
)

// ControlPlane is the subset of the control plane client the agent uses
type ControlPlane interface {
	Confirm(ctx context.Context, snapshot *api.SystemSnapshot) (string, error)
	Init(ctx context.Context, agentID string, snapshot *api.SystemSnapshot) error
	Pull(ctx context.Context, agentID string) (api.PullResult, error)
	ReportStatus(ctx context.Context, agentID, taskID string, status api.TaskStatusRequest) error
	Heartbeat(ctx context.Context, agentID string, heartbeat *api.HeartbeatRequest) error
	Close() error
}

// TaskProvisioner launches the container of a task
type TaskProvisioner interface {
	Provision(ctx context.Context, spec api.TaskSpec, alloc allocator.Allocation) (*provisioner.ContainerRecord, error)
}

// Clock abstracts time for the poll loop
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PollState is the position of the poll loop in its cycle
type PollState string

const (
	StateIdle         PollState = "idle"
	StatePolling      PollState = "polling"
	StateTaskReceived PollState = "task_received"
	StateProvisioning PollState = "provisioning"
	StateReporting    PollState = "reporting"
	StateNoTask       PollState = "no_task"
	StatePollError    PollState = "poll_error"
	StateBackoff      PollState = "backoff"
)

// BackoffTier selects the delay before the next poll
type BackoffTier string

const (
	TierShort BackoffTier = "short"
	TierLong  BackoffTier = "long"
)

// PollSession is the observable state of the poll loop
type PollSession struct {
	ConsecutiveErrors int
	Tier              BackoffTier
	State             PollState
	LastPoll          time.Time
	LastTaskID        string
}

// PollerConfig contains poll loop configuration
type PollerConfig struct {
	// ShortBackoff is the delay between polls while errors stay below ErrorThreshold
	ShortBackoff time.Duration

	// LongBackoff is the delay once ErrorThreshold consecutive errors are reached
	LongBackoff time.Duration

	ErrorThreshold int

	// ProvisionTimeout bounds one task, independent of agent shutdown
	ProvisionTimeout time.Duration

	// ReportTimeout bounds the status report after provisioning
	ReportTimeout time.Duration
}

func (c *PollerConfig) setDefaults() {
	if c.ShortBackoff <= 0 {
		c.ShortBackoff = 10 * time.Second
	}
	if c.LongBackoff <= 0 {
		c.LongBackoff = 60 * time.Second
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 10 * time.Minute
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 30 * time.Second
	}
}

// Poller pulls tasks one at a time and provisions them
type Poller struct {
	agentID     string
	client      ControlPlane
	provisioner TaskProvisioner
	clock       Clock
	config      PollerConfig
	logger      *zap.Logger

	mu      sync.RWMutex
	session PollSession
}

// NewPoller creates a new poller. A nil clock uses wall time.
func NewPoller(agentID string, client ControlPlane, prov TaskProvisioner, clock Clock, config PollerConfig, logger *zap.Logger) *Poller {
	config.setDefaults()
	if clock == nil {
		clock = realClock{}
	}

	return &Poller{
		agentID:     agentID,
		client:      client,
		provisioner: prov,
		clock:       clock,
		config:      config,
		logger:      logger,
		session:     PollSession{Tier: TierShort, State: StateIdle},
	}
}

// Run polls until ctx is cancelled
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Task poller started",
		zap.String("agent_id", p.agentID),
		zap.Duration("short_backoff", p.config.ShortBackoff),
		zap.Duration("long_backoff", p.config.LongBackoff),
	)

	for ctx.Err() == nil {
		delay := p.Poll(ctx)
		if err := p.clock.Sleep(ctx, delay); err != nil {
			break
		}
	}

	p.setState(StateIdle)
	p.logger.Info("Task poller stopped")
}

// Poll runs one iteration and returns how long to wait before the next one
func (p *Poller) Poll(ctx context.Context) time.Duration {
	ctx = observability.WithAgentID(ctx, p.agentID)
	ctx = observability.WithRequestID(ctx, observability.GenerateRequestID())
	logger := observability.ContextLogger(ctx, p.logger)

	p.mu.Lock()
	p.session.State = StatePolling
	p.session.LastPoll = p.clock.Now()
	p.mu.Unlock()

	result, err := p.client.Pull(ctx, p.agentID)
	switch {
	case errors.Is(err, api.ErrMalformedPayload):
		observability.PollsTotal.WithLabelValues("malformed").Inc()
		logger.Warn("Ignoring malformed task payload", zap.Error(err))
		return p.settle(StateIdle)

	case controlplane.IsRetryable(err):
		observability.PollsTotal.WithLabelValues("error").Inc()
		p.setState(StatePollError)
		logger.Warn("Task poll failed", zap.Error(err))
		return p.recordError()

	case err != nil:
		// Neither transport nor server: a response the client could not read
		observability.PollsTotal.WithLabelValues("unexpected").Inc()
		p.setState(StatePollError)
		logger.Error("Task poll failed unexpectedly", zap.Error(err))
		return p.recordError()
	}

	p.resetErrors()

	if result.Task == nil {
		observability.PollsTotal.WithLabelValues("no_task").Inc()
		p.setState(StateNoTask)
		logger.Debug("No task available", zap.String("message", result.Message))
		return p.settle(StateIdle)
	}

	observability.PollsTotal.WithLabelValues("task").Inc()
	return p.handleTask(ctx, result.Task)
}

func (p *Poller) handleTask(ctx context.Context, task *api.TaskSpec) time.Duration {
	ctx = observability.WithTaskID(ctx, task.ID)
	logger := observability.ContextLogger(ctx, p.logger)

	p.mu.Lock()
	p.session.State = StateTaskReceived
	p.session.LastTaskID = task.ID
	p.mu.Unlock()

	logger.Info("Task received",
		zap.String("image", task.Image),
		zap.String("ssh_host", task.SSH.Host),
		zap.Int("ssh_port", task.SSH.Port),
	)

	alloc := allocator.Allocate(task.Resources, logger)

	// Shutdown must not abort a container launch half way.
	taskCtx := context.WithoutCancel(ctx)

	p.setState(StateProvisioning)
	provCtx, cancel := context.WithTimeout(taskCtx, p.config.ProvisionTimeout)
	record, err := p.provisioner.Provision(provCtx, *task, alloc)
	cancel()
	if err != nil {
		logger.Error("Task provisioning failed", zap.Error(err))
		return p.recordError()
	}

	p.setState(StateReporting)
	status := api.RunningStatus(record.ID, record.Name, task.SSH.Host, task.SSH.Port)
	reportCtx, cancel := context.WithTimeout(taskCtx, p.config.ReportTimeout)
	err = p.client.ReportStatus(reportCtx, p.agentID, task.ID, status)
	cancel()
	if err != nil {
		logger.Error("Failed to report task status",
			zap.String("container", record.Name),
			zap.Error(err),
		)
	} else {
		logger.Info("Task running",
			zap.String("container", record.Name),
			zap.String("container_id", record.ID),
			zap.Bool("reused", record.Reused),
			zap.String("ssh_command", task.SSH.Command),
		)
	}

	return p.settle(StateIdle)
}

// Session returns a copy of the current poll session
func (p *Poller) Session() PollSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

func (p *Poller) setState(state PollState) {
	p.mu.Lock()
	p.session.State = state
	p.mu.Unlock()
}

// settle moves to state and returns the delay of the current tier
func (p *Poller) settle(state PollState) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.session.State = state
	return p.delayLocked()
}

func (p *Poller) resetErrors() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.session.ConsecutiveErrors = 0
	p.session.Tier = TierShort
	observability.PollConsecutiveErrors.Set(0)
}

func (p *Poller) recordError() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.session.ConsecutiveErrors++
	if p.session.ConsecutiveErrors >= p.config.ErrorThreshold {
		if p.session.Tier != TierLong {
			p.logger.Warn("Too many consecutive errors, slowing down polling",
				zap.Int("consecutive_errors", p.session.ConsecutiveErrors),
				zap.Duration("interval", p.config.LongBackoff),
			)
		}
		p.session.Tier = TierLong
	} else {
		p.session.Tier = TierShort
	}
	p.session.State = StateBackoff
	observability.PollConsecutiveErrors.Set(float64(p.session.ConsecutiveErrors))

	return p.delayLocked()
}

func (p *Poller) delayLocked() time.Duration {
	if p.session.Tier == TierLong {
		return p.config.LongBackoff
	}
	return p.config.ShortBackoff
}
