package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rigmarket/rigagent/pkg/api"
	"github.com/rigmarket/rigagent/pkg/controlplane"
	"github.com/rigmarket/rigagent/pkg/provisioner"
)

type pullResponse struct {
	result api.PullResult
	err    error
}

type statusCall struct {
	AgentID string
	TaskID  string
	Status  api.TaskStatusRequest
}

type fakeControlPlane struct {
	mu sync.Mutex

	pulls        []pullResponse
	confirmID    string
	confirmErr   error
	initErr      error
	statusErr    error
	heartbeatErr error

	pullCalls  int
	confirms   int
	confirmed  *api.SystemSnapshot
	inits      int
	statuses   []statusCall
	heartbeats []*api.HeartbeatRequest
	closed     bool
}

var _ ControlPlane = (*fakeControlPlane)(nil)

// queuePayload queues the data field of a pull response the way the real
// client would decode it
func (f *fakeControlPlane) queuePayload(data string) {
	result, err := api.ParsePull(json.RawMessage(data))
	f.queue(result, err)
}

func (f *fakeControlPlane) queue(result api.PullResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, pullResponse{result: result, err: err})
}

func (f *fakeControlPlane) queueTransportError(n int) {
	for i := 0; i < n; i++ {
		f.queue(api.PullResult{}, &controlplane.TransportError{Endpoint: controlplane.EndpointPull, Err: errors.New("connection refused")})
	}
}

func (f *fakeControlPlane) Confirm(ctx context.Context, snapshot *api.SystemSnapshot) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	f.confirmed = snapshot
	return f.confirmID, f.confirmErr
}

func (f *fakeControlPlane) Init(ctx context.Context, agentID string, snapshot *api.SystemSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return f.initErr
}

func (f *fakeControlPlane) Pull(ctx context.Context, agentID string) (api.PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls++
	if len(f.pulls) == 0 {
		return api.PullResult{Message: "no tasks"}, nil
	}
	next := f.pulls[0]
	f.pulls = f.pulls[1:]
	return next.result, next.err
}

func (f *fakeControlPlane) ReportStatus(ctx context.Context, agentID, taskID string, status api.TaskStatusRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusCall{AgentID: agentID, TaskID: taskID, Status: status})
	return f.statusErr
}

func (f *fakeControlPlane) Heartbeat(ctx context.Context, agentID string, heartbeat *api.HeartbeatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, heartbeat)
	return f.heartbeatErr
}

func (f *fakeControlPlane) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeControlPlane) Statuses() []statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusCall(nil), f.statuses...)
}

func (f *fakeControlPlane) PullCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pullCalls
}

// fakeClock records sleeps and cancels the loop after a number of them
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	stopAt  int
	onLimit context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	limitReached := c.stopAt > 0 && len(c.sleeps) >= c.stopAt
	c.mu.Unlock()

	if limitReached && c.onLimit != nil {
		c.onLimit()
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type readyProber struct{}

func (readyProber) Probe(ctx context.Context, target provisioner.ProbeTarget) error {
	return nil
}

func freePorts(int) bool { return true }
