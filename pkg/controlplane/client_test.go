package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rigmarket/rigagent/pkg/api"
	"github.com/rigmarket/rigagent/pkg/observability"
)

type recordedRequest struct {
	Method    string
	Path      string
	SecretKey string
	RequestID string
	Body      []byte
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method:    r.Method,
		Path:      r.URL.Path,
		SecretKey: r.Header.Get(SecretKeyHeader),
		RequestID: r.Header.Get(observability.RequestIDHeader),
		Body:      body,
	})
	f.mu.Unlock()
	f.handler(w, r)
}

func (f *fakeServer) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func respond(body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *fakeServer) {
	t.Helper()

	fs := &fakeServer{handler: handler}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		BaseURL:   srv.URL + "/v1/",
		SecretKey: "sk-test",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, fs
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{SecretKey: "k"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 15*time.Second, cfg.PullTimeout)

	missing := Config{}
	assert.Error(t, missing.Validate())
}

func TestConfirm(t *testing.T) {
	client, fs := newTestClient(t, respond(`{"exception":0,"data":{"agent_id":"agent-7"}}`))

	id, err := client.Confirm(context.Background(), &api.SystemSnapshot{Hostname: "rig-01", Location: "Unknown"})
	require.NoError(t, err)
	assert.Equal(t, "agent-7", id)

	req := fs.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/agents/confirm", req.Path)
	assert.Equal(t, "sk-test", req.SecretKey)
	assert.NotEmpty(t, req.RequestID)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "rig-01", body["hostname"])
}

func TestConfirm_LegacyID(t *testing.T) {
	client, _ := newTestClient(t, respond(`{"exception":0,"data":{"id":12}}`))

	id, err := client.Confirm(context.Background(), &api.SystemSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, "12", id)
}

func TestConfirm_NoID(t *testing.T) {
	client, _ := newTestClient(t, respond(`{"exception":0,"data":{}}`))

	_, err := client.Confirm(context.Background(), &api.SystemSnapshot{})
	assert.ErrorIs(t, err, api.ErrMissingAgentID)
}

func TestInit(t *testing.T) {
	client, fs := newTestClient(t, respond(`{"exception":0,"data":null}`))

	require.NoError(t, client.Init(context.Background(), "agent-7", &api.SystemSnapshot{Status: "online"}))
	assert.Equal(t, "/v1/agents/agent-7/init", fs.last(t).Path)
}

func TestPull_Task(t *testing.T) {
	client, fs := newTestClient(t, respond(`{
		"exception": 0,
		"data": {
			"task_id": 42,
			"task_data": {"docker_image": "rigmarket/pytorch", "gpu_required": 1, "gpu_enabled_indices": [1]},
			"container_info": {"ssh_password": "pw", "ssh_port": "2201", "ssh_host": "203.0.113.10"}
		}
	}`))

	result, err := client.Pull(context.Background(), "agent-7")
	require.NoError(t, err)
	require.NotNil(t, result.Task)
	assert.Equal(t, "42", result.Task.ID)
	assert.Equal(t, 2201, result.Task.SSH.Port)

	req := fs.last(t)
	assert.Equal(t, "/v1/agents/agent-7/tasks/pull", req.Path)
	assert.Empty(t, req.Body)
}

func TestPull_NoTask(t *testing.T) {
	client, _ := newTestClient(t, respond(`{"exception":0,"message":"no tasks","data":{"message":"no tasks"}}`))

	result, err := client.Pull(context.Background(), "agent-7")
	require.NoError(t, err)
	assert.Nil(t, result.Task)
	assert.Equal(t, "no tasks", result.Message)
}

func TestPull_Malformed(t *testing.T) {
	client, _ := newTestClient(t, respond(`{"exception":0,"data":{"task_id":42,"task_data":{"docker_image":"x"},"container_info":{"ssh_port":2201}}}`))

	_, err := client.Pull(context.Background(), "agent-7")
	assert.ErrorIs(t, err, api.ErrMalformedPayload)
	assert.False(t, IsRetryable(err))
}

func TestReportStatus(t *testing.T) {
	client, fs := newTestClient(t, respond(`{"exception":0}`))

	status := api.RunningStatus("c0001", "task_42", "203.0.113.10", 2201)
	require.NoError(t, client.ReportStatus(context.Background(), "agent-7", "42", status))

	req := fs.last(t)
	assert.Equal(t, "/v1/agents/agent-7/tasks/42/status", req.Path)
	assert.JSONEq(t, `{
		"status": "running",
		"progress": 0,
		"output": "Container task_42 started successfully. SSH ready on 203.0.113.10:2201",
		"error_message": null,
		"container_id": "c0001",
		"container_name": "task_42"
	}`, string(req.Body))
}

func TestHeartbeat(t *testing.T) {
	client, fs := newTestClient(t, respond(`{"exception":0}`))

	err := client.Heartbeat(context.Background(), "agent-7", &api.HeartbeatRequest{
		Status:    "online",
		DiskUsage: map[string]float64{"/": 50},
		GPUUsage:  map[string]float64{"gpu0": 10},
	})
	require.NoError(t, err)

	req := fs.last(t)
	assert.Equal(t, "/v1/agents/agent-7/heartbeat", req.Path)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, map[string]interface{}{"gpu0": 10.0}, body["gpu_usage"])
}

func TestServerErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		exception int
		message   string
	}{
		{"exception in envelope", http.StatusOK, `{"exception":3,"message":"agent disabled"}`, 3, "agent disabled"},
		{"http error with envelope", http.StatusUnauthorized, `{"exception":1,"message":"bad secret"}`, 1, "bad secret"},
		{"http error with text", http.StatusBadGateway, `upstream down`, 0, "upstream down"},
		{"not json", http.StatusOK, `<html>`, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := client.Pull(context.Background(), "agent-7")
			require.Error(t, err)
			assert.True(t, IsRetryable(err))

			var se *ServerError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.HTTPStatus)
			assert.Equal(t, tt.exception, se.Exception)
			if tt.message != "" {
				assert.Equal(t, tt.message, se.Message)
			}
		})
	}
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewClient(Config{BaseURL: url, SecretKey: "k"}, zap.NewNop())
	require.NoError(t, err)

	_, err = client.Pull(context.Background(), "agent-7")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, EndpointPull, te.Endpoint)
	assert.True(t, IsRetryable(err))
}

func TestPull_Timeout(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	client.config.PullTimeout = 20 * time.Millisecond

	_, err := client.Pull(context.Background(), "agent-7")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, EndpointPull, te.Endpoint)
}

func TestRequestIDPropagated(t *testing.T) {
	client, fs := newTestClient(t, respond(`{"exception":0}`))

	ctx := observability.WithRequestID(context.Background(), "req-123")
	require.NoError(t, client.Heartbeat(ctx, "agent-7", &api.HeartbeatRequest{}))
	assert.Equal(t, "req-123", fs.last(t).RequestID)
}
