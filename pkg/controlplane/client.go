// Package controlplane is the HTTP client for the marketplace control plane.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/rigmarket/rigagent/pkg/api"
	"github.com/rigmarket/rigagent/pkg/observability"
)

const (
	// SecretKeyHeader authenticates the agent
	SecretKeyHeader = "X-Agent-Secret-Key"

	// DefaultBaseURL is the production control plane
	DefaultBaseURL = "https://api.gpuniq.ru/v1"

	maxResponseBytes = 4 << 20
)

// Endpoint labels used in metrics and spans
const (
	EndpointConfirm   = "confirm"
	EndpointInit      = "init"
	EndpointPull      = "pull"
	EndpointStatus    = "status"
	EndpointHeartbeat = "heartbeat"
)

// Config contains control plane client configuration
type Config struct {
	BaseURL   string
	SecretKey string

	// Timeout applies to every call except Pull
	Timeout time.Duration

	// PullTimeout applies to task pulls
	PullTimeout time.Duration

	UserAgent string
}

// Validate fills defaults and rejects unusable values
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("secret key is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid control plane url %q: %w", c.BaseURL, err)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.PullTimeout == 0 {
		c.PullTimeout = 15 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "rigagent"
	}
	return nil
}

// Client talks to the control plane
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new control plane client
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Confirm registers the host and returns the agent id the control plane assigned
func (c *Client) Confirm(ctx context.Context, snapshot *api.SystemSnapshot) (string, error) {
	data, err := c.post(ctx, EndpointConfirm, "/agents/confirm", snapshot, c.config.Timeout)
	if err != nil {
		return "", err
	}
	return api.ParseConfirm(data)
}

// Init sends the startup snapshot of a registered agent
func (c *Client) Init(ctx context.Context, agentID string, snapshot *api.SystemSnapshot) error {
	_, err := c.post(ctx, EndpointInit, "/agents/"+url.PathEscape(agentID)+"/init", snapshot, c.config.Timeout)
	return err
}

// Pull asks for the next task. A well-formed empty answer yields a nil Task.
// Payloads that fail validation return an error wrapping api.ErrMalformedPayload.
func (c *Client) Pull(ctx context.Context, agentID string) (api.PullResult, error) {
	data, err := c.post(ctx, EndpointPull, "/agents/"+url.PathEscape(agentID)+"/tasks/pull", nil, c.config.PullTimeout)
	if err != nil {
		return api.PullResult{}, err
	}
	return api.ParsePull(data)
}

// ReportStatus reports the outcome of a task
func (c *Client) ReportStatus(ctx context.Context, agentID, taskID string, status api.TaskStatusRequest) error {
	path := fmt.Sprintf("/agents/%s/tasks/%s/status", url.PathEscape(agentID), url.PathEscape(taskID))
	_, err := c.post(ctx, EndpointStatus, path, status, c.config.Timeout)
	return err
}

// Heartbeat pushes a utilization sample
func (c *Client) Heartbeat(ctx context.Context, agentID string, heartbeat *api.HeartbeatRequest) error {
	_, err := c.post(ctx, EndpointHeartbeat, "/agents/"+url.PathEscape(agentID)+"/heartbeat", heartbeat, c.config.Timeout)
	return err
}

// post sends body as JSON and returns the data field of a successful envelope
func (c *Client) post(ctx context.Context, endpoint, path string, body interface{}, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	requestID := observability.GetRequestID(ctx)
	if requestID == "" {
		requestID = observability.GenerateRequestID()
		ctx = observability.WithRequestID(ctx, requestID)
	}

	ctx, span := observability.StartSpan(ctx, "controlplane."+endpoint,
		attribute.String("http.method", http.MethodPost),
		attribute.String("http.route", path),
		attribute.String("request.id", requestID),
	)
	defer span.End()

	start := time.Now()
	data, status, err := c.do(ctx, endpoint, path, body, requestID)
	duration := time.Since(start)

	observability.ControlPlaneRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	observability.ControlPlaneRequestsTotal.WithLabelValues(endpoint, resultOf(err)).Inc()
	if status != 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}

	logger := observability.ContextLogger(ctx, c.logger)
	if err != nil {
		observability.RecordError(ctx, err)
		logger.Debug("Control plane request failed",
			zap.String("endpoint", endpoint),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	logger.Debug("Control plane request completed",
		zap.String("endpoint", endpoint),
		zap.Int("status", status),
		zap.Duration("duration", duration),
	)

	return data, nil
}

func (c *Client) do(ctx context.Context, endpoint, path string, body interface{}, requestID string) (json.RawMessage, int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: failed to encode request: %w", endpoint, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: failed to create request: %w", endpoint, err)
	}
	req.Header.Set(SecretKeyHeader, c.config.SecretKey)
	req.Header.Set(observability.RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var env api.Envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= http.StatusBadRequest {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, resp.StatusCode, &ServerError{
			Endpoint:   endpoint,
			HTTPStatus: resp.StatusCode,
			Exception:  env.Exception,
			Message:    truncate(msg, 256),
		}
	}

	if decodeErr != nil {
		return nil, resp.StatusCode, &ServerError{
			Endpoint:   endpoint,
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("invalid response envelope: %v", decodeErr),
		}
	}

	if env.Exception != 0 {
		return nil, resp.StatusCode, &ServerError{
			Endpoint:   endpoint,
			HTTPStatus: resp.StatusCode,
			Exception:  env.Exception,
			Message:    env.Message,
		}
	}

	return env.Data, resp.StatusCode, nil
}

func resultOf(err error) string {
	switch err.(type) {
	case nil:
		return "success"
	case *TransportError:
		return "transport_error"
	case *ServerError:
		return "server_error"
	default:
		return "client_error"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
