package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingAgentID is returned when registration succeeds without an identifier
var ErrMissingAgentID = errors.New("registration response has no agent id")

// ParseConfirm extracts the agent id from a registration response, preferring
// agent_id over id.
func ParseConfirm(data json.RawMessage) (string, error) {
	if IsAbsent(data) {
		return "", ErrMissingAgentID
	}

	var cd ConfirmData
	if err := json.Unmarshal(data, &cd); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingAgentID, err)
	}

	for _, raw := range []json.RawMessage{cd.AgentID, cd.ID} {
		if IsAbsent(raw) {
			continue
		}
		if id, ok := scalarString(raw); ok {
			return id, nil
		}
	}

	return "", ErrMissingAgentID
}

// RunningStatus builds the status report sent once a task container is up
func RunningStatus(containerID, containerName, host string, port int) TaskStatusRequest {
	return TaskStatusRequest{
		Status: "running",
		Output: fmt.Sprintf("Container %s started successfully. SSH ready on %s:%d",
			containerName, host, port),
		ContainerID:   containerID,
		ContainerName: containerName,
	}
}
