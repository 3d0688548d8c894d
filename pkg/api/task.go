package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload marks a task payload that is missing a required field
// or carries one of the wrong shape. It is never retried.
var ErrMalformedPayload = errors.New("malformed task payload")

// DefaultSSHUsername is used when the control plane does not name a user
const DefaultSSHUsername = "root"

// TaskSpec is a validated task ready for allocation and provisioning
type TaskSpec struct {
	ID        string
	Image     string
	Resources ResourceRequest
	SSH       SSHTarget
}

// ResourceRequest is the raw resource grant of a task. Values are coerced
// leniently by the allocator, which drops what it cannot read.
type ResourceRequest struct {
	GPURequired json.RawMessage
	GPUIndices  json.RawMessage
	CPURanges   json.RawMessage
	RAMGB       json.RawMessage
	StorageGB   json.RawMessage
}

// SSHTarget is where the tenant will reach the container
type SSHTarget struct {
	Username string
	Password string
	Port     int
	Host     string
	Command  string
}

// PullResult is the decoded answer to a task pull. Task is nil when the
// control plane had nothing to hand out.
type PullResult struct {
	Task    *TaskSpec
	Message string
}

// ParsePull validates the data field of a pull response. A response without
// a task_id is an empty poll; a task_id with missing or invalid sub-fields
// yields an error wrapping ErrMalformedPayload.
func ParsePull(data json.RawMessage) (PullResult, error) {
	if IsAbsent(data) {
		return PullResult{}, nil
	}

	var pd PullData
	if err := json.Unmarshal(data, &pd); err != nil {
		return PullResult{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	result := PullResult{Message: pd.Message}
	if IsAbsent(pd.TaskID) {
		return result, nil
	}

	task, err := parseTask(pd)
	if err != nil {
		return result, err
	}
	result.Task = task

	return result, nil
}

func parseTask(pd PullData) (*TaskSpec, error) {
	id, ok := scalarString(pd.TaskID)
	if !ok {
		return nil, fmt.Errorf("%w: task_id %s is not a string or number", ErrMalformedPayload, string(pd.TaskID))
	}
	if pd.TaskData == nil {
		return nil, fmt.Errorf("%w: task %s has no task_data", ErrMalformedPayload, id)
	}
	if pd.ContainerInfo == nil {
		return nil, fmt.Errorf("%w: task %s has no container_info", ErrMalformedPayload, id)
	}

	td, ci := pd.TaskData, pd.ContainerInfo

	if td.DockerImage == "" {
		return nil, fmt.Errorf("%w: task %s has no docker_image", ErrMalformedPayload, id)
	}
	if ci.SSHPassword == "" {
		return nil, fmt.Errorf("%w: task %s has no ssh_password", ErrMalformedPayload, id)
	}

	port, present, err := Int(ci.SSHPort)
	switch {
	case !present:
		return nil, fmt.Errorf("%w: task %s has no ssh_port", ErrMalformedPayload, id)
	case err != nil:
		return nil, fmt.Errorf("%w: task %s ssh_port: %v", ErrMalformedPayload, id, err)
	case port < 1 || port > 65535:
		return nil, fmt.Errorf("%w: task %s ssh_port %d out of range", ErrMalformedPayload, id, port)
	}

	username := ci.SSHUsername
	if username == "" {
		username = DefaultSSHUsername
	}

	command := ci.SSHCommand
	if command == "" {
		command = fmt.Sprintf("ssh %s@%s -p %d", username, ci.SSHHost, port)
	}

	return &TaskSpec{
		ID:    id,
		Image: td.DockerImage,
		Resources: ResourceRequest{
			GPURequired: td.GPURequired,
			GPUIndices:  td.GPUEnabledIndices,
			CPURanges:   td.CPUAllocatedRanges,
			RAMGB:       td.RAMAllocatedGB,
			StorageGB:   td.StorageAllocatedGB,
		},
		SSH: SSHTarget{
			Username: username,
			Password: ci.SSHPassword,
			Port:     port,
			Host:     ci.SSHHost,
			Command:  command,
		},
	}, nil
}
