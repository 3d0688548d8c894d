package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IdentityFile is the name of the agent id file inside the data directory
const IdentityFile = ".agent_id"

// ErrIdentityMissing is returned when the host has not registered yet
var ErrIdentityMissing = errors.New("agent identity not found")

// IdentityStore persists the agent id in a single plain-text file
type IdentityStore struct {
	path string
}

// NewIdentityStore creates a store under dataDir
func NewIdentityStore(dataDir string) *IdentityStore {
	return &IdentityStore{path: filepath.Join(dataDir, IdentityFile)}
}

// Path returns the identity file location
func (s *IdentityStore) Path() string {
	return s.path
}

// Load reads the agent id. It returns ErrIdentityMissing when the file does
// not exist or holds no id.
func (s *IdentityStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrIdentityMissing
	}
	if err != nil {
		return "", fmt.Errorf("failed to read identity file: %w", err)
	}

	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrIdentityMissing
	}
	return id, nil
}

// Save writes the agent id, replacing the file atomically
func (s *IdentityStore) Save(agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return fmt.Errorf("refusing to persist an empty agent id")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(agentID), 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// Reset removes the identity so the next start registers again
func (s *IdentityStore) Reset() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove identity file: %w", err)
	}
	return nil
}
