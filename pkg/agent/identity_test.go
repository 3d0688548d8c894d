package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityStore(t *testing.T) {
	dir := t.TempDir()
	store := NewIdentityStore(filepath.Join(dir, "state"))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrIdentityMissing)

	require.NoError(t, store.Save("agent-7"))

	id, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "agent-7", id)

	data, err := os.ReadFile(filepath.Join(dir, "state", IdentityFile))
	require.NoError(t, err)
	assert.Equal(t, "agent-7", string(data))

	require.NoError(t, store.Reset())
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrIdentityMissing)

	require.NoError(t, store.Reset())
}

func TestIdentityStore_TrimsWhitespace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IdentityFile), []byte("  agent-9\n"), 0600))

	id, err := NewIdentityStore(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, "agent-9", id)
}

func TestIdentityStore_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IdentityFile), []byte("\n"), 0600))

	_, err := NewIdentityStore(dir).Load()
	assert.ErrorIs(t, err, ErrIdentityMissing)
}

func TestIdentityStore_SaveEmpty(t *testing.T) {
	assert.Error(t, NewIdentityStore(t.TempDir()).Save(" "))
}
