package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValidOnceWALPathSet(t *testing.T) {
	c := Default()
	c.WALPath = "/tmp/x.wal"
	assert.NoError(t, c.Validate())
}

func TestResolvedLeaderLockPathDefault(t *testing.T) {
	c := Default()
	c.WALPath = "/tmp/orchestrator.wal"
	assert.Equal(t, "/tmp/orchestrator.wal.lock", c.ResolvedLeaderLockPath())
}

func TestResolvedLeaderLockPathExplicit(t *testing.T) {
	c := Default()
	c.WALPath = "/tmp/orchestrator.wal"
	c.LeaderLockPath = "/tmp/custom.lock"
	assert.Equal(t, "/tmp/custom.lock", c.ResolvedLeaderLockPath())
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"wal_path":"/tmp/a.wal","max_concurrency":9}`), 0o644))

	c, err := Load(path, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.wal", c.WALPath)
	assert.Equal(t, 9, c.MaxConcurrency)
	assert.Equal(t, 3, c.RetryAttempts, "omitted fields should keep their default")
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("wal_path: /tmp/a.wal\nmax_concurrency: 7\n"), 0o644))

	c, err := Load(path, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, 7, c.MaxConcurrency)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("wal_path = \"/tmp/a.wal\"\nmax_concurrency = 11\n"), 0o644))

	c, err := Load(path, FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, 11, c.MaxConcurrency)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_concurrency":9}`), 0o644)) // missing wal_path

	_, err := Load(path, FormatJSON)
	assert.Error(t, err)
}

func TestFormatFromExtension(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromExtension("x.yaml"))
	assert.Equal(t, FormatYAML, FormatFromExtension("x.yml"))
	assert.Equal(t, FormatTOML, FormatFromExtension("x.toml"))
	assert.Equal(t, FormatJSON, FormatFromExtension("x.json"))
	assert.Equal(t, FormatJSON, FormatFromExtension("x"))
}

func TestHolderApplyMutatesOnlyKnownFields(t *testing.T) {
	c := Default()
	c.WALPath = "/tmp/a.wal"
	h := NewHolder(c)

	changes, err := h.Apply(map[string]any{
		"max_concurrency": float64(2),
		"unknown_field":   "ignored",
	})
	require.NoError(t, err)
	assert.Len(t, changes, 1)
	assert.Equal(t, 5, changes["max_concurrency"].Old)
	assert.Equal(t, float64(2), changes["max_concurrency"].New)
	assert.Equal(t, 2, h.Load().MaxConcurrency)
}

func TestHolderApplyRejectsInvalidResult(t *testing.T) {
	c := Default()
	c.WALPath = "/tmp/a.wal"
	h := NewHolder(c)

	_, err := h.Apply(map[string]any{"max_concurrency": float64(0)})
	assert.Error(t, err)
	assert.Equal(t, 5, h.Load().MaxConcurrency, "rejected override must not be applied")
}

func TestHolderApplyNoChangesReturnsEmptyMap(t *testing.T) {
	c := Default()
	c.WALPath = "/tmp/a.wal"
	h := NewHolder(c)

	changes, err := h.Apply(map[string]any{"totally_unknown": 1})
	require.NoError(t, err)
	assert.Empty(t, changes)
}
