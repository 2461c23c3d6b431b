package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Memory, cfg.Memory)
	assert.Equal(t, def.Tools, cfg.Tools)
	assert.Equal(t, def.Queue, cfg.Queue)
	require.Len(t, cfg.Endpoints, 1)
	assert.Equal(t, "local", cfg.Endpoints[0].Name)
	assert.Equal(t, time.Second, cfg.Dispatch.Backoff)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
memory:
  global_token_budget: 8000
  pools:
    - name: Core
      percentage: 0.5
      hard_cap: 1000
    - name: ActiveSession
      percentage: 0.5
      rollover_priority: 1
endpoints:
  - name: gpu
    provider: openai
    base_url: http://gpu:8000/v1
    model: qwen3:32b
    priority: 20
    max_concurrent_requests: 4
  - name: cloud
    provider: anthropic
    model: claude-sonnet-4-0
    priority: 5
tools:
  timeout: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Memory.GlobalTokenBudget)
	assert.Equal(t, memory.OverheadTokens, cfg.Memory.OverheadTokens)
	require.Len(t, cfg.Memory.Pools, 2)
	assert.Equal(t, memory.NamedPoolConfig{
		Name:       memory.PoolCore,
		PoolConfig: memory.PoolConfig{Percentage: 0.5, HardCap: 1000},
	}, cfg.Memory.Pools[0])
	assert.Equal(t, 1, cfg.Memory.Pools[1].RolloverPriority)

	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "gpu", cfg.Endpoints[0].Name)
	assert.Equal(t, 4, cfg.Endpoints[0].MaxConcurrentRequests)
	assert.Equal(t, ProviderAnthropic, cfg.Endpoints[1].Provider)

	assert.Equal(t, 10*time.Second, cfg.Tools.Timeout)
	assert.Equal(t, 3, cfg.Tools.MaxConcurrent)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CONTEXTMESH_MEMORY_GLOBAL_TOKEN_BUDGET", "4096")
	t.Setenv("CONTEXTMESH_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("CONTEXTMESH_TOOLS_RETRY_BACKOFF", "250ms")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.Memory.GlobalTokenBudget)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Tools.RetryBackoff)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Memory.GlobalTokenBudget = 16000
	cfg.Endpoints[0].Roles = []string{RoleSummarization}

	require.NoError(t, Write(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Memory, loaded.Memory)
	assert.Equal(t, cfg.Endpoints, loaded.Endpoints)
	assert.Equal(t, cfg.Tools, loaded.Tools)
	assert.Equal(t, cfg.Agent, loaded.Agent)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero budget", func(c *Config) { c.Memory.GlobalTokenBudget = 0 }},
		{"duplicate pool", func(c *Config) { c.Memory.Pools = append(c.Memory.Pools, c.Memory.Pools[0]) }},
		{"negative pool", func(c *Config) { c.Memory.Pools[0].HardCap = -1 }},
		{"unnamed endpoint", func(c *Config) { c.Endpoints[0].Name = "" }},
		{"duplicate endpoint", func(c *Config) { c.Endpoints = append(c.Endpoints, c.Endpoints[0]) }},
		{"unknown provider", func(c *Config) { c.Endpoints[0].Provider = "carrier-pigeon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), core.ErrInvalidArgument)
		})
	}
	assert.NoError(t, Default().Validate())
}
