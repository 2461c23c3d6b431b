// Package config loads the contextmesh YAML configuration.
//
// Values come from three layers, later ones winning: the built-in defaults
// (Default), the YAML file and CONTEXTMESH_* environment variables, where the
// variable name is the upper-cased key path joined by underscores
// (CONTEXTMESH_MEMORY_GLOBAL_TOKEN_BUDGET, CONTEXTMESH_DATABASE_PATH).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/memory"
)

const (
	EnvPrefix = "CONTEXTMESH"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	RoleReasoning     = "reasoning"
	RoleSummarization = "summarization"
)

// Config is the root document.
type Config struct {
	Memory    MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	Endpoints []EndpointConfig `mapstructure:"endpoints" yaml:"endpoints"`
	Dispatch  DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch"`
	Embedding EmbeddingConfig  `mapstructure:"embedding" yaml:"embedding"`
	Queue     QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Tools     ToolsConfig      `mapstructure:"tools" yaml:"tools"`
	Retrieval RetrievalConfig  `mapstructure:"retrieval" yaml:"retrieval"`
	Agent     AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Database  DatabaseConfig   `mapstructure:"database" yaml:"database"`
}

// MemoryConfig sizes the context window and its pools.
type MemoryConfig struct {
	GlobalTokenBudget int                      `mapstructure:"global_token_budget" yaml:"global_token_budget"`
	OverheadTokens    int                      `mapstructure:"overhead_tokens" yaml:"overhead_tokens"`
	SummaryQueueSize  int                      `mapstructure:"summary_queue_size" yaml:"summary_queue_size"`
	Pools             []memory.NamedPoolConfig `mapstructure:"pools" yaml:"pools"`
}

// EndpointConfig describes one inference endpoint.
type EndpointConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Provider string `mapstructure:"provider" yaml:"provider"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	Model    string `mapstructure:"model" yaml:"model"`
	// APIKey may be left empty for local servers or when the provider SDK
	// reads its own environment variable.
	APIKey                string   `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Priority              int      `mapstructure:"priority" yaml:"priority"`
	MaxConcurrentRequests int      `mapstructure:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	Roles                 []string `mapstructure:"roles" yaml:"roles,omitempty"`
	Disabled              bool     `mapstructure:"disabled" yaml:"disabled,omitempty"`
}

// DispatchConfig tunes the endpoint retry loop.
type DispatchConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff"`
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
}

// EmbeddingConfig points at an OpenAI compatible embeddings API.
type EmbeddingConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Model   string `mapstructure:"model" yaml:"model"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

// QueueConfig holds job priorities; lower runs first.
type QueueConfig struct {
	InteractivePriority int `mapstructure:"interactive_priority" yaml:"interactive_priority"`
	SessionLoadPriority int `mapstructure:"session_load_priority" yaml:"session_load_priority"`
	SummaryPriority     int `mapstructure:"summary_priority" yaml:"summary_priority"`
}

// ToolsConfig tunes the tool executor.
type ToolsConfig struct {
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxIterations int           `mapstructure:"max_iterations" yaml:"max_iterations"`
}

// RetrievalConfig tunes the Recall ranker.
type RetrievalConfig struct {
	Limit         int     `mapstructure:"limit" yaml:"limit"`
	MinRank       int     `mapstructure:"min_rank" yaml:"min_rank"`
	MinSimilarity float64 `mapstructure:"min_similarity" yaml:"min_similarity"`
}

// AgentConfig holds prompt level settings.
type AgentConfig struct {
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt"`
	Stream       bool   `mapstructure:"stream" yaml:"stream"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Default returns the built-in configuration: one local Ollama endpoint
// speaking the OpenAI protocol and the standard five pool layout.
func Default() Config {
	return Config{
		Memory: MemoryConfig{
			GlobalTokenBudget: memory.DefaultGlobalTokenBudget,
			OverheadTokens:    memory.OverheadTokens,
			SummaryQueueSize:  16,
			Pools:             memory.DefaultPools(),
		},
		Endpoints: []EndpointConfig{{
			Name:                  "local",
			Provider:              ProviderOpenAI,
			BaseURL:               "http://localhost:11434/v1",
			Model:                 "qwen3:14b",
			Priority:              10,
			MaxConcurrentRequests: 1,
			Roles:                 []string{RoleReasoning, RoleSummarization},
		}},
		Dispatch: DispatchConfig{MaxAttempts: 3, Backoff: time.Second, MaxFailures: 3},
		Embedding: EmbeddingConfig{
			BaseURL: "http://localhost:11434/v1",
			Model:   "nomic-embed-text",
		},
		Queue: QueueConfig{InteractivePriority: 1, SessionLoadPriority: 2, SummaryPriority: 50},
		Tools: ToolsConfig{
			QueueSize:     100,
			MaxConcurrent: 3,
			MaxRetries:    2,
			RetryBackoff:  500 * time.Millisecond,
			Timeout:       30 * time.Second,
			MaxIterations: 5,
		},
		Retrieval: RetrievalConfig{Limit: 20, MinRank: 3, MinSimilarity: 0.75},
		Agent: AgentConfig{
			SystemPrompt: "You are a helpful assistant with persistent memory.\n" +
				"Use the remembered context below when it is relevant and be concise.",
		},
		Database: DatabaseConfig{Path: filepath.Join(DefaultDir(), "contextmesh.db")},
	}
}

// DefaultDir resolves $XDG_CONFIG_HOME/contextmesh or ~/.config/contextmesh.
func DefaultDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "contextmesh")
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string { return filepath.Join(DefaultDir(), "config.yaml") }

// Load reads the configuration at path (DefaultPath when empty). A missing
// file is not an error; defaults and environment still apply.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return Config{}, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := v.MergeConfig(bytes.NewReader(content)); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write stores cfg as YAML at path, creating parent directories.
func Write(path string, cfg Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	content, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, content, 0o600)
}

// Validate reports configuration errors that would only surface later.
func (c Config) Validate() error {
	if c.Memory.GlobalTokenBudget <= 0 {
		return fmt.Errorf("%w: memory.global_token_budget must be positive", core.ErrInvalidArgument)
	}
	seen := make(map[string]struct{}, len(c.Memory.Pools))
	for _, p := range c.Memory.Pools {
		if p.Name == "" {
			return fmt.Errorf("%w: memory pool without name", core.ErrInvalidArgument)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: duplicate memory pool %q", core.ErrInvalidArgument, p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Percentage < 0 || p.HardCap < 0 {
			return fmt.Errorf("%w: memory pool %q has negative size", core.ErrInvalidArgument, p.Name)
		}
	}
	names := make(map[string]struct{}, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("%w: endpoint without name", core.ErrInvalidArgument)
		}
		if _, dup := names[ep.Name]; dup {
			return fmt.Errorf("%w: duplicate endpoint %q", core.ErrInvalidArgument, ep.Name)
		}
		names[ep.Name] = struct{}{}
		switch ep.Provider {
		case "", ProviderOpenAI, ProviderAnthropic:
		default:
			return fmt.Errorf("%w: endpoint %q has unknown provider %q", core.ErrInvalidArgument, ep.Name, ep.Provider)
		}
	}
	return nil
}
