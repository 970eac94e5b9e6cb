// Package config provides configuration loading for lmassist.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Defaults are safe for a single-user workstation install.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the complete lmassist configuration.
type Config struct {
	// DataDir is the root directory for knowledge and vector data.
	// Overridden by LM_ASSIST_DATA_DIR.
	DataDir string `koanf:"data_dir"`

	// SessionRoot is the root of the assistant's per-project session
	// transcripts. Overridden by CLAUDE_CONFIG_DIR.
	SessionRoot string `koanf:"session_root"`

	Server     ServerConfig     `koanf:"server"`
	Hub        HubConfig        `koanf:"hub"`
	Session    SessionConfig    `koanf:"session"`
	Generator  GeneratorConfig  `koanf:"generator"`
	Suggest    SuggestConfig    `koanf:"suggest"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`

	// CostRates maps a model name to its per-million-token pricing.
	// Rates drift with provider pricing, so they are configuration.
	CostRates map[string]ModelRate `koanf:"cost_rates"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// HubConfig holds hub gateway client configuration.
//
// The hub relays requests between workstations that share a git origin.
// URL and APIKey are overridden by TIER_AGENT_HUB_URL / TIER_AGENT_API_KEY.
type HubConfig struct {
	URL     string   `koanf:"url"`
	APIKey  Secret   `koanf:"api_key"`
	Timeout Duration `koanf:"timeout"`
}

// SessionConfig holds session cache configuration.
type SessionConfig struct {
	// CacheSize bounds the number of parsed session snapshots held in memory.
	CacheSize int `koanf:"cache_size"`

	// WarmWindow limits warming to sessions modified within this window.
	WarmWindow Duration `koanf:"warm_window"`
}

// GeneratorConfig holds knowledge generator configuration.
type GeneratorConfig struct {
	// MinResultLength rejects explore results shorter than this.
	MinResultLength int `koanf:"min_result_length"`

	// JunkPatterns are lowercase prefixes that mark an explore result as
	// not worth distilling. Matched against the first non-empty line.
	JunkPatterns []string `koanf:"junk_patterns"`
}

// SuggestConfig holds default context suggestion options.
// Per-user values in the knowledge settings file take precedence.
type SuggestConfig struct {
	InjectKnowledge  bool `koanf:"inject_knowledge"`
	InjectMilestones bool `koanf:"inject_milestones"`
	KnowledgeCount   int  `koanf:"knowledge_count"`
	MilestoneCount   int  `koanf:"milestone_count"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// Provider is "fastembed" (local ONNX) or "tei" (HTTP).
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	CacheDir string `koanf:"cache_dir"`
}

// ModelRate is per-million-token pricing in USD.
type ModelRate struct {
	Input      float64 `koanf:"input"`
	Output     float64 `koanf:"output"`
	CacheRead  float64 `koanf:"cache_read"`
	CacheWrite float64 `koanf:"cache_write"`
}

// DefaultJunkPatterns are conservative markers of explore results that
// carry no distillable content. The list is configuration and may grow.
func DefaultJunkPatterns() []string {
	return []string{
		"agent launched",
		"task completed",
		"no results",
		"no relevant results",
		"tool use was rejected",
		"error:",
		"i was unable to",
	}
}

// DefaultCostRates returns pricing for the models the session cache is
// likely to see. Values are USD per million tokens.
func DefaultCostRates() map[string]ModelRate {
	return map[string]ModelRate{
		"claude-opus-4":      {Input: 15.0, Output: 75.0, CacheRead: 1.5, CacheWrite: 18.75},
		"claude-sonnet-4":    {Input: 3.0, Output: 15.0, CacheRead: 0.3, CacheWrite: 3.75},
		"claude-3-5-haiku":   {Input: 0.8, Output: 4.0, CacheRead: 0.08, CacheWrite: 1.0},
		"claude-3-5-sonnet":  {Input: 3.0, Output: 15.0, CacheRead: 0.3, CacheWrite: 3.75},
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	home, _ := os.UserHomeDir()
	if c.DataDir == "" {
		c.DataDir = filepath.Join(home, ".config", "lmassist")
	}
	if c.SessionRoot == "" {
		c.SessionRoot = filepath.Join(home, ".claude")
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Hub.Timeout == 0 {
		c.Hub.Timeout = Duration(5 * time.Second)
	}
	if c.Session.CacheSize == 0 {
		c.Session.CacheSize = 200
	}
	if c.Session.WarmWindow == 0 {
		c.Session.WarmWindow = Duration(7 * 24 * time.Hour)
	}
	if c.Generator.MinResultLength == 0 {
		c.Generator.MinResultLength = 100
	}
	if len(c.Generator.JunkPatterns) == 0 {
		c.Generator.JunkPatterns = DefaultJunkPatterns()
	}
	if c.Suggest.KnowledgeCount == 0 {
		c.Suggest.KnowledgeCount = 5
	}
	if c.Suggest.MilestoneCount == 0 {
		c.Suggest.MilestoneCount = 3
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "fastembed"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.Embeddings.CacheDir == "" {
		c.Embeddings.CacheDir = filepath.Join(c.DataDir, "models")
	}
	if len(c.CostRates) == 0 {
		c.CostRates = DefaultCostRates()
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Session.CacheSize < 1 {
		return fmt.Errorf("session cache_size must be positive, got %d", c.Session.CacheSize)
	}
	if c.Generator.MinResultLength < 0 {
		return fmt.Errorf("generator min_result_length cannot be negative")
	}
	if c.Suggest.KnowledgeCount < 0 || c.Suggest.MilestoneCount < 0 {
		return fmt.Errorf("suggest counts cannot be negative")
	}
	switch c.Embeddings.Provider {
	case "fastembed", "tei":
	default:
		return fmt.Errorf("embeddings provider must be fastembed or tei, got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "tei" && c.Embeddings.BaseURL == "" {
		return fmt.Errorf("embeddings base_url required for tei provider")
	}
	return nil
}

// KnowledgeDir returns the knowledge document directory under DataDir.
func (c *Config) KnowledgeDir() string {
	return filepath.Join(c.DataDir, "knowledge")
}

// VectorDir returns the vector store directory under DataDir.
func (c *Config) VectorDir() string {
	return filepath.Join(c.DataDir, "lance-store")
}
