package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load loads configuration from the YAML file at configPath, then overrides
// with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Dedicated environment variables (LM_ASSIST_DATA_DIR, CLAUDE_CONFIG_DIR,
//     TIER_AGENT_API_KEY, TIER_AGENT_HUB_URL)
//  2. Generic environment variables (SERVER_PORT -> server.port, ...)
//  3. YAML config file (default ~/.config/lmassist/config.yaml)
//  4. Hardcoded defaults
//
// A missing config file is not an error; defaults apply.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "lmassist", "config.yaml")
	}

	if info, err := os.Stat(configPath); err == nil {
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", configPath, maxConfigFileSize)
		}
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("opening config file: %w", err)
		}
		defer f.Close()

		content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize))
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	// Generic env overrides: SERVER_PORT -> server.port,
	// GENERATOR_MIN_RESULT_LENGTH -> generator.min_result_length.
	prefixes := []string{"SERVER_", "HUB_", "SESSION_", "GENERATOR_", "SUGGEST_", "EMBEDDINGS_"}
	if err := k.Load(env.Provider("", ".", func(s string) string {
		for _, p := range prefixes {
			if strings.HasPrefix(s, p) {
				section := strings.ToLower(strings.TrimSuffix(p, "_"))
				field := strings.ToLower(strings.TrimPrefix(s, p))
				return section + "." + field
			}
		}
		return "" // ignore unrelated env vars
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Dedicated overrides win over everything.
	if v := os.Getenv("LM_ASSIST_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CLAUDE_CONFIG_DIR"); v != "" {
		cfg.SessionRoot = v
	}
	if v := os.Getenv("TIER_AGENT_API_KEY"); v != "" {
		cfg.Hub.APIKey = Secret(v)
	}
	if v := os.Getenv("TIER_AGENT_HUB_URL"); v != "" {
		cfg.Hub.URL = v
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
