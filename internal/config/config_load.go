package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://relay.primal.net",
		},
		DataDir:   "~/.tenex/projects",
		GlobalDir: "~/.tenex",
		LLM: LLMConfig{
			Default: "default",
			Configs: map[string]LLMModelConfig{
				"default": {
					Provider:    "openai",
					Model:       "gpt-4o",
					MaxTokens:   8192,
					Temperature: 0.7,
				},
			},
		},
		Compression: CompressionConfig{
			TokenThreshold:    60000,
			TokenBudget:       40000,
			SlidingWindowSize: 40,
		},
		Daemon: DaemonConfig{
			StatusIntervalMs:  30_000,
			InboxSize:         1024,
			MaxIterations:     10,
			ShutdownGraceMs:   5_000,
			PersistDebounceMs: 5_000,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envList := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitTrim(v)
		}
	}

	envList("TENEX_RELAYS", &c.Relays)
	envList("TENEX_WHITELIST", &c.Whitelist)
	envList("TENEX_PROJECTS", &c.Projects)
	envStr("TENEX_DATA_DIR", &c.DataDir)
	envStr("TENEX_GLOBAL_DIR", &c.GlobalDir)

	envStr("TENEX_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("TENEX_OPENAI_API_BASE", &c.Providers.OpenAI.APIBase)
	envStr("TENEX_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("TENEX_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)

	envStr("TENEX_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TENEX_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("TENEX_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TENEX_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if v := os.Getenv("TENEX_STATUS_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Daemon.StatusIntervalMs = ms
		}
	}
	if v := os.Getenv("TENEX_COMPRESSION_ENABLED"); v != "" {
		c.Compression.Enabled = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// DataDirPath returns the expanded per-project data root.
func (c *Config) DataDirPath() string { return ExpandHome(c.DataDir) }

// GlobalDirPath returns the expanded global state root.
func (c *Config) GlobalDirPath() string { return ExpandHome(c.GlobalDir) }

func splitTrim(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
