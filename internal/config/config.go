package config

import "sync"

// Config is the daemon configuration, loaded from a JSON5 file with
// environment overrides.
type Config struct {
	mu sync.RWMutex `json:"-"`

	// Relays is the set of relay URLs the daemon connects to.
	Relays []string `json:"relays,omitempty"`

	// Whitelist lists author pubkeys (hex or npub) whose events may activate
	// projects on this daemon.
	Whitelist []string `json:"whitelist,omitempty"`

	// Projects lists addressable project ids ("31933:<pubkey>:<dTag>") to load
	// at startup. Whitelisted project-definition events add to this set at
	// runtime.
	Projects []string `json:"projects,omitempty"`

	// DataDir is the per-project data root (processed-events, conversations).
	DataDir string `json:"dataDir,omitempty"`

	// GlobalDir holds global state (agents/<pubkey>.json).
	GlobalDir string `json:"globalDir,omitempty"`

	Providers   ProvidersConfig   `json:"providers,omitempty"`
	LLM         LLMConfig         `json:"llm,omitempty"`
	Compression CompressionConfig `json:"compression,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	Daemon      DaemonConfig      `json:"daemon,omitempty"`
}

// ProvidersConfig holds LLM provider credentials.
type ProvidersConfig struct {
	OpenAI     ProviderCredentials `json:"openai,omitempty"`
	OpenRouter ProviderCredentials `json:"openrouter,omitempty"`
	Anthropic  ProviderCredentials `json:"anthropic,omitempty"`
}

// ProviderCredentials configures one OpenAI-compatible endpoint.
type ProviderCredentials struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
}

// LLMConfig maps config slugs to model settings. Agents reference a slug via
// their llmConfig field; the empty slug resolves to Default.
type LLMConfig struct {
	Default string                    `json:"default,omitempty"`
	Configs map[string]LLMModelConfig `json:"configs,omitempty"`
}

// LLMModelConfig is one named provider+model combination.
type LLMModelConfig struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// CompressionConfig bounds conversation history at message-build time.
type CompressionConfig struct {
	Enabled           bool `json:"enabled,omitempty"`
	TokenThreshold    int  `json:"tokenThreshold,omitempty"`
	TokenBudget       int  `json:"tokenBudget,omitempty"`
	SlidingWindowSize int  `json:"slidingWindowSize,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// DaemonConfig tunes runtime behavior.
type DaemonConfig struct {
	StatusIntervalMs  int `json:"statusIntervalMs,omitempty"`  // heartbeat period
	InboxSize         int `json:"inboxSize,omitempty"`         // per-project event inbox
	MaxIterations     int `json:"maxIterations,omitempty"`     // reason-act loop bound
	ShutdownGraceMs   int `json:"shutdownGraceMs,omitempty"`   // stop-sequence grace period
	PersistDebounceMs int `json:"persistDebounceMs,omitempty"` // processed-event cache flush
}

// ResolveLLM returns the model settings for a config slug, falling back to
// the default slug and then to built-in defaults.
func (c *Config) ResolveLLM(slug string) (string, LLMModelConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if slug == "" {
		slug = c.LLM.Default
	}
	if mc, ok := c.LLM.Configs[slug]; ok {
		if mc.MaxTokens == 0 {
			mc.MaxTokens = 8192
		}
		if mc.Temperature == 0 {
			mc.Temperature = 0.7
		}
		return slug, mc
	}
	return slug, LLMModelConfig{
		Provider:    "openai",
		Model:       "gpt-4o",
		MaxTokens:   8192,
		Temperature: 0.7,
	}
}

// Credentials returns the configured credentials for a provider name.
func (c *Config) Credentials(provider string) ProviderCredentials {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch provider {
	case "openrouter":
		return c.Providers.OpenRouter
	case "anthropic":
		return c.Providers.Anthropic
	default:
		return c.Providers.OpenAI
	}
}
