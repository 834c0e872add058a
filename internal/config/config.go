// Package config handles Parley configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported inference backends.
const (
	BackendOllama    = "ollama"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
)

// Supported memory stores.
const (
	MemorySQLite   = "sqlite"
	MemoryPostgres = "postgres"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/parley/config.yaml,
// /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}
	return append(paths, "/etc/parley/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Listen      ListenConfig     `yaml:"listen"`
	DataDir     string           `yaml:"data_dir"`
	LogLevel    string           `yaml:"log_level"`
	LogFormat   string           `yaml:"log_format"`
	PersonaFile string           `yaml:"persona_file"`
	Backend     string           `yaml:"backend"`
	Ollama      OllamaConfig     `yaml:"ollama"`
	OpenAI      OpenAIConfig     `yaml:"openai"`
	Anthropic   AnthropicConfig  `yaml:"anthropic"`
	Embeddings  EmbeddingsConfig `yaml:"embeddings"`
	Memory      MemoryConfig     `yaml:"memory"`
	Agent       AgentConfig      `yaml:"agent"`
	Voice       VoiceConfig      `yaml:"voice"`
	MQTT        MQTTConfig       `yaml:"mqtt"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address ("" = all interfaces)
	Port    int    `yaml:"port"`
}

// OllamaConfig defines the Ollama server and models.
type OllamaConfig struct {
	URL            string `yaml:"url"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	NumCtx         int    `yaml:"num_ctx"`
}

// OpenAIConfig defines OpenAI (or compatible) API settings. TTSModel and
// Voice are used for voice messages.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	TTSModel       string `yaml:"tts_model"`
	Voice          string `yaml:"voice"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// EmbeddingsConfig selects the embedding provider. Empty means the same
// provider as Backend, or ollama when Backend has no embeddings API.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"`
}

// MemoryConfig selects the long-term memory store.
type MemoryConfig struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	// MaxIterations caps model calls per user turn.
	MaxIterations int `yaml:"max_iterations"`
	// DisabledToolPolicy is "allow" (disabled tools are hidden from the
	// catalog but still run) or "reject".
	DisabledToolPolicy string `yaml:"disabled_tool_policy"`
}

// VoiceConfig enables voice messages through OpenAI text-to-speech.
// Clips are written under DataDir/voice.
type VoiceConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig configures the optional MQTT mirror of agent events.
// An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Backend == "" {
		c.Backend = BackendOllama
	}

	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = "qwen3:8b"
	}
	if c.Ollama.EmbeddingModel == "" {
		c.Ollama.EmbeddingModel = "nomic-embed-text"
	}
	if c.Ollama.NumCtx == 0 {
		c.Ollama.NumCtx = 8192
	}

	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.OpenAI.EmbeddingModel == "" {
		c.OpenAI.EmbeddingModel = "text-embedding-3-small"
	}
	if c.OpenAI.TTSModel == "" {
		c.OpenAI.TTSModel = "tts-1"
	}
	if c.OpenAI.Voice == "" {
		c.OpenAI.Voice = "alloy"
	}

	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 4096
	}

	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = BackendOllama
		if c.Backend == BackendOpenAI {
			c.Embeddings.Provider = BackendOpenAI
		}
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = MemorySQLite
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.DisabledToolPolicy == "" {
		c.Agent.DisabledToolPolicy = "allow"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "parley"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "parley"
	}
}

// Validate checks cross-field constraints. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendOllama:
	case BackendOpenAI:
		if c.OpenAI.APIKey == "" && c.OpenAI.BaseURL == "" {
			errs = append(errs, errors.New("openai backend requires openai.api_key or openai.base_url"))
		}
	case BackendAnthropic:
		if c.Anthropic.APIKey == "" {
			errs = append(errs, errors.New("anthropic backend requires anthropic.api_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (valid: ollama, openai, anthropic)", c.Backend))
	}

	switch c.Embeddings.Provider {
	case BackendOllama, BackendOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings.provider %q (valid: ollama, openai)", c.Embeddings.Provider))
	}

	switch c.Memory.Backend {
	case MemorySQLite:
	case MemoryPostgres:
		if c.Memory.PostgresDSN == "" {
			errs = append(errs, errors.New("memory.backend postgres requires memory.postgres_dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown memory.backend %q (valid: sqlite, postgres)", c.Memory.Backend))
	}

	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations))
	}
	switch c.Agent.DisabledToolPolicy {
	case "allow", "reject":
	default:
		errs = append(errs, fmt.Errorf("unknown agent.disabled_tool_policy %q (valid: allow, reject)", c.Agent.DisabledToolPolicy))
	}

	if c.Voice.Enabled && c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("voice.enabled requires openai.api_key"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}

// DatabasePath returns the path of the SQLite database under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "parley.db")
}

// VoiceDir returns the directory voice clips are written to.
func (c *Config) VoiceDir() string {
	return filepath.Join(c.DataDir, "voice")
}
