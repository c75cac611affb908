package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultFeishuBaseURL     = "https://open.feishu.cn"
	DefaultTimeoutSeconds    = 10
	DefaultDedupTTLSeconds   = 600
	DefaultConversationLabel = "feishu-bot"
	DefaultAIProvider        = "openai"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Feishu  FeishuConfig  `json:"feishu"`
	AI      AIConfig      `json:"ai"`
	Dedup   DedupConfig   `json:"dedup"`
	Gateway GatewayConfig `json:"gateway"`
	Logging LoggingConfig `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// FeishuConfig configures the outbound Feishu open platform API.
type FeishuConfig struct {
	BaseURL        string `env:"FEISHU_API_BASE_URL"    json:"base_url"`
	AppID          string `env:"FEISHU_APP_ID"          json:"app_id"`
	AppSecret      string `env:"FEISHU_APP_SECRET"      json:"app_secret"`
	TimeoutSeconds int    `env:"FEISHU_TIMEOUT_SECONDS" json:"timeout_seconds"`
}

// Timeout returns the per-call HTTP timeout.
func (c FeishuConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AIConfig selects and configures the conversational backend.
type AIConfig struct {
	Provider          string                 `env:"FEISHUBRIDGE_AI_PROVIDER" json:"provider"`
	Model             string                 `env:"FEISHUBRIDGE_AI_MODEL"    json:"model"`
	ConversationLabel string                 `json:"conversation_label"`
	OpenAI            OpenAIProviderConfig   `json:"openai"`
	OpenCode          OpenCodeProviderConfig `json:"opencode"`
}

// OpenAIProviderConfig configures the OpenAI backend client.
type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenCodeProviderConfig configures the OpenCode backend client.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	Agent                 string `json:"agent"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// DedupConfig controls the inbound event dedup window.
type DedupConfig struct {
	TTLSeconds int `env:"FEISHUBRIDGE_DEDUP_TTL_SECONDS" json:"ttl_seconds"`
}

// TTL returns the dedup window.
func (c DedupConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `env:"FEISHUBRIDGE_HOST" json:"host"`
	Port int    `env:"FEISHUBRIDGE_PORT" json:"port"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Feishu: FeishuConfig{
			BaseURL:        DefaultFeishuBaseURL,
			TimeoutSeconds: DefaultTimeoutSeconds,
		},
		AI: AIConfig{
			Provider:          DefaultAIProvider,
			ConversationLabel: DefaultConversationLabel,
		},
		Dedup: DedupConfig{TTLSeconds: DefaultDedupTTLSeconds},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
	}
}

// LoadConfig resolves config.json, unmarshals it over defaults, and applies environment overrides.
//
// A missing config file is not an error: the bridge can run from environment alone.
func LoadConfig() (*Config, error) {
	cfg := Default()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.normalize()

	return cfg, nil
}

// applyEnvOverrides injects env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}

	return nil
}

// normalize trims string settings and restores defaults for zeroed values.
func (c *Config) normalize() {
	c.Feishu.BaseURL = strings.TrimRight(strings.TrimSpace(c.Feishu.BaseURL), "/")
	if c.Feishu.BaseURL == "" {
		c.Feishu.BaseURL = DefaultFeishuBaseURL
	}
	c.Feishu.AppID = strings.TrimSpace(c.Feishu.AppID)
	c.Feishu.AppSecret = strings.TrimSpace(c.Feishu.AppSecret)
	if c.Feishu.TimeoutSeconds <= 0 {
		c.Feishu.TimeoutSeconds = DefaultTimeoutSeconds
	}

	c.AI.Provider = strings.ToLower(strings.TrimSpace(c.AI.Provider))
	if c.AI.Provider == "" {
		c.AI.Provider = DefaultAIProvider
	}
	if strings.TrimSpace(c.AI.ConversationLabel) == "" {
		c.AI.ConversationLabel = DefaultConversationLabel
	}

	if c.Dedup.TTLSeconds <= 0 {
		c.Dedup.TTLSeconds = DefaultDedupTTLSeconds
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is FEISHUBRIDGE_CONFIG first, then cwd-local fallback paths.
// An empty path with no error means no file was found.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("FEISHUBRIDGE_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("FEISHUBRIDGE_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
