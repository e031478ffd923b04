// Package config defines the configuration schema for fabulist.
//
// The config file is JSON at ~/.fabulist/config.json; world content (entity
// sheets, locations, rule files) lives in a separate workspace directory.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// OpenAIConfig holds credentials for any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `json:"apiKey"`
	APIBase string `json:"apiBase,omitempty"`
}

// OllamaConfig points at a local Ollama daemon used as the stable baseline
// fallback tier.
type OllamaConfig struct {
	Host string `json:"host"`
}

// ProvidersConfig holds credentials for all supported inference backends.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `json:"openai"`
	Ollama OllamaConfig `json:"ollama"`
}

// ModelsConfig names the models used per role. Fallbacks is the ordered
// escalation chain tried after the primary model fails.
type ModelsConfig struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks"`
	Summary   string   `json:"summary"`
	Notes     string   `json:"notes"`
}

// GenerationConfig holds cross-call sampling parameters. TopP is set once
// here and applied at the gateway level, never per call.
type GenerationConfig struct {
	MaxTokens      int     `json:"maxTokens"`
	Temperature    float64 `json:"temperature"`
	TopP           float64 `json:"topP"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
}

// ContextConfig bounds context assembly.
//
// PaddingDivisor is the token-estimate padding ratio denominator: the
// estimate for each section is inflated by budget/divisor to absorb
// tokenizer drift (historically between 1/25 and 1/50 of the budget).
type ContextConfig struct {
	MaxTokens      int `json:"maxTokens"`
	PaddingDivisor int `json:"paddingDivisor"`
	RecallScenes   int `json:"recallScenes"`
	NoteWindow     int `json:"noteWindow"`
}

// PersistenceConfig tunes save-slot housekeeping.
type PersistenceConfig struct {
	BackupRetentionMinutes int `json:"backupRetentionMinutes"`
}

// ServerConfig configures the websocket play transport.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// Config is the root configuration object.
type Config struct {
	Workspace   string            `json:"workspace"`
	Providers   ProvidersConfig   `json:"providers"`
	Models      ModelsConfig      `json:"models"`
	Generation  GenerationConfig  `json:"generation"`
	Context     ContextConfig     `json:"context"`
	Persistence PersistenceConfig `json:"persistence"`
	Server      ServerConfig      `json:"server"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Workspace: "~/.fabulist/workspace",
		Providers: ProvidersConfig{
			Ollama: OllamaConfig{Host: "http://localhost:11434"},
		},
		Models: ModelsConfig{
			Primary:   "gpt-4o",
			Fallbacks: []string{"gpt-4o-mini", "gpt-4-turbo", "llama3.1"},
			Summary:   "gpt-4o-mini",
			Notes:     "gpt-4o-mini",
		},
		Generation: GenerationConfig{
			MaxTokens:      1024,
			Temperature:    0.8,
			TopP:           0.95,
			TimeoutSeconds: 120,
		},
		Context: ContextConfig{
			MaxTokens:      8000,
			PaddingDivisor: 32,
			RecallScenes:   2,
			NoteWindow:     30,
		},
		Persistence: PersistenceConfig{BackupRetentionMinutes: 10},
		Server:      ServerConfig{Addr: "127.0.0.1:8750"},
	}
}

// WorkspacePath returns the workspace directory with "~" expanded.
func (c *Config) WorkspacePath() string {
	return expandHome(c.Workspace)
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
