package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrNoConfig       = errors.New("config file not found")
	ErrNoAPIKey       = errors.New("api_key not set in config")
	ErrInvalidJSON    = errors.New("invalid config JSON")
	ErrUnknownPrompt  = errors.New("default_system_prompt does not name a configured prompt")
	ErrNegativeTurns  = errors.New("history_turns must be >= 0")
	ErrBadTemperature = errors.New("temperature must be between 0 and 2")
)

// Config holds the global qwen-shell configuration. Pointer-typed fields
// distinguish "unset" from a zero value; Load fills in the defaults.
type Config struct {
	APIKey       string   `json:"api_key"`
	BaseURL      string   `json:"base_url"`
	DefaultModel string   `json:"default_model"`
	Temperature  *float64 `json:"temperature"`

	// Streaming defaults to true, TimeoutSeconds to 600.
	Streaming      *bool `json:"streaming"`
	TimeoutSeconds *int  `json:"timeout_seconds"`

	// HistoryTurns, when set, is an explicit turn budget; unset selects
	// token windowing by model.
	HistoryTurns *int `json:"history_turns"`

	// SystemPrompts maps prompt names to prompt text. DefaultPrompt names
	// the one active at startup, or "" for none.
	SystemPrompts map[string]string `json:"system_prompts"`
	DefaultPrompt string            `json:"default_system_prompt"`

	// ExtraParams holds opaque pass-through fields for the wire payload.
	ExtraParams map[string]any `json:"extra_request_params"`
}

// Load reads the config from ~/.config/qwen-shell/config.json.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(homeDir, ".config", "qwen-shell", "config.json")
	return LoadFrom(configPath)
}

// LoadFrom reads the config from a specific path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, ErrInvalidJSON
	}

	if cfg.APIKey == "" {
		// The key may come from the environment instead of the file.
		cfg.APIKey = os.Getenv("DASHSCOPE_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	// Set defaults
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "qwen-max"
	}
	if cfg.Streaming == nil {
		t := true
		cfg.Streaming = &t
	}
	if cfg.TimeoutSeconds == nil {
		secs := 600
		cfg.TimeoutSeconds = &secs
	}
	if cfg.SystemPrompts == nil {
		cfg.SystemPrompts = map[string]string{}
	}

	if cfg.HistoryTurns != nil && *cfg.HistoryTurns < 0 {
		return nil, ErrNegativeTurns
	}
	if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > 2) {
		return nil, ErrBadTemperature
	}
	if cfg.DefaultPrompt != "" {
		if _, ok := cfg.SystemPrompts[cfg.DefaultPrompt]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPrompt, cfg.DefaultPrompt)
		}
	}

	return &cfg, nil
}
