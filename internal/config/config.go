package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Pipeline      struct {
		DedupWindowMinutes int `json:"dedup_window_minutes"`
		CapabilityTimeout  int `json:"capability_timeout_seconds"`
		MaxTags            int `json:"max_tags"`
	} `json:"pipeline"`
	Session struct {
		InactivityMinutes int `json:"inactivity_minutes"`
	} `json:"session"`
	LLM struct {
		Provider        string  `json:"provider"`
		BaseURL         string  `json:"base_url"`
		APIKey          string  `json:"api_key"`
		Model           string  `json:"model"`
		MaxTokens       int     `json:"max_tokens"`
		Temperature     float32 `json:"temperature"`
		MaxPromptTokens int     `json:"max_prompt_tokens"`
	} `json:"llm"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
}

func Load(path string) (*Config, error) {
	// Optional .env alongside the config file; missing is fine.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".jotbot"),
		MaxConcurrent: 4,
	}
	cfg.LogLevel = "info"
	cfg.Pipeline.DedupWindowMinutes = 5
	cfg.Pipeline.CapabilityTimeout = 10
	cfg.Pipeline.MaxTags = 5
	cfg.Session.InactivityMinutes = 30
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 500
	cfg.LLM.Temperature = 0.1
	cfg.LLM.MaxPromptTokens = 4096
	cfg.HTTP.Listen = "127.0.0.1:8686"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
