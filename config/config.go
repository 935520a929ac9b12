// Package config loads flowrelay's TOML configuration with environment
// overrides and provides the key cipher used to protect stored API keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type serverConfig struct {
	Addr     string `toml:"addr"`
	LogLevel string `toml:"log_level"`
}

type streamConfig struct {
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
	CancelGraceSeconds int `toml:"cancel_grace_seconds"`
}

type providersConfig struct {
	OpenAIBaseURL    string `toml:"openai_base_url"`
	AnthropicBaseURL string `toml:"anthropic_base_url"`
	GoogleBaseURL    string `toml:"google_base_url"`
	OllamaEnabled    bool   `toml:"ollama_enabled"`
	OllamaBaseURL    string `toml:"ollama_base_url"`
}

type fileConfig struct {
	DataDirectory string          `toml:"data_directory"`
	Server        serverConfig    `toml:"server"`
	Stream        streamConfig    `toml:"stream"`
	Providers     providersConfig `toml:"providers"`
}

// Config is the resolved runtime configuration.
type Config struct {
	DataDirectory string
	Addr          string
	LogLevel      string

	IdleTimeout time.Duration
	CancelGrace time.Duration

	OpenAIBaseURL    string
	AnthropicBaseURL string
	GoogleBaseURL    string
	OllamaEnabled    bool
	OllamaBaseURL    string

	// MasterSecret encrypts stored API keys at rest. Env-only, never in
	// the TOML file.
	MasterSecret string
}

// Load reads the config file at path (optional, "" means defaults only),
// then applies FLOWRELAY_* environment overrides.
func Load(path string) (*Config, error) {
	fc := fileConfig{
		DataDirectory: "~/.local/share/flowrelay",
		Server:        serverConfig{Addr: ":8080", LogLevel: "info"},
		Stream:        streamConfig{IdleTimeoutSeconds: 120, CancelGraceSeconds: 5},
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg := &Config{
		DataDirectory:    expandPath(fc.DataDirectory),
		Addr:             fc.Server.Addr,
		LogLevel:         fc.Server.LogLevel,
		IdleTimeout:      time.Duration(fc.Stream.IdleTimeoutSeconds) * time.Second,
		CancelGrace:      time.Duration(fc.Stream.CancelGraceSeconds) * time.Second,
		OpenAIBaseURL:    fc.Providers.OpenAIBaseURL,
		AnthropicBaseURL: fc.Providers.AnthropicBaseURL,
		GoogleBaseURL:    fc.Providers.GoogleBaseURL,
		OllamaEnabled:    fc.Providers.OllamaEnabled,
		OllamaBaseURL:    fc.Providers.OllamaBaseURL,
	}
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("FLOWRELAY_ADDR"); addr != "" {
		c.Addr = addr
	}
	if dir := os.Getenv("FLOWRELAY_DATA_DIR"); dir != "" {
		c.DataDirectory = expandPath(dir)
	}
	if level := os.Getenv("FLOWRELAY_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if secret := os.Getenv("FLOWRELAY_MASTER_SECRET"); secret != "" {
		c.MasterSecret = secret
	}
	if v := os.Getenv("FLOWRELAY_OLLAMA_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.OllamaEnabled = enabled
		}
	}
	if host := os.Getenv("FLOWRELAY_OLLAMA_HOST"); host != "" {
		c.OllamaBaseURL = host
	}
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return errors.New("server addr must not be empty")
	}
	if c.DataDirectory == "" {
		return errors.New("data directory must not be empty")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("stream idle timeout must be positive")
	}
	if c.CancelGrace <= 0 {
		return errors.New("stream cancel grace must be positive")
	}
	return nil
}

// EnsureDataDir creates the data directory with user-only permissions.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDirectory, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}

// expandPath resolves a leading ~ against the user's home directory.
func expandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[1:])
}
