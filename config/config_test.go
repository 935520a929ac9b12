package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("default addr = %q", cfg.Addr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log level = %q", cfg.LogLevel)
	}
	if cfg.IdleTimeout != 120*time.Second {
		t.Errorf("default idle timeout = %v", cfg.IdleTimeout)
	}
	if cfg.CancelGrace != 5*time.Second {
		t.Errorf("default cancel grace = %v", cfg.CancelGrace)
	}
	if cfg.OllamaEnabled {
		t.Error("ollama enabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
data_directory = "/var/lib/flowrelay"

[server]
addr = ":9090"
log_level = "debug"

[stream]
idle_timeout_seconds = 30
cancel_grace_seconds = 2

[providers]
openai_base_url = "http://proxy:8000/v1"
ollama_enabled = true
ollama_base_url = "http://gpu-box:11434"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDirectory != "/var/lib/flowrelay" {
		t.Errorf("data directory = %q", cfg.DataDirectory)
	}
	if cfg.Addr != ":9090" || cfg.LogLevel != "debug" {
		t.Errorf("server section not applied: %q %q", cfg.Addr, cfg.LogLevel)
	}
	if cfg.IdleTimeout != 30*time.Second || cfg.CancelGrace != 2*time.Second {
		t.Errorf("stream section not applied: %v %v", cfg.IdleTimeout, cfg.CancelGrace)
	}
	if cfg.OpenAIBaseURL != "http://proxy:8000/v1" {
		t.Errorf("openai base url = %q", cfg.OpenAIBaseURL)
	}
	if !cfg.OllamaEnabled || cfg.OllamaBaseURL != "http://gpu-box:11434" {
		t.Errorf("ollama section not applied: %v %q", cfg.OllamaEnabled, cfg.OllamaBaseURL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLOWRELAY_ADDR", ":7070")
	t.Setenv("FLOWRELAY_LOG_LEVEL", "warn")
	t.Setenv("FLOWRELAY_MASTER_SECRET", "hunter2")
	t.Setenv("FLOWRELAY_OLLAMA_ENABLED", "true")
	t.Setenv("FLOWRELAY_OLLAMA_HOST", "http://localhost:11434")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Errorf("env addr override ignored: %q", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("env log level override ignored: %q", cfg.LogLevel)
	}
	if cfg.MasterSecret != "hunter2" {
		t.Error("master secret not read from env")
	}
	if !cfg.OllamaEnabled || cfg.OllamaBaseURL != "http://localhost:11434" {
		t.Errorf("ollama env overrides ignored: %v %q", cfg.OllamaEnabled, cfg.OllamaBaseURL)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[stream]\nidle_timeout_seconds = 0\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("zero idle timeout accepted")
	}

	if err := os.WriteFile(path, []byte("not valid toml ==="), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed TOML accepted")
	}
}
