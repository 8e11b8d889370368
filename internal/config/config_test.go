package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Transport != TransportStdio {
		t.Errorf("Expected stdio transport, got %s", cfg.Transport)
	}
	if cfg.AuthTokenEnv != "AGENTDRAHT_AUTH_TOKEN" {
		t.Errorf("Unexpected auth token env var: %s", cfg.AuthTokenEnv)
	}
	if cfg.EventBufferSize <= 0 || cfg.LifecycleQueueSize <= 0 || cfg.CallbackWorkers <= 0 {
		t.Error("Buffer sizes must default to positive values")
	}
	if !cfg.RestartEnabled {
		t.Error("Restart should be enabled by default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	tempDir := t.TempDir()
	cfg, err := Load(filepath.Join(tempDir, "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load of missing file should return defaults, got error: %v", err)
	}
	if cfg.Transport != TransportStdio {
		t.Errorf("Expected default transport, got %s", cfg.Transport)
	}
}

func TestLoadPartialFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.json")

	configJSON := `{
		"agent_path": "/usr/local/bin/agent",
		"transport": "tcp",
		"request_timeout_seconds": 5
	}`
	if err := os.WriteFile(configPath, []byte(configJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.AgentPath != "/usr/local/bin/agent" {
		t.Errorf("agent_path not loaded: %s", cfg.AgentPath)
	}
	if cfg.Transport != TransportTCP {
		t.Errorf("transport not loaded: %s", cfg.Transport)
	}
	if cfg.RequestTimeout() != 5*time.Second {
		t.Errorf("request timeout not loaded: %v", cfg.RequestTimeout())
	}
	// Fields absent from the file keep their defaults.
	if cfg.LogLevel != "info" {
		t.Errorf("log_level should default to info, got %s", cfg.LogLevel)
	}
	if cfg.LifecycleQueueSize <= 0 {
		t.Error("lifecycle_queue_size should keep its default")
	}
}

func TestLoadMovesTokenIntoLockedMemory(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.json")

	configJSON := `{"agent_path": "/bin/agent", "auth_token": "top-secret-token"}`
	if err := os.WriteFile(configPath, []byte(configJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	defer cfg.SetAuthToken("")

	if cfg.AuthTokenRaw != "" {
		t.Error("Raw token field should be cleared after load")
	}
	token := cfg.AuthToken()
	if token == nil || token.String() != "top-secret-token" {
		t.Error("Token should be available through locked memory")
	}
}

func TestSaveNeverWritesToken(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.json")

	cfg := DefaultConfig()
	cfg.AgentPath = "/bin/agent"
	cfg.SetAuthToken("top-secret-token")
	defer cfg.SetAuthToken("")

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read saved config: %v", err)
	}
	if strings.Contains(string(data), "top-secret-token") {
		t.Error("Saved config must not contain the auth token")
	}

	// Round trip keeps the ordinary fields.
	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to reload config: %v", err)
	}
	if loaded.AgentPath != "/bin/agent" {
		t.Errorf("agent_path lost in round trip: %s", loaded.AgentPath)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTDRAHT_LOG_LEVEL", "debug")
	t.Setenv("AGENTDRAHT_AGENT_PATH", "/opt/agent")
	t.Setenv("AGENTDRAHT_AUTH_TOKEN", "env-token")

	tempDir := t.TempDir()
	cfg, err := Load(filepath.Join(tempDir, "missing.json"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	defer cfg.SetAuthToken("")

	if cfg.LogLevel != "debug" {
		t.Errorf("Env log level not applied: %s", cfg.LogLevel)
	}
	if cfg.AgentPath != "/opt/agent" {
		t.Errorf("Env agent path not applied: %s", cfg.AgentPath)
	}
	token := cfg.AuthToken()
	if token == nil || token.String() != "env-token" {
		t.Error("Env auth token not applied")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid stdio", func(c *Config) { c.AgentPath = "/bin/agent" }, false},
		{"valid tcp attach", func(c *Config) {
			c.Transport = TransportTCP
			c.AttachAddress = "127.0.0.1:9000"
		}, false},
		{"unknown transport", func(c *Config) {
			c.AgentPath = "/bin/agent"
			c.Transport = "unix"
		}, true},
		{"attach on stdio", func(c *Config) {
			c.AgentPath = "/bin/agent"
			c.AttachAddress = "127.0.0.1:9000"
		}, true},
		{"no agent path, no attach", func(c *Config) {}, true},
		{"negative restart attempts", func(c *Config) {
			c.AgentPath = "/bin/agent"
			c.MaxRestartAttempts = -1
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestDurationAccessorsFallBack(t *testing.T) {
	cfg := &Config{}
	if cfg.RequestTimeout() <= 0 {
		t.Error("RequestTimeout should fall back to a positive default")
	}
	if cfg.TerminateGrace() <= 0 {
		t.Error("TerminateGrace should fall back to a positive default")
	}

	cfg.RequestTimeoutSeconds = 7
	if cfg.RequestTimeout() != 7*time.Second {
		t.Errorf("Expected 7s, got %v", cfg.RequestTimeout())
	}
}

func TestWatchReload(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{"log_level":"info"}`), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	reloads := make(chan *Config, 4)
	w, err := Watch(configPath, func(cfg *Config) { reloads <- cfg })
	if err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(configPath, []byte(`{"log_level":"debug"}`), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-reloads:
		if cfg.LogLevel != "debug" {
			t.Errorf("Reloaded config has log_level %s", cfg.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No reload observed after config change")
	}

	// Rewriting identical content must not trigger another reload.
	if err := os.WriteFile(configPath, []byte(`{"log_level":"debug"}`), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	select {
	case <-reloads:
		t.Error("Reload fired for unchanged content")
	case <-time.After(time.Second):
	}
}
