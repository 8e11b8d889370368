package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/codefionn/agentdraht/internal/consts"
	"github.com/codefionn/agentdraht/internal/securemem"
)

// Transport selectors for the agent connection.
const (
	TransportStdio = "stdio"
	TransportTCP   = "tcp"
)

// Config represents application configuration
type Config struct {
	// AgentPath is the path to the agent executable to spawn.
	AgentPath string `json:"agent_path"`
	// AgentArgs are extra arguments appended after the serve flags.
	AgentArgs []string `json:"agent_args,omitempty"`
	// Transport selects how the agent is reached: "stdio" or "tcp".
	Transport string `json:"transport"`
	// AttachAddress, when set, makes Start dial a running agent instead of
	// spawning one (TCP transport only).
	AttachAddress string `json:"attach_address,omitempty"`
	// Workspace is the working directory handed to new sessions.
	Workspace string `json:"workspace,omitempty"`
	// Model is the default model requested for new sessions.
	Model string `json:"model,omitempty"`
	// PidfilePath, when set, records the spawned agent's pid.
	PidfilePath string `json:"pidfile_path,omitempty"`

	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"-"`

	ConnectTimeoutSeconds   int `json:"connect_timeout_seconds"`
	RequestTimeoutSeconds   int `json:"request_timeout_seconds"`
	DestroyTimeoutSeconds   int `json:"destroy_timeout_seconds"`
	ToolCallTimeoutSeconds  int `json:"tool_call_timeout_seconds"`
	TerminateGraceSeconds   int `json:"terminate_grace_seconds"`
	PortAwaitTimeoutSeconds int `json:"port_await_timeout_seconds"`

	RestartEnabled         bool `json:"restart_enabled"`
	MaxRestartAttempts     int  `json:"max_restart_attempts"`
	RestartDelaySeconds    int  `json:"restart_delay_seconds"`
	RestartMaxDelaySeconds int  `json:"restart_max_delay_seconds"`

	EventBufferSize    int `json:"event_buffer_size"`
	LifecycleQueueSize int `json:"lifecycle_queue_size"`
	CallbackWorkers    int `json:"callback_workers"`

	// AuthTokenEnv names the environment variable the agent reads its auth
	// token from.
	AuthTokenEnv string `json:"auth_token_env,omitempty"`
	// AuthTokenRaw may hold the token in the config file. It is moved into
	// locked memory on Load and never written back by Save.
	AuthTokenRaw string `json:"auth_token,omitempty"`

	authToken *securemem.String
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "agentdraht")
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "agentdraht")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "agentdraht")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "agentdraht")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "agentdraht")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "agentdraht")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "agentdraht")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "agentdraht")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "agentdraht")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		Transport:               TransportStdio,
		LogLevel:                "info",
		LogPath:                 filepath.Join(stateDir, "agentdraht.log"),
		ConnectTimeoutSeconds:   int(consts.DefaultConnectTimeout / time.Second),
		RequestTimeoutSeconds:   int(consts.DefaultRequestTimeout / time.Second),
		DestroyTimeoutSeconds:   int(consts.DefaultDestroyTimeout / time.Second),
		ToolCallTimeoutSeconds:  int(consts.DefaultToolCallTimeout / time.Second),
		TerminateGraceSeconds:   int(consts.DefaultTerminateGrace / time.Second),
		PortAwaitTimeoutSeconds: int(consts.DefaultPortAwaitTimeout / time.Second),
		RestartEnabled:          true,
		MaxRestartAttempts:      consts.DefaultMaxRestartAttempts,
		RestartDelaySeconds:     int(consts.DefaultRestartDelay / time.Second),
		RestartMaxDelaySeconds:  int(consts.DefaultRestartMaxDelay / time.Second),
		EventBufferSize:         consts.DefaultEventBufferSize,
		LifecycleQueueSize:      consts.DefaultLifecycleQueueSize,
		CallbackWorkers:         consts.DefaultCallbackWorkers,
		AuthTokenEnv:            "AGENTDRAHT_AUTH_TOKEN",
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	// Start with default config
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			config.applyEnvOverrides()
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	// Ensure critical fields have defaults if still empty
	if config.Transport == "" {
		config.Transport = TransportStdio
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(defaultStateDir(), "agentdraht.log")
	}
	if config.AuthTokenEnv == "" {
		config.AuthTokenEnv = "AGENTDRAHT_AUTH_TOKEN"
	}
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = consts.DefaultEventBufferSize
	}
	if config.LifecycleQueueSize <= 0 {
		config.LifecycleQueueSize = consts.DefaultLifecycleQueueSize
	}
	if config.CallbackWorkers <= 0 {
		config.CallbackWorkers = consts.DefaultCallbackWorkers
	}

	config.applyEnvOverrides()
	return config, nil
}

// applyEnvOverrides lets environment variables win over file values. The auth
// token is moved into locked memory either way.
func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("AGENTDRAHT_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTDRAHT_LOG_PATH")); v != "" {
		c.LogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTDRAHT_AGENT_PATH")); v != "" {
		c.AgentPath = v
	}

	token := c.AuthTokenRaw
	if v := os.Getenv("AGENTDRAHT_AUTH_TOKEN"); v != "" {
		token = v
	}
	c.AuthTokenRaw = ""
	if token != "" {
		if c.authToken != nil {
			c.authToken.Destroy()
		}
		c.authToken = securemem.NewString(token)
	}
}

// AuthToken returns the auth token held in locked memory, or nil if none was
// configured.
func (c *Config) AuthToken() *securemem.String {
	return c.authToken
}

// SetAuthToken replaces the auth token, destroying any previous value.
func (c *Config) SetAuthToken(token string) {
	if c.authToken != nil {
		c.authToken.Destroy()
	}
	if token == "" {
		c.authToken = nil
		return
	}
	c.authToken = securemem.NewString(token)
}

// Validate checks the configuration for values Start cannot work with.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportTCP:
	default:
		return fmt.Errorf("unknown transport %q (want %q or %q)", c.Transport, TransportStdio, TransportTCP)
	}
	if c.AttachAddress != "" && c.Transport != TransportTCP {
		return fmt.Errorf("attach_address requires the %q transport", TransportTCP)
	}
	if c.AgentPath == "" && c.AttachAddress == "" {
		return fmt.Errorf("agent_path is required when no attach_address is set")
	}
	if c.MaxRestartAttempts < 0 {
		return fmt.Errorf("max_restart_attempts must not be negative")
	}
	return nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// The token never reaches the file, even if it arrived through one.
	copyCfg := *c
	copyCfg.AuthTokenRaw = ""

	data, err := json.MarshalIndent(&copyCfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// ConnectTimeout returns the connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return secondsOr(c.ConnectTimeoutSeconds, consts.DefaultConnectTimeout)
}

// RequestTimeout returns the default per-request deadline as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return secondsOr(c.RequestTimeoutSeconds, consts.DefaultRequestTimeout)
}

// DestroyTimeout returns the bound on best-effort destroy notifications.
func (c *Config) DestroyTimeout() time.Duration {
	return secondsOr(c.DestroyTimeoutSeconds, consts.DefaultDestroyTimeout)
}

// ToolCallTimeout returns the per-call deadline for tool handlers.
func (c *Config) ToolCallTimeout() time.Duration {
	return secondsOr(c.ToolCallTimeoutSeconds, consts.DefaultToolCallTimeout)
}

// TerminateGrace returns how long Terminate waits before escalating.
func (c *Config) TerminateGrace() time.Duration {
	return secondsOr(c.TerminateGraceSeconds, consts.DefaultTerminateGrace)
}

// PortAwaitTimeout returns the deadline for the port announcement.
func (c *Config) PortAwaitTimeout() time.Duration {
	return secondsOr(c.PortAwaitTimeoutSeconds, consts.DefaultPortAwaitTimeout)
}

// RestartDelay returns the initial delay between restart attempts.
func (c *Config) RestartDelay() time.Duration {
	return secondsOr(c.RestartDelaySeconds, consts.DefaultRestartDelay)
}

// RestartMaxDelay returns the cap on the restart backoff.
func (c *Config) RestartMaxDelay() time.Duration {
	return secondsOr(c.RestartMaxDelaySeconds, consts.DefaultRestartMaxDelay)
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
