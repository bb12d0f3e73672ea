// Package config loads server configuration from an optional file plus
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"HOST"`
	Port int    `json:"port" yaml:"port" env:"PORT"`
}

// AuthConfig controls the PIN gate. An empty PIN disables the gate entirely.
type AuthConfig struct {
	PIN               string        `json:"pin" yaml:"pin" env:"PIN"`
	SessionTTL        time.Duration `json:"session_ttl" yaml:"session_ttl" env:"SESSION_TTL"`
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts" env:"AUTH_MAX_ATTEMPTS"`
	LockdownThreshold int           `json:"lockdown_threshold" yaml:"lockdown_threshold" env:"AUTH_LOCKDOWN_THRESHOLD"`
}

// AdapterConfig controls the remote-debugging connection.
type AdapterConfig struct {
	DebuggerURL string        `json:"debugger_url" yaml:"debugger_url" env:"DEBUGGER_URL"`
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout" env:"ADAPTER_CALL_TIMEOUT"`
}

// InjectionConfig controls the injection engine.
type InjectionConfig struct {
	PreferredMethod string        `json:"preferred_method" yaml:"preferred_method" env:"INJECT_PREFERRED_METHOD"`
	RetryDelay      time.Duration `json:"retry_delay" yaml:"retry_delay" env:"INJECT_RETRY_DELAY"`
	QueueDelay      time.Duration `json:"queue_delay" yaml:"queue_delay" env:"INJECT_QUEUE_DELAY"`
	TmuxTarget      string        `json:"tmux_target" yaml:"tmux_target" env:"INJECT_TMUX_TARGET"`
}

// CoordinatorConfig controls conversation polling and caching.
type CoordinatorConfig struct {
	CacheTTL         time.Duration `json:"cache_ttl" yaml:"cache_ttl" env:"COORDINATOR_CACHE_TTL"`
	ListInterval     time.Duration `json:"list_interval" yaml:"list_interval" env:"COORDINATOR_LIST_INTERVAL"`
	IdleListInterval time.Duration `json:"idle_list_interval" yaml:"idle_list_interval" env:"COORDINATOR_IDLE_LIST_INTERVAL"`
}

// OrchestratorConfig controls the engine and its persistence.
type OrchestratorConfig struct {
	DataFile        string        `json:"data_file" yaml:"data_file" env:"ORCHESTRATOR_DATA_FILE"`
	SystemTemplates string        `json:"system_templates" yaml:"system_templates" env:"ORCHESTRATOR_SYSTEM_TEMPLATES"`
	UserTemplates   string        `json:"user_templates" yaml:"user_templates" env:"ORCHESTRATOR_USER_TEMPLATES"`
	PersistDebounce time.Duration `json:"persist_debounce" yaml:"persist_debounce" env:"ORCHESTRATOR_PERSIST_DEBOUNCE"`
}

// SubsessionConfig controls the sub-session tracker.
type SubsessionConfig struct {
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval" env:"SUBSESSION_POLL_INTERVAL"`
	CompletingAfter time.Duration `json:"completing_after" yaml:"completing_after" env:"SUBSESSION_COMPLETING_AFTER"`
	CompletedAfter  time.Duration `json:"completed_after" yaml:"completed_after" env:"SUBSESSION_COMPLETED_AFTER"`
	AutoLink        bool          `json:"auto_link" yaml:"auto_link" env:"SUBSESSION_AUTO_LINK"`
	AutoLinkWindow  time.Duration `json:"auto_link_window" yaml:"auto_link_window" env:"SUBSESSION_AUTO_LINK_WINDOW"`
}

// HubConfig controls the websocket hub.
type HubConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" env:"HUB_HEARTBEAT_INTERVAL"`
	SendBuffer        int           `json:"send_buffer" yaml:"send_buffer" env:"HUB_SEND_BUFFER"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// Config is the root configuration object.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Auth         AuthConfig         `json:"auth" yaml:"auth"`
	Adapter      AdapterConfig      `json:"adapter" yaml:"adapter"`
	Injection    InjectionConfig    `json:"injection" yaml:"injection"`
	Coordinator  CoordinatorConfig  `json:"coordinator" yaml:"coordinator"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Subsessions  SubsessionConfig   `json:"subsessions" yaml:"subsessions"`
	Hub          HubConfig          `json:"hub" yaml:"hub"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
}

// Default returns the configuration used when nothing is provided.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8420},
		Auth: AuthConfig{
			SessionTTL:        4 * time.Hour,
			MaxAttempts:       3,
			LockdownThreshold: 5,
		},
		Adapter: AdapterConfig{
			DebuggerURL: "http://127.0.0.1:9222",
			CallTimeout: 10 * time.Second,
		},
		Injection: InjectionConfig{
			PreferredMethod: "cdp-eval",
			RetryDelay:      500 * time.Millisecond,
			QueueDelay:      time.Second,
		},
		Coordinator: CoordinatorConfig{
			CacheTTL:         5 * time.Second,
			ListInterval:     2 * time.Second,
			IdleListInterval: 60 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			DataFile:        "data/orchestrators.json",
			SystemTemplates: "templates/system",
			UserTemplates:   "templates/user",
			PersistDebounce: time.Second,
		},
		Subsessions: SubsessionConfig{
			PollInterval:    5 * time.Second,
			CompletingAfter: 60 * time.Second,
			CompletedAfter:  30 * time.Second,
			AutoLinkWindow:  10 * time.Second,
		},
		Hub: HubConfig{
			HeartbeatInterval: 30 * time.Second,
			SendBuffer:        64,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration: defaults, then the optional file at path
// (JSON or YAML by extension), then environment variables.
func Load(path string) (Config, error) {
	// .env is a developer convenience; missing files are fine.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return cfg, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Auth.PIN != "" && len(c.Auth.PIN) != 6 {
		return fmt.Errorf("PIN must be exactly 6 digits")
	}
	for _, r := range c.Auth.PIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must be exactly 6 digits")
		}
	}
	if c.Auth.MaxAttempts <= 0 {
		c.Auth.MaxAttempts = 3
	}
	if c.Auth.LockdownThreshold <= 0 {
		c.Auth.LockdownThreshold = 5
	}
	if c.Adapter.CallTimeout <= 0 {
		c.Adapter.CallTimeout = 10 * time.Second
	}
	if c.Coordinator.CacheTTL <= 0 {
		c.Coordinator.CacheTTL = 5 * time.Second
	}
	if c.Orchestrator.PersistDebounce <= 0 {
		c.Orchestrator.PersistDebounce = time.Second
	}
	if c.Hub.HeartbeatInterval <= 0 {
		c.Hub.HeartbeatInterval = 30 * time.Second
	}
	if c.Hub.SendBuffer <= 0 {
		c.Hub.SendBuffer = 64
	}
	return nil
}

// GateEnabled reports whether the PIN gate is active.
func (c *Config) GateEnabled() bool {
	return c.Auth.PIN != ""
}
