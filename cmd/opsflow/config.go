package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// AgentConfig describes one dispatch target. Type selects the transport:
// "http" posts to BaseURL/<service>/<action>, "mcp" spawns Command over stdio.
type AgentConfig struct {
	Type      string            `json:"type"`
	BaseURL   string            `json:"base_url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       []string          `json:"env,omitempty"`
}

// Config holds all opsflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	// DBPath is the libSQL database file. The literal "memory" selects the
	// non-durable in-memory store.
	DBPath          string                 `json:"db_path"`
	LogLevel        string                 `json:"log_level"`
	PoolSize        int                    `json:"pool_size"`
	DeadlineSlack   float64                `json:"deadline_slack"`
	ApprovalTimeout string                 `json:"approval_timeout"`
	TriggerInterval string                 `json:"trigger_interval"`
	Agents          map[string]AgentConfig `json:"agents"`
	// DefaultAgent handles steps whose agent has no dedicated entry.
	DefaultAgent string `json:"default_agent"`
	WebhookURL   string `json:"webhook_url"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(opsflowDir(), "opsflow.db"),
		LogLevel:   "info",
		PoolSize:   10,
	}
}

func opsflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opsflow"
	}
	return filepath.Join(home, ".opsflow")
}

func settingsPath() string {
	return filepath.Join(opsflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("OPSFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("OPSFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OPSFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPSFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("OPSFLOW_APPROVAL_TIMEOUT"); v != "" {
		cfg.ApprovalTimeout = v
	}
	if v := os.Getenv("OPSFLOW_TRIGGER_INTERVAL"); v != "" {
		cfg.TriggerInterval = v
	}
	if v := os.Getenv("OPSFLOW_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}

	return cfg
}

// duration parses a config duration string, falling back to def when the
// field is empty or malformed.
func duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
