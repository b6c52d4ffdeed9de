package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/glyphware/grimoire/internal/tools"
	"github.com/glyphware/grimoire/pkg/schema"
)

// Config holds all grimoire server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	// BaseURL is the externally reachable root; webhook-capable backends are
	// told to call back at {base_url}/v1/completions.
	BaseURL  string `json:"base_url"`
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`
	// PollIntervalSeconds drives the async job poller; zero uses the engine default.
	PollIntervalSeconds int `json:"poll_interval_seconds"`
	// MaxJobWaitSeconds bounds how long a polled job may run; zero uses the engine default.
	MaxJobWaitSeconds int `json:"max_job_wait_seconds"`
	// InboundToken, when set, must accompany backend completion callbacks.
	InboundToken  string `json:"inbound_token"`
	SlackBotToken string `json:"slack_bot_token"`
	// WebhookSecret is sent on outbound result webhooks as X-Grimoire-Token.
	WebhookSecret string `json:"webhook_secret"`
	// MCP enables the stdio MCP transport alongside the HTTP server.
	MCP bool `json:"mcp"`

	// NotificationFilters maps platform names to CEL predicates; a delivery
	// that fails its platform's predicate is skipped.
	NotificationFilters map[string]string `json:"notification_filters,omitempty"`

	// Catalogs loaded at startup.
	Adapters []AdapterDefinition `json:"adapters,omitempty"`
	Tools    []tools.Tool        `json:"tools,omitempty"`
	Spells   []schema.Spell      `json:"spells,omitempty"`
}

// AdapterDefinition declares one REST backend in settings.json.
type AdapterDefinition struct {
	Name           string `json:"name"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key,omitempty"`
	APIKeyEnv      string `json:"api_key_env,omitempty"` // env var holding the key; wins over api_key
	SupportsSync   bool   `json:"supports_sync"`
	SupportsPoll   bool   `json:"supports_poll"`
	Webhook        bool   `json:"webhook"` // backend calls back at {base_url}/v1/completions
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4700",
		DBPath:     filepath.Join(grimoireDir(), "grimoire.db"),
		LogLevel:   "info",
	}
}

func grimoireDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".grimoire"
	}
	return filepath.Join(home, ".grimoire")
}

func settingsPath() string {
	return filepath.Join(grimoireDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("GRIMOIRE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GRIMOIRE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("GRIMOIRE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GRIMOIRE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GRIMOIRE_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("GRIMOIRE_INBOUND_TOKEN"); v != "" {
		cfg.InboundToken = v
	}
	if v := os.Getenv("GRIMOIRE_SLACK_BOT_TOKEN"); v != "" {
		cfg.SlackBotToken = v
	}
	if v := os.Getenv("GRIMOIRE_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("GRIMOIRE_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	return cfg
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) maxJobWait() time.Duration {
	return time.Duration(c.MaxJobWaitSeconds) * time.Second
}

func (d AdapterDefinition) apiKey() string {
	if d.APIKeyEnv != "" {
		if v := os.Getenv(d.APIKeyEnv); v != "" {
			return v
		}
	}
	return d.APIKey
}
