// Package config loads gateway configuration from files and the environment.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Config holds the full gateway configuration.
//
// Duration-valued settings are stored as integer fields (seconds or
// milliseconds, suffix says which) so the JSONC file stays plain; use the
// accessor methods to get time.Durations.
type Config struct {
	// HTTP
	Port     int    `json:"port"`
	Hostname string `json:"hostname"`
	APIKey   string `json:"api_key"`

	// Session storage
	StorageRoot string `json:"storage_root"`

	// Browser
	Headless           bool   `json:"headless"`
	BrowserPath        string `json:"browser_path"`
	UserAgent          string `json:"user_agent"`
	WebClientURL       string `json:"web_client_url"`
	WebVersionCache    string `json:"web_version_cache"` // none, local, remote
	WebVersionCacheURL string `json:"web_version_cache_url"`

	// Setup / recovery
	RecoveryEnabled     bool `json:"recovery_enabled"`
	MaxRecoveryAttempts int  `json:"max_recovery_attempts"`
	SetupRetries        int  `json:"setup_retries"`
	SetupRetryDelaySec  int  `json:"setup_retry_delay_sec"`
	SetupTimeoutSec     int  `json:"setup_timeout_sec"`
	ReloadGraceSec      int  `json:"reload_grace_sec"`
	RecoveryGraceSec    int  `json:"recovery_grace_sec"`

	// Bounded-call timeouts
	LogoutTimeoutSec   int `json:"logout_timeout_sec"`
	CloseTimeoutSec    int `json:"close_timeout_sec"`
	EvaluateTimeoutSec int `json:"evaluate_timeout_sec"`
	PageWaitTimeoutSec int `json:"page_wait_timeout_sec"`

	// Health monitor
	MonitorIntervalSec int `json:"monitor_interval_sec"`
	MonitorThreshold   int `json:"monitor_threshold"`

	// Webhook
	WebhookURL        string `json:"webhook_url"`
	WebhookSecret     string `json:"webhook_secret"`
	WebhookTimeoutSec int    `json:"webhook_timeout_sec"`
	BreakerThreshold  int    `json:"breaker_threshold"`
	BreakerResetSec   int    `json:"breaker_reset_sec"`

	// Events forwarded to the webhook. Empty means all.
	EnabledEvents []string `json:"enabled_events"`

	// Logging
	LogLevel   string `json:"log_level"`
	PrettyLogs bool   `json:"pretty_logs"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Port:                8080,
		Hostname:            "127.0.0.1",
		StorageRoot:         "./sessions",
		Headless:            true,
		WebClientURL:        "https://web.whatsapp.com",
		WebVersionCache:     "none",
		RecoveryEnabled:     true,
		MaxRecoveryAttempts: 3,
		SetupRetries:        3,
		SetupRetryDelaySec:  10,
		SetupTimeoutSec:     60,
		ReloadGraceSec:      2,
		RecoveryGraceSec:    5,
		LogoutTimeoutSec:    15,
		CloseTimeoutSec:     5,
		EvaluateTimeoutSec:  3,
		PageWaitTimeoutSec:  10,
		MonitorIntervalSec:  30,
		MonitorThreshold:    3,
		WebhookTimeoutSec:   10,
		BreakerThreshold:    3,
		BreakerResetSec:     30,
		LogLevel:            "INFO",
	}
}

// Load loads configuration from multiple sources (priority order):
// 1. Built-in defaults
// 2. Global config (~/.wagate/wagate.json[c])
// 3. Project config (<directory>/wagate.json[c])
// 4. .env file in <directory> (via godotenv, populates the environment)
// 5. Environment variables (highest priority)
func Load(directory string) (*Config, error) {
	config := Default()

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config) == nil {
			loaded[absPath] = true
		}
	}

	// 2. Global config
	if home := os.Getenv("HOME"); home != "" {
		globalDir := filepath.Join(home, ".wagate")
		loadOnce(filepath.Join(globalDir, "wagate.json"))
		loadOnce(filepath.Join(globalDir, "wagate.jsonc"))
	}

	// 3. Project config
	if directory != "" {
		loadOnce(filepath.Join(directory, "wagate.json"))
		loadOnce(filepath.Join(directory, "wagate.jsonc"))

		// 4. .env file, if present. Existing env vars win.
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	// 5. Environment variables
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single JSONC config file into config.
func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	return json.Unmarshal(data, config)
}

// applyEnvOverrides applies WAGATE_* environment variable overrides.
func applyEnvOverrides(config *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setInt("WAGATE_PORT", &config.Port)
	setStr("WAGATE_HOSTNAME", &config.Hostname)
	setStr("WAGATE_API_KEY", &config.APIKey)
	setStr("WAGATE_STORAGE_ROOT", &config.StorageRoot)
	setBool("WAGATE_HEADLESS", &config.Headless)
	setStr("WAGATE_BROWSER_PATH", &config.BrowserPath)
	setStr("WAGATE_USER_AGENT", &config.UserAgent)
	setStr("WAGATE_WEB_CLIENT_URL", &config.WebClientURL)
	setStr("WAGATE_WEB_VERSION_CACHE", &config.WebVersionCache)
	setStr("WAGATE_WEB_VERSION_CACHE_URL", &config.WebVersionCacheURL)
	setBool("WAGATE_RECOVERY_ENABLED", &config.RecoveryEnabled)
	setInt("WAGATE_MAX_RECOVERY_ATTEMPTS", &config.MaxRecoveryAttempts)
	setInt("WAGATE_SETUP_RETRIES", &config.SetupRetries)
	setInt("WAGATE_SETUP_RETRY_DELAY_SEC", &config.SetupRetryDelaySec)
	setInt("WAGATE_MONITOR_INTERVAL_SEC", &config.MonitorIntervalSec)
	setInt("WAGATE_MONITOR_THRESHOLD", &config.MonitorThreshold)
	setStr("WAGATE_WEBHOOK_URL", &config.WebhookURL)
	setStr("WAGATE_WEBHOOK_SECRET", &config.WebhookSecret)
	setInt("WAGATE_WEBHOOK_TIMEOUT_SEC", &config.WebhookTimeoutSec)
	setInt("WAGATE_BREAKER_THRESHOLD", &config.BreakerThreshold)
	setInt("WAGATE_BREAKER_RESET_SEC", &config.BreakerResetSec)
	setStr("WAGATE_LOG_LEVEL", &config.LogLevel)
	setBool("WAGATE_PRETTY_LOGS", &config.PrettyLogs)

	if v := os.Getenv("WAGATE_ENABLED_EVENTS"); v != "" {
		parts := strings.Split(v, ",")
		events := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				events = append(events, p)
			}
		}
		config.EnabledEvents = events
	}
}

// WebhookTargetFor resolves the webhook URL for a session: a per-session
// environment override (WAGATE_WEBHOOK_URL_<ID>, uppercased, '-' mapped to
// '_') wins over the global default.
func (c *Config) WebhookTargetFor(sessionID string) string {
	key := "WAGATE_WEBHOOK_URL_" + strings.ToUpper(strings.ReplaceAll(sessionID, "-", "_"))
	if v := os.Getenv(key); v != "" {
		return v
	}
	return c.WebhookURL
}

// Duration accessors.

func (c *Config) SetupRetryDelay() time.Duration {
	return time.Duration(c.SetupRetryDelaySec) * time.Second
}

func (c *Config) SetupTimeout() time.Duration {
	return time.Duration(c.SetupTimeoutSec) * time.Second
}

func (c *Config) ReloadGrace() time.Duration {
	return time.Duration(c.ReloadGraceSec) * time.Second
}

func (c *Config) RecoveryGrace() time.Duration {
	return time.Duration(c.RecoveryGraceSec) * time.Second
}

func (c *Config) LogoutTimeout() time.Duration {
	return time.Duration(c.LogoutTimeoutSec) * time.Second
}

func (c *Config) CloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutSec) * time.Second
}

func (c *Config) EvaluateTimeout() time.Duration {
	return time.Duration(c.EvaluateTimeoutSec) * time.Second
}

func (c *Config) PageWaitTimeout() time.Duration {
	return time.Duration(c.PageWaitTimeoutSec) * time.Second
}

func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSec) * time.Second
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSec) * time.Second
}

func (c *Config) BreakerReset() time.Duration {
	return time.Duration(c.BreakerResetSec) * time.Second
}

// Save saves the configuration to a file.
func Save(config *Config, path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
