package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeliveryConfig controls outbox TTL and expiry behavior.
type DeliveryConfig struct {
	// MaxAgeMs is the outbox TTL window. Default 30 minutes.
	MaxAgeMs int64 `yaml:"max_age_ms"`

	// ExpireAction is "fail" (default) or "deliver": on TTL expiry, mark
	// expired or attempt one final delivery.
	ExpireAction string `yaml:"expire_action"`

	// FailOpenOnQueuedFinal controls the dispatch driver's finalization
	// step when a turn queued a final reply but has zero confirmed sends:
	// the default (false) records a recovery failure; true fail-opens by
	// finalizing the turn as delivered anyway.
	FailOpenOnQueuedFinal bool `yaml:"fail_open_on_queued_final"`
}

// MessagesConfig groups everything under the `messages.*` namespace.
type MessagesConfig struct {
	Delivery DeliveryConfig `yaml:"delivery"`
}

// SessionConfig carries the session-store location template.
type SessionConfig struct {
	// Store is a template path; may contain "{agentId}".
	Store string `yaml:"store"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type WhatsAppConfig struct {
	// DeviceStorePath is the sqlstore path for the whatsmeow multi-device
	// session. Empty uses "<state_dir>/whatsapp.db".
	DeviceStorePath string `yaml:"device_store_path"`
	Enabled         bool   `yaml:"enabled"`
}

type SlackConfig struct {
	BotToken    string `yaml:"bot_token"`
	AppToken    string `yaml:"app_token"`
	SigningSecret string `yaml:"signing_secret"`
	Enabled     bool   `yaml:"enabled"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	Enabled    bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Slack    SlackConfig    `yaml:"slack"`
	Twilio   TwilioConfig   `yaml:"twilio"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// OutboxIntervalMs, TurnIntervalMs, MaxTurnsPerPass are worker cadences.
	OutboxIntervalMs int `yaml:"outbox_interval_ms"`
	TurnIntervalMs   int `yaml:"turn_interval_ms"`
	MaxTurnsPerPass  int `yaml:"max_turns_per_pass"`

	// PruneScheduleCron, when set, drives prune passes on a cron
	// expression instead of piggybacking on the worker loop's own cadence.
	PruneScheduleCron string `yaml:"prune_schedule_cron"`

	Messages MessagesConfig `yaml:"messages"`
	Session  SessionConfig  `yaml:"session"`
	Channels ChannelsConfig `yaml:"channels"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// StateDir returns the directory holding message-lifecycle.db and related
// per-channel session state, rooted at HomeDir.
func (c Config) StateDir() string {
	return filepath.Join(c.HomeDir, "state")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetChannelToken updates a single channel credential in config.yaml,
// preserving other settings.
func SetChannelToken(homeDir, channel, field, value string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	channels, _ := raw["channels"].(map[string]interface{})
	if channels == nil {
		channels = make(map[string]interface{})
	}
	chanCfg, _ := channels[channel].(map[string]interface{})
	if chanCfg == nil {
		chanCfg = make(map[string]interface{})
	}
	chanCfg[field] = value
	channels[channel] = chanCfg
	raw["channels"] = channels
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|turn_ms=%d|outbox_ms=%d|max_age=%d|expire=%s",
		c.BindAddr, c.LogLevel, c.TurnIntervalMs, c.OutboxIntervalMs,
		c.Messages.Delivery.MaxAgeMs, c.Messages.Delivery.ExpireAction)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:         "127.0.0.1:18789",
		LogLevel:         "info",
		OutboxIntervalMs: 1000,
		TurnIntervalMs:   1200,
		MaxTurnsPerPass:  16,
		Messages: MessagesConfig{
			Delivery: DeliveryConfig{
				MaxAgeMs:              int64((30 * time.Minute).Milliseconds()),
				ExpireAction:          "fail",
				FailOpenOnQueuedFinal: false,
			},
		},
		Session: SessionConfig{
			Store: "{agentId}/sessions",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("UDML_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".udml-gateway")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gateway home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18789"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.OutboxIntervalMs <= 0 {
		cfg.OutboxIntervalMs = 1000
	}
	if cfg.TurnIntervalMs <= 0 {
		cfg.TurnIntervalMs = 1200
	}
	if cfg.MaxTurnsPerPass <= 0 {
		cfg.MaxTurnsPerPass = 16
	}
	if cfg.Messages.Delivery.MaxAgeMs <= 0 {
		cfg.Messages.Delivery.MaxAgeMs = int64((30 * time.Minute).Milliseconds())
	}
	switch strings.ToLower(cfg.Messages.Delivery.ExpireAction) {
	case "fail", "deliver":
		cfg.Messages.Delivery.ExpireAction = strings.ToLower(cfg.Messages.Delivery.ExpireAction)
	default:
		cfg.Messages.Delivery.ExpireAction = "fail"
	}
	if strings.TrimSpace(cfg.Session.Store) == "" {
		cfg.Session.Store = "{agentId}/sessions"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("UDML_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("UDML_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("UDML_OUTBOX_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.OutboxIntervalMs = v
		}
	}
	if raw := os.Getenv("UDML_TURN_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TurnIntervalMs = v
		}
	}
	if raw := os.Getenv("UDML_MAX_TURNS_PER_PASS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxTurnsPerPass = v
		}
	}
	if raw := os.Getenv("UDML_DELIVERY_MAX_AGE_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Messages.Delivery.MaxAgeMs = v
		}
	}
	if raw := os.Getenv("UDML_DELIVERY_EXPIRE_ACTION"); raw != "" {
		cfg.Messages.Delivery.ExpireAction = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("SLACK_BOT_TOKEN"); raw != "" {
		cfg.Channels.Slack.BotToken = raw
	}
	if raw := os.Getenv("SLACK_APP_TOKEN"); raw != "" {
		cfg.Channels.Slack.AppToken = raw
	}
	if raw := os.Getenv("TWILIO_ACCOUNT_SID"); raw != "" {
		cfg.Channels.Twilio.AccountSID = raw
	}
	if raw := os.Getenv("TWILIO_AUTH_TOKEN"); raw != "" {
		cfg.Channels.Twilio.AuthToken = raw
	}
}
