package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main chatbridge configuration
type Config struct {
	// Telegram
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// HTTP server (push transport, health, metrics, notify API)
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Database
	Database DatabaseConfig `json:"database" mapstructure:"database"`

	// Cleanup
	Cleanup CleanupConfig `json:"cleanup" mapstructure:"cleanup"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Public base URL used for links when no request origin is available
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// Transport modes for update ingestion. Exactly one is active at a time.
const (
	ModePoll    = "poll"
	ModeWebhook = "webhook"
)

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	// BotToken authenticates against the Bot API and is also the HMAC
	// secret for recovery tokens. Startup fails without it.
	BotToken string `json:"bot_token" mapstructure:"bot_token"`

	// Mode selects the ingestion transport: "poll" or "webhook"
	Mode string `json:"mode" mapstructure:"mode"`

	// WebhookSecret, if set, is required in the
	// X-Telegram-Bot-Api-Secret-Token header of webhook calls
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret"`

	// PollTimeout is the long-poll timeout in seconds
	PollTimeout int `json:"poll_timeout" mapstructure:"poll_timeout"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`

	// SharedSecret authorizes the scheduling app's /internal/notify calls
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`

	// RateLimitPerMinute limits webhook requests per client IP
	RateLimitPerMinute int `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// DatabaseConfig holds sqlite configuration
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// CleanupConfig holds the expired login-token sweep schedule
type CleanupConfig struct {
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Mode:        ModePoll,
			PollTimeout: 30,
		},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8090,
			RateLimitPerMinute: 300,
		},
		Cleanup: CleanupConfig{
			Schedule: "*/10 * * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		BaseURL: "http://localhost:3000",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// The bot token doubles as the recovery-token signing secret, so its
	// absence is a fatal configuration error, never silently defaulted.
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}

	if err := ValidateTelegramToken(c.Telegram.BotToken); err != nil {
		return err
	}

	if c.Telegram.Mode != ModePoll && c.Telegram.Mode != ModeWebhook {
		return fmt.Errorf("invalid telegram mode %q (must be: poll, webhook)", c.Telegram.Mode)
	}

	if c.Telegram.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	return nil
}
