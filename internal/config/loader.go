package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// GetConfigPath returns the effective config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatbridge.json"
	}
	return filepath.Join(home, ".chatbridge", "chatbridge.json")
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	// Determine config path
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".chatbridge", "chatbridge.json")
	}

	// Setup viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Read environment variables. Nested keys need an explicit binding to
	// reach Unmarshal, so every supported override is listed here
	// (CHATBRIDGE_TELEGRAM_MODE, CHATBRIDGE_SERVER_PORT, ...).
	v.SetEnvPrefix("CHATBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"telegram.bot_token", "telegram.mode", "telegram.webhook_secret",
		"telegram.poll_timeout", "server.host", "server.port",
		"server.shared_secret", "server.rate_limit_per_minute",
		"database.path", "cleanup.schedule", "logging.level",
		"logging.file", "logging.redaction", "base_url", "data_dir",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env key %q: %w", key, err)
		}
	}

	cfg := DefaultConfig()

	// Read config file if it exists; env vars alone may be enough
	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Env values take precedence over file values; unset keys leave the
	// defaults alone. Env values arrive as strings, so numeric fields need
	// the weakly typed decode.
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Env override for the bot token so the secret can stay out of the file
	if tok := v.GetString("BOT_TOKEN"); tok != "" {
		cfg.Telegram.BotToken = tok
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".chatbridge")
	}

	// Set logging file path if not specified
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "chatbridge.log")
	}

	// Set database path if not specified
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.DataDir, "chatbridge.db")
	}

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	// Determine config path
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".chatbridge", "chatbridge.json")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Setup viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Set all config values (use canonical fields only)
	v.Set("telegram", cfg.Telegram)
	v.Set("server", cfg.Server)
	v.Set("database", cfg.Database)
	v.Set("cleanup", cfg.Cleanup)
	v.Set("logging", cfg.Logging)
	v.Set("base_url", cfg.BaseURL)
	v.Set("data_dir", cfg.DataDir)

	// Write config file
	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
