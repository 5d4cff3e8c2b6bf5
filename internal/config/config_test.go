package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBotToken = "123456789:ABCdefGHIjklMNOpqrsTUVwxyz"

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Telegram.BotToken = testBotToken
	cfg.Database.Path = "/tmp/chatbridge-test.db"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ModePoll, cfg.Telegram.Mode)
	assert.Equal(t, 30, cfg.Telegram.PollTimeout)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 300, cfg.Server.RateLimitPerMinute)
	assert.Equal(t, "*/10 * * * *", cfg.Cleanup.Schedule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.Equal(t, "http://localhost:3000", cfg.BaseURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing bot token",
			mutate:  func(c *Config) { c.Telegram.BotToken = "" },
			wantErr: "bot token is required",
		},
		{
			name:    "malformed bot token",
			mutate:  func(c *Config) { c.Telegram.BotToken = "not-a-token" },
			wantErr: "invalid Telegram bot token format",
		},
		{
			name:    "invalid mode",
			mutate:  func(c *Config) { c.Telegram.Mode = "both" },
			wantErr: "invalid telegram mode",
		},
		{
			name:    "zero poll timeout",
			mutate:  func(c *Config) { c.Telegram.PollTimeout = 0 },
			wantErr: "poll timeout must be positive",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateTelegramToken(t *testing.T) {
	assert.NoError(t, ValidateTelegramToken(testBotToken))
	assert.NoError(t, ValidateTelegramToken("1:a_b-C"))

	assert.Error(t, ValidateTelegramToken(""))
	assert.Error(t, ValidateTelegramToken("missing-colon"))
	assert.Error(t, ValidateTelegramToken("abc:def"))
	assert.Error(t, ValidateTelegramToken("123:"))
	assert.Error(t, ValidateTelegramToken("123:with space"))
}

func TestWebhookModeIsValid(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.Mode = ModeWebhook
	assert.NoError(t, cfg.Validate())
}

func TestLoaderSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatbridge.json")
	loader := NewLoader(path)

	cfg := validConfig()
	cfg.Telegram.Mode = ModeWebhook
	cfg.Server.Port = 9999
	cfg.BaseURL = "https://tt.example.com"
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, testBotToken, loaded.Telegram.BotToken)
	assert.Equal(t, ModeWebhook, loaded.Telegram.Mode)
	assert.Equal(t, 9999, loaded.Server.Port)
	assert.Equal(t, "https://tt.example.com", loaded.BaseURL)
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, ModePoll, cfg.Telegram.Mode)
	assert.NotEmpty(t, cfg.Database.Path, "database path defaults under the data dir")
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Run("nested keys reach the config without a file", func(t *testing.T) {
		t.Setenv("CHATBRIDGE_TELEGRAM_BOT_TOKEN", testBotToken)
		t.Setenv("CHATBRIDGE_TELEGRAM_MODE", "webhook")
		t.Setenv("CHATBRIDGE_SERVER_PORT", "9001")
		t.Setenv("CHATBRIDGE_BASE_URL", "https://env.example.com")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "nope.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, testBotToken, cfg.Telegram.BotToken)
		assert.Equal(t, ModeWebhook, cfg.Telegram.Mode)
		assert.Equal(t, 9001, cfg.Server.Port)
		assert.Equal(t, "https://env.example.com", cfg.BaseURL)

		// Unset keys keep their defaults
		assert.Equal(t, 300, cfg.Server.RateLimitPerMinute)
		assert.Equal(t, 30, cfg.Telegram.PollTimeout)
	})

	t.Run("env beats the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chatbridge.json")
		loader := NewLoader(path)
		fileCfg := validConfig()
		fileCfg.Server.Port = 9999
		require.NoError(t, loader.Save(fileCfg))

		t.Setenv("CHATBRIDGE_SERVER_PORT", "9001")

		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 9001, cfg.Server.Port)
		assert.Equal(t, testBotToken, cfg.Telegram.BotToken, "file values survive")
	})

	t.Run("bot token shortcut without the telegram prefix", func(t *testing.T) {
		t.Setenv("CHATBRIDGE_BOT_TOKEN", testBotToken)

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "nope.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, testBotToken, cfg.Telegram.BotToken)
	})
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/cb.json", NewLoader("/etc/cb.json").GetConfigPath())
	assert.Contains(t, NewLoader("").GetConfigPath(), "chatbridge.json")
}
