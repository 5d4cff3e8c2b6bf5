package config

import (
	"fmt"
	"regexp"
)

var botTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// ValidateTelegramToken validates a Telegram bot token
func ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// Telegram bot tokens have format: <bot_id>:<token>
	// Example: 123456789:ABCdefGHIjklMNOpqrsTUVwxyz
	if !botTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}
