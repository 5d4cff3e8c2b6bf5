// Package telegram wraps the Bot API: an outbound client for message
// lifecycle calls and the long-poll ingestion transport.
package telegram

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/tabletoptime/chatbridge/internal/metrics"
)

// outboundTimeout bounds every outbound API call so a slow call cannot
// stall the ingestion loop.
const outboundTimeout = 10 * time.Second

const pinRightsAdvisory = "⚠️ I tried to pin the message above, but I don't have permission. " +
	"Please promote me to Admin with 'Pin Messages' rights!"

// Client is a thin wrapper over the remote messaging API. Each operation is
// an independent call; callers decide which failures are fatal.
type Client struct {
	api     *tgbotapi.BotAPI
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// chats already sent the pin-rights advisory, to send it once
	advisedMu sync.Mutex
	advised   map[int64]bool
}

// NewClient creates an outbound client and authenticates against the API.
func NewClient(botToken string, logger zerolog.Logger, m *metrics.Metrics) (*Client, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPIWithClient(botToken, tgbotapi.APIEndpoint,
		&http.Client{Timeout: outboundTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	c := newClient(api, logger, m)
	c.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return c, nil
}

// NewClientWithAPI wraps an existing BotAPI instance, for tests.
func NewClientWithAPI(api *tgbotapi.BotAPI, logger zerolog.Logger, m *metrics.Metrics) *Client {
	return newClient(api, logger, m)
}

func newClient(api *tgbotapi.BotAPI, logger zerolog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		api:     api,
		logger:  logger.With().Str("component", "telegram").Logger(),
		metrics: m,
		advised: make(map[int64]bool),
	}
}

// Self returns the authenticated bot user.
func (c *Client) Self() tgbotapi.User {
	return c.api.Self
}

// SendMessage sends an HTML-formatted message and returns its message id.
func (c *Client) SendMessage(chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	sent, err := c.api.Send(msg)
	if err != nil {
		c.count("sendMessage", err)
		c.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send message")
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	c.count("sendMessage", nil)

	c.logger.Debug().
		Int64("chat_id", chatID).
		Int("message_id", sent.MessageID).
		Msg("Message sent")
	return sent.MessageID, nil
}

// EditMessageText replaces the text of an existing message in place.
func (c *Client) EditMessageText(chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeHTML
	edit.DisableWebPagePreview = true

	if _, err := c.api.Send(edit); err != nil {
		c.count("editMessageText", err)
		c.logger.Error().Err(err).
			Int64("chat_id", chatID).
			Int("message_id", messageID).
			Msg("Failed to edit message")
		return fmt.Errorf("failed to edit message: %w", err)
	}
	c.count("editMessageText", nil)
	return nil
}

// Pin pins a message without notification. When the bot lacks pin rights it
// sends a one-time advisory to the chat and reports the operation as
// completed; every other failure is returned for the caller to swallow.
func (c *Client) Pin(chatID int64, messageID int) error {
	cfg := tgbotapi.PinChatMessageConfig{
		ChatID:              chatID,
		MessageID:           messageID,
		DisableNotification: true,
	}

	if _, err := c.api.Request(cfg); err != nil {
		c.count("pinChatMessage", err)
		if isPinRightsError(err) {
			c.metrics.PinDeniedTotal.Inc()
			c.advisePinRights(chatID)
			return nil
		}
		c.logger.Error().Err(err).
			Int64("chat_id", chatID).
			Int("message_id", messageID).
			Msg("Failed to pin message")
		return fmt.Errorf("failed to pin message: %w", err)
	}
	c.count("pinChatMessage", nil)

	c.logger.Debug().
		Int64("chat_id", chatID).
		Int("message_id", messageID).
		Msg("Message pinned")
	return nil
}

// Unpin unpins a specific message.
func (c *Client) Unpin(chatID int64, messageID int) error {
	cfg := tgbotapi.UnpinChatMessageConfig{
		ChatID:    chatID,
		MessageID: messageID,
	}

	if _, err := c.api.Request(cfg); err != nil {
		c.count("unpinChatMessage", err)
		c.logger.Warn().Err(err).
			Int64("chat_id", chatID).
			Int("message_id", messageID).
			Msg("Failed to unpin message")
		return fmt.Errorf("failed to unpin message: %w", err)
	}
	c.count("unpinChatMessage", nil)
	return nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(chatID int64, messageID int) error {
	if _, err := c.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		c.count("deleteMessage", err)
		c.logger.Warn().Err(err).
			Int64("chat_id", chatID).
			Int("message_id", messageID).
			Msg("Failed to delete message")
		return fmt.Errorf("failed to delete message: %w", err)
	}
	c.count("deleteMessage", nil)
	return nil
}

// advisePinRights asks an admin for pin rights, once per chat.
func (c *Client) advisePinRights(chatID int64) {
	c.advisedMu.Lock()
	already := c.advised[chatID]
	c.advised[chatID] = true
	c.advisedMu.Unlock()

	if already {
		return
	}

	c.logger.Warn().Int64("chat_id", chatID).Msg("Missing pin rights, sending advisory")
	if _, err := c.SendMessage(chatID, pinRightsAdvisory); err != nil {
		c.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send pin advisory")
	}
}

func (c *Client) count(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.OutboundCallsTotal.WithLabelValues(method, status).Inc()
}

// isPinRightsError detects the specific "not enough rights" error shape the
// API returns when the bot cannot pin.
func isPinRightsError(err error) bool {
	tgErr := asAPIError(err)
	return tgErr != nil && tgErr.Code == 400 &&
		strings.Contains(strings.ToLower(tgErr.Message), "not enough rights")
}
