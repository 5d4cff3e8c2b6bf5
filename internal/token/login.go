package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/tabletoptime/chatbridge/internal/store"
)

// LoginTTL is how long an issued login token stays redeemable.
const LoginTTL = 15 * time.Minute

// loginTokenLength is the nanoid length of generated tokens.
const loginTokenLength = 32

// ErrInvalidToken is returned when the token does not exist. An already
// redeemed token yields the same error as one that never existed.
var ErrInvalidToken = errors.New("invalid or expired token")

// ErrExpiredToken is returned when the token exists but is past its expiry.
var ErrExpiredToken = errors.New("invalid or expired token")

// Session binds a redeemed login to a chat.
type Session struct {
	ChatID   int64
	IssuedAt time.Time
}

// LoginStore is the persistence surface the login service needs.
type LoginStore interface {
	CreateLoginToken(ctx context.Context, t *store.LoginToken) error
	GetLoginToken(ctx context.Context, token string) (*store.LoginToken, error)
	DeleteLoginToken(ctx context.Context, token string) (bool, error)
	DeleteExpiredLoginTokens(ctx context.Context, now time.Time) (int64, error)
}

// LoginService issues and redeems single-use login tokens.
type LoginService struct {
	store  LoginStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewLoginService creates a login service.
func NewLoginService(st LoginStore, logger zerolog.Logger) *LoginService {
	return &LoginService{
		store:  st,
		logger: logger.With().Str("component", "login").Logger(),
		now:    time.Now,
	}
}

// Issue generates an opaque token bound to the chat and persists it with a
// 15 minute expiry. The returned token goes into a magic-login link.
func (l *LoginService) Issue(ctx context.Context, chatID int64) (string, error) {
	tok, err := gonanoid.New(loginTokenLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate login token: %w", err)
	}

	record := &store.LoginToken{
		Token:     tok,
		ChatID:    chatID,
		ExpiresAt: l.now().Add(LoginTTL),
	}
	if err := l.store.CreateLoginToken(ctx, record); err != nil {
		return "", err
	}

	l.logger.Info().Int64("chat_id", chatID).Msg("Login token issued")
	return tok, nil
}

// Redeem exchanges a token for a session exactly once. The record is
// deleted before the session is returned, so a concurrent second redemption
// always fails: the delete is the single winner-picking operation.
func (l *LoginService) Redeem(ctx context.Context, tok string) (*Session, error) {
	record, err := l.store.GetLoginToken(ctx, tok)
	if errors.Is(err, store.ErrNotFound) {
		l.logger.Warn().Msg("Login attempt with unknown token")
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	now := l.now()
	if now.After(record.ExpiresAt) {
		// Stale record: remove it so the table cannot accrete garbage
		if _, err := l.store.DeleteLoginToken(ctx, tok); err != nil {
			l.logger.Error().Err(err).Msg("Failed to delete expired login token")
		}
		l.logger.Warn().Msg("Login attempt with expired token")
		return nil, ErrExpiredToken
	}

	deleted, err := l.store.DeleteLoginToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	if !deleted {
		// Another redemption won the race
		return nil, ErrInvalidToken
	}

	l.logger.Info().Int64("chat_id", record.ChatID).Msg("Login token redeemed")
	return &Session{ChatID: record.ChatID, IssuedAt: now}, nil
}

// SweepExpired deletes all expired login tokens and returns how many.
func (l *LoginService) SweepExpired(ctx context.Context) (int64, error) {
	n, err := l.store.DeleteExpiredLoginTokens(ctx, l.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info().Int64("count", n).Msg("Expired login tokens removed")
	}
	return n, nil
}

// SetClock overrides the time source, for tests.
func (l *LoginService) SetClock(now func() time.Time) {
	l.now = now
}
