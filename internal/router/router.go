// Package router parses inbound messages into intents and dispatches them.
// Both ingestion transports call through this single implementation.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tabletoptime/chatbridge/internal/baseurl"
	"github.com/tabletoptime/chatbridge/internal/identity"
	"github.com/tabletoptime/chatbridge/internal/metrics"
	"github.com/tabletoptime/chatbridge/internal/store"
	"github.com/tabletoptime/chatbridge/internal/token"
)

// linkPattern detects pasted event links and captures their origin, so
// reply links use whatever domain the chat actually reached the app on.
var linkPattern = regexp.MustCompile(`(https?://[^/\s]+)/e/([A-Za-z0-9]+)`)

// Deep-link payloads delivered through the start command.
const (
	payloadRecoveryPrefix = "setup_recovery_"
	payloadLogin          = "login"
	payloadRecoverHandle  = "recover_handle"
)

const (
	replyConnectUsage   = "Please provide the event reference. Usage: /connect [ref]"
	replyGreeting       = "Hello! Just paste a link to a TabletopTime event to connect me!"
	replyRecoveryFailed = "This recovery link is invalid or expired."
	replyHandleMismatch = "❌ Telegram handle does not match our records."
)

// RouterStore is the persistence surface the router needs.
type RouterStore interface {
	GetEventBySlug(ctx context.Context, slug string) (*store.Event, error)
	SetEventChat(ctx context.Context, eventID, chatID int64) error
}

// Dashboard is the dashboard-manager surface the router needs.
type Dashboard interface {
	RefreshStatus(ctx context.Context, slug, base string) error
}

// Sender sends plain replies.
type Sender interface {
	SendMessage(chatID int64, text string) (int, error)
}

// Router turns message text plus sender identity into actions.
type Router struct {
	store      RouterStore
	correlator *identity.Correlator
	recovery   *token.RecoverySigner
	login      *token.LoginService
	dashboard  Dashboard
	sender     Sender
	baseURL    *baseurl.Resolver
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New creates a router. All dependencies are constructed once by the
// composition root and passed down.
func New(st RouterStore, correlator *identity.Correlator, recovery *token.RecoverySigner,
	login *token.LoginService, dash Dashboard, sender Sender, base *baseurl.Resolver,
	logger zerolog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		store:      st,
		correlator: correlator,
		recovery:   recovery,
		login:      login,
		dashboard:  dash,
		sender:     sender,
		baseURL:    base,
		logger:     logger.With().Str("component", "router").Logger(),
		metrics:    m,
		now:        time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// sender identity extracted from one update
type inbound struct {
	chatID int64
	userID int64
	handle string
	text   string
}

// HandleUpdate routes one inbound update. Validation failures are answered
// with a short hint or ignored; unknown references are ignored silently so
// an arbitrary sender cannot discover which references exist.
func (r *Router) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return nil
	}

	in := inbound{
		chatID: msg.Chat.ID,
		text:   strings.TrimSpace(msg.Text),
	}
	if msg.From != nil {
		in.userID = msg.From.ID
		in.handle = msg.From.UserName
	}

	log := r.logger.With().
		Str("correlation_id", uuid.NewString()[:8]).
		Int64("chat_id", in.chatID).
		Logger()
	log.Debug().Int("update_id", update.UpdateID).Msg("Update received")

	// Passive identity capture runs for every message with a resolvable
	// handle, before any intent dispatch.
	if in.handle != "" && in.userID != 0 {
		if err := r.correlator.CapturePassive(ctx, in.handle, in.userID); err != nil {
			log.Error().Err(err).Msg("Passive identity capture failed")
		}
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "connect":
			arg := strings.TrimSpace(msg.CommandArguments())
			if arg == "" {
				r.reply(in.chatID, replyConnectUsage, log)
				return nil
			}
			return r.connect(ctx, strings.Fields(arg)[0], in, "", log)
		case "start":
			return r.handleStart(ctx, strings.TrimSpace(msg.CommandArguments()), in, log)
		}
		// Unknown commands fall through to link detection
	}

	if m := linkPattern.FindStringSubmatch(in.text); m != nil {
		return r.connect(ctx, m[2], in, m[1], log)
	}

	return nil
}

// handleStart dispatches the deep-link payloads of the start command.
func (r *Router) handleStart(ctx context.Context, payload string, in inbound, log zerolog.Logger) error {
	switch {
	case strings.HasPrefix(payload, payloadRecoveryPrefix):
		return r.handleRecovery(ctx, strings.TrimPrefix(payload, payloadRecoveryPrefix), in, log)
	case payload == payloadLogin, payload == payloadRecoverHandle:
		return r.sendLoginLink(ctx, in, log)
	default:
		r.reply(in.chatID, replyGreeting, log)
		return nil
	}
}

// connect links an event to the conversation. origin, when non-empty, is
// the URL origin the reference was detected under.
func (r *Router) connect(ctx context.Context, slug string, in inbound, origin string, log zerolog.Logger) error {
	ev, err := r.store.GetEventBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		// Silent: pasted links to unknown references get no reaction
		log.Debug().Str("slug", slug).Msg("Connect for unknown reference ignored")
		return nil
	}
	if err != nil {
		return err
	}

	if err := r.store.SetEventChat(ctx, ev.ID, in.chatID); err != nil {
		return err
	}

	// First connector of a manager-less event becomes the manager
	if _, err := r.correlator.ClaimOnConnect(ctx, ev, in.handle, in.userID); err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("Manager claim on connect failed")
	}

	r.reply(in.chatID,
		fmt.Sprintf("✅ <b>Connected!</b> I will notify this chat for: <b>%s</b>", ev.Title), log)

	base := r.baseURL.Resolve(origin, nil)
	if err := r.dashboard.RefreshStatus(ctx, slug, base); err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("Dashboard refresh after connect failed")
	}

	log.Info().Str("slug", slug).Msg("Event connected to chat")
	return nil
}

// handleRecovery processes a signed recovery claim: setup_recovery_<ref>_<token>.
func (r *Router) handleRecovery(ctx context.Context, rest string, in inbound, log zerolog.Logger) error {
	sep := strings.Index(rest, "_")
	if sep <= 0 || sep == len(rest)-1 {
		r.reply(in.chatID, replyRecoveryFailed, log)
		return nil
	}
	slug, tok := rest[:sep], rest[sep+1:]

	if !r.recovery.Verify(slug, tok, r.now()) {
		r.metrics.RecoveryVerifications.WithLabelValues("invalid").Inc()
		r.reply(in.chatID, replyRecoveryFailed, log)
		return nil
	}

	ev, err := r.store.GetEventBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		r.metrics.RecoveryVerifications.WithLabelValues("invalid").Inc()
		r.reply(in.chatID, replyRecoveryFailed, log)
		return nil
	}
	if err != nil {
		return err
	}

	outcome, err := r.correlator.ClaimOnRecovery(ctx, ev, in.handle, in.userID)
	if errors.Is(err, identity.ErrHandleMismatch) {
		r.metrics.RecoveryVerifications.WithLabelValues("mismatch").Inc()
		r.reply(in.chatID, replyHandleMismatch, log)
		return nil
	}
	if err != nil {
		return err
	}

	r.metrics.RecoveryVerifications.WithLabelValues("ok").Inc()
	if outcome == identity.ClaimedManager {
		log.Info().Str("slug", slug).Msg("Manager slot claimed via recovery")
	}
	return r.sendLoginLink(ctx, in, log)
}

// sendLoginLink issues a single-use login token and replies with the
// magic-login link.
func (r *Router) sendLoginLink(ctx context.Context, in inbound, log zerolog.Logger) error {
	tok, err := r.login.Issue(ctx, in.chatID)
	if err != nil {
		return err
	}
	r.metrics.LoginTokensIssuedTotal.Inc()

	link := fmt.Sprintf("%s/auth/login?token=%s", r.baseURL.Configured(), tok)
	r.reply(in.chatID,
		fmt.Sprintf("🔐 Tap to log in (link expires in 15 minutes):\n<a href=\"%s\">Log in to TabletopTime</a>", link), log)
	return nil
}

// reply sends a best-effort response; failures are logged, never fatal.
func (r *Router) reply(chatID int64, text string, log zerolog.Logger) {
	if _, err := r.sender.SendMessage(chatID, text); err != nil {
		log.Warn().Err(err).Msg("Failed to send reply")
	}
}
