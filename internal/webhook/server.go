package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/tabletoptime/chatbridge/internal/metrics"
	"github.com/tabletoptime/chatbridge/internal/telegram"
	"github.com/tabletoptime/chatbridge/internal/token"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Notifier receives scheduling-side change events and refreshes the
// corresponding chat dashboards. All methods are best-effort.
type Notifier interface {
	OnVote(ctx context.Context, slug string)
	OnFinalize(ctx context.Context, slug string)
	OnLocationChange(ctx context.Context, slug string)
	OnCancel(ctx context.Context, slug string)
}

// LoginRedeemer exchanges a single-use login token for a session exactly
// once. The scheduling app calls this when a magic-login link is followed.
type LoginRedeemer interface {
	Redeem(ctx context.Context, tok string) (*token.Session, error)
}

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Host               string
	Port               int
	RateLimitPerMinute int

	// WebhookSecret, when set, must match the X-Telegram-Bot-Api-Secret-Token
	// header on /telegram/webhook requests.
	WebhookSecret string

	// SharedSecret authenticates the scheduling app on /internal/notify.
	SharedSecret string

	// ServeTelegramWebhook enables the /telegram/webhook route. Only the
	// webhook transport mode sets it; in poll mode the route answers 404.
	ServeTelegramWebhook bool
}

// Server is the HTTP surface: the Telegram push transport, the internal
// notification endpoint for the scheduling app, health and metrics.
type Server struct {
	options        ServerOptions
	server         *http.Server
	handler        telegram.UpdateHandler
	notifier       Notifier
	login          LoginRedeemer
	rateLimiter    *RateLimiter
	metrics        *metrics.Metrics
	logger         zerolog.Logger
	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a new HTTP server.
func NewServer(options ServerOptions, handler telegram.UpdateHandler, notifier Notifier, login LoginRedeemer, m *metrics.Metrics, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 8090
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 300
	}

	if options.ServeTelegramWebhook && handler == nil {
		return nil, fmt.Errorf("update handler is required in webhook mode")
	}

	return &Server{
		options:     options,
		handler:     handler,
		notifier:    notifier,
		login:       login,
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute),
		metrics:     m,
		logger:      logger,
		startTime:   time.Now(),
	}, nil
}

// Start starts the HTTP server. It blocks until the server is closed.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: s.Routes(),
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Bool("telegramWebhook", s.options.ServeTelegramWebhook).
		Msg("Starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Routes builds the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	if s.options.ServeTelegramWebhook {
		mux.HandleFunc("/telegram/webhook", s.handleTelegramWebhook)
	}
	mux.HandleFunc("/internal/notify", s.handleNotify)
	mux.HandleFunc("/internal/redeem", s.handleRedeem)
	return mux
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down HTTP server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// handleTelegramWebhook processes one pushed update. Once the platform is
// authenticated, the response is always 200 {"ok":true}: the outcome of
// handling is an internal matter and never a reason for Telegram to redeliver.
func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// No rate limit here: Telegram retries anything but success, and its
	// few egress IPs would trip a per-IP cap on any busy group. The
	// shutdown gate still applies.
	if done := s.enterRequest(w, r, false); done {
		return
	}
	defer s.inFlightReqs.Done()

	if s.options.WebhookSecret != "" {
		got := r.Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.options.WebhookSecret)) != 1 {
			s.logger.Warn().Str("ip", s.getClientIP(r)).Msg("Webhook secret token mismatch")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to decode webhook update")
		s.writeOK(w)
		return
	}

	s.metrics.UpdatesReceivedTotal.WithLabelValues("webhook").Inc()

	if err := s.handler.HandleUpdate(r.Context(), update); err != nil {
		s.metrics.UpdateErrorsTotal.Inc()
		s.logger.Error().Err(err).Int("updateID", update.UpdateID).Msg("Update handler failed")
	}

	s.writeOK(w)
}

type notifyRequest struct {
	Slug   string `json:"slug"`
	Action string `json:"action"`
}

// handleNotify lets the scheduling app signal event changes. The dashboard
// refresh is best-effort: once the request is authenticated and well-formed
// the response is 202 regardless of delivery outcome.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if done := s.enterRequest(w, r, true); done {
		return
	}
	defer s.inFlightReqs.Done()

	if !s.authorizeNotify(r) {
		s.logger.Warn().Str("ip", s.getClientIP(r)).Msg("Unauthorized notify request")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Slug == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if s.notifier == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "vote":
		s.notifier.OnVote(ctx, req.Slug)
	case "finalize":
		s.notifier.OnFinalize(ctx, req.Slug)
	case "location":
		s.notifier.OnLocationChange(ctx, req.Slug)
	case "cancel":
		s.notifier.OnCancel(ctx, req.Slug)
	default:
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

type redeemRequest struct {
	Token string `json:"token"`
}

// handleRedeem exchanges a single-use login token for its bound chat id.
// Invalid and expired tokens get the same answer so a caller cannot tell
// which tokens ever existed; the metrics distinguish them.
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if done := s.enterRequest(w, r, true); done {
		return
	}
	defer s.inFlightReqs.Done()

	if !s.authorizeNotify(r) {
		s.logger.Warn().Str("ip", s.getClientIP(r)).Msg("Unauthorized redeem request")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if s.login == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	session, err := s.login.Redeem(r.Context(), req.Token)
	switch {
	case errors.Is(err, token.ErrExpiredToken):
		s.metrics.LoginTokenRedemptions.WithLabelValues("expired").Inc()
		http.Error(w, "invalid or expired token", http.StatusNotFound)
		return
	case errors.Is(err, token.ErrInvalidToken):
		s.metrics.LoginTokenRedemptions.WithLabelValues("invalid").Inc()
		http.Error(w, "invalid or expired token", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("Login token redemption failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.metrics.LoginTokenRedemptions.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":      true,
		"chat_id": session.ChatID,
	})
}

// enterRequest applies the shutdown gate and, when rateLimit is set, the
// per-IP limit. It returns true if the request was already answered;
// otherwise the caller owns one inFlightReqs slot.
func (s *Server) enterRequest(w http.ResponseWriter, r *http.Request, rateLimit bool) bool {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return true
	}
	s.shutdownMu.RUnlock()

	if !rateLimit {
		s.inFlightReqs.Add(1)
		return false
	}

	ip := s.getClientIP(r)
	if !s.rateLimiter.CheckLimit(ip) {
		retryAfter := s.rateLimiter.GetRetryAfter(ip)
		s.logger.Warn().
			Str("ip", ip).
			Str("path", r.URL.Path).
			Int("retryAfter", retryAfter).
			Msg("Rate limit exceeded")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return true
	}

	s.inFlightReqs.Add(1)
	return false
}

func (s *Server) authorizeNotify(r *http.Request) bool {
	if s.options.SharedSecret == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	secret := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.options.SharedSecret)) == 1
}

func (s *Server) writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// getClientIP extracts the client IP from the request.
func (s *Server) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
