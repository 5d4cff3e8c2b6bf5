package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletoptime/chatbridge/internal/metrics"
	"github.com/tabletoptime/chatbridge/internal/telegram"
	"github.com/tabletoptime/chatbridge/internal/token"
)

// fakeNotifier records notify calls as "action:slug".
type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) record(action, slug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action+":"+slug)
}

func (f *fakeNotifier) OnVote(ctx context.Context, slug string)           { f.record("vote", slug) }
func (f *fakeNotifier) OnFinalize(ctx context.Context, slug string)       { f.record("finalize", slug) }
func (f *fakeNotifier) OnLocationChange(ctx context.Context, slug string) { f.record("location", slug) }
func (f *fakeNotifier) OnCancel(ctx context.Context, slug string)         { f.record("cancel", slug) }

// fakeRedeemer maps tokens to chat ids; anything else answers err.
type fakeRedeemer struct {
	sessions map[string]int64
	err      error
}

func (f *fakeRedeemer) Redeem(ctx context.Context, tok string) (*token.Session, error) {
	if chatID, ok := f.sessions[tok]; ok {
		return &token.Session{ChatID: chatID}, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	return nil, token.ErrInvalidToken
}

func newTestServer(t *testing.T, options ServerOptions, handler telegram.UpdateHandler, notifier Notifier) *Server {
	t.Helper()
	s, err := NewServer(options, handler, notifier, nil, metrics.New(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func noopHandler() telegram.UpdateHandler {
	return telegram.UpdateHandlerFunc(func(ctx context.Context, update tgbotapi.Update) error {
		return nil
	})
}

func TestNewServerDefaults(t *testing.T) {
	s := newTestServer(t, ServerOptions{}, nil, nil)
	assert.Equal(t, 8090, s.options.Port)
	assert.Equal(t, "0.0.0.0", s.options.Host)
	assert.Equal(t, 300, s.options.RateLimitPerMinute)
}

func TestNewServerRequiresHandlerInWebhookMode(t *testing.T) {
	_, err := NewServer(ServerOptions{ServeTelegramWebhook: true}, nil, nil, nil, metrics.New(), zerolog.Nop())
	assert.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, ServerOptions{}, nil, nil)
	mux := s.Routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookRouteOnlyInWebhookMode(t *testing.T) {
	s := newTestServer(t, ServerOptions{ServeTelegramWebhook: false}, nil, nil)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTelegramWebhook(t *testing.T) {
	t.Run("always answers ok once authenticated", func(t *testing.T) {
		handled := 0
		handler := telegram.UpdateHandlerFunc(func(ctx context.Context, update tgbotapi.Update) error {
			handled++
			return nil
		})
		s := newTestServer(t, ServerOptions{ServeTelegramWebhook: true}, handler, nil)

		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telegram/webhook",
			strings.NewReader(`{"update_id":7,"message":{"message_id":1,"chat":{"id":5},"text":"hi"}}`)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
		assert.Equal(t, 1, handled)
	})

	t.Run("handler failure still answers ok", func(t *testing.T) {
		handler := telegram.UpdateHandlerFunc(func(ctx context.Context, update tgbotapi.Update) error {
			return assert.AnError
		})
		s := newTestServer(t, ServerOptions{ServeTelegramWebhook: true}, handler, nil)

		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telegram/webhook",
			strings.NewReader(`{"update_id":7}`)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	})

	t.Run("malformed body still answers ok", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{ServeTelegramWebhook: true}, noopHandler(), nil)

		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telegram/webhook",
			strings.NewReader("not json")))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	})

	t.Run("secret token mismatch is rejected", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{ServeTelegramWebhook: true, WebhookSecret: "s3cret"}, noopHandler(), nil)

		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telegram/webhook",
			strings.NewReader("{}")))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader("{}"))
		req.Header.Set(secretTokenHeader, "wrong")
		rec = httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req = httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader("{}"))
		req.Header.Set(secretTokenHeader, "s3cret")
		rec = httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("get is not allowed", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{ServeTelegramWebhook: true}, noopHandler(), nil)

		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telegram/webhook", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestNotifyEndpoint(t *testing.T) {
	notifyReq := func(body, bearer string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/internal/notify", strings.NewReader(body))
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		return req
	}

	t.Run("dispatches each action", func(t *testing.T) {
		notifier := &fakeNotifier{}
		s := newTestServer(t, ServerOptions{SharedSecret: "shh"}, nil, notifier)
		mux := s.Routes()

		for _, action := range []string{"vote", "finalize", "location", "cancel"} {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, notifyReq(`{"slug":"abc123","action":"`+action+`"}`, "shh"))
			assert.Equal(t, http.StatusAccepted, rec.Code)
			assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
		}
		assert.Equal(t, []string{"vote:abc123", "finalize:abc123", "location:abc123", "cancel:abc123"},
			notifier.calls)
	})

	t.Run("missing or wrong bearer token", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{SharedSecret: "shh"}, nil, &fakeNotifier{})
		mux := s.Routes()

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, notifyReq(`{"slug":"abc123","action":"vote"}`, ""))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, notifyReq(`{"slug":"abc123","action":"vote"}`, "nope"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown action", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{SharedSecret: "shh"}, nil, &fakeNotifier{})

		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, notifyReq(`{"slug":"abc123","action":"explode"}`, "shh"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing slug", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{SharedSecret: "shh"}, nil, &fakeNotifier{})

		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, notifyReq(`{"action":"vote"}`, "shh"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRedeemEndpoint(t *testing.T) {
	redeemReq := func(body, bearer string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/internal/redeem", strings.NewReader(body))
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		return req
	}

	newRedeemServer := func(t *testing.T, login LoginRedeemer) (*Server, *metrics.Metrics) {
		t.Helper()
		m := metrics.New()
		s, err := NewServer(ServerOptions{SharedSecret: "shh"}, nil, nil, login, m, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { s.rateLimiter.Stop() })
		return s, m
	}

	t.Run("valid token answers the bound chat id", func(t *testing.T) {
		s, m := newRedeemServer(t, &fakeRedeemer{sessions: map[string]int64{"tok-1": 42}})

		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, redeemReq(`{"token":"tok-1"}`, "shh"))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true,"chat_id":42}`, rec.Body.String())
		assert.Equal(t, 1.0, testutil.ToFloat64(m.LoginTokenRedemptions.WithLabelValues("ok")))
	})

	t.Run("invalid and expired answer identically", func(t *testing.T) {
		s, m := newRedeemServer(t, &fakeRedeemer{})

		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, redeemReq(`{"token":"no-such"}`, "shh"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		invalidBody := rec.Body.String()

		sExp, mExp := newRedeemServer(t, &fakeRedeemer{err: token.ErrExpiredToken})
		rec = httptest.NewRecorder()
		sExp.Routes().ServeHTTP(rec, redeemReq(`{"token":"stale"}`, "shh"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, invalidBody, rec.Body.String())

		// Only the metrics tell the two failures apart
		assert.Equal(t, 1.0, testutil.ToFloat64(m.LoginTokenRedemptions.WithLabelValues("invalid")))
		assert.Equal(t, 1.0, testutil.ToFloat64(mExp.LoginTokenRedemptions.WithLabelValues("expired")))
	})

	t.Run("missing or wrong bearer token", func(t *testing.T) {
		s, _ := newRedeemServer(t, &fakeRedeemer{sessions: map[string]int64{"tok-1": 42}})
		mux := s.Routes()

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, redeemReq(`{"token":"tok-1"}`, ""))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, redeemReq(`{"token":"tok-1"}`, "nope"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing token is a bad request", func(t *testing.T) {
		s, _ := newRedeemServer(t, &fakeRedeemer{})

		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, redeemReq(`{}`, "shh"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get is not allowed", func(t *testing.T) {
		s, _ := newRedeemServer(t, &fakeRedeemer{})

		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/redeem", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestTelegramWebhookIsNotRateLimited(t *testing.T) {
	s := newTestServer(t, ServerOptions{ServeTelegramWebhook: true, RateLimitPerMinute: 1}, noopHandler(), nil)
	mux := s.Routes()

	// Telegram funnels every group through a handful of egress IPs, so
	// the per-IP cap never applies to this route
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(`{"update_id":7}`))
		req.RemoteAddr = "149.154.167.220:443"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestShutdownGateRejectsNewRequests(t *testing.T) {
	s := newTestServer(t, ServerOptions{SharedSecret: "shh"}, nil, &fakeNotifier{})

	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	req := httptest.NewRequest(http.MethodPost, "/internal/notify", strings.NewReader(`{"slug":"abc123","action":"vote"}`))
	req.Header.Set("Authorization", "Bearer shh")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitAnswers429WithRetryAfter(t *testing.T) {
	s := newTestServer(t, ServerOptions{RateLimitPerMinute: 2}, nil, &fakeNotifier{})
	mux := s.Routes()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/internal/notify", strings.NewReader(`{"slug":"abc123","action":"vote"}`))
		req.RemoteAddr = "10.0.0.9:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, send().Code)
	assert.Equal(t, http.StatusAccepted, send().Code)

	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
