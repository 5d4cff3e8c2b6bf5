package telegram

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/tabletoptime/chatbridge/internal/metrics"
)

// Pull-transport timing. Transient errors retry after a fixed backoff; a
// conflict with another poller instance backs off a jittered interval so
// replicas converge on a single consumer without a shared lock.
const (
	errorBackoff    = 5 * time.Second
	takeoverDelay   = 1 * time.Second
	conflictBackoff = 3 * time.Second
	conflictJitter  = 7 * time.Second
)

// UpdateHandler processes one inbound update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update) error
}

// UpdateHandlerFunc adapts a function to UpdateHandler.
type UpdateHandlerFunc func(ctx context.Context, update tgbotapi.Update) error

// HandleUpdate implements UpdateHandler.
func (f UpdateHandlerFunc) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	return f(ctx, update)
}

// updatesAPI is the slice of the Bot API the poller needs.
type updatesAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Poller is the pull ingestion transport: a single long-poll loop feeding
// the shared router. All polling state (cursor, lifecycle) is owned by the
// struct and passed into the loop, never held globally.
type Poller struct {
	api     updatesAPI
	handler UpdateHandler
	logger  zerolog.Logger
	metrics *metrics.Metrics
	timeout int

	offset int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoller creates a poller. timeout is the server-side long-poll timeout
// in seconds.
func NewPoller(api updatesAPI, handler UpdateHandler, timeout int, logger zerolog.Logger, m *metrics.Metrics) *Poller {
	if timeout <= 0 {
		timeout = 30
	}
	return &Poller{
		api:     api,
		handler: handler,
		logger:  logger.With().Str("component", "poller").Logger(),
		metrics: m,
		timeout: timeout,
	}
}

// NewPollerForBot creates a poller sharing a client's authenticated API but
// with an HTTP timeout long enough for the server-side long poll.
func NewPollerForBot(botToken string, handler UpdateHandler, timeout int, logger zerolog.Logger, m *metrics.Metrics) (*Poller, error) {
	if timeout <= 0 {
		timeout = 30
	}
	api, err := tgbotapi.NewBotAPIWithClient(botToken, tgbotapi.APIEndpoint,
		newLongPollHTTPClient(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	return NewPoller(api, handler, timeout, logger, m), nil
}

// newLongPollHTTPClient allows for the server-side long-poll window plus
// normal request overhead.
func newLongPollHTTPClient(timeout int) *http.Client {
	return &http.Client{Timeout: time.Duration(timeout)*time.Second + outboundTimeout}
}

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("poller is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	p.logger.Info().Int("timeout", p.timeout).Msg("Starting long-poll loop")
	go p.run(ctx)
	return nil
}

// Stop stops the loop and waits for it to exit.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller is not running")
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.logger.Info().Msg("Long-poll loop stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// run is the polling loop. It never terminates on error, only on context
// cancellation.
func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := p.api.GetUpdates(tgbotapi.UpdateConfig{
			Offset:  p.offset,
			Timeout: p.timeout,
		})
		if err != nil {
			if !p.backoff(ctx, err) {
				return
			}
			continue
		}

		// Updates arrive in increasing id order and are handled one at a
		// time. The cursor advances only after a handler returns, so a
		// crash mid-update redelivers it on restart (at-least-once).
		for _, update := range updates {
			if ctx.Err() != nil {
				return
			}

			p.metrics.UpdatesReceivedTotal.WithLabelValues("poll").Inc()
			if err := p.handler.HandleUpdate(ctx, update); err != nil {
				p.metrics.UpdateErrorsTotal.Inc()
				p.logger.Error().Err(err).
					Int("update_id", update.UpdateID).
					Msg("Failed to handle update")
			}

			if update.UpdateID >= p.offset {
				p.offset = update.UpdateID + 1
			}
		}
	}
}

// backoff reacts to a transport error and sleeps accordingly. Returns false
// when the context was cancelled during the wait.
func (p *Poller) backoff(ctx context.Context, err error) bool {
	tgErr := asAPIError(err)

	if tgErr != nil && tgErr.Code == 409 {
		if strings.Contains(strings.ToLower(tgErr.Message), "webhook") {
			// A push transport is registered. Deregister it and take over.
			p.metrics.PollConflictsTotal.WithLabelValues("webhook").Inc()
			p.logger.Warn().Msg("Webhook conflict detected, deleting webhook to enable polling")
			if _, derr := p.api.Request(tgbotapi.DeleteWebhookConfig{}); derr != nil {
				p.logger.Error().Err(derr).Msg("Failed to delete webhook")
			}
			return sleep(ctx, takeoverDelay)
		}

		// Another poller instance is active. Back off with jitter and let
		// the platform's single-consumer enforcement pick a winner.
		p.metrics.PollConflictsTotal.WithLabelValues("poller").Inc()
		delay := conflictBackoff + time.Duration(rand.Int63n(int64(conflictJitter)))
		p.logger.Warn().Dur("delay", delay).Msg("Another poller is active, backing off")
		return sleep(ctx, delay)
	}

	p.logger.Error().Err(err).Msg("Polling error, retrying in 5s")
	return sleep(ctx, errorBackoff)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// asAPIError unwraps a typed Bot API error, or nil.
func asAPIError(err error) *tgbotapi.Error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr
	}
	return nil
}
