// Package daemon is the composition root: it builds every component once
// and injects the shared router into exactly one active transport.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tabletoptime/chatbridge/internal/baseurl"
	"github.com/tabletoptime/chatbridge/internal/config"
	"github.com/tabletoptime/chatbridge/internal/dashboard"
	"github.com/tabletoptime/chatbridge/internal/identity"
	"github.com/tabletoptime/chatbridge/internal/logger"
	"github.com/tabletoptime/chatbridge/internal/metrics"
	"github.com/tabletoptime/chatbridge/internal/router"
	"github.com/tabletoptime/chatbridge/internal/store"
	"github.com/tabletoptime/chatbridge/internal/telegram"
	"github.com/tabletoptime/chatbridge/internal/token"
	"github.com/tabletoptime/chatbridge/internal/webhook"
)

// Daemon represents the chatbridge daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store      *store.Store
	metrics    *metrics.Metrics
	client     *telegram.Client
	signer     *token.RecoverySigner
	login      *token.LoginService
	correlator *identity.Correlator
	dashboard  *dashboard.Manager
	router     *router.Router
	notifier   *Notifier

	// Transports. Exactly one of poller / webhook route is active; the
	// HTTP server itself always runs for health, metrics and notify.
	poller     *telegram.Poller
	httpServer *webhook.Server

	cronRunner *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		d.store.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

// initializeCoreModules builds persistence and domain services in
// dependency order.
func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.GetZerolog()

	st, err := store.Open(d.config.Database.Path, zl)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st
	d.logger.Info().Str("path", d.config.Database.Path).Msg("Store opened")

	d.metrics = metrics.New()

	client, err := telegram.NewClient(d.config.Telegram.BotToken, zl, d.metrics)
	if err != nil {
		return fmt.Errorf("failed to create telegram client: %w", err)
	}
	d.client = client
	d.logger.Info().Msg("Telegram client initialized")

	// The bot token doubles as the recovery-token signing secret.
	signer, err := token.NewRecoverySigner(d.config.Telegram.BotToken)
	if err != nil {
		return fmt.Errorf("failed to create recovery signer: %w", err)
	}
	d.signer = signer

	d.login = token.NewLoginService(d.store, zl)
	d.correlator = identity.NewCorrelator(d.store, zl)
	d.dashboard = dashboard.NewManager(d.client, d.store, zl, d.metrics)

	base := baseurl.NewResolver(d.config.BaseURL)
	d.router = router.New(d.store, d.correlator, d.signer, d.login,
		d.dashboard, d.client, base, zl, d.metrics)
	d.notifier = NewNotifier(d.dashboard, base, zl)
	d.logger.Info().Msg("Domain services initialized")

	return nil
}

// initializeServices builds the transports and the cron sweep.
func (d *Daemon) initializeServices() error {
	zl := d.logger.GetZerolog()

	if d.config.Telegram.Mode == config.ModePoll {
		poller, err := telegram.NewPollerForBot(d.config.Telegram.BotToken,
			d.router, d.config.Telegram.PollTimeout, zl, d.metrics)
		if err != nil {
			return fmt.Errorf("failed to create poller: %w", err)
		}
		d.poller = poller
		d.logger.Info().Int("timeout", d.config.Telegram.PollTimeout).Msg("Long-poll transport selected")
	} else {
		d.logger.Info().Msg("Webhook transport selected")
	}

	httpServer, err := webhook.NewServer(webhook.ServerOptions{
		Host:                 d.config.Server.Host,
		Port:                 d.config.Server.Port,
		RateLimitPerMinute:   d.config.Server.RateLimitPerMinute,
		WebhookSecret:        d.config.Telegram.WebhookSecret,
		SharedSecret:         d.config.Server.SharedSecret,
		ServeTelegramWebhook: d.config.Telegram.Mode == config.ModeWebhook,
	}, d.router, d.notifier, d.login, d.metrics, zl)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	d.httpServer = httpServer
	d.logger.Info().Int("port", d.config.Server.Port).Msg("HTTP server initialized")

	d.cronRunner = cron.New()
	if _, err := d.cronRunner.AddFunc(d.config.Cleanup.Schedule, d.sweepExpiredTokens); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", d.config.Cleanup.Schedule, err)
	}
	d.logger.Info().Str("schedule", d.config.Cleanup.Schedule).Msg("Cleanup job registered")

	return nil
}

func (d *Daemon) sweepExpiredTokens() {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	removed, err := d.login.SweepExpired(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Expired login token sweep failed")
		return
	}
	d.metrics.LoginTokensExpiredSweeps.Inc()
	if removed > 0 {
		d.logger.Info().Int64("removed", removed).Msg("Expired login tokens removed")
	}
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Str("mode", d.config.Telegram.Mode).Msg("Starting chatbridge daemon")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.Start(); err != nil {
			d.logger.Error().Err(err).Msg("HTTP server exited")
		}
	}()

	if d.poller != nil {
		if err := d.poller.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start poller: %w", err)
		}
		d.logger.Info().Msg("Poller started")
	}

	d.cronRunner.Start()

	d.logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping chatbridge daemon")

	if d.poller != nil {
		if err := d.poller.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop poller")
		}
	}

	if d.httpServer != nil {
		if err := d.httpServer.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop HTTP server")
		}
	}

	cronCtx := d.cronRunner.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(5 * time.Second):
		d.logger.Warn().Msg("Timeout waiting for cron jobs to finish")
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close store")
	}

	d.logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status represents daemon status
type Status struct {
	Running   bool
	Mode      string
	Uptime    time.Duration
	StartTime time.Time
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Mode:    d.config.Telegram.Mode,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetNotifier returns the notification surface.
func (d *Daemon) GetNotifier() *Notifier {
	return d.notifier
}

// GetRouter returns the shared update router.
func (d *Daemon) GetRouter() *router.Router {
	return d.router
}
