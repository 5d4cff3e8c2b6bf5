package daemon

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tabletoptime/chatbridge/internal/baseurl"
	"github.com/tabletoptime/chatbridge/internal/dashboard"
)

// Notifier is the surface the scheduling app pushes event changes through.
// Every method is best-effort: chat delivery failures are logged and never
// surfaced back into the scheduling domain.
type Notifier struct {
	dashboard *dashboard.Manager
	baseURL   *baseurl.Resolver
	logger    zerolog.Logger
}

// NewNotifier creates a notifier over the dashboard manager.
func NewNotifier(dash *dashboard.Manager, base *baseurl.Resolver, logger zerolog.Logger) *Notifier {
	return &Notifier{
		dashboard: dash,
		baseURL:   base,
		logger:    logger.With().Str("component", "notifier").Logger(),
	}
}

// OnVote refreshes the status dashboard after a vote change.
func (n *Notifier) OnVote(ctx context.Context, slug string) {
	if err := n.dashboard.RefreshStatus(ctx, slug, n.baseURL.Configured()); err != nil {
		n.logger.Error().Err(err).Str("slug", slug).Msg("Status refresh failed")
	}
}

// OnFinalize replaces the status dashboard with the decision summary.
func (n *Notifier) OnFinalize(ctx context.Context, slug string) {
	if err := n.dashboard.PublishFinalized(ctx, slug, n.baseURL.Configured()); err != nil {
		n.logger.Error().Err(err).Str("slug", slug).Msg("Finalized publish failed")
	}
}

// OnLocationChange edits the finalized message in place.
func (n *Notifier) OnLocationChange(ctx context.Context, slug string) {
	if err := n.dashboard.RefreshLocation(ctx, slug, n.baseURL.Configured()); err != nil {
		n.logger.Error().Err(err).Str("slug", slug).Msg("Location refresh failed")
	}
}

// OnCancel unpins and forgets the dashboard message.
func (n *Notifier) OnCancel(ctx context.Context, slug string) {
	if err := n.dashboard.HandleCancel(ctx, slug); err != nil {
		n.logger.Error().Err(err).Str("slug", slug).Msg("Cancel handling failed")
	}
}
