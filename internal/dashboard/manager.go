// Package dashboard owns the lifecycle of the single pinned status message
// per (conversation, event) pair.
package dashboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tabletoptime/chatbridge/internal/metrics"
	"github.com/tabletoptime/chatbridge/internal/store"
)

// OutboundClient is the messaging surface the manager needs.
type OutboundClient interface {
	SendMessage(chatID int64, text string) (int, error)
	EditMessageText(chatID int64, messageID int, text string) error
	Pin(chatID int64, messageID int) error
	Unpin(chatID int64, messageID int) error
}

// BoardStore is the persistence surface the manager needs.
type BoardStore interface {
	GetEventBySlug(ctx context.Context, slug string) (*store.Event, error)
	GetTimeSlot(ctx context.Context, id int64) (*store.TimeSlot, error)
	EventBoard(ctx context.Context, slug string) (*store.EventBoard, error)
	SlotHostVolunteer(ctx context.Context, slotID int64) (string, error)
	SetPinnedMessage(ctx context.Context, eventID int64, messageID int) error
	ClearPinnedMessage(ctx context.Context, eventID int64) error
}

// Manager maintains one pinned dashboard message per linked conversation.
// The check-pinned-then-create-or-edit sequence is a read-modify-write, so
// it is serialized per (conversation, event) with a keyed mutex; without it
// two near-simultaneous votes could produce two pinned messages.
type Manager struct {
	client  OutboundClient
	store   BoardStore
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a dashboard manager.
func NewManager(client OutboundClient, st BoardStore, logger zerolog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		client:  client,
		store:   st,
		logger:  logger.With().Str("component", "dashboard").Logger(),
		metrics: m,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lock(chatID, eventID int64) func() {
	key := fmt.Sprintf("%d:%d", chatID, eventID)

	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// RefreshStatus creates or edits the voting dashboard after a state change.
// With no message on record it sends, pins and persists a new one; with one
// on record it edits the text in place, preserving the pin.
func (m *Manager) RefreshStatus(ctx context.Context, slug, base string) error {
	ev, err := m.store.GetEventBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if ev.ChatID == 0 {
		return nil
	}
	if ev.Status != store.StatusOpen {
		// The voting dashboard is superseded once the event leaves OPEN
		m.logger.Debug().Str("slug", slug).Str("status", ev.Status).
			Msg("Skipping status refresh for non-open event")
		return nil
	}

	unlock := m.lock(ev.ChatID, ev.ID)
	defer unlock()

	// Re-read inside the critical section so the pinned id is current
	board, err := m.store.EventBoard(ctx, slug)
	if err != nil {
		return err
	}
	text := BuildStatusMessage(board, base)

	if board.Event.PinnedMessageID != 0 {
		m.metrics.DashboardOpsTotal.WithLabelValues("edit").Inc()
		if err := m.client.EditMessageText(board.Event.ChatID, board.Event.PinnedMessageID, text); err != nil {
			m.logger.Warn().Err(err).Str("slug", slug).Msg("Dashboard edit failed")
		}
		return nil
	}

	msgID, err := m.client.SendMessage(board.Event.ChatID, text)
	if err != nil {
		return err
	}
	if err := m.client.Pin(board.Event.ChatID, msgID); err != nil {
		m.logger.Warn().Err(err).Str("slug", slug).Msg("Dashboard pin failed")
	}
	if err := m.store.SetPinnedMessage(ctx, board.Event.ID, msgID); err != nil {
		return err
	}

	m.metrics.DashboardOpsTotal.WithLabelValues("create").Inc()
	m.logger.Info().
		Str("slug", slug).
		Int("message_id", msgID).
		Msg("Dashboard message created")
	return nil
}

// PublishFinalized replaces the voting dashboard with the decision summary:
// best-effort unpin of the old message, then send and pin a new one. The
// persisted pinned id always moves to the authoritative message so later
// edits (a location change, say) target the right one.
func (m *Manager) PublishFinalized(ctx context.Context, slug, base string) error {
	ev, err := m.store.GetEventBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if ev.ChatID == 0 || ev.FinalizedSlotID == 0 {
		return nil
	}

	unlock := m.lock(ev.ChatID, ev.ID)
	defer unlock()

	// Re-read inside the critical section so the pinned id is current; a
	// concurrent refresh may have pinned a message since the first read
	ev, err = m.store.GetEventBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if ev.ChatID == 0 || ev.FinalizedSlotID == 0 {
		return nil
	}

	slot, err := m.store.GetTimeSlot(ctx, ev.FinalizedSlotID)
	if err != nil {
		return err
	}

	if ev.PinnedMessageID != 0 {
		if err := m.client.Unpin(ev.ChatID, ev.PinnedMessageID); err != nil {
			m.logger.Warn().Err(err).Str("slug", slug).Msg("Unpin of voting dashboard failed")
		}
	}

	text := BuildFinalizedMessage(ev, slot, m.resolveHost(ctx, ev), base)
	msgID, err := m.client.SendMessage(ev.ChatID, text)
	if err != nil {
		return err
	}
	if err := m.client.Pin(ev.ChatID, msgID); err != nil {
		m.logger.Warn().Err(err).Str("slug", slug).Msg("Pin of finalized summary failed")
	}
	if err := m.store.SetPinnedMessage(ctx, ev.ID, msgID); err != nil {
		return err
	}

	m.metrics.DashboardOpsTotal.WithLabelValues("finalize").Inc()
	m.logger.Info().
		Str("slug", slug).
		Int("message_id", msgID).
		Msg("Finalized summary published")
	return nil
}

// RefreshLocation edits the pinned finalized summary in place after a
// location change. The message id does not change.
func (m *Manager) RefreshLocation(ctx context.Context, slug, base string) error {
	ev, err := m.store.GetEventBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if ev.ChatID == 0 || ev.FinalizedSlotID == 0 {
		return nil
	}

	unlock := m.lock(ev.ChatID, ev.ID)
	defer unlock()

	// Re-read inside the critical section so the edit targets the message
	// that is actually pinned
	ev, err = m.store.GetEventBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if ev.ChatID == 0 || ev.PinnedMessageID == 0 || ev.FinalizedSlotID == 0 {
		return nil
	}

	slot, err := m.store.GetTimeSlot(ctx, ev.FinalizedSlotID)
	if err != nil {
		return err
	}

	m.metrics.DashboardOpsTotal.WithLabelValues("location").Inc()
	text := BuildFinalizedMessage(ev, slot, m.resolveHost(ctx, ev), base)
	if err := m.client.EditMessageText(ev.ChatID, ev.PinnedMessageID, text); err != nil {
		m.logger.Warn().Err(err).Str("slug", slug).Msg("Location edit failed")
	}
	return nil
}

// resolveHost picks the host name for the finalized summary: the chosen
// host on the event record, falling back to whoever offered to host the
// finalized slot. Lookup failures degrade to TBD.
func (m *Manager) resolveHost(ctx context.Context, ev *store.Event) string {
	if ev.FinalizedHost != "" {
		return ev.FinalizedHost
	}
	host, err := m.store.SlotHostVolunteer(ctx, ev.FinalizedSlotID)
	if err != nil {
		m.logger.Warn().Err(err).Str("slug", ev.Slug).Msg("Host lookup failed")
		return ""
	}
	return host
}

// HandleCancel unpins the dashboard message, best effort. Failures (the bot
// lost admin rights, the message is gone) are logged and swallowed.
func (m *Manager) HandleCancel(ctx context.Context, slug string) error {
	ev, err := m.store.GetEventBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if ev.ChatID == 0 {
		return nil
	}

	unlock := m.lock(ev.ChatID, ev.ID)
	defer unlock()

	// Re-read inside the critical section so the pinned id is current
	ev, err = m.store.GetEventBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if ev.ChatID == 0 || ev.PinnedMessageID == 0 {
		return nil
	}

	if err := m.client.Unpin(ev.ChatID, ev.PinnedMessageID); err != nil {
		m.logger.Warn().Err(err).Str("slug", slug).Msg("Unpin on cancel failed")
	}
	if err := m.store.ClearPinnedMessage(ctx, ev.ID); err != nil {
		return err
	}

	m.metrics.DashboardOpsTotal.WithLabelValues("cancel").Inc()
	return nil
}
