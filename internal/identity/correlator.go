// Package identity correlates platform handles and numeric ids with stored
// participant and manager records.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tabletoptime/chatbridge/internal/store"
)

// ErrHandleMismatch is returned when a verified recovery claim carries a
// handle that does not match the manager of record. No state changes.
var ErrHandleMismatch = errors.New("handle does not match the manager of record")

// ClaimOutcome describes what a recovery claim did.
type ClaimOutcome int

const (
	// ClaimedManager means the sender became the manager of record.
	ClaimedManager ClaimOutcome = iota
	// CapturedChat means the existing manager's chat id was (re)captured.
	CapturedChat
)

// CorrelatorStore is the persistence surface the correlator needs.
type CorrelatorStore interface {
	GetEventByID(ctx context.Context, id int64) (*store.Event, error)
	FillManagerChat(ctx context.Context, handleForms []string, chatID int64) (int64, error)
	FillParticipantChat(ctx context.Context, handleForms []string, chatID int64) (int64, error)
	ClaimManager(ctx context.Context, eventID int64, handle string, chatID int64) (bool, error)
	SetManagerChat(ctx context.Context, eventID, chatID int64) error
}

// Correlator matches inbound sender identities to stored records.
type Correlator struct {
	store  CorrelatorStore
	logger zerolog.Logger
}

// NewCorrelator creates a correlator.
func NewCorrelator(st CorrelatorStore, logger zerolog.Logger) *Correlator {
	return &Correlator{
		store:  st,
		logger: logger.With().Str("component", "identity").Logger(),
	}
}

// Normalize strips a leading @ and lowercases a handle.
func Normalize(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// HandleForms returns the bare and @-prefixed forms of a handle. Historical
// records stored handles inconsistently, so every lookup tries both.
func HandleForms(handle string) []string {
	bare := Normalize(handle)
	if bare == "" {
		return nil
	}
	return []string{bare, "@" + bare}
}

// CapturePassive backfills the sender's numeric id into any participant or
// manager record matching the handle whose chat id is still empty. It runs
// for every inbound message and never overwrites a set value, which makes
// it idempotent.
func (c *Correlator) CapturePassive(ctx context.Context, handle string, userID int64) error {
	forms := HandleForms(handle)
	if len(forms) == 0 || userID == 0 {
		return nil
	}

	managers, err := c.store.FillManagerChat(ctx, forms, userID)
	if err != nil {
		return err
	}
	participants, err := c.store.FillParticipantChat(ctx, forms, userID)
	if err != nil {
		return err
	}

	if managers > 0 || participants > 0 {
		c.logger.Info().
			Str("handle", Normalize(handle)).
			Int64("managers", managers).
			Int64("participants", participants).
			Msg("Captured chat ids for handle")
	}
	return nil
}

// ClaimOnConnect makes the sender the manager of record when the event has
// none. The chat id is captured immediately: there was nothing to protect.
// Returns whether the claim happened.
func (c *Correlator) ClaimOnConnect(ctx context.Context, ev *store.Event, handle string, userID int64) (bool, error) {
	if ev.ManagerHandle != "" {
		return false, nil
	}
	bare := Normalize(handle)
	if bare == "" {
		return false, nil
	}

	claimed, err := c.store.ClaimManager(ctx, ev.ID, bare, userID)
	if err != nil {
		return false, err
	}
	if claimed {
		c.logger.Info().
			Str("slug", ev.Slug).
			Str("handle", bare).
			Msg("Manager claimed on connect")
	}
	return claimed, nil
}

// ClaimOnRecovery applies a recovery claim whose signature has already been
// verified. An empty manager slot is claimed outright; otherwise the sender
// handle must match the manager of record exactly (after normalization)
// before the chat id is captured. A mismatch mutates nothing.
func (c *Correlator) ClaimOnRecovery(ctx context.Context, ev *store.Event, handle string, userID int64) (ClaimOutcome, error) {
	bare := Normalize(handle)

	if ev.ManagerHandle == "" {
		if bare == "" {
			return 0, ErrHandleMismatch
		}
		claimed, err := c.store.ClaimManager(ctx, ev.ID, bare, userID)
		if err != nil {
			return 0, err
		}
		if claimed {
			c.logger.Info().
				Str("slug", ev.Slug).
				Str("handle", bare).
				Msg("Manager claimed via recovery link")
			return ClaimedManager, nil
		}
		// Lost a race against another claimer; fall through to the match check
		fresh, err := c.store.GetEventByID(ctx, ev.ID)
		if err != nil {
			return 0, err
		}
		ev.ManagerHandle = fresh.ManagerHandle
	}

	if Normalize(ev.ManagerHandle) != bare || bare == "" {
		c.logger.Warn().
			Str("slug", ev.Slug).
			Str("handle", bare).
			Msg("Recovery claim rejected: handle mismatch")
		return 0, ErrHandleMismatch
	}

	if err := c.store.SetManagerChat(ctx, ev.ID, userID); err != nil {
		return 0, err
	}
	c.logger.Info().
		Str("slug", ev.Slug).
		Str("handle", bare).
		Msg("Manager chat recaptured via recovery link")
	return CapturedChat, nil
}
