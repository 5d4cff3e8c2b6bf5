// Package store is the persistence layer shared with the scheduling app.
// It holds event, participant and login-token records keyed by opaque ids
// and enforces the fill-empty-only identity invariants in SQL so captures
// stay idempotent under concurrent transports.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Event statuses
const (
	StatusOpen      = "OPEN"
	StatusFinalized = "FINALIZED"
	StatusCancelled = "CANCELLED"
)

// Event is a scheduling event with its chat linkage fields.
type Event struct {
	ID              int64
	Slug            string
	Title           string
	Description     string
	Status          string
	Timezone        string
	Location        string
	MinPlayers      int
	ManagerHandle   string
	ManagerChatID   int64
	ChatID          int64 // linked conversation, 0 when unlinked
	PinnedMessageID int   // 0 when no dashboard message is pinned
	FinalizedSlotID int64
	FinalizedHost   string // display name of the chosen host, "" when TBD
}

// TimeSlot is a proposed time for an event.
type TimeSlot struct {
	ID        int64
	EventID   int64
	StartTime time.Time
	EndTime   time.Time
}

// SlotTally is a time slot with its vote counts.
type SlotTally struct {
	Slot  TimeSlot
	Yes   int
	Maybe int
}

// EventBoard aggregates everything the status dashboard renders.
type EventBoard struct {
	Event            Event
	Slots            []SlotTally
	ParticipantCount int
}

// Participant belongs to one event.
type Participant struct {
	ID      int64
	EventID int64
	Name    string
	Handle  string
	ChatID  int64
}

// LoginToken is a stateful, single-use login credential.
type LoginToken struct {
	Token     string
	ChatID    int64
	ExpiresAt time.Time
}

// Store provides sqlite-backed persistence.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and initializes) the database at the given path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'OPEN',
		timezone TEXT NOT NULL DEFAULT 'UTC',
		location TEXT NOT NULL DEFAULT '',
		min_players INTEGER NOT NULL DEFAULT 0,
		manager_handle TEXT NOT NULL DEFAULT '',
		manager_chat_id INTEGER NOT NULL DEFAULT 0,
		telegram_chat_id INTEGER NOT NULL DEFAULT 0,
		pinned_message_id INTEGER NOT NULL DEFAULT 0,
		finalized_slot_id INTEGER NOT NULL DEFAULT 0,
		finalized_host TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS time_slots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		telegram_handle TEXT NOT NULL DEFAULT '',
		telegram_chat_id INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS votes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id INTEGER NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
		time_slot_id INTEGER NOT NULL REFERENCES time_slots(id) ON DELETE CASCADE,
		preference TEXT NOT NULL,
		can_host INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS login_tokens (
		token TEXT PRIMARY KEY,
		chat_id INTEGER NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_time_slots_event ON time_slots(event_id);
	CREATE INDEX IF NOT EXISTS idx_participants_event ON participants(event_id);
	CREATE INDEX IF NOT EXISTS idx_participants_handle ON participants(telegram_handle);
	CREATE INDEX IF NOT EXISTS idx_votes_slot ON votes(time_slot_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

const eventColumns = `id, slug, title, description, status, timezone, location,
	min_players, manager_handle, manager_chat_id, telegram_chat_id,
	pinned_message_id, finalized_slot_id, finalized_host`

func scanEvent(row *sql.Row) (*Event, error) {
	var ev Event
	err := row.Scan(&ev.ID, &ev.Slug, &ev.Title, &ev.Description, &ev.Status,
		&ev.Timezone, &ev.Location, &ev.MinPlayers, &ev.ManagerHandle,
		&ev.ManagerChatID, &ev.ChatID, &ev.PinnedMessageID, &ev.FinalizedSlotID,
		&ev.FinalizedHost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	return &ev, nil
}

// GetEventBySlug fetches an event by its public slug.
func (s *Store) GetEventBySlug(ctx context.Context, slug string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE slug = ?", slug)
	return scanEvent(row)
}

// GetEventByID fetches an event by its id.
func (s *Store) GetEventByID(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	return scanEvent(row)
}

// CreateEvent inserts an event and returns its id. Part of the collaborator
// write surface, used by the scheduling app and tests.
func (s *Store) CreateEvent(ctx context.Context, ev *Event) (int64, error) {
	if ev.Status == "" {
		ev.Status = StatusOpen
	}
	if ev.Timezone == "" {
		ev.Timezone = "UTC"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (slug, title, description, status, timezone, location,
			min_players, manager_handle, manager_chat_id, telegram_chat_id,
			pinned_message_id, finalized_slot_id, finalized_host)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Slug, ev.Title, ev.Description, ev.Status, ev.Timezone, ev.Location,
		ev.MinPlayers, ev.ManagerHandle, ev.ManagerChatID, ev.ChatID,
		ev.PinnedMessageID, ev.FinalizedSlotID, ev.FinalizedHost)
	if err != nil {
		return 0, fmt.Errorf("failed to create event: %w", err)
	}
	return res.LastInsertId()
}

// AddTimeSlot inserts a proposed slot for an event.
func (s *Store) AddTimeSlot(ctx context.Context, eventID int64, start, end time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO time_slots (event_id, start_time, end_time) VALUES (?, ?, ?)",
		eventID, start.UTC(), end.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to add time slot: %w", err)
	}
	return res.LastInsertId()
}

// AddParticipant inserts a participant for an event.
func (s *Store) AddParticipant(ctx context.Context, p *Participant) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (event_id, name, telegram_handle, telegram_chat_id)
		VALUES (?, ?, ?, ?)`,
		p.EventID, p.Name, p.Handle, p.ChatID)
	if err != nil {
		return 0, fmt.Errorf("failed to add participant: %w", err)
	}
	return res.LastInsertId()
}

// AddVote records a vote for a slot.
func (s *Store) AddVote(ctx context.Context, participantID, slotID int64, preference string, canHost bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (participant_id, time_slot_id, preference, can_host)
		VALUES (?, ?, ?, ?)`,
		participantID, slotID, preference, canHost)
	if err != nil {
		return fmt.Errorf("failed to add vote: %w", err)
	}
	return nil
}

// GetParticipant fetches a participant by id.
func (s *Store) GetParticipant(ctx context.Context, id int64) (*Participant, error) {
	var p Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, name, telegram_handle, telegram_chat_id
		FROM participants WHERE id = ?`, id).
		Scan(&p.ID, &p.EventID, &p.Name, &p.Handle, &p.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return &p, nil
}

// SetEventChat links an event to a conversation. The link is only ever
// replaced, never deleted from this layer.
func (s *Store) SetEventChat(ctx context.Context, eventID, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET telegram_chat_id = ? WHERE id = ?", chatID, eventID)
	if err != nil {
		return fmt.Errorf("failed to set event chat: %w", err)
	}
	return nil
}

// SetPinnedMessage records the authoritative dashboard message id.
func (s *Store) SetPinnedMessage(ctx context.Context, eventID int64, messageID int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET pinned_message_id = ? WHERE id = ?", messageID, eventID)
	if err != nil {
		return fmt.Errorf("failed to set pinned message: %w", err)
	}
	return nil
}

// ClearPinnedMessage removes the dashboard message record.
func (s *Store) ClearPinnedMessage(ctx context.Context, eventID int64) error {
	return s.SetPinnedMessage(ctx, eventID, 0)
}

// ClaimManager assigns the manager handle and chat id if, and only if, the
// event has no manager handle yet. Returns whether the claim succeeded.
func (s *Store) ClaimManager(ctx context.Context, eventID int64, handle string, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET manager_handle = ?, manager_chat_id = ?
		WHERE id = ? AND manager_handle = ''`,
		handle, chatID, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to claim manager: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetManagerChat sets the manager chat id unconditionally. Reserved for the
// verified recovery path; every other capture goes through FillManagerChat.
func (s *Store) SetManagerChat(ctx context.Context, eventID, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET manager_chat_id = ? WHERE id = ?", chatID, eventID)
	if err != nil {
		return fmt.Errorf("failed to set manager chat: %w", err)
	}
	return nil
}

// FillManagerChat backfills the manager chat id on every event whose stored
// manager handle matches one of the given forms and whose chat id is still
// empty. Existing values are never overwritten through this path. Handles
// stored by the scheduling app keep whatever casing the manager typed, so
// the comparison is case-insensitive.
func (s *Store) FillManagerChat(ctx context.Context, handleForms []string, chatID int64) (int64, error) {
	if len(handleForms) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
		UPDATE events SET manager_chat_id = ?
		WHERE manager_handle COLLATE NOCASE IN (%s) AND manager_chat_id = 0`,
		placeholders(len(handleForms)))
	args := []interface{}{chatID}
	for _, h := range handleForms {
		args = append(args, h)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to fill manager chat: %w", err)
	}
	return res.RowsAffected()
}

// FillParticipantChat backfills participant chat ids the same way.
func (s *Store) FillParticipantChat(ctx context.Context, handleForms []string, chatID int64) (int64, error) {
	if len(handleForms) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
		UPDATE participants SET telegram_chat_id = ?
		WHERE telegram_handle COLLATE NOCASE IN (%s) AND telegram_chat_id = 0`,
		placeholders(len(handleForms)))
	args := []interface{}{chatID}
	for _, h := range handleForms {
		args = append(args, h)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to fill participant chat: %w", err)
	}
	return res.RowsAffected()
}

// SetEventStatus updates the lifecycle status.
func (s *Store) SetEventStatus(ctx context.Context, eventID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET status = ? WHERE id = ?", status, eventID)
	if err != nil {
		return fmt.Errorf("failed to set event status: %w", err)
	}
	return nil
}

// SetFinalizedSlot records the decided time slot.
func (s *Store) SetFinalizedSlot(ctx context.Context, eventID, slotID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET finalized_slot_id = ?, status = ? WHERE id = ?",
		slotID, StatusFinalized, eventID)
	if err != nil {
		return fmt.Errorf("failed to set finalized slot: %w", err)
	}
	return nil
}

// SetFinalizedHost records the chosen host's display name. An empty name
// means the host is still TBD.
func (s *Store) SetFinalizedHost(ctx context.Context, eventID int64, host string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET finalized_host = ? WHERE id = ?", host, eventID)
	if err != nil {
		return fmt.Errorf("failed to set finalized host: %w", err)
	}
	return nil
}

// SlotHostVolunteer returns the name of a participant who offered to host
// the given slot with a YES vote, or "" when nobody did. Used as the host
// fallback when the event record carries no chosen host.
func (s *Store) SlotHostVolunteer(ctx context.Context, slotID int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
		SELECT p.name FROM votes v
		JOIN participants p ON p.id = v.participant_id
		WHERE v.time_slot_id = ? AND v.can_host = 1 AND v.preference = 'YES'
		ORDER BY p.id LIMIT 1`, slotID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query host volunteer: %w", err)
	}
	return name, nil
}

// SetLocation updates the event location.
func (s *Store) SetLocation(ctx context.Context, eventID int64, location string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET location = ? WHERE id = ?", location, eventID)
	if err != nil {
		return fmt.Errorf("failed to set location: %w", err)
	}
	return nil
}

// GetTimeSlot fetches a slot by id.
func (s *Store) GetTimeSlot(ctx context.Context, id int64) (*TimeSlot, error) {
	var slot TimeSlot
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, start_time, end_time FROM time_slots WHERE id = ?`, id).
		Scan(&slot.ID, &slot.EventID, &slot.StartTime, &slot.EndTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get time slot: %w", err)
	}
	return &slot, nil
}

// EventBoard loads the event plus everything the status dashboard renders:
// per-slot yes/maybe tallies and the distinct participant count.
func (s *Store) EventBoard(ctx context.Context, slug string) (*EventBoard, error) {
	ev, err := s.GetEventBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	board := &EventBoard{Event: *ev}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM participants WHERE event_id = ?", ev.ID).
		Scan(&board.ParticipantCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count participants: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts.id, ts.event_id, ts.start_time, ts.end_time,
			COALESCE(SUM(CASE WHEN v.preference = 'YES' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN v.preference = 'MAYBE' THEN 1 ELSE 0 END), 0)
		FROM time_slots ts
		LEFT JOIN votes v ON v.time_slot_id = ts.id
		WHERE ts.event_id = ?
		GROUP BY ts.id
		ORDER BY ts.start_time`, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query slots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tally SlotTally
		if err := rows.Scan(&tally.Slot.ID, &tally.Slot.EventID,
			&tally.Slot.StartTime, &tally.Slot.EndTime,
			&tally.Yes, &tally.Maybe); err != nil {
			return nil, fmt.Errorf("failed to scan slot tally: %w", err)
		}
		board.Slots = append(board.Slots, tally)
	}
	return board, rows.Err()
}

// CreateLoginToken persists a login token bound to a chat.
func (s *Store) CreateLoginToken(ctx context.Context, t *LoginToken) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO login_tokens (token, chat_id, expires_at) VALUES (?, ?, ?)",
		t.Token, t.ChatID, t.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create login token: %w", err)
	}
	return nil
}

// GetLoginToken fetches a login token. Absent and already-used tokens are
// indistinguishable: both return ErrNotFound.
func (s *Store) GetLoginToken(ctx context.Context, token string) (*LoginToken, error) {
	var t LoginToken
	err := s.db.QueryRowContext(ctx,
		"SELECT token, chat_id, expires_at FROM login_tokens WHERE token = ?", token).
		Scan(&t.Token, &t.ChatID, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get login token: %w", err)
	}
	return &t, nil
}

// DeleteLoginToken removes a login token. Returns whether a row existed,
// which makes redemption exactly-once under concurrent attempts.
func (s *Store) DeleteLoginToken(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM login_tokens WHERE token = ?", token)
	if err != nil {
		return false, fmt.Errorf("failed to delete login token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteExpiredLoginTokens removes all tokens past their expiry.
func (s *Store) DeleteExpiredLoginTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM login_tokens WHERE expires_at < ?", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired login tokens: %w", err)
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
