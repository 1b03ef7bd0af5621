// Package outbox implements the transactional outbox: domain events are
// persisted in the same SQLite transaction as the aggregate state change
// that raised them, and a polling dispatcher delivers them afterwards with
// at-least-once semantics.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bcbs239/riskcalc/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
	id              TEXT PRIMARY KEY,
	event_type      TEXT NOT NULL,
	payload         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'PENDING',
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL,
	delivered_at    INTEGER,
	last_error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_status_next ON outbox_messages(status, next_attempt_at);
`

// Message statuses.
const (
	StatusPending   = "PENDING"
	StatusDelivered = "DELIVERED"
	StatusFailed    = "FAILED"
)

// EventSource is an aggregate that buffers pending domain events.
type EventSource interface {
	PullEvents() []events.EventData
}

// Registry collects aggregates whose pending events must commit together
// with their state change.
type Registry struct {
	sources []EventSource
}

// RegisterEntity adds an aggregate with pending events to the registry.
func (r *Registry) RegisterEntity(src EventSource) {
	r.sources = append(r.sources, src)
}

// Message is one persisted outbox record.
type Message struct {
	ID        string
	EventType events.EventType
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Store persists outbox messages.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a new outbox store
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("store", "outbox").Logger(),
	}
}

// InitSchema creates the outbox table if missing.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create outbox schema: %w", err)
	}
	return nil
}

// Commit drains every registered aggregate and inserts its events inside
// the given transaction. The caller commits the transaction; until then
// nothing is visible to the dispatcher.
func (s *Store) Commit(tx *sql.Tx, r *Registry) error {
	// Unix milliseconds: integer comparison in the due query stays
	// monotonic, which RFC3339 strings are not at sub-second precision.
	now := time.Now().UTC().UnixMilli()

	for _, src := range r.sources {
		for _, data := range src.PullEvents() {
			payload, err := json.Marshal(data)
			if err != nil {
				return fmt.Errorf("failed to marshal %s event: %w", data.EventType(), err)
			}

			_, err = tx.Exec(`INSERT INTO outbox_messages
				(id, event_type, payload, status, attempts, created_at, next_attempt_at)
				VALUES (?, ?, ?, ?, 0, ?, ?)`,
				uuid.NewString(), string(data.EventType()), string(payload), StatusPending, now, now)
			if err != nil {
				return fmt.Errorf("failed to insert %s event: %w", data.EventType(), err)
			}
		}
	}

	r.sources = nil
	return nil
}

// Due returns pending messages whose next attempt is due, oldest first.
func (s *Store) Due(ctx context.Context, limit int) ([]Message, error) {
	now := time.Now().UTC().UnixMilli()

	rows, err := s.db.QueryContext(ctx, `SELECT id, event_type, payload, attempts, created_at
		FROM outbox_messages
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY created_at LIMIT ?`, StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m       Message
			evType  string
			payload string
			created int64
		)
		if err := rows.Scan(&m.ID, &evType, &payload, &m.Attempts, &created); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		m.EventType = events.EventType(evType)
		m.Payload = json.RawMessage(payload)
		m.CreatedAt = time.UnixMilli(created).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox messages: %w", err)
	}

	return messages, nil
}

// MarkDelivered acknowledges a successfully dispatched message.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	now := time.Now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = ?, delivered_at = ? WHERE id = ?`,
		StatusDelivered, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %s delivered: %w", id, err)
	}
	return nil
}

// MarkAttemptFailed records a delivery failure and schedules the next
// attempt with exponential backoff. After maxAttempts the message is
// parked as FAILED so a poison event cannot cause a redelivery storm.
func (s *Store) MarkAttemptFailed(ctx context.Context, id string, attempts, maxAttempts int, deliveryErr error) error {
	status := StatusPending
	if attempts+1 >= maxAttempts {
		status = StatusFailed
	}

	backoff := time.Duration(1<<uint(attempts)) * time.Second
	next := time.Now().UTC().Add(backoff).UnixMilli()

	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = ?, attempts = attempts + 1, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		status, next, deliveryErr.Error(), id)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure for %s: %w", id, err)
	}
	return nil
}
