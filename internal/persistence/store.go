package persistence

import (
	"SpotEngine/internal/event"
	"context"
	"database/sql"
	"fmt"
)

// DefaultLoadLimit caps how many events one LoadEventsSince call returns.
const DefaultLoadLimit = 1000

// EventStore reads and appends the input event log in event_log.events.
type EventStore struct {
	db        *sql.DB
	loadLimit int
}

func NewEventStore(db *sql.DB, loadLimit int) *EventStore {
	if loadLimit <= 0 {
		loadLimit = DefaultLoadLimit
	}
	return &EventStore{db: db, loadLimit: loadLimit}
}

// LoadEventsSince returns up to the load limit of events with a sequence id
// above sequenceID, ascending. An empty result means the log has nothing newer.
func (s *EventStore) LoadEventsSince(ctx context.Context, sequenceID int64) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_id, previous_id, event_type, payload, created_at
		FROM event_log.events
		WHERE sequence_id > $1
		ORDER BY sequence_id
		LIMIT $2`,
		sequenceID, s.loadLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events since %d: %w", sequenceID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			h        event.Header
			typeName string
			payload  []byte
		)
		if err := rows.Scan(&h.SequenceID, &h.PreviousID, &typeName, &payload, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		typ, ok := event.ParseEventType(typeName)
		if !ok {
			return nil, fmt.Errorf("event %d has unknown type %q", h.SequenceID, typeName)
		}
		e, err := event.Decode(typ, h, payload)
		if err != nil {
			return nil, fmt.Errorf("decode event %d: %w", h.SequenceID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendEvents stores events in the log. Events already present are left as is.
func (s *EventStore) AppendEvents(ctx context.Context, events ...event.Event) error {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		row, err := eventLogRow(e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return eventLogInsert.exec(ctx, s.db, rows)
}

// LastSequenceID returns the highest sequence id in the log, zero when empty.
func (s *EventStore) LastSequenceID(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence_id) FROM event_log.events`).Scan(&last); err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	return last.Int64, nil
}

func eventLogRow(e event.Event) ([]any, error) {
	h := e.Meta()
	payload, err := event.MarshalPayload(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %d: %w", h.SequenceID, err)
	}
	return []any{h.SequenceID, h.PreviousID, e.EventType().String(), string(payload), h.CreatedAt}, nil
}
