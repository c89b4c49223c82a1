package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cadencehq/cadence/internal/model"
)

const busEventColumns = `id, seq, event_type, source_agent, target_agent, payload, published_at`

// AppendBusEvent appends an event to the durable log, allocating its sequence
// number from the bus_events_seq sequence. Assigns the event ID and publish
// time when unset. Returns the event with identity and seq populated once the
// row is durably persisted.
//
// Appends serialize on an advisory lock held until commit, so rows become
// visible in seq order. Without it a slower append holding a smaller seq
// could commit after a consumer's cursor has already advanced past it, and
// the event would never be delivered.
func (db *DB) AppendBusEvent(ctx context.Context, event model.BusEvent) (model.BusEvent, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now().UTC()
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.BusEvent{}, fmt.Errorf("storage: append bus event: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('bus_events'))`); err != nil {
		return model.BusEvent{}, fmt.Errorf("storage: append bus event: lock: %w", err)
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO bus_events (id, seq, event_type, source_agent, target_agent, payload, published_at)
		 VALUES ($1, nextval('bus_events_seq'), $2, $3, $4, $5, $6)
		 RETURNING seq`,
		event.ID, event.EventType, event.SourceAgent, event.TargetAgent, event.Payload, event.PublishedAt,
	).Scan(&event.Seq)
	if err != nil {
		return model.BusEvent{}, fmt.Errorf("storage: append bus event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.BusEvent{}, fmt.Errorf("storage: append bus event: commit: %w", err)
	}
	return event, nil
}

// UpsertBusConsumer registers a consumer or refreshes its event-type
// subscription. The durable cursor survives re-registration, so a consumer
// that crashes and re-subscribes resumes from its last acknowledged position.
func (db *DB) UpsertBusConsumer(ctx context.Context, consumerID, agentID string, eventTypes []string) (model.BusConsumer, error) {
	now := time.Now().UTC()
	var c model.BusConsumer
	err := db.pool.QueryRow(ctx,
		`INSERT INTO bus_consumers (consumer_id, agent_id, event_types, last_acked_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $4)
		 ON CONFLICT (consumer_id)
		 DO UPDATE SET agent_id = $2, event_types = $3, updated_at = $4
		 RETURNING consumer_id, agent_id, event_types, last_acked_seq, created_at, updated_at`,
		consumerID, agentID, eventTypes, now,
	).Scan(&c.ConsumerID, &c.AgentID, &c.EventTypes, &c.LastAckedSeq, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return model.BusConsumer{}, fmt.Errorf("storage: upsert bus consumer: %w", err)
	}
	return c, nil
}

// FetchBusEvents returns events after the consumer's durable cursor that match
// its subscription, in sequence order. Events remain redeliverable until
// acknowledged; repeated fetches without an ack return the same events.
func (db *DB) FetchBusEvents(ctx context.Context, consumerID string, maxBatch int) ([]model.BusEvent, error) {
	if maxBatch <= 0 {
		maxBatch = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT e.id, e.seq, e.event_type, e.source_agent, e.target_agent, e.payload, e.published_at
		 FROM bus_events e
		 JOIN bus_consumers c ON c.consumer_id = $1
		 WHERE e.seq > c.last_acked_seq
		   AND e.event_type = ANY(c.event_types)
		   AND (e.target_agent IS NULL OR e.target_agent = c.agent_id)
		 ORDER BY e.seq
		 LIMIT $2`,
		consumerID, maxBatch)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch bus events: %w", err)
	}
	defer rows.Close()

	return scanBusEvents(rows)
}

// AckBusEvent advances the consumer's durable cursor to the event's sequence
// number. The cursor never moves backward, so acking out of order is safe.
func (db *DB) AckBusEvent(ctx context.Context, consumerID string, eventID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE bus_consumers c
		 SET last_acked_seq = GREATEST(c.last_acked_seq, e.seq), updated_at = now()
		 FROM bus_events e
		 WHERE c.consumer_id = $1 AND e.id = $2`,
		consumerID, eventID)
	if err != nil {
		return fmt.Errorf("storage: ack bus event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBusEvent retrieves one event by ID.
func (db *DB) GetBusEvent(ctx context.Context, id uuid.UUID) (model.BusEvent, error) {
	var e model.BusEvent
	err := db.pool.QueryRow(ctx,
		`SELECT `+busEventColumns+` FROM bus_events WHERE id = $1`, id,
	).Scan(&e.ID, &e.Seq, &e.EventType, &e.SourceAgent, &e.TargetAgent, &e.Payload, &e.PublishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BusEvent{}, ErrNotFound
		}
		return model.BusEvent{}, fmt.Errorf("storage: get bus event: %w", err)
	}
	return e, nil
}

// CountPendingBusEvents returns how many matching events sit past the
// consumer's cursor. Used for the bus depth gauge.
func (db *DB) CountPendingBusEvents(ctx context.Context, consumerID string) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM bus_events e
		 JOIN bus_consumers c ON c.consumer_id = $1
		 WHERE e.seq > c.last_acked_seq
		   AND e.event_type = ANY(c.event_types)
		   AND (e.target_agent IS NULL OR e.target_agent = c.agent_id)`,
		consumerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending bus events: %w", err)
	}
	return n, nil
}

func scanBusEvents(rows pgx.Rows) ([]model.BusEvent, error) {
	var events []model.BusEvent
	for rows.Next() {
		var e model.BusEvent
		if err := rows.Scan(
			&e.ID, &e.Seq, &e.EventType, &e.SourceAgent, &e.TargetAgent, &e.Payload, &e.PublishedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan bus event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
