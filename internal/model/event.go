package model

import (
	"time"

	"github.com/google/uuid"
)

// Well-known event types published by the orchestration core itself.
// Agent implementations define their own domain event types freely
// (e.g. "content_published", "keyword_discovered").
const (
	EventCycleCompleted = "cycle_completed"
	EventCycleFailed    = "cycle_failed"
)

// BusEvent is one entry in the durable event log. Append-only; never mutated
// or deleted. seq gives a total order over the log; per-type delivery order
// follows from it.
type BusEvent struct {
	ID          uuid.UUID      `json:"event_id"`
	Seq         int64          `json:"-"`
	EventType   string         `json:"event_type"`
	SourceAgent string         `json:"source_agent"`
	TargetAgent *string        `json:"target_agent"`
	Payload     map[string]any `json:"payload"`
	PublishedAt time.Time      `json:"published_at"`
}

// Broadcast reports whether the event addresses all subscribers of its type.
func (e BusEvent) Broadcast() bool {
	return e.TargetAgent == nil
}

// BusConsumer is the durable cursor row for one subscriber.
type BusConsumer struct {
	ConsumerID   string    `json:"consumer_id"`
	AgentID      string    `json:"agent_id"`
	EventTypes   []string  `json:"event_types"`
	LastAckedSeq int64     `json:"last_acked_seq"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CycleCompletedPayload is the payload of cycle_completed events.
type CycleCompletedPayload struct {
	CycleID     uuid.UUID `json:"cycle_id"`
	CycleNumber int64     `json:"cycle_number"`
	Summary     string    `json:"summary,omitempty"`
}

// CycleFailedPayload is the payload of cycle_failed events.
type CycleFailedPayload struct {
	CycleID     uuid.UUID `json:"cycle_id"`
	CycleNumber int64     `json:"cycle_number"`
	ErrorDetail string    `json:"error_detail"`
}
