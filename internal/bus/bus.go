// Package bus implements the durable at-least-once event bus. Events are
// appended to Postgres with a global sequence; consumers hold durable cursors
// and only advance them on ack, so unacked events are redelivered after a
// crash. Delivery latency is cut by LISTEN/NOTIFY wakeups with a polling
// fallback when no notify connection is available.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/storage"
	"github.com/cadencehq/cadence/internal/telemetry"
)

// Bus publishes events and creates consumers over a shared storage layer.
type Bus struct {
	db           *storage.DB
	logger       *slog.Logger
	waker        *waker
	pollFallback time.Duration

	published metric.Int64Counter

	mu            sync.Mutex
	pendingGauges map[string]struct{}
}

// New creates a Bus. pollFallback bounds how long a blocked poller waits
// between storage re-reads when no wakeup arrives.
func New(db *storage.DB, logger *slog.Logger, pollFallback time.Duration) *Bus {
	if pollFallback <= 0 {
		pollFallback = 500 * time.Millisecond
	}
	b := &Bus{
		db:            db,
		logger:        logger,
		waker:         newWaker(),
		pollFallback:  pollFallback,
		pendingGauges: make(map[string]struct{}),
	}

	meter := telemetry.Meter("cadence/bus")
	b.published, _ = meter.Int64Counter("cadence.bus.published",
		metric.WithDescription("Total events published to the bus"))

	return b
}

// Start listens for publish notifications and wakes blocked pollers. It
// blocks, so call it in a goroutine. Returns when ctx is cancelled. Without
// a notify connection pollers fall back to interval polling, so Start is
// optional.
func (b *Bus) Start(ctx context.Context) {
	if !b.db.HasNotifyConn() {
		b.logger.Info("bus: no notify connection, pollers use interval fallback")
		return
	}
	if err := b.db.Listen(ctx, storage.ChannelEvents); err != nil {
		b.logger.Error("bus: listen events", "error", err)
		return
	}

	b.logger.Info("bus: listening for notifications", "channel", storage.ChannelEvents)

	for {
		_, _, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("bus: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.waker.wake()
	}
}

// Publish durably appends an event and returns it with its assigned ID,
// sequence, and publish time. A nil TargetAgent broadcasts to every matching
// consumer. The notify wakeup after the append is best-effort; the append is
// the delivery guarantee.
func (b *Bus) Publish(ctx context.Context, event model.BusEvent) (model.BusEvent, error) {
	if event.EventType == "" {
		return model.BusEvent{}, fmt.Errorf("bus: event type required")
	}
	if event.SourceAgent == "" {
		return model.BusEvent{}, fmt.Errorf("bus: source agent required")
	}

	ctx, span := telemetry.Tracer("cadence/bus").Start(ctx, "bus.publish",
		trace.WithAttributes(
			attribute.String("cadence.event_type", event.EventType),
			attribute.String("cadence.source_agent", event.SourceAgent),
		),
	)
	defer span.End()

	stored, err := b.db.AppendBusEvent(ctx, event)
	if err != nil {
		span.RecordError(err)
		return model.BusEvent{}, err
	}
	span.SetAttributes(attribute.Int64("cadence.seq", stored.Seq))

	b.published.Add(ctx, 1)

	// Wake local pollers directly, then cross-process pollers via NOTIFY.
	b.waker.wake()
	if b.db.HasNotifyConn() {
		if err := b.db.Notify(ctx, storage.ChannelEvents, stored.EventType); err != nil {
			b.logger.Warn("bus: notify after publish", "error", err, "event_type", stored.EventType)
		}
	}

	return stored, nil
}

// Subscribe registers (or re-opens) a durable consumer identified by
// consumerID for the given agent and event types. Re-opening an existing
// consumer keeps its cursor, so delivery resumes after the last acked event.
func (b *Bus) Subscribe(ctx context.Context, consumerID, agentID string, eventTypes []string) (*Consumer, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("bus: consumer id required")
	}
	if agentID == "" {
		return nil, fmt.Errorf("bus: agent id required")
	}
	if len(eventTypes) == 0 {
		return nil, fmt.Errorf("bus: at least one event type required")
	}

	row, err := b.db.UpsertBusConsumer(ctx, consumerID, agentID, eventTypes)
	if err != nil {
		return nil, err
	}

	b.logger.Info("bus: consumer subscribed",
		"consumer_id", row.ConsumerID,
		"agent_id", row.AgentID,
		"event_types", row.EventTypes,
		"last_acked_seq", row.LastAckedSeq,
	)

	c := &Consumer{bus: b, id: row.ConsumerID, agentID: row.AgentID}
	b.registerPendingGauge(c.id)
	return c, nil
}

// registerPendingGauge registers the pending-depth gauge for a consumer ID at
// most once per Bus. Re-opening the same consumer must not stack duplicate
// callbacks observing the same consumer_id attribute.
func (b *Bus) registerPendingGauge(consumerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pendingGauges[consumerID]; ok {
		return
	}

	meter := telemetry.Meter("cadence/bus")
	_, err := meter.Int64ObservableGauge("cadence.bus.pending",
		metric.WithDescription("Events published but not yet acked by this consumer"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := b.db.CountPendingBusEvents(ctx, consumerID)
			if err != nil {
				return nil // Skip the observation rather than fail the collection.
			}
			o.Observe(n, metric.WithAttributes(attribute.String("consumer_id", consumerID)))
			return nil
		}),
	)
	if err != nil {
		b.logger.Warn("bus: register pending gauge", "error", err, "consumer_id", consumerID)
		return
	}
	b.pendingGauges[consumerID] = struct{}{}
}
