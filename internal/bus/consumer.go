package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/telemetry"
)

// Consumer is a durable subscription handle. Its cursor lives in storage, so
// any process holding the same consumer ID resumes where the last one left
// off. At-least-once: an event stays deliverable until acked.
type Consumer struct {
	bus     *Bus
	id      string
	agentID string
}

// ID returns the durable consumer identifier.
func (c *Consumer) ID() string { return c.id }

// Poll returns up to maxBatch deliverable events in global publish order.
// With block <= 0 it returns immediately, possibly empty. Otherwise it waits
// up to block for a matching event, waking early on publish notifications
// and re-checking storage every fallback interval. A nil slice with a nil
// error means the wait timed out.
func (c *Consumer) Poll(ctx context.Context, maxBatch int, block time.Duration) ([]model.BusEvent, error) {
	ctx, span := telemetry.Tracer("cadence/bus").Start(ctx, "bus.poll",
		trace.WithAttributes(attribute.String("cadence.consumer_id", c.id)),
	)
	defer span.End()

	events, err := c.bus.db.FetchBusEvents(ctx, c.id, maxBatch)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(events) > 0 || block <= 0 {
		span.SetAttributes(attribute.Int("cadence.delivered", len(events)))
		return events, nil
	}

	// Subscribe to wakeups before re-reading so a publish between the read
	// and the wait is not missed.
	wake := c.bus.waker.subscribe()
	defer c.bus.waker.unsubscribe(wake)

	deadline := time.NewTimer(block)
	defer deadline.Stop()
	fallback := time.NewTicker(c.bus.pollFallback)
	defer fallback.Stop()

	for {
		events, err := c.bus.db.FetchBusEvents(ctx, c.id, maxBatch)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if len(events) > 0 {
			span.SetAttributes(attribute.Int("cadence.delivered", len(events)))
			return events, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			span.SetAttributes(attribute.Int("cadence.delivered", 0))
			return nil, nil
		case <-wake:
		case <-fallback.C:
		}
	}
}

// Ack durably records the event as processed and advances the cursor past
// it. The cursor never moves backward, so acking out of order is safe but
// implicitly acks everything before the acked event.
func (c *Consumer) Ack(ctx context.Context, eventID uuid.UUID) error {
	return c.bus.db.AckBusEvent(ctx, c.id, eventID)
}

// Pending returns how many published events this consumer has yet to ack.
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	return c.bus.db.CountPendingBusEvents(ctx, c.id)
}
