package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cadencehq/cadence/internal/testutil"
)

func TestPendingGaugeRegisteredOncePerConsumer(t *testing.T) {
	b := New(nil, testutil.TestLogger(), time.Second)

	// Re-opening the same consumer, as a restarted process does, must not
	// stack a second gauge callback for the same consumer_id.
	b.registerPendingGauge("repeat-consumer")
	b.registerPendingGauge("repeat-consumer")
	assert.Len(t, b.pendingGauges, 1)

	b.registerPendingGauge("other-consumer")
	assert.Len(t, b.pendingGauges, 2)
}
