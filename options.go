package cadence

import (
	"io/fs"
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL       string
	notifyURL         string
	logger            *slog.Logger
	version           string
	agents            []agentSpec
	confidenceGain    float64
	confidenceDecay   float64
	cycleInterval     time.Duration
	stuckCycleTimeout time.Duration
	extraMigrations   []fs.FS
}

type agentSpec struct {
	id            string
	executor      Executor
	subscriptions []string
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAgent registers an agent with its phase executor. Cycles for the agent
// run on the configured interval and whenever an event of one of the listed
// subscription types is delivered. Multiple agents may be registered; each
// runs in its own worker with cycles strictly serialized per agent.
func WithAgent(id string, executor Executor, subscriptions ...string) Option {
	return func(o *resolvedOptions) {
		o.agents = append(o.agents, agentSpec{id: id, executor: executor, subscriptions: subscriptions})
	}
}

// WithConfidencePolicy overrides the learning confidence revision parameters
// (CADENCE_CONFIDENCE_GAIN / CADENCE_CONFIDENCE_DECAY env vars). Both must be
// in (0, 1).
func WithConfidencePolicy(gain, decay float64) Option {
	return func(o *resolvedOptions) {
		o.confidenceGain = gain
		o.confidenceDecay = decay
	}
}

// WithCycleInterval overrides how often an idle agent starts a fresh cycle
// (CADENCE_CYCLE_INTERVAL env var).
func WithCycleInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.cycleInterval = d }
}

// WithStuckCycleTimeout overrides the watchdog window: open cycles with no
// phase progress for this long are failed (CADENCE_STUCK_CYCLE_TIMEOUT env var).
func WithStuckCycleTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.stuckCycleTimeout = d }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the embedded migrations. Multiple filesystems may be registered; they are
// applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
