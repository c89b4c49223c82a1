// Command cadenced runs the cadence orchestration core as a standalone
// daemon. Agent IDs come from CADENCE_AGENTS (comma-separated); each runs
// with an idle executor that records empty phase payloads, keeping the audit
// trail phase-complete. Real deployments embed the cadence package and
// register executors with cadence.WithAgent.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cadencehq/cadence"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CADENCE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	opts := []cadence.Option{
		cadence.WithVersion(version),
		cadence.WithLogger(logger),
	}

	agents := strings.Split(os.Getenv("CADENCE_AGENTS"), ",")
	registered := 0
	for _, id := range agents {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		opts = append(opts, cadence.WithAgent(id, idleExecutor{}))
		registered++
	}
	if registered == 0 {
		// At least one agent is required for the orchestrator to run.
		opts = append(opts, cadence.WithAgent("idle", idleExecutor{}))
		logger.Warn("CADENCE_AGENTS empty, running single idle agent")
	}

	app, err := cadence.New(opts...)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// idleExecutor records empty payloads for every phase. An agent with nothing
// to decide still produces a phase-complete cycle row.
type idleExecutor struct{}

func (idleExecutor) Observe(ctx context.Context, c cadence.Cycle) (map[string]any, error) {
	return map[string]any{}, nil
}

func (idleExecutor) Orient(ctx context.Context, c cadence.Cycle) (map[string]any, error) {
	return map[string]any{}, nil
}

func (idleExecutor) Decide(ctx context.Context, c cadence.Cycle) (map[string]any, error) {
	return map[string]any{}, nil
}

func (idleExecutor) Act(ctx context.Context, c cadence.Cycle) (map[string]any, error) {
	return map[string]any{}, nil
}

func (idleExecutor) Reflect(ctx context.Context, c cadence.Cycle) (map[string]any, error) {
	return map[string]any{}, nil
}
