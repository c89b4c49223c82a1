// Package storage provides the PostgreSQL storage layer for cadence.
//
// It manages connection pooling (via pgxpool, optionally through a pooler),
// a dedicated connection for LISTEN/NOTIFY (direct to Postgres), and query
// methods for all tables. All mutations are single-row operations; guarded
// UPDATEs report affected-row counts so callers can map zero rows to domain
// errors.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY (which requires a direct, non-pooled connection).
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// New creates a new DB with a connection pool.
// poolDSN may point to a pooler (e.g. PgBouncer) or directly to Postgres.
// notifyDSN must point directly to Postgres; empty disables LISTEN/NOTIFY
// (pollers fall back to periodic re-checks).
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether a dedicated LISTEN/NOTIFY connection exists.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// RegisterPoolMetrics registers observable OTEL gauges for pool health.
// Call after the global meter provider has been initialized.
func (db *DB) RegisterPoolMetrics() {
	meter := otel.GetMeterProvider().Meter("cadence/storage")

	_, _ = meter.Int64ObservableGauge("cadence.db.pool.total_conns",
		metric.WithDescription("Total connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("cadence.db.pool.idle_conns",
		metric.WithDescription("Idle connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
