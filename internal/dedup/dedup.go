package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/storage"
	"github.com/cadencehq/cadence/internal/telemetry"
)

// Store is the persistence surface the deduplicator needs. *storage.DB
// satisfies it; tests substitute an in-memory implementation.
type Store interface {
	GetCurrentFingerprint(ctx context.Context, scope, hash string) (model.FingerprintRecord, error)
	InsertFingerprintRecord(ctx context.Context, rec model.FingerprintRecord) (bool, error)
}

// ComputeFunc produces the artifact for a fingerprint miss.
type ComputeFunc func(ctx context.Context) (json.RawMessage, error)

// Deduplicator memoizes expensive computations per (scope, hash). Within a
// process, concurrent misses for the same hash share one computation via
// single-flight; across processes the current-row unique index arbitrates.
type Deduplicator struct {
	store  Store
	logger *slog.Logger
	canon  *Canonicalizer
	group  singleflight.Group

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// New creates a Deduplicator over store with the default canonicalizer.
func New(store Store, logger *slog.Logger) *Deduplicator {
	d := &Deduplicator{
		store:  store,
		logger: logger,
		canon:  NewCanonicalizer(),
	}

	meter := telemetry.Meter("cadence/dedup")
	d.hits, _ = meter.Int64Counter("cadence.dedup.hits",
		metric.WithDescription("Fingerprint lookups served from a stored artifact"))
	d.misses, _ = meter.Int64Counter("cadence.dedup.misses",
		metric.WithDescription("Fingerprint lookups that ran the computation"))

	return d
}

// Fingerprint returns the canonical hash of snapshot.
func (d *Deduplicator) Fingerprint(snapshot map[string]any) string {
	return d.canon.Fingerprint(snapshot)
}

type getOrComputeResult struct {
	artifact json.RawMessage
	fresh    bool
}

// GetOrCompute returns the current artifact for (scope, hash), computing and
// persisting it on a miss. fresh reports whether compute ran for this result.
// A compute error persists nothing, so the next call retries. metadata is
// stored alongside a freshly computed artifact for audit (input counts and
// the like); it never affects the hash.
func (d *Deduplicator) GetOrCompute(ctx context.Context, scope, hash string, metadata map[string]any, compute ComputeFunc) (json.RawMessage, bool, error) {
	ctx, span := telemetry.Tracer("cadence/dedup").Start(ctx, "dedup.get_or_compute",
		trace.WithAttributes(attribute.String("cadence.scope", scope)),
	)
	defer span.End()

	rec, err := d.store.GetCurrentFingerprint(ctx, scope, hash)
	if err == nil {
		d.hits.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("cadence.fresh", false))
		return rec.Artifact, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		span.RecordError(err)
		return nil, false, err
	}

	key := scope + "\x00" + hash
	v, err, _ := d.group.Do(key, func() (any, error) {
		// Another flight may have persisted while this call waited.
		rec, err := d.store.GetCurrentFingerprint(ctx, scope, hash)
		if err == nil {
			return getOrComputeResult{artifact: rec.Artifact, fresh: false}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		artifact, err := compute(ctx)
		if err != nil {
			return nil, fmt.Errorf("dedup: compute %s: %w", scope, err)
		}

		inserted, err := d.store.InsertFingerprintRecord(ctx, model.FingerprintRecord{
			ID:        uuid.New(),
			Scope:     scope,
			Hash:      hash,
			Artifact:  artifact,
			Metadata:  metadata,
			IsCurrent: true,
		})
		if err != nil {
			return nil, err
		}
		if !inserted {
			// Another process won the insert race; its artifact is current.
			rec, err := d.store.GetCurrentFingerprint(ctx, scope, hash)
			if err != nil {
				return nil, err
			}
			return getOrComputeResult{artifact: rec.Artifact, fresh: false}, nil
		}

		d.logger.Debug("dedup: computed fresh artifact", "scope", scope, "hash", hash)
		return getOrComputeResult{artifact: artifact, fresh: true}, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	res := v.(getOrComputeResult)
	if res.fresh {
		d.misses.Add(ctx, 1)
	} else {
		d.hits.Add(ctx, 1)
	}
	span.SetAttributes(attribute.Bool("cadence.fresh", res.fresh))
	return res.artifact, res.fresh, nil
}
