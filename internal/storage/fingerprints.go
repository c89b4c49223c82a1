package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cadencehq/cadence/internal/model"
)

const fingerprintColumns = `id, scope, hash, artifact, metadata, is_current, created_at`

// GetCurrentFingerprint returns the authoritative artifact for (scope, hash),
// or ErrNotFound when the hash has never been computed.
func (db *DB) GetCurrentFingerprint(ctx context.Context, scope, hash string) (model.FingerprintRecord, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+fingerprintColumns+` FROM fingerprint_records
		 WHERE scope = $1 AND hash = $2 AND is_current`, scope, hash)
	rec, err := scanFingerprint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.FingerprintRecord{}, ErrNotFound
		}
		return model.FingerprintRecord{}, fmt.Errorf("storage: get fingerprint: %w", err)
	}
	return rec, nil
}

// InsertFingerprintRecord stores a freshly computed artifact. The partial
// unique index on (scope, hash) WHERE is_current resolves concurrent inserts:
// the loser's row is silently dropped and inserted=false is returned, in which
// case the caller should read back the winner's artifact.
func (db *DB) InsertFingerprintRecord(ctx context.Context, rec model.FingerprintRecord) (bool, error) {
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO fingerprint_records (id, scope, hash, artifact, metadata, is_current, created_at)
		 VALUES ($1, $2, $3, $4, $5, true, $6)
		 ON CONFLICT (scope, hash) WHERE is_current DO NOTHING`,
		rec.ID, rec.Scope, rec.Hash, rec.Artifact, rec.Metadata, rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert fingerprint record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SupersedeFingerprint retires the current artifact for (scope, hash) so a
// recomputation can store a replacement. The retired row is kept for audit.
// Returns rows updated.
func (db *DB) SupersedeFingerprint(ctx context.Context, scope, hash string) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE fingerprint_records SET is_current = false
		 WHERE scope = $1 AND hash = $2 AND is_current`, scope, hash)
	if err != nil {
		return 0, fmt.Errorf("storage: supersede fingerprint: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListFingerprintHistory returns all records for a scope, newest first,
// including superseded rows.
func (db *DB) ListFingerprintHistory(ctx context.Context, scope string, limit int) ([]model.FingerprintRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+fingerprintColumns+` FROM fingerprint_records
		 WHERE scope = $1 ORDER BY created_at DESC LIMIT $2`, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list fingerprint history: %w", err)
	}
	defer rows.Close()

	var records []model.FingerprintRecord
	for rows.Next() {
		rec, err := scanFingerprint(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan fingerprint: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanFingerprint(row pgx.Row) (model.FingerprintRecord, error) {
	var rec model.FingerprintRecord
	err := row.Scan(
		&rec.ID, &rec.Scope, &rec.Hash, &rec.Artifact, &rec.Metadata, &rec.IsCurrent, &rec.CreatedAt,
	)
	return rec, err
}
