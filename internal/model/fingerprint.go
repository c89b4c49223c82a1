package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FingerprintRecord is a memoized artifact keyed by a content hash of the
// input snapshot. Rows are append-only: a new artifact for a hash supersedes
// the previous one (is_current flips), prior rows are retained for audit and
// never mutated.
type FingerprintRecord struct {
	ID        uuid.UUID       `json:"id"`
	Scope     string          `json:"scope"`
	Hash      string          `json:"hash"`
	Artifact  json.RawMessage `json:"artifact"`
	Metadata  map[string]any  `json:"metadata"`
	IsCurrent bool            `json:"is_current"`
	CreatedAt time.Time       `json:"created_at"`
}
