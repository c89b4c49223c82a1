// Package dedup gates expensive recomputation behind a content fingerprint.
// A snapshot is reduced to a canonical hash; the artifact derived from it is
// memoized per (scope, hash), and concurrent misses for the same hash share
// a single computation.
package dedup

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"math"
	"sort"
	"strconv"
)

// fingerprintVersion prefixes every hash so the encoding can evolve without
// invalidating stored records silently.
const fingerprintVersion = "v1:"

// Canonicalizer reduces snapshots to deterministic hashes. Two snapshots
// that differ only in map key order, numeric representation (2 vs 2.0), or
// ignored keys produce the same hash.
type Canonicalizer struct {
	// IgnoreKeys are map keys excluded from the hash at every nesting level.
	// Volatile fields such as capture timestamps belong here.
	IgnoreKeys []string
}

// NewCanonicalizer returns a Canonicalizer that ignores the common volatile
// keys "timestamp" and "fetched_at".
func NewCanonicalizer() *Canonicalizer {
	return &Canonicalizer{IgnoreKeys: []string{"timestamp", "fetched_at"}}
}

// Fingerprint returns the versioned SHA-256 hex digest of the snapshot's
// canonical encoding. Each value is encoded with a type tag and a 4-byte
// length prefix, so freeform strings can never collide with structure.
func (c *Canonicalizer) Fingerprint(snapshot map[string]any) string {
	h := sha256.New()
	c.writeValue(h, snapshot)
	return fingerprintVersion + hex.EncodeToString(h.Sum(nil))
}

func (c *Canonicalizer) ignored(key string) bool {
	for _, k := range c.IgnoreKeys {
		if k == key {
			return true
		}
	}
	return false
}

func (c *Canonicalizer) writeValue(h hash.Hash, v any) {
	switch val := v.(type) {
	case nil:
		writeField(h, 'z', "")
	case bool:
		writeField(h, 'b', strconv.FormatBool(val))
	case string:
		writeField(h, 's', val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			writeField(h, 's', val.String())
			return
		}
		c.writeValue(h, f)
	case int:
		c.writeValue(h, float64(val))
	case int32:
		c.writeValue(h, float64(val))
	case int64:
		c.writeValue(h, float64(val))
	case float32:
		c.writeValue(h, float64(val))
	case float64:
		// Integral floats encode like integers so a JSON round-trip does
		// not change the hash.
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			writeField(h, 'n', strconv.FormatFloat(val, 'f', 0, 64))
			return
		}
		writeField(h, 'n', strconv.FormatFloat(val, 'g', -1, 64))
	case []any:
		writeField(h, 'a', strconv.Itoa(len(val)))
		for _, item := range val {
			c.writeValue(h, item)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if c.ignored(k) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeField(h, 'm', strconv.Itoa(len(keys)))
		for _, k := range keys {
			writeField(h, 'k', k)
			c.writeValue(h, val[k])
		}
	default:
		// Uncommon scalar: fall back to its fmt representation.
		writeField(h, 's', fmt.Sprintf("%v", val))
	}
}

func writeField(h hash.Hash, tag byte, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	h.Write([]byte{tag})
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}
