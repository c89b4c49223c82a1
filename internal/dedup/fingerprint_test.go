package dedup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintKeyOrderInvariant(t *testing.T) {
	c := NewCanonicalizer()

	a := c.Fingerprint(map[string]any{
		"keywords": []any{"shoes", "boots"},
		"volume":   1200,
		"ranking":  map[string]any{"shoes": 3, "boots": 7},
	})
	b := c.Fingerprint(map[string]any{
		"ranking":  map[string]any{"boots": 7, "shoes": 3},
		"volume":   1200,
		"keywords": []any{"shoes", "boots"},
	})

	assert.Equal(t, a, b)
}

func TestFingerprintIgnoresVolatileKeys(t *testing.T) {
	c := NewCanonicalizer()

	a := c.Fingerprint(map[string]any{
		"ranking":   map[string]any{"shoes": 3},
		"timestamp": "2026-09-01T10:00:00Z",
	})
	b := c.Fingerprint(map[string]any{
		"ranking":   map[string]any{"shoes": 3},
		"timestamp": "2026-09-01T11:30:00Z",
	})
	bare := c.Fingerprint(map[string]any{
		"ranking": map[string]any{"shoes": 3},
	})

	assert.Equal(t, a, b)
	assert.Equal(t, a, bare)
}

func TestFingerprintNumericNormalization(t *testing.T) {
	c := NewCanonicalizer()

	// A JSON round-trip turns ints into float64; the hash must not change.
	a := c.Fingerprint(map[string]any{"volume": 1200})
	b := c.Fingerprint(map[string]any{"volume": float64(1200)})
	assert.Equal(t, a, b)

	d := c.Fingerprint(map[string]any{"volume": 1200.5})
	assert.NotEqual(t, a, d)
}

func TestFingerprintDetectsChangedValue(t *testing.T) {
	c := NewCanonicalizer()

	a := c.Fingerprint(map[string]any{"ranking": map[string]any{"shoes": 3}})
	b := c.Fingerprint(map[string]any{"ranking": map[string]any{"shoes": 4}})

	assert.NotEqual(t, a, b)
}

func TestFingerprintArrayOrderMatters(t *testing.T) {
	c := NewCanonicalizer()

	a := c.Fingerprint(map[string]any{"keywords": []any{"shoes", "boots"}})
	b := c.Fingerprint(map[string]any{"keywords": []any{"boots", "shoes"}})

	assert.NotEqual(t, a, b)
}

func TestFingerprintStructureNotCollapsed(t *testing.T) {
	c := NewCanonicalizer()

	// A key/value pair must not collide with a concatenated string.
	a := c.Fingerprint(map[string]any{"ab": "c"})
	b := c.Fingerprint(map[string]any{"a": "bc"})

	assert.NotEqual(t, a, b)
}

func TestFingerprintVersionPrefix(t *testing.T) {
	c := NewCanonicalizer()

	h := c.Fingerprint(map[string]any{"x": 1})
	assert.True(t, strings.HasPrefix(h, "v1:"))
	assert.Len(t, h, len("v1:")+64)
}
