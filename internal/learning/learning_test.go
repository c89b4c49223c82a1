package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReviseConsistent(t *testing.T) {
	p := DefaultPolicy

	assert.InDelta(t, 0.55, p.Revise(0.5, true), 1e-9)
	assert.InDelta(t, 0.91, p.Revise(0.9, true), 1e-9)
	assert.InDelta(t, 0.1, p.Revise(0.0, true), 1e-9)
}

func TestReviseInconsistent(t *testing.T) {
	p := DefaultPolicy

	assert.InDelta(t, 0.35, p.Revise(0.5, false), 1e-9)
	assert.InDelta(t, 0.63, p.Revise(0.9, false), 1e-9)
}

func TestReviseApproachesButNeverExceedsOne(t *testing.T) {
	p := DefaultPolicy

	c := 0.5
	for i := 0; i < 1000; i++ {
		next := p.Revise(c, true)
		assert.GreaterOrEqual(t, next, c, "confidence must be monotonic under confirming evidence")
		assert.LessOrEqual(t, next, 1.0)
		c = next
	}
	assert.Greater(t, c, 0.999)
}

func TestReviseAsymmetry(t *testing.T) {
	p := DefaultPolicy

	// One contradiction erodes more than one confirmation builds.
	up := p.Revise(0.5, true) - 0.5
	down := 0.5 - p.Revise(0.5, false)
	assert.Greater(t, down, up)
}

func TestReviseAtCap(t *testing.T) {
	p := DefaultPolicy

	assert.Equal(t, 1.0, p.Revise(1.0, true))
	assert.InDelta(t, 0.7, p.Revise(1.0, false), 1e-9)
}
