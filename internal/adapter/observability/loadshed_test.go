package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeclash/exec-engine/internal/domain"
)

func TestShedderBelowThresholdAllowsAll(t *testing.T) {
	ls := NewLoadShedder(1000, 500)
	ls.ObserveDepth(999)
	assert.True(t, ls.Allow(domain.PriorityLow))
	assert.True(t, ls.Allow(domain.PriorityNormal))
	assert.True(t, ls.Allow(domain.PriorityHigh))
	assert.False(t, ls.Shedding())
}

func TestShedderDropsLowFirst(t *testing.T) {
	ls := NewLoadShedder(1000, 500)
	ls.ObserveDepth(1000)
	assert.True(t, ls.Shedding())
	assert.False(t, ls.Allow(domain.PriorityLow))
	assert.True(t, ls.Allow(domain.PriorityNormal))
	assert.True(t, ls.Allow(domain.PriorityHigh))
}

func TestShedderWidensWithDepth(t *testing.T) {
	ls := NewLoadShedder(1000, 500)
	ls.ObserveDepth(2500)
	assert.False(t, ls.Allow(domain.PriorityLow))
	assert.False(t, ls.Allow(domain.PriorityNormal))
	assert.True(t, ls.Allow(domain.PriorityHigh))

	ls.ObserveDepth(3500)
	assert.False(t, ls.Allow(domain.PriorityHigh), "extreme depth sheds everything")
}

func TestShedderHysteresis(t *testing.T) {
	ls := NewLoadShedder(1000, 500)
	ls.ObserveDepth(1200)
	assert.True(t, ls.Shedding())

	// Falling below threshold but above recovery keeps shedding.
	ls.ObserveDepth(800)
	assert.True(t, ls.Shedding())
	assert.False(t, ls.Allow(domain.PriorityLow))

	ls.ObserveDepth(500)
	assert.False(t, ls.Shedding())
	assert.True(t, ls.Allow(domain.PriorityLow))
}

func TestShedderClampsBadRecovery(t *testing.T) {
	ls := NewLoadShedder(1000, 2000)
	ls.ObserveDepth(1000)
	assert.True(t, ls.Shedding())
	ls.ObserveDepth(499)
	assert.False(t, ls.Shedding())
}
