package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowTunerGrowsOnIdleQueue(t *testing.T) {
	tuner := newWindowTuner(2, 16, 4)

	for i := 0; i < tunerSamplePeriod-1; i++ {
		size, changed := tuner.observe(0)
		assert.False(t, changed)
		assert.Equal(t, 4, size)
	}
	size, changed := tuner.observe(0)
	assert.True(t, changed)
	assert.Equal(t, 5, size)
}

func TestWindowTunerShrinksOnBacklog(t *testing.T) {
	tuner := newWindowTuner(2, 16, 8)

	// One deep observation poisons the whole period.
	tuner.observe(5)
	var size int
	var changed bool
	for i := 0; i < tunerSamplePeriod-1; i++ {
		size, changed = tuner.observe(0)
	}
	assert.True(t, changed)
	assert.Equal(t, 7, size)
}

func TestWindowTunerHoldsOnModerateDepth(t *testing.T) {
	tuner := newWindowTuner(2, 16, 8)

	// Depth 3 of window 8 is under the shrink threshold but not idle.
	var changed bool
	for i := 0; i < tunerSamplePeriod; i++ {
		_, changed = tuner.observe(3)
	}
	assert.False(t, changed)
}

func TestWindowTunerClampsAtBounds(t *testing.T) {
	tuner := newWindowTuner(2, 4, 4)
	var changed bool
	for i := 0; i < tunerSamplePeriod; i++ {
		_, changed = tuner.observe(0)
	}
	assert.False(t, changed, "already at max")

	tuner = newWindowTuner(2, 16, 2)
	for i := 0; i < tunerSamplePeriod; i++ {
		_, changed = tuner.observe(16)
	}
	assert.False(t, changed, "already at min")
}

func TestWindowTunerClampsInitial(t *testing.T) {
	tuner := newWindowTuner(2, 16, 64)
	assert.Equal(t, 16, tuner.size)

	tuner = newWindowTuner(2, 16, 0)
	assert.Equal(t, 2, tuner.size)
}
