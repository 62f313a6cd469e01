package worker

// tunerSamplePeriod is how many processed frames the tuner watches before
// deciding whether to move the window. Deciding per sample would whipsaw the
// size on every burst.
const tunerSamplePeriod = 32

// windowTuner adjusts the flow-control window from observed queue depth. A
// period where the queue never backed up earns the edge one more credit; a
// period where the backlog held more than half the window takes one away.
// The size always stays inside [min, max].
type windowTuner struct {
	min  int
	max  int
	size int

	samples   int
	highWater int
}

func newWindowTuner(min, max, initial int) *windowTuner {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &windowTuner{min: min, max: max, size: initial}
}

// observe records the queue depth seen as one frame finished processing. It
// returns the current window size and whether this observation changed it.
func (t *windowTuner) observe(depth int) (int, bool) {
	if depth > t.highWater {
		t.highWater = depth
	}
	t.samples++
	if t.samples < tunerSamplePeriod {
		return t.size, false
	}

	high := t.highWater
	t.samples = 0
	t.highWater = 0

	switch {
	case high == 0 && t.size < t.max:
		t.size++
		return t.size, true
	case high > t.size/2 && t.size > t.min:
		t.size--
		return t.size, true
	}
	return t.size, false
}
