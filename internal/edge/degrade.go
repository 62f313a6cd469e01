package edge

import (
	"sync"
	"time"
)

// Degradation limits: after maxDegradeAttempts renegotiations on one
// connection the feeder stops trying until the next reconnect; between
// attempts a cooldown swallows repeated triggers from the same burst of
// rejected frames.
const (
	maxDegradeAttempts = 3
	degradeCooldown    = 5 * time.Second
)

// Degrader gates codec degradation attempts. The feeder asks TryBegin before
// each renegotiation; reconnects call Reset.
type Degrader struct {
	mu          sync.Mutex
	maxAttempts int
	cooldown    time.Duration
	attempts    int
	lastAttempt time.Time

	now func() time.Time
}

// NewDegrader returns a degrader with the default attempt cap and cooldown.
func NewDegrader() *Degrader {
	return &Degrader{
		maxAttempts: maxDegradeAttempts,
		cooldown:    degradeCooldown,
		now:         time.Now,
	}
}

// TryBegin reports whether a degradation attempt may start now, and if so
// records it. Returns false while a cooldown from the previous attempt is
// running or once the attempt cap is reached.
func (d *Degrader) TryBegin() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.attempts >= d.maxAttempts {
		return false
	}
	now := d.now()
	if !d.lastAttempt.IsZero() && now.Sub(d.lastAttempt) < d.cooldown {
		return false
	}

	d.attempts++
	d.lastAttempt = now
	return true
}

// Reset clears the attempt history; called when a new connection is
// established.
func (d *Degrader) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = 0
	d.lastAttempt = time.Time{}
}

// Attempts returns how many degradations ran since the last Reset.
func (d *Degrader) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}
