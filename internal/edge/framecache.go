package edge

import (
	"sync"
	"time"
)

// DefaultFrameTTL bounds how long a sent frame stays retrievable for
// ingestion after its detections come back.
const DefaultFrameTTL = 2 * time.Second

// CachedFrame is the raw capture buffer plus the metadata the ingester needs
// to rebuild a JPEG upload.
type CachedFrame struct {
	Data   []byte
	Width  int
	Height int
	TSUTC  time.Time
}

type cacheEntry struct {
	frame    CachedFrame
	storedAt time.Time
}

// FrameCache holds recently sent frames keyed by frame id until their
// detections arrive or the TTL passes. Entries past the TTL are evicted by a
// periodic sweep; the sweep goroutine is owned by the cache and stops on
// Close, so an unclosed cache leaks it.
type FrameCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[uint64]cacheEntry

	done      chan struct{}
	closeOnce sync.Once
}

// NewFrameCache creates a cache and starts its eviction sweep. A ttl of zero
// or below falls back to DefaultFrameTTL.
func NewFrameCache(ttl time.Duration) *FrameCache {
	if ttl <= 0 {
		ttl = DefaultFrameTTL
	}
	c := &FrameCache{
		ttl:     ttl,
		entries: make(map[uint64]cacheEntry),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Put stores a frame under its frame id, replacing any previous entry.
func (c *FrameCache) Put(frameID uint64, frame CachedFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[frameID] = cacheEntry{frame: frame, storedAt: time.Now()}
}

// Get returns the frame for frameID if it is still within its TTL. The
// ingester treats a miss as "frame gone, skip this detection".
func (c *FrameCache) Get(frameID uint64) (CachedFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[frameID]
	if !ok {
		return CachedFrame{}, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		delete(c.entries, frameID)
		return CachedFrame{}, false
	}
	return entry.frame, true
}

// Len returns the number of cached entries, expired or not.
func (c *FrameCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the eviction sweep and clears the cache. Idempotent.
func (c *FrameCache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.entries = make(map[uint64]cacheEntry)
		c.mu.Unlock()
	})
}

func (c *FrameCache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *FrameCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, entry := range c.entries {
		if now.Sub(entry.storedAt) > c.ttl {
			delete(c.entries, id)
		}
	}
}
