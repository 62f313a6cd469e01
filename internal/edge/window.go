// Package edge implements the edge agent: it bridges a capture child process
// to the inference worker over the feed protocol, decides when detections
// constitute a recording session, and ships detection frames to the session
// store.
package edge

import "sync"

// Window tracks the sliding-window credits granted by the worker. inflight
// counts Frames sent whose Result has not yet arrived on this connection;
// sends are allowed while inflight stays below the window size.
type Window struct {
	mu       sync.Mutex
	size     int
	inflight int
}

// NewWindow returns an uninitialized window; no credits are available until
// Initialize is called with the handshake's initial_credits.
func NewWindow() *Window {
	return &Window{}
}

// Initialize resets the window for a fresh handshake. A size below 1 is
// coerced to 1: a zero-credit grant would deadlock the feed with no
// WindowUpdate guaranteed to follow.
func (w *Window) Initialize(initialCredits int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.size = max(1, initialCredits)
	w.inflight = 0
}

// HasCredits reports whether another frame may be sent.
func (w *Window) HasCredits() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size > 0 && w.inflight < w.size
}

// OnFrameSent consumes one credit.
func (w *Window) OnFrameSent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight++
}

// OnResultReceived releases one credit, never dropping below zero.
func (w *Window) OnResultReceived() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight > 0 {
		w.inflight--
	}
}

// OnWindowUpdate applies a new absolute window size announced by the worker.
// inflight is untouched: when the window shrinks below it, sends stay blocked
// until Results drain.
func (w *Window) OnWindowUpdate(newSize int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.size = max(1, newSize)
}

// Size returns the current window size.
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Inflight returns the number of unanswered frames.
func (w *Window) Inflight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}
