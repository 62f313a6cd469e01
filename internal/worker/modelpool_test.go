package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-video/vigil/internal/inference"
)

type trackedEngine struct {
	closed atomic.Bool
}

func (e *trackedEngine) Infer(ctx context.Context, input []float32) (*inference.Output, error) {
	return &inference.Output{Shape: []int64{1, 0, 6}}, nil
}

func (e *trackedEngine) InputSize() (int, int) { return 64, 64 }

func (e *trackedEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// stubLoader hands out trackedEngines and counts loads. An optional delay
// widens the race window for coalescing tests.
type stubLoader struct {
	mu      sync.Mutex
	loads   int
	delay   time.Duration
	fail    error
	engines map[string]*trackedEngine
}

func newStubLoader() *stubLoader {
	return &stubLoader{engines: make(map[string]*trackedEngine)}
}

func (l *stubLoader) Load(ctx context.Context, model string) (inference.Engine, error) {
	l.mu.Lock()
	l.loads++
	l.mu.Unlock()

	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.fail != nil {
		return nil, l.fail
	}

	engine := &trackedEngine{}
	l.mu.Lock()
	l.engines[model] = engine
	l.mu.Unlock()
	return engine, nil
}

func (l *stubLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func (l *stubLoader) engine(model string) *trackedEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engines[model]
}

func poolLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestModelPoolSharesEngine(t *testing.T) {
	loader := newStubLoader()
	pool := NewModelPool(loader, poolLogger())

	first, err := pool.Acquire(context.Background(), "yolo11n")
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background(), "yolo11n")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, loader.loadCount())

	stats := pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "yolo11n", stats[0].Model)
	assert.Equal(t, 2, stats[0].Refs)

	pool.Release("yolo11n")
	assert.False(t, loader.engine("yolo11n").closed.Load(), "engine closed while still referenced")

	pool.Release("yolo11n")
	assert.True(t, loader.engine("yolo11n").closed.Load())
	assert.Empty(t, pool.Stats())
}

func TestModelPoolCoalescesConcurrentLoads(t *testing.T) {
	loader := newStubLoader()
	loader.delay = 50 * time.Millisecond
	pool := NewModelPool(loader, poolLogger())

	const holders = 4
	var wg sync.WaitGroup
	engines := make([]inference.Engine, holders)
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engine, err := pool.Acquire(context.Background(), "yolo11n")
			assert.NoError(t, err)
			engines[i] = engine
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, loader.loadCount(), "concurrent acquisitions must share one load")
	for _, engine := range engines[1:] {
		assert.Same(t, engines[0], engine)
	}

	stats := pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, holders, stats[0].Refs)
}

func TestModelPoolLoadFailure(t *testing.T) {
	loader := newStubLoader()
	loader.fail = errors.New("onnxruntime exploded")
	pool := NewModelPool(loader, poolLogger())

	_, err := pool.Acquire(context.Background(), "yolo11n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yolo11n")
	assert.Empty(t, pool.Stats())
}

func TestModelPoolReleaseUnknownModel(t *testing.T) {
	pool := NewModelPool(newStubLoader(), poolLogger())
	pool.Release("never-loaded") // must not panic
}

func TestModelPoolDistinctModels(t *testing.T) {
	loader := newStubLoader()
	pool := NewModelPool(loader, poolLogger())

	_, err := pool.Acquire(context.Background(), "yolo11s")
	require.NoError(t, err)
	_, err = pool.Acquire(context.Background(), "yolo11n")
	require.NoError(t, err)

	assert.Equal(t, 2, loader.loadCount())
	stats := pool.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "yolo11n", stats[0].Model, "stats sorted by model name")
	assert.Equal(t, "yolo11s", stats[1].Model)
}

func TestModelPoolClose(t *testing.T) {
	loader := newStubLoader()
	pool := NewModelPool(loader, poolLogger())

	_, err := pool.Acquire(context.Background(), "yolo11n")
	require.NoError(t, err)

	pool.Close()
	assert.True(t, loader.engine("yolo11n").closed.Load())

	_, err = pool.Acquire(context.Background(), "yolo11n")
	require.Error(t, err)
}
