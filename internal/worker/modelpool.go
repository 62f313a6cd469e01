package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vigil-video/vigil/internal/inference"
	"github.com/vigil-video/vigil/internal/observability"
)

// ModelPool shares loaded inference engines across connections. Each engine
// is reference counted; it loads on the first Acquire and unloads when the
// last holder releases it. Concurrent first acquisitions of the same model
// coalesce into a single load.
type ModelPool struct {
	loader inference.Loader
	logger *slog.Logger
	flight singleflight.Group

	mu     sync.Mutex
	closed bool
	models map[string]*poolEntry
}

type poolEntry struct {
	engine inference.Engine
	refs   int
}

// ModelStats describes one pooled engine for the status endpoint.
type ModelStats struct {
	Model string `json:"model"`
	Refs  int    `json:"refs"`
}

// NewModelPool wraps loader with sharing and reference counting.
func NewModelPool(loader inference.Loader, logger *slog.Logger) *ModelPool {
	return &ModelPool{
		loader: loader,
		logger: observability.WithComponent(logger, "modelpool"),
		models: make(map[string]*poolEntry),
	}
}

// Acquire returns the engine for model, loading it on first use. Every
// successful call must be paired with a Release.
func (p *ModelPool) Acquire(ctx context.Context, model string) (inference.Engine, error) {
	if model == "" {
		return nil, fmt.Errorf("empty model name")
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("model pool closed")
		}
		if entry, ok := p.models[model]; ok {
			entry.refs++
			p.mu.Unlock()
			return entry.engine, nil
		}
		p.mu.Unlock()

		// The flight only loads and registers the entry; references are
		// claimed on the next pass so each coalesced caller counts itself.
		_, err, _ := p.flight.Do(model, func() (any, error) {
			// A load outlives the connection that triggered it: the result
			// is shared, so one peer hanging up must not abort it.
			engine, err := p.loader.Load(context.WithoutCancel(ctx), model)
			if err != nil {
				return nil, err
			}
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				_ = engine.Close()
				return nil, fmt.Errorf("model pool closed")
			}
			p.models[model] = &poolEntry{engine: engine}
			p.mu.Unlock()

			w, h := engine.InputSize()
			p.logger.Info("model loaded",
				slog.String("model", model),
				slog.Int("input_width", w),
				slog.Int("input_height", h),
			)
			return nil, nil
		})
		if err != nil {
			return nil, fmt.Errorf("loading model %s: %w", model, err)
		}
	}
}

// Release drops one reference. The engine closes when nobody holds it.
func (p *ModelPool) Release(model string) {
	p.mu.Lock()
	entry, ok := p.models[model]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.models, model)
	p.mu.Unlock()

	if err := entry.engine.Close(); err != nil {
		observability.WithError(p.logger, err).Warn("closing model engine",
			slog.String("model", model))
	}
	p.logger.Info("model unloaded", slog.String("model", model))
}

// Stats lists the pooled engines sorted by model name.
func (p *ModelPool) Stats() []ModelStats {
	p.mu.Lock()
	stats := make([]ModelStats, 0, len(p.models))
	for model, entry := range p.models {
		stats = append(stats, ModelStats{Model: model, Refs: entry.refs})
	}
	p.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Model < stats[j].Model })
	return stats
}

// Close unloads every engine regardless of reference counts. Used at
// shutdown after all connections have drained.
func (p *ModelPool) Close() {
	p.mu.Lock()
	p.closed = true
	entries := p.models
	p.models = make(map[string]*poolEntry)
	p.mu.Unlock()

	for model, entry := range entries {
		if err := entry.engine.Close(); err != nil {
			observability.WithError(p.logger, err).Warn("closing model engine",
				slog.String("model", model))
		}
	}
}
