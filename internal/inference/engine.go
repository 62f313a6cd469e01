// Package inference loads detection models and turns raw model output into
// detections in source-image pixel space. Two backends exist: onnx (via the
// onnxruntime shared library) and static (file-based fixtures for
// development and tests).
package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/vigil-video/vigil/internal/config"
)

// Output is one raw output tensor from a model run.
type Output struct {
	Shape []int64
	Data  []float32
}

// Engine is a loaded model ready to run.
type Engine interface {
	// Infer runs one normalized CHW float input sized to InputSize.
	Infer(ctx context.Context, input []float32) (*Output, error)
	// InputSize returns the model canvas as (width, height).
	InputSize() (width, height int)
	Close() error
}

// Loader opens engines by model name.
type Loader interface {
	Load(ctx context.Context, model string) (Engine, error)
}

// NewLoader builds the loader selected by the worker configuration.
func NewLoader(cfg config.ModelConfig) (Loader, error) {
	switch cfg.Backend {
	case "onnx":
		return NewONNXLoader(cfg.LibraryPath, cfg.Dir)
	case "static":
		return NewStaticLoader(cfg.Dir), nil
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Backend)
	}
}

// validateModelName rejects names that could escape the model directory.
func validateModelName(model string) error {
	if model == "" {
		return fmt.Errorf("model name is empty")
	}
	if strings.ContainsAny(model, `/\`) || strings.Contains(model, "..") {
		return fmt.Errorf("model name %q contains path elements", model)
	}
	return nil
}
