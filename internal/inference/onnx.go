package inference

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// defaultCanvas is assumed when a model declares dynamic spatial dims.
const defaultCanvas = 640

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initRuntime brings up the process-wide onnxruntime environment exactly
// once.
func initRuntime(libraryPath string) error {
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNXLoader opens .onnx models from a directory.
type ONNXLoader struct {
	dir string
}

// NewONNXLoader initializes the onnxruntime environment and returns a
// loader rooted at dir.
func NewONNXLoader(libraryPath, dir string) (*ONNXLoader, error) {
	if err := initRuntime(libraryPath); err != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", err)
	}
	return &ONNXLoader{dir: dir}, nil
}

// Load opens <dir>/<model>.onnx and prepares a session for it.
func (l *ONNXLoader) Load(ctx context.Context, model string) (Engine, error) {
	if err := validateModelName(model); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(l.dir, model+".onnx")

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("reading model %s: %w", model, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s declares no inputs or outputs", model)
	}

	width, height := defaultCanvas, defaultCanvas
	if dims := inputs[0].Dimensions; len(dims) == 4 {
		if dims[3] > 0 {
			width = int(dims[3])
		}
		if dims[2] > 0 {
			height = int(dims[2])
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("opening session for %s: %w", model, err)
	}

	return &onnxEngine{
		session: session,
		width:   width,
		height:  height,
	}, nil
}

// onnxEngine serializes runs on one session.
type onnxEngine struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	width   int
	height  int
}

func (e *onnxEngine) InputSize() (int, int) {
	return e.width, e.height
}

func (e *onnxEngine) Infer(ctx context.Context, input []float32) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if want := 3 * e.width * e.height; len(input) != want {
		return nil, fmt.Errorf("input has %d values, model wants %d", len(input), want)
	}
	tensor, err := ort.NewTensor(ort.NewShape(1, 3, int64(e.height), int64(e.width)), input)
	if err != nil {
		return nil, fmt.Errorf("building input tensor: %w", err)
	}
	defer tensor.Destroy()

	// Output left nil so onnxruntime allocates it; required for models with
	// data-dependent output shapes (integrated NMS heads).
	outs := []ort.Value{nil}
	e.mu.Lock()
	err = e.session.Run([]ort.Value{tensor}, outs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("running model: %w", err)
	}
	defer outs[0].Destroy()

	result, ok := outs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("model output is %T, want float32 tensor", outs[0])
	}
	return &Output{
		Shape: append([]int64(nil), result.GetShape()...),
		Data:  append([]float32(nil), result.GetData()...),
	}, nil
}

func (e *onnxEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}
