package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// StaticLoader serves fixture outputs from JSON files instead of running a
// model. It lets the full worker pipeline run on machines without the
// onnxruntime library, and backs the pipeline tests.
type StaticLoader struct {
	dir string
}

// NewStaticLoader returns a loader reading <dir>/<model>.json fixtures. A
// missing fixture yields an engine that reports no detections.
func NewStaticLoader(dir string) *StaticLoader {
	return &StaticLoader{dir: dir}
}

// staticFixture mirrors the fixture file layout: rows are
// [x1, y1, x2, y2, confidence, class index] in canvas space.
type staticFixture struct {
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Rows   [][]float32 `json:"rows"`
}

func (l *StaticLoader) Load(ctx context.Context, model string) (Engine, error) {
	if err := validateModelName(model); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fixture := staticFixture{Width: defaultCanvas, Height: defaultCanvas}
	if l.dir != "" {
		data, err := os.ReadFile(filepath.Join(l.dir, model+".json"))
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &fixture); err != nil {
				return nil, fmt.Errorf("fixture %s: %w", model, err)
			}
		case os.IsNotExist(err):
			// no fixture: empty detections
		default:
			return nil, fmt.Errorf("fixture %s: %w", model, err)
		}
	}
	if fixture.Width <= 0 {
		fixture.Width = defaultCanvas
	}
	if fixture.Height <= 0 {
		fixture.Height = defaultCanvas
	}

	data := make([]float32, 0, len(fixture.Rows)*6)
	for i, row := range fixture.Rows {
		if len(row) != 6 {
			return nil, fmt.Errorf("fixture %s: row %d has %d values, want 6", model, i, len(row))
		}
		data = append(data, row...)
	}

	return &StaticEngine{
		width:  fixture.Width,
		height: fixture.Height,
		output: &Output{
			Shape: []int64{1, int64(len(fixture.Rows)), 6},
			Data:  data,
		},
	}, nil
}

// StaticEngine replays one fixed output tensor for every frame.
type StaticEngine struct {
	width  int
	height int
	output *Output
}

// NewStaticEngine wraps a canned output, sized to a canvas. Used directly
// by tests.
func NewStaticEngine(width, height int, output *Output) *StaticEngine {
	return &StaticEngine{width: width, height: height, output: output}
}

func (e *StaticEngine) InputSize() (int, int) {
	return e.width, e.height
}

func (e *StaticEngine) Infer(ctx context.Context, input []float32) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if want := 3 * e.width * e.height; len(input) != want {
		return nil, fmt.Errorf("input has %d values, model wants %d", len(input), want)
	}
	return &Output{
		Shape: append([]int64(nil), e.output.Shape...),
		Data:  append([]float32(nil), e.output.Data...),
	}, nil
}

func (e *StaticEngine) Close() error {
	return nil
}
