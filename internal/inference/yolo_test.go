package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-video/vigil/internal/imaging"
)

// identityMapping projects canvas space 1:1 onto a source of the same size.
func identityMapping(w, h int) imaging.Mapping {
	return imaging.Mapping{Scale: 1, SrcW: w, SrcH: h}
}

func TestDecodeOutputRows(t *testing.T) {
	out := &Output{
		Shape: []int64{1, 3, 6},
		Data: []float32{
			10, 20, 110, 220, 0.9, 0, // person
			5, 5, 50, 50, 0.3, 2, // car, below threshold
			200, 40, 260, 120, 0.7, 2, // car
		},
	}
	cfg := DefaultPostConfig()
	cfg.Confidence = 0.5

	dets, err := DecodeOutput(out, identityMapping(640, 640), cfg)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, "person", dets[0].Class)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	assert.Equal(t, [4]float32{10, 20, 110, 220}, dets[0].Box)
	assert.Equal(t, "car", dets[1].Class)
}

func TestDecodeOutputRowsTwoDim(t *testing.T) {
	out := &Output{
		Shape: []int64{1, 6},
		Data:  []float32{10, 20, 30, 40, 0.8, 0},
	}
	dets, err := DecodeOutput(out, identityMapping(640, 640), DefaultPostConfig())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].Class)
}

func TestDecodeOutputClassFilter(t *testing.T) {
	out := &Output{
		Shape: []int64{1, 2, 6},
		Data: []float32{
			10, 20, 110, 220, 0.9, 0, // person
			200, 40, 260, 120, 0.8, 2, // car
		},
	}
	cfg := DefaultPostConfig()
	cfg.ClassFilter = NewClassFilter([]string{"car"})

	dets, err := DecodeOutput(out, identityMapping(640, 640), cfg)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "car", dets[0].Class)
}

// denseOutput builds a [1, 4+classes, n] tensor from candidate tuples of
// (cx, cy, w, h, class, score).
func denseOutput(classes, n int, cands [][6]float32) *Output {
	channels := 4 + classes
	data := make([]float32, channels*n)
	for i, c := range cands {
		data[0*n+i] = c[0]
		data[1*n+i] = c[1]
		data[2*n+i] = c[2]
		data[3*n+i] = c[3]
		data[(4+int(c[4]))*n+i] = c[5]
	}
	return &Output{Shape: []int64{1, int64(channels), int64(n)}, Data: data}
}

func TestDecodeOutputDense(t *testing.T) {
	// Two strongly overlapping person candidates and one distinct car; NMS
	// must keep the better person box and the car.
	out := denseOutput(3, 3, [][6]float32{
		{100, 100, 40, 80, 0, 0.9},
		{102, 101, 40, 80, 0, 0.7},
		{300, 50, 60, 30, 2, 0.8},
	})
	cfg := PostConfig{
		ClassNames: []string{"person", "bicycle", "car"},
		Confidence: 0.5,
		NMSIoU:     0.45,
	}

	dets, err := DecodeOutput(out, identityMapping(640, 640), cfg)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, "person", dets[0].Class)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	// cx,cy,w,h = 100,100,40,80 -> corners 80,60,120,140
	assert.InDelta(t, 80, dets[0].Box[0], 1e-4)
	assert.InDelta(t, 60, dets[0].Box[1], 1e-4)
	assert.InDelta(t, 120, dets[0].Box[2], 1e-4)
	assert.InDelta(t, 140, dets[0].Box[3], 1e-4)

	assert.Equal(t, "car", dets[1].Class)
}

func TestDecodeOutputDenseKeepsDistinctClasses(t *testing.T) {
	// Same location, different classes: NMS is per class, both survive.
	out := denseOutput(3, 2, [][6]float32{
		{100, 100, 40, 80, 0, 0.9},
		{100, 100, 40, 80, 2, 0.8},
	})
	cfg := PostConfig{
		ClassNames: []string{"person", "bicycle", "car"},
		Confidence: 0.5,
	}
	dets, err := DecodeOutput(out, identityMapping(640, 640), cfg)
	require.NoError(t, err)
	assert.Len(t, dets, 2)
}

func TestDecodeOutputProjectsToSource(t *testing.T) {
	// 1280x720 source letterboxed onto 640x640: scale 0.5, top pad 140.
	m := imaging.Mapping{Scale: 0.5, PadX: 0, PadY: 140, SrcW: 1280, SrcH: 720}
	out := &Output{
		Shape: []int64{1, 1, 6},
		Data:  []float32{100, 240, 200, 340, 0.9, 0},
	}
	dets, err := DecodeOutput(out, m, DefaultPostConfig())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.InDelta(t, 200, dets[0].Box[0], 1e-4)
	assert.InDelta(t, 200, dets[0].Box[1], 1e-4)
	assert.InDelta(t, 400, dets[0].Box[2], 1e-4)
	assert.InDelta(t, 400, dets[0].Box[3], 1e-4)
}

func TestDecodeOutputClipsAndDropsDegenerate(t *testing.T) {
	m := identityMapping(100, 100)
	out := &Output{
		Shape: []int64{1, 2, 6},
		Data: []float32{
			-20, -10, 50, 50, 0.9, 0, // clipped to the image
			120, 120, 180, 180, 0.9, 0, // entirely outside
		},
	}
	dets, err := DecodeOutput(out, m, DefaultPostConfig())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, [4]float32{0, 0, 50, 50}, dets[0].Box)
}

func TestDecodeOutputUnknownShape(t *testing.T) {
	_, err := DecodeOutput(&Output{Shape: []int64{2, 2, 2, 2}}, identityMapping(10, 10), DefaultPostConfig())
	assert.Error(t, err)

	_, err = DecodeOutput(&Output{Shape: []int64{1, 2, 6}, Data: []float32{1}}, identityMapping(10, 10), DefaultPostConfig())
	assert.Error(t, err, "data size must match the declared shape")
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "person", ClassName(CocoClasses, 0))
	assert.Equal(t, "toothbrush", ClassName(CocoClasses, 79))
	assert.Equal(t, "class80", ClassName(CocoClasses, 80))
	assert.Equal(t, "class-1", ClassName(CocoClasses, -1))
}

func TestCocoClassCount(t *testing.T) {
	assert.Len(t, CocoClasses, 80)
}
