package inference

import (
	"fmt"
	"sort"

	"github.com/vigil-video/vigil/internal/imaging"
)

// Detection is one detected object in source-image pixel space.
type Detection struct {
	Box        [4]float32 // x1, y1, x2, y2
	Confidence float32
	Class      string
}

// DefaultNMSIoU is the overlap threshold for non-maximum suppression on
// dense model outputs.
const DefaultNMSIoU = 0.45

// PostConfig tunes output decoding.
type PostConfig struct {
	ClassNames []string
	// ClassFilter admits only the named classes; empty admits all.
	ClassFilter map[string]struct{}
	Confidence  float32
	NMSIoU      float32
}

// DefaultPostConfig decodes against the COCO label set.
func DefaultPostConfig() PostConfig {
	return PostConfig{
		ClassNames: CocoClasses,
		Confidence: 0.5,
		NMSIoU:     DefaultNMSIoU,
	}
}

// NewClassFilter builds a filter set from configured class names.
func NewClassFilter(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	f := make(map[string]struct{}, len(names))
	for _, n := range names {
		f[n] = struct{}{}
	}
	return f
}

// DecodeOutput converts one raw output tensor into detections projected
// back onto the source image. Two layouts are understood:
//
//   - rows with an integrated NMS head: [.., N, 6] where each row is
//     x1, y1, x2, y2, score, class index, already suppressed;
//   - dense heads: [1, 4+C, N] (or [4+C, N]) holding cx, cy, w, h followed
//     by per-class scores, which require thresholding and per-class NMS.
func DecodeOutput(out *Output, m imaging.Mapping, cfg PostConfig) ([]Detection, error) {
	if cfg.NMSIoU <= 0 {
		cfg.NMSIoU = DefaultNMSIoU
	}
	shape := out.Shape

	var dets []Detection
	var err error
	switch {
	case len(shape) == 3 && shape[2] == 6:
		dets, err = decodeRows(out.Data, int(shape[1]), cfg)
	case len(shape) == 2 && shape[1] == 6:
		dets, err = decodeRows(out.Data, int(shape[0]), cfg)
	case len(shape) == 3 && shape[0] == 1 && shape[1] >= 5:
		dets, err = decodeDense(out.Data, int(shape[1]), int(shape[2]), cfg)
	case len(shape) == 2 && shape[0] >= 5 && shape[1] > 6:
		dets, err = decodeDense(out.Data, int(shape[0]), int(shape[1]), cfg)
	default:
		return nil, fmt.Errorf("unrecognized model output shape %v", shape)
	}
	if err != nil {
		return nil, err
	}

	projected := dets[:0]
	for _, d := range dets {
		box, ok := projectBox(d.Box, m)
		if !ok {
			continue
		}
		d.Box = box
		projected = append(projected, d)
	}
	sort.SliceStable(projected, func(i, j int) bool {
		return projected[i].Confidence > projected[j].Confidence
	})
	return projected, nil
}

func decodeRows(data []float32, n int, cfg PostConfig) ([]Detection, error) {
	if len(data) != n*6 {
		return nil, fmt.Errorf("row output: %d values for %d rows", len(data), n)
	}
	var dets []Detection
	for i := 0; i < n; i++ {
		row := data[i*6 : i*6+6]
		conf := row[4]
		if conf < cfg.Confidence {
			continue
		}
		class := ClassName(cfg.ClassNames, int(row[5]))
		if !admits(cfg, class) {
			continue
		}
		dets = append(dets, Detection{
			Box:        [4]float32{row[0], row[1], row[2], row[3]},
			Confidence: conf,
			Class:      class,
		})
	}
	return dets, nil
}

func decodeDense(data []float32, channels, n int, cfg PostConfig) ([]Detection, error) {
	if len(data) != channels*n {
		return nil, fmt.Errorf("dense output: %d values for %dx%d", len(data), channels, n)
	}
	classes := channels - 4
	at := func(ch, i int) float32 { return data[ch*n+i] }

	byClass := make(map[string][]Detection)
	for i := 0; i < n; i++ {
		bestScore := float32(0)
		bestClass := -1
		for c := 0; c < classes; c++ {
			if s := at(4+c, i); s > bestScore {
				bestScore = s
				bestClass = c
			}
		}
		if bestScore < cfg.Confidence {
			continue
		}
		class := ClassName(cfg.ClassNames, bestClass)
		if !admits(cfg, class) {
			continue
		}
		cx, cy := at(0, i), at(1, i)
		w, h := at(2, i), at(3, i)
		byClass[class] = append(byClass[class], Detection{
			Box:        [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
			Confidence: bestScore,
			Class:      class,
		})
	}

	var dets []Detection
	for _, cands := range byClass {
		dets = append(dets, nms(cands, cfg.NMSIoU)...)
	}
	return dets, nil
}

// nms keeps the highest-confidence detection of every overlapping cluster.
func nms(dets []Detection, iouThresh float32) []Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})
	var kept []Detection
	for _, d := range dets {
		suppressed := false
		for _, k := range kept {
			if iou(d.Box, k.Box) > iouThresh {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

func admits(cfg PostConfig, class string) bool {
	if len(cfg.ClassFilter) == 0 {
		return true
	}
	_, ok := cfg.ClassFilter[class]
	return ok
}

// projectBox maps a canvas-space box onto the source image and clips it.
// Degenerate boxes are dropped.
func projectBox(b [4]float32, m imaging.Mapping) ([4]float32, bool) {
	x1, y1 := m.ToSource(b[0], b[1])
	x2, y2 := m.ToSource(b[2], b[3])
	if m.SrcW > 0 && m.SrcH > 0 {
		x1 = clamp(x1, 0, float32(m.SrcW))
		x2 = clamp(x2, 0, float32(m.SrcW))
		y1 = clamp(y1, 0, float32(m.SrcH))
		y2 = clamp(y2, 0, float32(m.SrcH))
	}
	if x2 <= x1 || y2 <= y1 {
		return [4]float32{}, false
	}
	return [4]float32{x1, y1, x2, y2}, true
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func iou(a, b [4]float32) float32 {
	ix1 := maxf(a[0], b[0])
	iy1 := maxf(a[1], b[1])
	ix2 := minf(a[2], b[2])
	iy2 := minf(a[3], b[3])
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
