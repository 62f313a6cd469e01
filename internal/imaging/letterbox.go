package imaging

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// LetterboxPad is the canvas fill used outside the scaled image, matching
// the gray padding detection models are trained with.
const LetterboxPad = 114

// Mapping records how a source image was placed on the model canvas, so
// detections can be projected back into source pixel space.
type Mapping struct {
	Scale float32 // source pixels to canvas pixels
	PadX  float32 // left padding on the canvas
	PadY  float32 // top padding on the canvas
	SrcW  int
	SrcH  int
}

// ToSource projects a canvas coordinate back onto the source image.
func (m Mapping) ToSource(x, y float32) (float32, float32) {
	if m.Scale == 0 {
		return x, y
	}
	return (x - m.PadX) / m.Scale, (y - m.PadY) / m.Scale
}

// Letterbox scales src to fit a width x height canvas preserving aspect
// ratio, centers it, and fills the remainder with pad.
func Letterbox(src image.Image, width, height int, pad uint8) (*image.RGBA, Mapping) {
	sb := src.Bounds()
	srcW, srcH := sb.Dx(), sb.Dy()

	scale := float32(width) / float32(srcW)
	if s := float32(height) / float32(srcH); s < scale {
		scale = s
	}
	dstW := int(float32(srcW)*scale + 0.5)
	dstH := int(float32(srcH)*scale + 0.5)
	if dstW > width {
		dstW = width
	}
	if dstH > height {
		dstH = height
	}
	padX := (width - dstW) / 2
	padY := (height - dstH) / 2

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	fill := image.NewUniform(color.RGBA{R: pad, G: pad, B: pad, A: 0xff})
	draw.Draw(dst, dst.Bounds(), fill, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, image.Rect(padX, padY, padX+dstW, padY+dstH), src, sb, draw.Src, nil)

	return dst, Mapping{
		Scale: scale,
		PadX:  float32(padX),
		PadY:  float32(padY),
		SrcW:  srcW,
		SrcH:  srcH,
	}
}

// TensorCHW flattens an RGBA canvas into a [3][h][w] float tensor in RGB
// channel order. With normalize set, values are scaled into [0,1].
func TensorCHW(img *image.RGBA, normalize bool) []float32 {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	out := make([]float32, 3*plane)
	scale := float32(1)
	if normalize {
		scale = 1.0 / 255.0
	}
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+4*width]
		base := y * width
		for x := 0; x < width; x++ {
			out[base+x] = float32(row[4*x]) * scale
			out[plane+base+x] = float32(row[4*x+1]) * scale
			out[2*plane+base+x] = float32(row[4*x+2]) * scale
		}
	}
	return out
}

// LetterboxTensor is the preprocessing pipeline used before inference:
// letterbox onto a model canvas, then flatten to normalized CHW floats.
func LetterboxTensor(src image.Image, width, height int) ([]float32, Mapping) {
	canvas, mapping := Letterbox(src, width, height, LetterboxPad)
	return TensorCHW(canvas, true), mapping
}
