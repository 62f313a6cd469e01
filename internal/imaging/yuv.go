// Package imaging converts between the wire pixel formats (NV12, I420,
// RGB8), Go images, and the planar float tensors the inference backends
// consume. Chroma handling follows BT.601 limited range, which is what the
// stdlib YCbCr conversions implement.
package imaging

import (
	"fmt"
	"image"
)

// YCbCrFromNV12 converts a packed NV12 buffer (full Y plane followed by an
// interleaved CbCr plane) into a 4:2:0 YCbCr image. Dimensions must be even.
func YCbCrFromNV12(data []byte, width, height int) (*image.YCbCr, error) {
	if err := check420Dims(width, height); err != nil {
		return nil, err
	}
	ySize := width * height
	uvSize := ySize / 2
	if len(data) != ySize+uvSize {
		return nil, fmt.Errorf("nv12 %dx%d: got %d bytes, want %d", width, height, len(data), ySize+uvSize)
	}
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	copy(img.Y, data[:ySize])
	uv := data[ySize:]
	for i := 0; i < uvSize/2; i++ {
		img.Cb[i] = uv[2*i]
		img.Cr[i] = uv[2*i+1]
	}
	return img, nil
}

// YCbCrFromI420 converts a planar I420 buffer (Y, then Cb, then Cr) into a
// 4:2:0 YCbCr image. Dimensions must be even.
func YCbCrFromI420(data []byte, width, height int) (*image.YCbCr, error) {
	if err := check420Dims(width, height); err != nil {
		return nil, err
	}
	ySize := width * height
	cSize := ySize / 4
	if len(data) != ySize+2*cSize {
		return nil, fmt.Errorf("i420 %dx%d: got %d bytes, want %d", width, height, len(data), ySize+2*cSize)
	}
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	copy(img.Y, data[:ySize])
	copy(img.Cb, data[ySize:ySize+cSize])
	copy(img.Cr, data[ySize+cSize:])
	return img, nil
}

// RGBAFromRGB8 expands a packed 24-bit RGB buffer into an RGBA image.
func RGBAFromRGB8(data []byte, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("rgb8: invalid dimensions %dx%d", width, height)
	}
	want := width * height * 3
	if len(data) != want {
		return nil, fmt.Errorf("rgb8 %dx%d: got %d bytes, want %d", width, height, len(data), want)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		img.Pix[4*i+0] = data[3*i+0]
		img.Pix[4*i+1] = data[3*i+1]
		img.Pix[4*i+2] = data[3*i+2]
		img.Pix[4*i+3] = 0xff
	}
	return img, nil
}

// NV12FromYCbCr packs a 4:2:0 YCbCr image into an NV12 buffer. The inverse
// of YCbCrFromNV12, used by synthetic sources and tests.
func NV12FromYCbCr(img *image.YCbCr) ([]byte, error) {
	if img.SubsampleRatio != image.YCbCrSubsampleRatio420 {
		return nil, fmt.Errorf("nv12 pack: subsample ratio %v not supported", img.SubsampleRatio)
	}
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if err := check420Dims(width, height); err != nil {
		return nil, err
	}
	ySize := width * height
	out := make([]byte, ySize+ySize/2)
	for y := 0; y < height; y++ {
		copy(out[y*width:(y+1)*width], img.Y[y*img.YStride:y*img.YStride+width])
	}
	uv := out[ySize:]
	cw, ch := width/2, height/2
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			uv[2*(y*cw+x)] = img.Cb[y*img.CStride+x]
			uv[2*(y*cw+x)+1] = img.Cr[y*img.CStride+x]
		}
	}
	return out, nil
}

func check420Dims(width, height int) error {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return fmt.Errorf("4:2:0 formats need positive even dimensions, got %dx%d", width, height)
	}
	return nil
}
