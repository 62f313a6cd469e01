package imaging

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYCbCrFromNV12(t *testing.T) {
	// 4x2: 8 luma bytes, then 4 interleaved chroma bytes (2 Cb/Cr pairs).
	data := []byte{
		10, 11, 12, 13,
		14, 15, 16, 17,
		100, 200, 101, 201,
	}
	img, err := YCbCrFromNV12(data, 4, 2)
	require.NoError(t, err)

	assert.Equal(t, image.YCbCrSubsampleRatio420, img.SubsampleRatio)
	assert.Equal(t, []byte{10, 11, 12, 13, 14, 15, 16, 17}, img.Y)
	assert.Equal(t, []byte{100, 101}, img.Cb)
	assert.Equal(t, []byte{200, 201}, img.Cr)
}

func TestYCbCrFromI420(t *testing.T) {
	data := []byte{
		10, 11, 12, 13,
		14, 15, 16, 17,
		100, 101,
		200, 201,
	}
	img, err := YCbCrFromI420(data, 4, 2)
	require.NoError(t, err)

	assert.Equal(t, []byte{10, 11, 12, 13, 14, 15, 16, 17}, img.Y)
	assert.Equal(t, []byte{100, 101}, img.Cb)
	assert.Equal(t, []byte{200, 201}, img.Cr)
}

func TestYUVDimensionChecks(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		w, h    int
		convert func([]byte, int, int) (*image.YCbCr, error)
	}{
		{"nv12 odd width", make([]byte, 100), 5, 4, YCbCrFromNV12},
		{"nv12 zero height", nil, 4, 0, YCbCrFromNV12},
		{"nv12 short buffer", make([]byte, 11), 4, 2, YCbCrFromNV12},
		{"i420 odd height", make([]byte, 100), 4, 3, YCbCrFromI420},
		{"i420 long buffer", make([]byte, 13), 4, 2, YCbCrFromI420},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.convert(tt.data, tt.w, tt.h)
			assert.Error(t, err)
		})
	}
}

func TestNV12RoundTrip(t *testing.T) {
	src := image.NewYCbCr(image.Rect(0, 0, 6, 4), image.YCbCrSubsampleRatio420)
	for i := range src.Y {
		src.Y[i] = byte(i * 3)
	}
	for i := range src.Cb {
		src.Cb[i] = byte(50 + i)
		src.Cr[i] = byte(150 + i)
	}

	packed, err := NV12FromYCbCr(src)
	require.NoError(t, err)
	require.Len(t, packed, 6*4*3/2)

	got, err := YCbCrFromNV12(packed, 6, 4)
	require.NoError(t, err)
	assert.Equal(t, src.Y, got.Y)
	assert.Equal(t, src.Cb, got.Cb)
	assert.Equal(t, src.Cr, got.Cr)
}

func TestNV12FromYCbCrRejectsOtherSubsampling(t *testing.T) {
	src := image.NewYCbCr(image.Rect(0, 0, 4, 4), image.YCbCrSubsampleRatio444)
	_, err := NV12FromYCbCr(src)
	assert.Error(t, err)
}

func TestRGBAFromRGB8(t *testing.T) {
	data := []byte{
		1, 2, 3, 4, 5, 6,
		7, 8, 9, 10, 11, 12,
	}
	img, err := RGBAFromRGB8(data, 2, 2)
	require.NoError(t, err)

	assert.Equal(t, []byte{1, 2, 3, 0xff, 4, 5, 6, 0xff, 7, 8, 9, 0xff, 10, 11, 12, 0xff}, img.Pix)

	_, err = RGBAFromRGB8(data[:10], 2, 2)
	assert.Error(t, err)
}
