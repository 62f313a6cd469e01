package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// DefaultJPEGQuality is used when the edge compresses frames after
// degradation. Chosen to keep 640x640 frames well under typical negotiated
// frame budgets while staying usable for detection.
const DefaultJPEGQuality = 85

// EncodeJPEG compresses img. A quality of 0 selects DefaultJPEGQuality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeJPEG decodes a JPEG payload.
func DecodeJPEG(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding jpeg: %w", err)
	}
	return img, nil
}
