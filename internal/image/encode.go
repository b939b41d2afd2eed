package image

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	stdimage "image"
	"image/png"
	"math"

	"github.com/dmorgan81/fluxstudio/internal/pipeline"
)

const MaxDimension = pipeline.MaxDimension

var ErrInvalidPixelData = errors.New("invalid pixel data")

// FromRaw copies a raw pipeline buffer into an RGBA image.
func FromRaw(raw pipeline.RawImage) (*stdimage.RGBA, error) {
	if raw.Width <= 0 || raw.Height <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidPixelData, raw.Width, raw.Height)
	}
	if raw.Width > MaxDimension || raw.Height > MaxDimension {
		return nil, fmt.Errorf("%w: dimensions %dx%d exceed %d", ErrInvalidPixelData, raw.Width, raw.Height, MaxDimension)
	}
	bpp, err := raw.Format.BytesPerPixel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPixelData, err)
	}
	if raw.Width > math.MaxInt/bpp/raw.Height {
		return nil, fmt.Errorf("%w: dimensions overflow", ErrInvalidPixelData)
	}
	if want := raw.Width * raw.Height * bpp; len(raw.Pix) != want {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPixelData, len(raw.Pix), want)
	}

	img := stdimage.NewRGBA(stdimage.Rect(0, 0, raw.Width, raw.Height))
	if raw.Format == pipeline.FormatRGBA {
		copy(img.Pix, raw.Pix)
		return img, nil
	}
	for src, dst := 0, 0; src < len(raw.Pix); src, dst = src+3, dst+4 {
		img.Pix[dst] = raw.Pix[src]
		img.Pix[dst+1] = raw.Pix[src+1]
		img.Pix[dst+2] = raw.Pix[src+2]
		img.Pix[dst+3] = 0xff
	}
	return img, nil
}

func EncodePNG(img stdimage.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodePNG(data []byte) (stdimage.Image, error) {
	return png.Decode(bytes.NewReader(data))
}

// DataURI embeds PNG bytes in a link target. It is only used for download
// links; records keep the raw bytes.
func DataURI(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}
