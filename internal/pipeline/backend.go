// Package pipeline talks to the external text-to-image pipeline. Model
// weights, sampling, attention and offload all live on the other side of
// Backend; this package only moves requests and pixels across.
package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrOutOfMemory is reported when the device cannot fit a load or an inference.
var ErrOutOfMemory = errors.New("pipeline: out of memory")

type PixelFormat string

const (
	FormatRGB  PixelFormat = "rgb"
	FormatRGBA PixelFormat = "rgba"
)

// MaxDimension bounds either side of an image the worker may return.
const MaxDimension = 4096

func (f PixelFormat) BytesPerPixel() (int, error) {
	switch f {
	case FormatRGB:
		return 3, nil
	case FormatRGBA:
		return 4, nil
	default:
		return 0, fmt.Errorf("unknown pixel format %q", string(f))
	}
}

// Handle is a loaded pipeline. Only the model cache creates one.
type Handle struct {
	ID        string
	Model     string
	Precision string
	Device    string
	Offload   bool
	Attention string
}

type InferRequest struct {
	Prompt        string  `json:"prompt"`
	GuidanceScale float64 `json:"guidance_scale"`
	Height        int     `json:"height"`
	Width         int     `json:"width"`
	Steps         int     `json:"num_inference_steps"`
	Autocast      bool    `json:"autocast"`
}

// RawImage is an undecoded pixel buffer, row-major, no padding.
type RawImage struct {
	Width  int
	Height int
	Format PixelFormat
	Pix    []byte
}

type Backend interface {
	Load(ctx context.Context, model, precision string) (*Handle, error)
	AcceleratorAvailable(ctx context.Context) (bool, error)
	ToDevice(ctx context.Context, h *Handle, device string) error
	EnableMemoryEfficientAttention(ctx context.Context, h *Handle) error
	EnableCPUOffload(ctx context.Context, h *Handle) error
	Infer(ctx context.Context, h *Handle, req InferRequest) (RawImage, error)
}
