package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// SyntheticBackend renders a deterministic gradient instead of running a
// model. It stands in for the worker in development and tests.
type SyntheticBackend struct {
	// Accelerator reports whether a simulated GPU is present.
	Accelerator bool
	// LoadErr, when set, is returned by Load.
	LoadErr error
	// InferErr, when set, is returned by Infer.
	InferErr error

	loads  atomic.Int64
	infers atomic.Int64
}

func (b *SyntheticBackend) Load(ctx context.Context, model, precision string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.loads.Add(1)
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	return &Handle{ID: uuid.NewString(), Model: model, Precision: precision, Device: "cpu"}, nil
}

func (b *SyntheticBackend) AcceleratorAvailable(context.Context) (bool, error) {
	return b.Accelerator, nil
}

func (b *SyntheticBackend) ToDevice(_ context.Context, h *Handle, device string) error {
	if device != "cpu" && !b.Accelerator {
		return errors.New("no accelerator present")
	}
	h.Device = device
	return nil
}

func (b *SyntheticBackend) EnableMemoryEfficientAttention(_ context.Context, h *Handle) error {
	h.Attention = "xformers"
	return nil
}

func (b *SyntheticBackend) EnableCPUOffload(_ context.Context, h *Handle) error {
	h.Offload = true
	return nil
}

func (b *SyntheticBackend) Infer(ctx context.Context, _ *Handle, req InferRequest) (RawImage, error) {
	if err := ctx.Err(); err != nil {
		return RawImage{}, err
	}
	b.infers.Add(1)
	if b.InferErr != nil {
		return RawImage{}, b.InferErr
	}

	if req.Width <= 0 || req.Height <= 0 {
		return RawImage{}, fmt.Errorf("invalid size %dx%d", req.Width, req.Height)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Prompt))
	seed := h.Sum32()
	base := [3]byte{byte(seed), byte(seed >> 8), byte(seed >> 16)}

	dx, dy := lo.Max([]int{req.Width - 1, 1}), lo.Max([]int{req.Height - 1, 1})
	pix := make([]byte, req.Width*req.Height*3)
	for y := 0; y < req.Height; y++ {
		for x := 0; x < req.Width; x++ {
			i := (y*req.Width + x) * 3
			pix[i] = base[0] + byte(x*255/dx)
			pix[i+1] = base[1] + byte(y*255/dy)
			pix[i+2] = base[2] + byte(req.Steps)
		}
	}
	return RawImage{Width: req.Width, Height: req.Height, Format: FormatRGB, Pix: pix}, nil
}

func (b *SyntheticBackend) Loads() int64  { return b.loads.Load() }
func (b *SyntheticBackend) Infers() int64 { return b.infers.Load() }
