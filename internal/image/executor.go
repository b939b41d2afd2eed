package image

import (
	"context"
	"errors"
	"fmt"
	stdimage "image"
	"time"

	"github.com/dmorgan81/fluxstudio/internal/log"
	"github.com/dmorgan81/fluxstudio/internal/pipeline"
	"github.com/samber/do"
)

type Result struct {
	Image   *stdimage.RGBA
	Elapsed time.Duration
}

func (r Result) ElapsedSeconds() float64 { return r.Elapsed.Seconds() }

type Generator interface {
	Generate(context.Context, *pipeline.Handle, Params) (Result, error)
}

// Executor runs one synchronous pipeline call per request.
type Executor struct {
	backend pipeline.Backend
	now     func() time.Time
}

func NewExecutor(backend pipeline.Backend) *Executor {
	return &Executor{backend: backend, now: time.Now}
}

func NewInjectedExecutor(i *do.Injector) (Generator, error) {
	return NewExecutor(do.MustInvoke[pipeline.Backend](i)), nil
}

func (e *Executor) Generate(ctx context.Context, h *pipeline.Handle, params Params) (Result, error) {
	if err := params.Validate(); err != nil {
		return Result{}, err
	}
	if h == nil {
		return Result{}, &ModelError{Op: "generate", Err: errors.New("no model handle")}
	}

	logger := log.FromContextOrDiscard(ctx).WithGroup("executor").With("params", params)
	logger.Info("generating image")

	start := e.now()
	raw, err := e.backend.Infer(ctx, h, pipeline.InferRequest{
		Prompt:        params.Prompt,
		GuidanceScale: params.GuidanceScale,
		Height:        params.Height,
		Width:         params.Width,
		Steps:         params.Steps,
		Autocast:      true,
	})
	elapsed := e.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	if err != nil {
		logger.Error("pipeline call failed", "error", err, "elapsed", elapsed)
		if errors.Is(err, pipeline.ErrOutOfMemory) {
			return Result{}, fmt.Errorf("%w: %dx%d at %d steps: %v", ErrOutOfMemory, params.Width, params.Height, params.Steps, err)
		}
		return Result{}, &ModelError{Op: "infer", Err: err}
	}

	if raw.Width != params.Width || raw.Height != params.Height {
		return Result{}, &ModelError{Op: "decode", Err: fmt.Errorf("pipeline returned %dx%d, requested %dx%d", raw.Width, raw.Height, params.Width, params.Height)}
	}
	img, err := FromRaw(raw)
	if err != nil {
		return Result{}, &ModelError{Op: "decode", Err: err}
	}

	logger.Info("image generated", "elapsed", elapsed)
	return Result{Image: img, Elapsed: elapsed}, nil
}
