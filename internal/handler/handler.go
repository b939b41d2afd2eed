package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmorgan81/fluxstudio/internal/history"
	"github.com/dmorgan81/fluxstudio/internal/image"
	"github.com/dmorgan81/fluxstudio/internal/log"
	"github.com/dmorgan81/fluxstudio/internal/metrics"
	"github.com/dmorgan81/fluxstudio/internal/model"
	"github.com/dmorgan81/fluxstudio/internal/pipeline"
	"github.com/dmorgan81/fluxstudio/internal/prompt"
	"github.com/dmorgan81/fluxstudio/internal/session"
	"github.com/google/uuid"
	"github.com/samber/do"
)

var ErrBusy = errors.New("a generation is already running in this session")

type Input struct {
	Prompt        string  `form:"prompt" json:"prompt"`
	GuidanceScale float64 `form:"guidance_scale" json:"guidance_scale"`
	Height        int     `form:"height" json:"height"`
	Width         int     `form:"width" json:"width"`
	Steps         int     `form:"steps" json:"steps"`
	Surprise      bool    `form:"surprise" json:"surprise,omitempty"`
}

func (i Input) toParams() image.Params {
	return image.Params{
		Prompt:        i.Prompt,
		GuidanceScale: i.GuidanceScale,
		Height:        i.Height,
		Width:         i.Width,
		Steps:         i.Steps,
	}
}

type Output struct {
	Record  history.Record
	Elapsed time.Duration
	Message string
}

type handleSource interface {
	Handle(context.Context) (*pipeline.Handle, error)
	Loaded() bool
}

// Handler runs one generation request from submit to history insert.
type Handler struct {
	cache      handleSource
	generator  image.Generator
	randomizer *prompt.Randomizer
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(cache handleSource, generator image.Generator, randomizer *prompt.Randomizer, m *metrics.Metrics) *Handler {
	return &Handler{cache: cache, generator: generator, randomizer: randomizer, metrics: m, now: time.Now}
}

func NewHandler(i *do.Injector) (*Handler, error) {
	return New(
		do.MustInvoke[*model.Cache](i),
		do.MustInvoke[image.Generator](i),
		do.MustInvoke[*prompt.Randomizer](i),
		do.MustInvoke[*metrics.Metrics](i),
	), nil
}

// Handle drives sess through HandleLoading and Generating and back to Idle.
// On any error the history is left untouched.
func (h *Handler) Handle(ctx context.Context, sess *session.Session, input Input) (Output, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("Handler").With("session", sess.ID)

	if !sess.Begin() {
		h.metrics.ObserveGeneration(Outcome(ErrBusy), 0)
		return Output{}, ErrBusy
	}
	defer sess.End()

	out, err := h.handle(ctx, sess, input)
	h.metrics.ObserveGeneration(Outcome(err), out.Elapsed)
	if err != nil {
		log.Error("generation failed", "error", err, "outcome", Outcome(err))
		return Output{}, err
	}
	log.Info("generation succeeded", "record", out.Record.ID, "elapsed", out.Elapsed)
	return out, nil
}

func (h *Handler) handle(ctx context.Context, sess *session.Session, input Input) (Output, error) {
	if input.Surprise && h.randomizer != nil {
		p, err := h.randomizer.Randomize(ctx)
		if err != nil {
			return Output{}, err
		}
		input.Prompt = p
	}

	params := input.toParams()
	if err := params.Validate(); err != nil {
		return Output{}, err
	}

	if !h.cache.Loaded() {
		sess.SetState(session.HandleLoading)
	}
	handle, err := h.cache.Handle(ctx)
	if err != nil {
		return Output{}, err
	}

	sess.SetState(session.Generating)
	res, err := h.generator.Generate(ctx, handle, params)
	if err != nil {
		return Output{}, err
	}

	data, err := image.EncodePNG(res.Image)
	if err != nil {
		return Output{}, &image.ModelError{Op: "encode", Err: err}
	}

	rec := history.Record{
		ID:        uuid.NewString(),
		Prompt:    params.Prompt,
		Image:     data,
		Settings:  params.SettingsLabel(),
		Width:     params.Width,
		Height:    params.Height,
		Elapsed:   res.Elapsed,
		CreatedAt: h.now().UTC(),
	}
	sess.History.Record(rec)

	return Output{
		Record:  rec,
		Elapsed: res.Elapsed,
		Message: fmt.Sprintf("Generated in %.2f seconds!", res.ElapsedSeconds()),
	}, nil
}

// Outcome names the kind of err for metrics and logs.
func Outcome(err error) string {
	var rerr *model.ResourceError
	var merr *image.ModelError
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, image.ErrValidation):
		return "validation"
	case errors.As(err, &rerr):
		return "resource"
	case errors.Is(err, image.ErrOutOfMemory):
		return "out_of_memory"
	case errors.As(err, &merr):
		return "model_error"
	default:
		return "error"
	}
}

// Message is the text shown to the user for err.
func Message(err error) string {
	var rerr *model.ResourceError
	switch Outcome(err) {
	case "busy":
		return "A generation is already running in this session. Wait for it to finish."
	case "validation":
		return "Invalid settings: " + errorText(err)
	case "resource":
		if errors.As(err, &rerr) {
			return fmt.Sprintf("Error loading model %s: %v", rerr.Model, rerr.Err)
		}
		return "Error loading model: " + errorText(err)
	case "out_of_memory":
		return "Not enough memory for these settings. Try a smaller size or fewer inference steps. (" + errorText(err) + ")"
	default:
		return "Error generating image: " + errorText(err)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
