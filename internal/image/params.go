package image

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

const (
	MinGuidanceScale  = 1.0
	MaxGuidanceScale  = 20.0
	GuidanceScaleStep = 0.5
	MinSteps          = 20
	MaxSteps          = 100
	StepsStep         = 5

	DefaultPrompt        = "a tiny astronaut hatching from an egg on the moon"
	DefaultGuidanceScale = 3.5
	DefaultHeight        = 768
	DefaultWidth         = 1360
	DefaultSteps         = 50
)

var (
	Heights = []int{512, 768, 1024}
	Widths  = []int{512, 768, 1024, 1360}
)

// Params are the knobs handed to the pipeline for one image.
type Params struct {
	Prompt        string  `json:"prompt"`
	GuidanceScale float64 `json:"guidance_scale"`
	Height        int     `json:"height"`
	Width         int     `json:"width"`
	Steps         int     `json:"steps"`
}

func DefaultParams() Params {
	return Params{
		Prompt:        DefaultPrompt,
		GuidanceScale: DefaultGuidanceScale,
		Height:        DefaultHeight,
		Width:         DefaultWidth,
		Steps:         DefaultSteps,
	}
}

func (p Params) Validate() error {
	switch {
	case strings.TrimSpace(p.Prompt) == "":
		return &ValidationError{Field: "prompt", Reason: "must not be empty"}
	case math.IsNaN(p.GuidanceScale) || p.GuidanceScale < MinGuidanceScale || p.GuidanceScale > MaxGuidanceScale:
		return &ValidationError{Field: "guidance_scale", Reason: fmt.Sprintf("%v is outside [%v, %v]", p.GuidanceScale, MinGuidanceScale, MaxGuidanceScale)}
	case !lo.Contains(Heights, p.Height):
		return &ValidationError{Field: "height", Reason: fmt.Sprintf("%d is not one of %v", p.Height, Heights)}
	case !lo.Contains(Widths, p.Width):
		return &ValidationError{Field: "width", Reason: fmt.Sprintf("%d is not one of %v", p.Width, Widths)}
	case p.Steps < MinSteps || p.Steps > MaxSteps:
		return &ValidationError{Field: "steps", Reason: fmt.Sprintf("%d is outside [%d, %d]", p.Steps, MinSteps, MaxSteps)}
	}
	return nil
}

// SettingsLabel is the caption shown under a generated image.
func (p Params) SettingsLabel() string {
	return fmt.Sprintf("Guidance: %s, Steps: %d", formatFloat(p.GuidanceScale), p.Steps)
}

// formatFloat always keeps one decimal place, so 4 renders as "4.0".
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	return lo.Ternary(strings.ContainsAny(s, ".eE"), s, s+".0")
}
