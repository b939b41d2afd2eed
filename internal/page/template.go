package page

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"sync"

	"github.com/dmorgan81/fluxstudio/internal/feed"
	"github.com/dmorgan81/fluxstudio/internal/history"
	"github.com/dmorgan81/fluxstudio/internal/image"
	"github.com/dmorgan81/fluxstudio/internal/log"
	"github.com/samber/do"
	"github.com/samber/lo"
)

//go:embed assets/index.html
var indexTmpl string

type Flash struct {
	Success bool
	Text    string
}

type Params struct {
	Form         image.Params
	Records      []history.Record
	Flash        *Flash
	Publishing   bool
	HasPrompts   bool
	Heights      []int
	Widths       []int
	MinGuidance  float64
	MaxGuidance  float64
	GuidanceStep float64
	MinSteps     int
	MaxSteps     int
	StepsStep    int
}

// NewParams fills the control domains around form.
func NewParams(form image.Params, records []history.Record) Params {
	return Params{
		Form:         form,
		Records:      records,
		Heights:      image.Heights,
		Widths:       image.Widths,
		MinGuidance:  image.MinGuidanceScale,
		MaxGuidance:  image.MaxGuidanceScale,
		GuidanceStep: image.GuidanceScaleStep,
		MinSteps:     image.MinSteps,
		MaxSteps:     image.MaxSteps,
		StepsStep:    image.StepsStep,
	}
}

type Templator struct {
	tmpl *template.Template
	once sync.Once
}

func NewTemplator(i *do.Injector) (*Templator, error) {
	return &Templator{}, nil
}

var funcs = template.FuncMap{
	"add":   func(a, b int) int { return a + b },
	"title": func(s string) string { return feed.Truncate(s, 50) },
	"datauri": func(b []byte) template.URL {
		return template.URL(image.DataURI(b))
	},
	"filename": func(i int) string { return fmt.Sprintf("generated_image_%d.png", i) },
	"ternary":  lo.Ternary[string],
}

func (g *Templator) Template(ctx context.Context, params Params) ([]byte, error) {
	g.once.Do(func() {
		g.tmpl = template.Must(template.New("index").Funcs(funcs).Parse(indexTmpl))
	})

	log := log.FromContextOrDiscard(ctx).WithGroup("templator")
	log.Debug("rendering page", "records", len(params.Records))

	var data bytes.Buffer
	if err := g.tmpl.Execute(&data, params); err != nil {
		return nil, err
	}
	return data.Bytes(), nil
}
