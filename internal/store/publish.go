package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/dmorgan81/fluxstudio/internal/history"
	"github.com/dmorgan81/fluxstudio/internal/log"
)

const latestName = "latest.png"

var ErrPublishingDisabled = errors.New("publishing is not configured")

// Publisher copies a single history record to an object store on request.
// It never sees the rest of the history.
type Publisher struct {
	uploader    Uploader
	invalidator Invalidator
}

// NewPublisher returns a disabled publisher when uploader is nil.
func NewPublisher(uploader Uploader, invalidator Invalidator) *Publisher {
	if invalidator == nil {
		invalidator = NopInvalidator{}
	}
	return &Publisher{uploader: uploader, invalidator: invalidator}
}

func (p *Publisher) Enabled() bool { return p != nil && p.uploader != nil }

// Publish writes <id>.png and latest.png and returns the object names.
func (p *Publisher) Publish(ctx context.Context, rec history.Record) ([]string, error) {
	if !p.Enabled() {
		return nil, ErrPublishingDisabled
	}
	logger := log.FromContextOrDiscard(ctx).WithGroup("publisher").With("record", rec.ID)
	logger.Info("publishing image")

	metadata := map[string]string{
		"id":       rec.ID,
		"prompt":   rec.Prompt,
		"settings": rec.Settings,
		"width":    strconv.Itoa(rec.Width),
		"height":   strconv.Itoa(rec.Height),
	}
	names := []string{rec.ID + ".png", latestName}
	for _, name := range names {
		if err := p.uploader.Upload(ctx, UploadParams{
			Name:        name,
			Data:        rec.Image,
			ContentType: "image/png",
			Metadata:    metadata,
		}); err != nil {
			return nil, err
		}
	}

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = "/" + name
	}
	if err := p.invalidator.Invalidate(ctx, paths); err != nil {
		return nil, err
	}
	return names, nil
}
