package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dmorgan81/fluxstudio/internal/log"
)

type UploadParams struct {
	Name        string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

type Uploader interface {
	Upload(context.Context, UploadParams) error
}

type Invalidator interface {
	Invalidate(context.Context, []string) error
}

// FileUploader writes uploads into Dir, creating it when missing.
type FileUploader struct {
	Dir string
}

func (u *FileUploader) Upload(ctx context.Context, params UploadParams) error {
	path := filepath.Join(u.Dir, filepath.Base(params.Name))
	log.FromContextOrDiscard(ctx).WithGroup("file").Info("writing", "file", path)
	if u.Dir != "" {
		if err := os.MkdirAll(u.Dir, 0o750); err != nil {
			return err
		}
	}
	return os.WriteFile(path, params.Data, 0o600)
}

type NopInvalidator struct{}

func (NopInvalidator) Invalidate(context.Context, []string) error { return nil }
