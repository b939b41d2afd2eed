package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dmorgan81/fluxstudio/internal/log"
	"github.com/samber/lo"
)

// HTTPBackend drives a diffusers worker over its JSON API.
type HTTPBackend struct {
	Client  *http.Client
	BaseURL string
	Token   string
}

type loadRequest struct {
	Model     string `json:"model"`
	Precision string `json:"precision"`
}

type loadResponse struct {
	ID string `json:"id"`
}

type devicesResponse struct {
	Accelerator bool   `json:"accelerator"`
	Name        string `json:"name,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (b *HTTPBackend) Load(ctx context.Context, model, precision string) (*Handle, error) {
	log.FromContextOrDiscard(ctx).Info("loading pipeline", "model", model, "precision", precision, "worker", b.BaseURL)

	var out loadResponse
	if err := b.call(ctx, "/v1/pipelines", loadRequest{model, precision}, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("worker returned no pipeline id for %s", model)
	}
	return &Handle{ID: out.ID, Model: model, Precision: precision, Device: "cpu"}, nil
}

func (b *HTTPBackend) AcceleratorAvailable(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint("/v1/devices"), nil)
	if err != nil {
		return false, err
	}
	resp, err := b.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return false, err
	}

	var out devicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	log.FromContextOrDiscard(ctx).Debug("probed devices", "accelerator", out.Accelerator, "name", out.Name)
	return out.Accelerator, nil
}

func (b *HTTPBackend) ToDevice(ctx context.Context, h *Handle, device string) error {
	if err := b.call(ctx, b.pipelinePath(h, "device"), map[string]string{"device": device}, nil); err != nil {
		return err
	}
	h.Device = device
	return nil
}

func (b *HTTPBackend) EnableMemoryEfficientAttention(ctx context.Context, h *Handle) error {
	if err := b.call(ctx, b.pipelinePath(h, "attention"), map[string]string{"mode": "xformers"}, nil); err != nil {
		return err
	}
	h.Attention = "xformers"
	return nil
}

func (b *HTTPBackend) EnableCPUOffload(ctx context.Context, h *Handle) error {
	if err := b.call(ctx, b.pipelinePath(h, "offload"), map[string]string{"mode": "model"}, nil); err != nil {
		return err
	}
	h.Offload = true
	return nil
}

func (b *HTTPBackend) Infer(ctx context.Context, h *Handle, in InferRequest) (RawImage, error) {
	logger := log.FromContextOrDiscard(ctx).With("pipeline", h.ID)
	logger.Info("running inference", "height", in.Height, "width", in.Width, "steps", in.Steps)

	resp, err := b.post(ctx, b.pipelinePath(h, "infer"), in)
	if err != nil {
		return RawImage{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return RawImage{}, err
	}

	width, err := strconv.Atoi(resp.Header.Get("X-Image-Width"))
	if err != nil {
		return RawImage{}, fmt.Errorf("bad X-Image-Width header: %w", err)
	}
	height, err := strconv.Atoi(resp.Header.Get("X-Image-Height"))
	if err != nil {
		return RawImage{}, fmt.Errorf("bad X-Image-Height header: %w", err)
	}
	format := PixelFormat(strings.ToLower(resp.Header.Get("X-Pixel-Format")))
	format = lo.Ternary(format == "", FormatRGB, format)

	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return RawImage{}, fmt.Errorf("worker reported bad dimensions %dx%d", width, height)
	}
	bpp, err := format.BytesPerPixel()
	if err != nil {
		return RawImage{}, err
	}

	want := int64(width * height * bpp)
	pix, err := io.ReadAll(io.LimitReader(resp.Body, want+1))
	if err != nil {
		return RawImage{}, err
	}
	if int64(len(pix)) > want {
		return RawImage{}, fmt.Errorf("worker sent more than %d bytes for %dx%d %s", want, width, height, format)
	}
	logger.Info("received pixels", "bytes", len(pix))
	return RawImage{Width: width, Height: height, Format: format, Pix: pix}, nil
}

func (b *HTTPBackend) call(ctx context.Context, path string, in, out any) error {
	resp, err := b.post(ctx, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (b *HTTPBackend) post(ctx context.Context, path string, in any) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}
	return b.client().Do(req)
}

func (b *HTTPBackend) client() *http.Client {
	return lo.Ternary(b.Client != nil, b.Client, http.DefaultClient)
}

func (b *HTTPBackend) endpoint(path string) string {
	return strings.TrimRight(b.BaseURL, "/") + path
}

func (b *HTTPBackend) pipelinePath(h *Handle, action string) string {
	return "/v1/pipelines/" + url.PathEscape(h.ID) + "/" + action
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := http.StatusText(resp.StatusCode)
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e errorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		msg = e.Error
	} else if s := strings.TrimSpace(string(data)); s != "" {
		msg = s
	}

	if resp.StatusCode == http.StatusInsufficientStorage {
		return fmt.Errorf("%w: %s", ErrOutOfMemory, msg)
	}
	return fmt.Errorf("worker returned %d: %s", resp.StatusCode, msg)
}
