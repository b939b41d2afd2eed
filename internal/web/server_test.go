package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dmorgan81/fluxstudio/internal/handler"
	"github.com/dmorgan81/fluxstudio/internal/image"
	"github.com/dmorgan81/fluxstudio/internal/metrics"
	"github.com/dmorgan81/fluxstudio/internal/model"
	"github.com/dmorgan81/fluxstudio/internal/pipeline"
	"github.com/dmorgan81/fluxstudio/internal/prompt"
	"github.com/dmorgan81/fluxstudio/internal/session"
	"github.com/dmorgan81/fluxstudio/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cookieName = "flux_session"

type fixture struct {
	server     *Server
	backend    *pipeline.SyntheticBackend
	sessions   *session.Manager
	publishDir string
	cookie     *http.Cookie
}

func newFixture(t *testing.T, publishing bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := metrics.New()
	backend := &pipeline.SyntheticBackend{}
	cache := model.NewCache(backend, "test/flux", "float16", m)
	randomizer := prompt.NewRandomizer([]string{"a red cube on a white background"}, 1)
	sessions := session.NewManager(time.Hour, m)

	f := &fixture{backend: backend, sessions: sessions, publishDir: t.TempDir()}
	var publisher *store.Publisher
	if publishing {
		publisher = store.NewPublisher(&store.FileUploader{Dir: f.publishDir}, nil)
	} else {
		publisher = store.NewPublisher(nil, nil)
	}

	f.server = New(nil, Options{Cookie: cookieName, BaseURL: "http://flux.test"}, Deps{
		Sessions:   sessions,
		Handler:    handler.New(cache, image.NewExecutor(backend), randomizer, m),
		Model:      cache,
		Publisher:  publisher,
		Randomizer: randomizer,
		Metrics:    m,
	})
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if f.cookie != nil {
		req.AddCookie(f.cookie)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		if c.Name == cookieName && c.Value != "" {
			f.cookie = c
		}
	}
	return w
}

func (f *fixture) postForm(t *testing.T, path string, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(t, req)
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	return f.do(t, req)
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func smallForm(prompt string) url.Values {
	return url.Values{
		"prompt":         {prompt},
		"guidance_scale": {"3.5"},
		"height":         {"512"},
		"width":          {"512"},
		"steps":          {"20"},
	}
}

func TestIndexStartsSession(t *testing.T) {
	f := newFixture(t, false)

	w := f.get(t, "/")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, f.cookie)
	assert.True(t, f.cookie.HttpOnly)
	assert.Contains(t, w.Body.String(), "No images yet.")
	assert.Contains(t, w.Body.String(), "Surprise me")
	assert.Equal(t, 1, f.sessions.Len())

	// the same cookie keeps the same session
	f.get(t, "/")
	assert.Equal(t, 1, f.sessions.Len())
}

func TestGenerateFormAndDownload(t *testing.T) {
	f := newFixture(t, false)
	f.get(t, "/")

	w := f.postForm(t, "/generate", smallForm("a red cube"))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `class="flash success">Generated in`)
	assert.Contains(t, body, "Image 1: a red cube")
	assert.Contains(t, body, "Guidance: 3.5, Steps: 20")

	w = f.get(t, "/images/0")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="generated_image_0.png"`, w.Header().Get("Content-Disposition"))
	img, err := image.DecodePNG(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 512, img.Bounds().Dx())
	assert.Equal(t, 512, img.Bounds().Dy())

	assert.Equal(t, http.StatusNotFound, f.get(t, "/images/1").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/images/x").Code)
}

func TestGenerateInvalidSettings(t *testing.T) {
	f := newFixture(t, false)
	form := smallForm("a red cube")
	form.Set("height", "100")

	w := f.postForm(t, "/generate", form)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `class="flash error">Invalid settings: height`)
	assert.Zero(t, f.backend.Loads())
}

func TestGenerateSurprise(t *testing.T) {
	f := newFixture(t, false)
	form := smallForm("")
	form.Set("surprise", "true")

	w := f.postForm(t, "/generate", form)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Image 1: a red cube on a white background")
}

func TestAPIGenerateHistoryAndStatus(t *testing.T) {
	f := newFixture(t, false)

	w := f.get(t, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, StatusResponse{State: "idle", Model: "test/flux"}, status)

	for _, p := range []string{"first", "second"} {
		w = f.postJSON(t, "/api/generate", map[string]any{"prompt": p, "height": 512, "width": 512, "steps": 20})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp GenerateResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, p, resp.Prompt)
		assert.Equal(t, "Guidance: 3.5, Steps: 20", resp.Settings)
		assert.Equal(t, "/images/0", resp.ImageURL)
		assert.True(t, strings.HasPrefix(resp.Message, "Generated in "))
	}

	w = f.get(t, "/api/history")
	require.Equal(t, http.StatusOK, w.Code)
	var records []RecordResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "second", records[0].Prompt)
	assert.Equal(t, "first", records[1].Prompt)
	assert.Equal(t, "/images/1", records[1].ImageURL)

	w = f.get(t, "/api/status")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, StatusResponse{State: "idle", Model: "test/flux", ModelLoaded: true, History: 2}, status)
	assert.EqualValues(t, 1, f.backend.Loads())
}

func TestAPIGenerateFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*pipeline.SyntheticBackend)
		status  int
		outcome string
		message string
	}{
		{
			name:    "model load",
			setup:   func(b *pipeline.SyntheticBackend) { b.LoadErr = errors.New("weights not found") },
			status:  http.StatusServiceUnavailable,
			outcome: "resource",
			message: "Error loading model test/flux",
		},
		{
			name: "out of memory",
			setup: func(b *pipeline.SyntheticBackend) {
				b.InferErr = fmt.Errorf("%w: CUDA out of memory", pipeline.ErrOutOfMemory)
			},
			status:  http.StatusInsufficientStorage,
			outcome: "out_of_memory",
			message: "Not enough memory",
		},
		{
			name:    "inference",
			setup:   func(b *pipeline.SyntheticBackend) { b.InferErr = errors.New("nan in latents") },
			status:  http.StatusBadGateway,
			outcome: "model_error",
			message: "Error generating image: ",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, false)
			tc.setup(f.backend)

			w := f.postJSON(t, "/api/generate", map[string]any{"prompt": "a fox", "height": 512, "width": 512})
			assert.Equal(t, tc.status, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.outcome, resp.Outcome)
			assert.Contains(t, resp.Error, tc.message)

			w = f.get(t, "/api/history")
			assert.JSONEq(t, "[]", w.Body.String())
		})
	}
}

func TestAPIGenerateBadJSON(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, f.do(t, req).Code)
}

func TestAPIGenerateBusy(t *testing.T) {
	f := newFixture(t, false)
	f.get(t, "/")
	sess, ok := f.sessions.Get(f.cookie.Value)
	require.True(t, ok)
	require.True(t, sess.Begin())
	defer sess.End()

	w := f.postJSON(t, "/api/generate", map[string]any{"prompt": "a fox"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Zero(t, f.backend.Infers())
}

func TestPublish(t *testing.T) {
	f := newFixture(t, true)
	f.postForm(t, "/generate", smallForm("a red cube"))

	w := f.postForm(t, "/images/0/publish", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `class="flash success">Published`)

	entries, err := os.ReadDir(f.publishDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	_, err = os.Stat(filepath.Join(f.publishDir, "latest.png"))
	assert.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, f.postForm(t, "/images/3/publish", nil).Code)
}

func TestPublishDisabled(t *testing.T) {
	f := newFixture(t, false)
	f.postForm(t, "/generate", smallForm("a red cube"))

	w := f.postForm(t, "/images/0/publish", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, f.get(t, "/").Body.String(), "Publish</button>")
}

func TestFeed(t *testing.T) {
	f := newFixture(t, false)
	f.postForm(t, "/generate", smallForm("a red cube"))

	w := f.get(t, "/feed.rss")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/rss+xml")
	assert.Contains(t, w.Body.String(), "Image 1: a red cube")
	assert.Contains(t, w.Body.String(), "http://flux.test/images/0")
}

func TestResetDropsHistory(t *testing.T) {
	f := newFixture(t, false)
	f.postForm(t, "/generate", smallForm("a red cube"))
	old := f.cookie.Value

	w := f.postForm(t, "/session/reset", nil)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
	_, ok := f.sessions.Get(old)
	assert.False(t, ok)

	w = f.get(t, "/")
	assert.NotEqual(t, old, f.cookie.Value)
	assert.Contains(t, w.Body.String(), "No images yet.")
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, false)
	assert.Equal(t, "ok", f.get(t, "/healthz").Body.String())

	f.postJSON(t, "/api/generate", map[string]any{"prompt": "a fox", "height": 512, "width": 512})
	w := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `fluxstudio_generations_total{outcome="succeeded"} 1`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusFor(nil))
	assert.Equal(t, http.StatusBadRequest, StatusFor(&image.ValidationError{Field: "steps", Reason: "too many"}))
	assert.Equal(t, http.StatusConflict, StatusFor(handler.ErrBusy))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(&model.ResourceError{Model: "m", Err: errors.New("x")}))
	assert.Equal(t, http.StatusInsufficientStorage, StatusFor(fmt.Errorf("%w: big", image.ErrOutOfMemory)))
	assert.Equal(t, http.StatusBadGateway, StatusFor(&image.ModelError{Op: "infer", Err: errors.New("x")}))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("other")))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, false)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
