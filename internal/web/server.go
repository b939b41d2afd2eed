package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmorgan81/fluxstudio/internal/feed"
	"github.com/dmorgan81/fluxstudio/internal/handler"
	"github.com/dmorgan81/fluxstudio/internal/image"
	"github.com/dmorgan81/fluxstudio/internal/log"
	"github.com/dmorgan81/fluxstudio/internal/metrics"
	"github.com/dmorgan81/fluxstudio/internal/model"
	"github.com/dmorgan81/fluxstudio/internal/page"
	"github.com/dmorgan81/fluxstudio/internal/prompt"
	"github.com/dmorgan81/fluxstudio/internal/session"
	"github.com/dmorgan81/fluxstudio/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/do"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const sessionKey = "session"

type Options struct {
	Addr            string
	BaseURL         string
	Cookie          string
	ShutdownTimeout time.Duration
}

type modelStatus interface {
	Name() string
	Loaded() bool
}

type Server struct {
	opts       Options
	logger     *slog.Logger
	sessions   *session.Manager
	handler    *handler.Handler
	model      modelStatus
	templator  *page.Templator
	feed       *feed.Generator
	publisher  *store.Publisher
	randomizer *prompt.Randomizer
	metrics    *metrics.Metrics

	engine *gin.Engine
}

type Deps struct {
	Sessions   *session.Manager
	Handler    *handler.Handler
	Model      modelStatus
	Templator  *page.Templator
	Feed       *feed.Generator
	Publisher  *store.Publisher
	Randomizer *prompt.Randomizer
	Metrics    *metrics.Metrics
}

func New(logger *slog.Logger, opts Options, deps Deps) *Server {
	if opts.Cookie == "" {
		opts.Cookie = "flux_session"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{
		opts:       opts,
		logger:     lo.Ternary(logger != nil, logger, log.FromContextOrDiscard(context.Background())),
		sessions:   deps.Sessions,
		handler:    deps.Handler,
		model:      deps.Model,
		templator:  lo.Ternary(deps.Templator != nil, deps.Templator, &page.Templator{}),
		feed:       lo.Ternary(deps.Feed != nil, deps.Feed, feed.NewGenerator()),
		publisher:  deps.Publisher,
		randomizer: deps.Randomizer,
		metrics:    deps.Metrics,
	}
	s.engine = s.routes()
	return s
}

func NewInjectedServer(i *do.Injector) (*Server, error) {
	return New(do.MustInvoke[*slog.Logger](i), do.MustInvoke[Options](i), Deps{
		Sessions:   do.MustInvoke[*session.Manager](i),
		Handler:    do.MustInvoke[*handler.Handler](i),
		Model:      do.MustInvoke[*model.Cache](i),
		Templator:  do.MustInvoke[*page.Templator](i),
		Feed:       do.MustInvoke[*feed.Generator](i),
		Publisher:  do.MustInvoke[*store.Publisher](i),
		Randomizer: do.MustInvoke[*prompt.Randomizer](i),
		Metrics:    do.MustInvoke[*metrics.Metrics](i),
	}), nil
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	ui := r.Group("/", s.withSession)
	ui.GET("/", s.index)
	ui.POST("/generate", s.generate)
	ui.GET("/images/:index", s.image)
	ui.POST("/images/:index/publish", s.publish)
	ui.GET("/feed.rss", s.rss)
	ui.POST("/session/reset", s.reset)

	api := r.Group("/api", s.withSession)
	api.POST("/generate", s.apiGenerate)
	api.GET("/history", s.apiHistory)
	api.GET("/status", s.apiStatus)

	return r
}

// Run serves on opts.Addr until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return log.NewContext(context.Background(), s.logger) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	logger := s.logger.With("request", uuid.NewString())
	c.Request = c.Request.WithContext(log.NewContext(c.Request.Context(), logger))

	c.Next()

	logger.Info("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"elapsed", time.Since(start),
	)
}

// withSession resolves the session cookie, starting a new session when the
// cookie is missing or has expired.
func (s *Server) withSession(c *gin.Context) {
	ctx := c.Request.Context()
	id, _ := c.Cookie(s.opts.Cookie)
	sess, ok := s.sessions.Get(id)
	if !ok {
		sess = s.sessions.Create(ctx)
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(s.opts.Cookie, sess.ID, 0, "/", "", false, true)
	}
	c.Request = c.Request.WithContext(log.NewContext(ctx, log.FromContextOrDiscard(ctx).With("session", sess.ID)))
	c.Set(sessionKey, sess)
	c.Next()
}

func sessionFrom(c *gin.Context) *session.Session {
	return c.MustGet(sessionKey).(*session.Session)
}

func (s *Server) index(c *gin.Context) {
	s.render(c, http.StatusOK, image.DefaultParams(), nil)
}

func (s *Server) render(c *gin.Context, status int, form image.Params, flash *page.Flash) {
	sess := sessionFrom(c)
	params := page.NewParams(form, sess.History.Snapshot())
	params.Flash = flash
	params.Publishing = s.publisher.Enabled()
	params.HasPrompts = s.randomizer.Available()

	body, err := s.templator.Template(c.Request.Context(), params)
	if err != nil {
		log.FromContextOrDiscard(c.Request.Context()).Error("rendering page", "error", err)
		c.String(http.StatusInternalServerError, "error rendering page")
		return
	}
	c.Data(status, "text/html; charset=utf-8", body)
}

func (s *Server) generate(c *gin.Context) {
	var input handler.Input
	if err := c.ShouldBind(&input); err != nil {
		s.render(c, http.StatusBadRequest, image.DefaultParams(), &page.Flash{Text: "Invalid settings: " + err.Error()})
		return
	}

	// Generation runs to completion even if the browser goes away.
	ctx := context.WithoutCancel(c.Request.Context())
	out, err := s.handler.Handle(ctx, sessionFrom(c), input)

	form := formParams(input)
	if err != nil {
		s.render(c, StatusFor(err), form, &page.Flash{Text: handler.Message(err)})
		return
	}
	form.Prompt = out.Record.Prompt
	s.render(c, http.StatusOK, form, &page.Flash{Success: true, Text: out.Message})
}

func formParams(input handler.Input) image.Params {
	return image.Params{
		Prompt:        input.Prompt,
		GuidanceScale: input.GuidanceScale,
		Height:        input.Height,
		Width:         input.Width,
		Steps:         input.Steps,
	}
}

// StatusFor maps a generation error to its HTTP status.
func StatusFor(err error) int {
	switch handler.Outcome(err) {
	case "succeeded":
		return http.StatusOK
	case "validation":
		return http.StatusBadRequest
	case "busy":
		return http.StatusConflict
	case "resource":
		return http.StatusServiceUnavailable
	case "out_of_memory":
		return http.StatusInsufficientStorage
	case "model_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func recordIndex(c *gin.Context) (int, bool) {
	i, err := strconv.Atoi(c.Param("index"))
	return i, err == nil && i >= 0
}

func (s *Server) image(c *gin.Context) {
	i, ok := recordIndex(c)
	if !ok {
		c.String(http.StatusBadRequest, "invalid image index")
		return
	}
	rec, ok := sessionFrom(c).History.At(i)
	if !ok {
		c.String(http.StatusNotFound, "no image at index %d", i)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="generated_image_%d.png"`, i))
	c.Data(http.StatusOK, "image/png", rec.Image)
}

func (s *Server) publish(c *gin.Context) {
	i, ok := recordIndex(c)
	if !ok {
		s.render(c, http.StatusBadRequest, image.DefaultParams(), &page.Flash{Text: "Invalid image index"})
		return
	}
	rec, ok := sessionFrom(c).History.At(i)
	if !ok {
		s.render(c, http.StatusNotFound, image.DefaultParams(), &page.Flash{Text: fmt.Sprintf("No image at index %d", i)})
		return
	}

	names, err := s.publisher.Publish(context.WithoutCancel(c.Request.Context()), rec)
	switch {
	case errors.Is(err, store.ErrPublishingDisabled):
		s.render(c, http.StatusServiceUnavailable, image.DefaultParams(), &page.Flash{Text: "Publishing is not configured"})
	case err != nil:
		log.FromContextOrDiscard(c.Request.Context()).Error("publishing failed", "error", err, "record", rec.ID)
		s.render(c, http.StatusBadGateway, image.DefaultParams(), &page.Flash{Text: "Error publishing image: " + err.Error()})
	default:
		s.render(c, http.StatusOK, image.DefaultParams(), &page.Flash{Success: true, Text: "Published " + strings.Join(names, ", ")})
	}
}

func (s *Server) baseURL(c *gin.Context) string {
	if s.opts.BaseURL != "" {
		return s.opts.BaseURL
	}
	return lo.Ternary(c.Request.TLS != nil, "https", "http") + "://" + c.Request.Host
}

func (s *Server) rss(c *gin.Context) {
	data, err := s.feed.Generate(c.Request.Context(), s.baseURL(c), sessionFrom(c).History)
	if err != nil {
		log.FromContextOrDiscard(c.Request.Context()).Error("generating feed", "error", err)
		c.String(http.StatusInternalServerError, "error generating feed")
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", data)
}

func (s *Server) reset(c *gin.Context) {
	s.sessions.Reset(c.Request.Context(), sessionFrom(c).ID)
	c.SetCookie(s.opts.Cookie, "", -1, "/", "", false, true)
	c.Redirect(http.StatusSeeOther, "/")
}
