package inject

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/dmorgan81/fluxstudio/internal/config"
	"github.com/dmorgan81/fluxstudio/internal/feed"
	"github.com/dmorgan81/fluxstudio/internal/handler"
	"github.com/dmorgan81/fluxstudio/internal/image"
	"github.com/dmorgan81/fluxstudio/internal/log"
	"github.com/dmorgan81/fluxstudio/internal/metrics"
	"github.com/dmorgan81/fluxstudio/internal/model"
	"github.com/dmorgan81/fluxstudio/internal/page"
	"github.com/dmorgan81/fluxstudio/internal/param"
	"github.com/dmorgan81/fluxstudio/internal/pipeline"
	"github.com/dmorgan81/fluxstudio/internal/prompt"
	"github.com/dmorgan81/fluxstudio/internal/session"
	"github.com/dmorgan81/fluxstudio/internal/store"
	"github.com/dmorgan81/fluxstudio/internal/web"
	"github.com/samber/do"
)

func Setup(ctx context.Context, cfg *config.Config) *do.Injector {
	log := log.FromContextOrDiscard(ctx)

	injector := do.NewWithOpts(&do.InjectorOpts{
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		},
	})
	do.ProvideValue[*slog.Logger](injector, log)
	do.ProvideValue[*config.Config](injector, cfg)

	if cfg.UsesAWS() {
		provideAWS(ctx, injector)
	}
	do.ProvideValue[*http.Client](injector, http.DefaultClient)

	do.ProvideNamed[string](injector, "hub_token", func(i *do.Injector) (string, error) {
		var f param.Fetcher
		if cfg.Hub.Token == "" && cfg.Hub.TokenParam != "" {
			f = do.MustInvoke[param.Fetcher](i)
		}
		return param.Resolve(ctx, f, cfg.Hub.Token, cfg.Hub.TokenParam)
	})
	do.ProvideNamed[[]string](injector, "prompts", func(i *do.Injector) ([]string, error) {
		if cfg.Prompts.Param == "" {
			return cfg.Prompts.List, nil
		}
		return param.ResolveAll(ctx, do.MustInvoke[param.Fetcher](i), nil, cfg.Prompts.Param)
	})
	do.ProvideNamedValue[string](injector, "model_name", cfg.Model.Name)
	do.ProvideNamedValue[string](injector, "model_precision", cfg.Model.Precision)
	do.ProvideNamedValue[time.Duration](injector, "session_ttl", cfg.Session.TTL)

	do.ProvideValue[*metrics.Metrics](injector, metrics.New())
	do.Provide[pipeline.Backend](injector, func(i *do.Injector) (pipeline.Backend, error) {
		switch cfg.Pipeline.Backend {
		case config.BackendSynthetic:
			return &pipeline.SyntheticBackend{}, nil
		case config.BackendHTTP:
			return &pipeline.HTTPBackend{
				Client:  do.MustInvoke[*http.Client](i),
				BaseURL: cfg.Pipeline.URL,
				Token:   do.MustInvokeNamed[string](i, "hub_token"),
			}, nil
		default:
			return nil, fmt.Errorf("unknown pipeline backend %q", cfg.Pipeline.Backend)
		}
	})

	do.Provide[*model.Cache](injector, model.NewInjectedCache)
	do.Provide[image.Generator](injector, image.NewInjectedExecutor)
	do.Provide[*prompt.Randomizer](injector, prompt.NewInjectedRandomizer)
	do.Provide[*session.Manager](injector, session.NewInjectedManager)
	do.Provide[*handler.Handler](injector, handler.NewHandler)
	do.Provide[*page.Templator](injector, page.NewTemplator)
	do.Provide[*feed.Generator](injector, func(i *do.Injector) (*feed.Generator, error) {
		return feed.NewGenerator(), nil
	})
	do.Provide[*store.Publisher](injector, func(i *do.Injector) (*store.Publisher, error) {
		p := cfg.Publish
		switch {
		case p.Bucket != "":
			var invalidator store.Invalidator
			if p.Distribution != "" {
				invalidator = &store.CloudFrontInvalidator{
					Client:       do.MustInvoke[*cloudfront.Client](i),
					Distribution: p.Distribution,
				}
			}
			return store.NewPublisher(&store.S3Uploader{
				Client: do.MustInvoke[*s3.Client](i),
				Bucket: p.Bucket,
				Prefix: p.Prefix,
			}, invalidator), nil
		case p.Dir != "":
			return store.NewPublisher(&store.FileUploader{Dir: p.Dir}, nil), nil
		default:
			return store.NewPublisher(nil, nil), nil
		}
	})

	do.ProvideValue[web.Options](injector, web.Options{
		Addr:            cfg.Server.Addr,
		BaseURL:         cfg.Server.BaseURL,
		Cookie:          cfg.Session.Cookie,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	do.Provide[*web.Server](injector, web.NewInjectedServer)

	return injector
}

// provideAWS registers the AWS clients. They are built on first use.
func provideAWS(ctx context.Context, injector *do.Injector) {
	do.Provide[aws.Config](injector, func(i *do.Injector) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	})
	do.Provide[*ssm.Client](injector, func(i *do.Injector) (*ssm.Client, error) {
		return ssm.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*s3.Client](injector, func(i *do.Injector) (*s3.Client, error) {
		return s3.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*cloudfront.Client](injector, func(i *do.Injector) (*cloudfront.Client, error) {
		return cloudfront.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[param.Fetcher](injector, param.NewParameterStoreFetcher)
}
