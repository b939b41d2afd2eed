package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dmorgan81/fluxstudio/internal/config"
	"github.com/dmorgan81/fluxstudio/internal/handler"
	"github.com/dmorgan81/fluxstudio/internal/image"
	"github.com/dmorgan81/fluxstudio/internal/inject"
	"github.com/dmorgan81/fluxstudio/internal/log"
	"github.com/dmorgan81/fluxstudio/internal/session"
	"github.com/dmorgan81/fluxstudio/internal/store"
	"github.com/dmorgan81/fluxstudio/internal/web"
	"github.com/samber/do"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// setup loads configuration for cmd and returns a context carrying the logger
// along with the injector built from it.
func setup(cmd *cobra.Command, v *viper.Viper) (context.Context, *do.Injector, error) {
	configFile, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")

	cfg, err := config.LoadWith(v, config.Options{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return nil, nil, err
	}

	logger := log.New(os.Stderr, log.ParseLevel(cfg.Log.Level))
	ctx := log.NewContext(cmd.Context(), logger)
	return ctx, inject.Setup(ctx, cfg), nil
}

func bind(v *viper.Viper, cmd *cobra.Command, pairs map[string]string) {
	for key, flag := range pairs {
		cobra.CheckErr(v.BindPFlag(key, cmd.Flag(flag)))
	}
}

func ServeHandler(v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, injector, err := setup(cmd, v)
		if err != nil {
			return err
		}
		defer func() { _ = injector.Shutdown() }()

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		server, err := do.Invoke[*web.Server](injector)
		if err != nil {
			return err
		}
		return server.Run(ctx)
	}
}

func GenerateHandler(v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, injector, err := setup(cmd, v)
		if err != nil {
			return err
		}
		defer func() { _ = injector.Shutdown() }()

		flags := cmd.Flags()
		input := handler.Input{}
		input.Prompt, _ = flags.GetString("prompt")
		input.GuidanceScale, _ = flags.GetFloat64("guidance")
		input.Height, _ = flags.GetInt("height")
		input.Width, _ = flags.GetInt("width")
		input.Steps, _ = flags.GetInt("steps")
		input.Surprise, _ = flags.GetBool("surprise")
		out, _ := flags.GetString("out")

		h, err := do.Invoke[*handler.Handler](injector)
		if err != nil {
			return err
		}
		sess := do.MustInvoke[*session.Manager](injector).Create(ctx)
		res, err := h.Handle(ctx, sess, input)
		if err != nil {
			return errors.New(handler.Message(err))
		}

		uploader := &store.FileUploader{Dir: filepath.Dir(out)}
		if err := uploader.Upload(ctx, store.UploadParams{
			Name:        filepath.Base(out),
			Data:        res.Record.Image,
			ContentType: "image/png",
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Saved %s (%s)\n", res.Message, out, res.Record.Settings)
		return nil
	}
}

func NewCLI() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "fluxstudio",
		Short: "Interactive FLUX text-to-image generator",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a fluxstudio.yaml config file")
	rootCmd.PersistentFlags().String("env-file", "", "Path to a .env file (default .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("backend", config.BackendHTTP, "Pipeline backend (http, synthetic)")
	rootCmd.PersistentFlags().String("pipeline-url", "http://localhost:7860", "Pipeline worker URL")
	rootCmd.PersistentFlags().String("model", "black-forest-labs/FLUX.1-dev", "Model identifier")
	bind(v, rootCmd, map[string]string{
		"log.level":        "log-level",
		"pipeline.backend": "backend",
		"pipeline.url":     "pipeline-url",
		"model.name":       "model",
	})

	cobra.EnableCommandSorting = false

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the web interface",
		Args:    cobra.NoArgs,
		RunE:    ServeHandler(v),
	}
	serveCmd.Flags().String("addr", ":8501", "Listen address")
	bind(v, serveCmd, map[string]string{"server.addr": "addr"})

	defaults := image.DefaultParams()
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one image and write it as a PNG",
		Args:  cobra.NoArgs,
		RunE:  GenerateHandler(v),
	}
	generateCmd.Flags().StringP("prompt", "p", defaults.Prompt, "Text prompt")
	generateCmd.Flags().Float64("guidance", defaults.GuidanceScale, "Guidance scale")
	generateCmd.Flags().Int("height", defaults.Height, "Image height")
	generateCmd.Flags().Int("width", defaults.Width, "Image width")
	generateCmd.Flags().Int("steps", defaults.Steps, "Inference steps")
	generateCmd.Flags().Bool("surprise", false, "Use a random prompt")
	generateCmd.Flags().StringP("out", "o", "generated_image.png", "Output file")

	rootCmd.AddCommand(serveCmd, generateCmd)
	return rootCmd
}
