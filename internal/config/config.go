package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the runtime configuration for fluxstudio.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Session  SessionConfig  `mapstructure:"session"`
	Model    ModelConfig    `mapstructure:"model"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Hub      HubConfig      `mapstructure:"hub"`
	Prompts  PromptsConfig  `mapstructure:"prompts"`
	Publish  PublishConfig  `mapstructure:"publish"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	BaseURL         string        `mapstructure:"base_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SessionConfig struct {
	Cookie string        `mapstructure:"cookie"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type ModelConfig struct {
	Name      string `mapstructure:"name"`
	Precision string `mapstructure:"precision"`
}

type PipelineConfig struct {
	Backend string `mapstructure:"backend"`
	URL     string `mapstructure:"url"`
}

type HubConfig struct {
	Token      string `mapstructure:"token"`
	TokenParam string `mapstructure:"token_param"`
}

type PromptsConfig struct {
	List  []string `mapstructure:"list"`
	Param string   `mapstructure:"param"`
}

type PublishConfig struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Distribution string `mapstructure:"distribution"`
	Dir          string `mapstructure:"dir"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

const listSeparator = "|"

const (
	BackendHTTP      = "http"
	BackendSynthetic = "synthetic"
)

// Options controls where Load looks for files.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load merges defaults, an optional fluxstudio.yaml, .env and FLUX_* variables.
func Load(opts Options) (*Config, error) {
	return LoadWith(viper.New(), opts)
}

// LoadWith is Load on a caller-supplied viper, so command flags can be bound first.
func LoadWith(v *viper.Viper, opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	setDefaults(v)

	switch {
	case opts.ConfigFile != "":
		v.SetConfigFile(opts.ConfigFile)
	case os.Getenv("FLUX_CONFIG_FILE") != "":
		v.SetConfigFile(os.Getenv("FLUX_CONFIG_FILE"))
	default:
		v.SetConfigName("fluxstudio")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("FLUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Env lists split on listSeparator only, never on commas.
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(listSeparator),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Prompts.List = splitList(cfg.Prompts.List)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8501")
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("session.cookie", "flux_session")
	v.SetDefault("session.ttl", 2*time.Hour)
	v.SetDefault("model.name", "black-forest-labs/FLUX.1-dev")
	v.SetDefault("model.precision", "float16")
	v.SetDefault("pipeline.backend", BackendHTTP)
	v.SetDefault("pipeline.url", "http://localhost:7860")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.token_param", "")
	v.SetDefault("prompts.list", []string{
		"a tiny astronaut hatching from an egg on the moon",
		"a red cube on a white background",
		"a lighthouse on a cliff at dusk, oil painting",
		"a cat wearing a wizard hat, studio photo",
	})
	v.SetDefault("prompts.param", "")
	v.SetDefault("publish.bucket", "")
	v.SetDefault("publish.prefix", "")
	v.SetDefault("publish.distribution", "")
	v.SetDefault("publish.dir", "")
	v.SetDefault("log.level", "info")
}

// splitList accepts both YAML lists and a single "a|b|c" env value.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, listSeparator) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	switch c.Pipeline.Backend {
	case BackendHTTP:
		if c.Pipeline.URL == "" {
			problems = append(problems, "FLUX_PIPELINE_URL is required for the http backend")
		}
	case BackendSynthetic:
	default:
		problems = append(problems, fmt.Sprintf("unknown pipeline backend %q", c.Pipeline.Backend))
	}
	if c.Model.Name == "" {
		problems = append(problems, "FLUX_MODEL_NAME must not be empty")
	}
	if c.Session.Cookie == "" {
		problems = append(problems, "FLUX_SESSION_COOKIE must not be empty")
	}
	if c.Publish.Bucket != "" && c.Publish.Dir != "" {
		problems = append(problems, "set only one of FLUX_PUBLISH_BUCKET and FLUX_PUBLISH_DIR")
	}
	if c.Publish.Distribution != "" && c.Publish.Bucket == "" {
		problems = append(problems, "FLUX_PUBLISH_DISTRIBUTION requires FLUX_PUBLISH_BUCKET")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// UsesAWS reports whether any configured component talks to AWS.
func (c *Config) UsesAWS() bool {
	return c.Hub.TokenParam != "" || c.Prompts.Param != "" || c.Publish.Bucket != ""
}
