package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/gate"
	"github.com/animus-labs/adpipe/internal/genai"
	"github.com/animus-labs/adpipe/internal/orchestrator"
	"github.com/animus-labs/adpipe/internal/platform/env"
	"github.com/animus-labs/adpipe/internal/poller"
	"github.com/animus-labs/adpipe/internal/scrape"
	"github.com/animus-labs/adpipe/internal/stage"
	"github.com/animus-labs/adpipe/internal/upstream"
	"github.com/animus-labs/adpipe/internal/videoapi"
	"gopkg.in/yaml.v3"
)

// Config is the pipeline tuning read from an optional YAML file and then
// overridden by ADPIPE_* environment variables.
type Config struct {
	Scenes int          `yaml:"scenes"`
	Retry  RetryConfig  `yaml:"retry"`
	Gate   GateConfig   `yaml:"gate"`
	GenAI  GenAIConfig  `yaml:"genai"`
	Scrape ScrapeConfig `yaml:"scrape"`
	Video  VideoConfig  `yaml:"video"`
	Worker WorkerConfig `yaml:"worker"`
	Server ServerConfig `yaml:"server"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

type GateConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	AnalysisAssignee   string        `yaml:"analysis_assignee"`
	BriefAssignee      string        `yaml:"brief_assignee"`
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`
}

type GenAIConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ScrapeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxChars int           `yaml:"max_chars"`
}

type VideoConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Timeout         time.Duration `yaml:"timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	MaxPollFailures int           `yaml:"max_poll_failures"`
	AspectRatio     string        `yaml:"aspect_ratio"`
	Resolution      string        `yaml:"resolution"`
	GenerateAudio   bool          `yaml:"generate_audio"`
	EnhancePrompt   bool          `yaml:"enhance_prompt"`
	NegativePrompt  string        `yaml:"negative_prompt"`
}

type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Resume       bool          `yaml:"resume"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() Config {
	retry := upstream.DefaultRetryPolicy()
	poll := poller.DefaultConfig()
	render := stage.DefaultRender()
	return Config{
		Scenes: 3,
		Retry: RetryConfig{
			MaxAttempts:     retry.MaxAttempts,
			InitialInterval: retry.InitialInterval,
			MaxInterval:     retry.MaxInterval,
			Multiplier:      retry.Multiplier,
		},
		Gate: GateConfig{
			PollInterval:       5 * time.Second,
			AnalysisAssignee:   "strategy-review",
			BriefAssignee:      "creative-review",
			StatusPollInterval: 10 * time.Second,
		},
		GenAI: GenAIConfig{
			Model:   "gemini-2.5-flash",
			Timeout: 2 * time.Minute,
		},
		Scrape: ScrapeConfig{
			Enabled:  true,
			Timeout:  30 * time.Second,
			MaxChars: scrape.DefaultMaxChars,
		},
		Video: VideoConfig{
			Timeout:         time.Minute,
			PollInterval:    poll.Interval,
			PollTimeout:     poll.Timeout,
			MaxPollFailures: poll.MaxPollFailures,
			AspectRatio:     render.AspectRatio,
			Resolution:      render.Resolution,
			GenerateAudio:   render.GenerateAudio,
			EnhancePrompt:   render.EnhancePrompt,
			NegativePrompt:  render.NegativePrompt,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			PollInterval: 5 * time.Second,
			Resume:       true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads path (when non-empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	intVar := func(key string, dst *int) {
		v, err := env.Int(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	durVar := func(key string, dst *time.Duration) {
		v, err := env.Duration(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	boolVar := func(key string, dst *bool) {
		v, err := env.Bool(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	strVar := func(key string, dst *string) {
		*dst = env.String(key, *dst)
	}

	intVar("ADPIPE_SCENES", &c.Scenes)

	intVar("ADPIPE_RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	durVar("ADPIPE_RETRY_INITIAL_INTERVAL", &c.Retry.InitialInterval)
	durVar("ADPIPE_RETRY_MAX_INTERVAL", &c.Retry.MaxInterval)

	durVar("ADPIPE_GATE_POLL_INTERVAL", &c.Gate.PollInterval)
	strVar("ADPIPE_ANALYSIS_ASSIGNEE", &c.Gate.AnalysisAssignee)
	strVar("ADPIPE_BRIEF_ASSIGNEE", &c.Gate.BriefAssignee)
	durVar("ADPIPE_STATUS_POLL_INTERVAL", &c.Gate.StatusPollInterval)

	strVar("ADPIPE_GENAI_ENDPOINT", &c.GenAI.Endpoint)
	strVar("ADPIPE_GENAI_MODEL", &c.GenAI.Model)
	durVar("ADPIPE_GENAI_TIMEOUT", &c.GenAI.Timeout)

	boolVar("ADPIPE_SCRAPE_ENABLED", &c.Scrape.Enabled)
	durVar("ADPIPE_SCRAPE_TIMEOUT", &c.Scrape.Timeout)
	intVar("ADPIPE_SCRAPE_MAX_CHARS", &c.Scrape.MaxChars)

	strVar("ADPIPE_VIDEO_ENDPOINT", &c.Video.Endpoint)
	durVar("ADPIPE_VIDEO_TIMEOUT", &c.Video.Timeout)
	durVar("ADPIPE_VIDEO_POLL_INTERVAL", &c.Video.PollInterval)
	durVar("ADPIPE_VIDEO_POLL_TIMEOUT", &c.Video.PollTimeout)
	intVar("ADPIPE_VIDEO_MAX_POLL_FAILURES", &c.Video.MaxPollFailures)
	strVar("ADPIPE_VIDEO_ASPECT_RATIO", &c.Video.AspectRatio)
	strVar("ADPIPE_VIDEO_RESOLUTION", &c.Video.Resolution)
	boolVar("ADPIPE_VIDEO_GENERATE_AUDIO", &c.Video.GenerateAudio)
	boolVar("ADPIPE_VIDEO_ENHANCE_PROMPT", &c.Video.EnhancePrompt)
	strVar("ADPIPE_VIDEO_NEGATIVE_PROMPT", &c.Video.NegativePrompt)

	intVar("ADPIPE_WORKER_CONCURRENCY", &c.Worker.Concurrency)
	durVar("ADPIPE_WORKER_POLL_INTERVAL", &c.Worker.PollInterval)
	boolVar("ADPIPE_WORKER_RESUME", &c.Worker.Resume)

	strVar("ADPIPE_HTTP_ADDR", &c.Server.Addr)
	durVar("ADPIPE_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if c.Scenes < 1 {
		errs = append(errs, errors.New("scenes must be >= 1"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker concurrency must be >= 1"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker poll interval must be positive"))
	}
	if c.Scrape.Enabled && (c.Scrape.Timeout <= 0 || c.Scrape.MaxChars <= 0) {
		errs = append(errs, errors.New("scrape timeout and max chars must be positive"))
	}
	errs = append(errs,
		c.RetryPolicy().Validate(),
		c.PollConfig().Validate(),
		c.GateConfig().Validate(),
		c.OrchestratorConfig().Validate(),
	)
	return errors.Join(errs...)
}

func (c Config) RetryPolicy() upstream.RetryPolicy {
	return upstream.RetryPolicy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
		Multiplier:      c.Retry.Multiplier,
	}
}

func (c Config) PollConfig() poller.Config {
	return poller.Config{
		Interval:        c.Video.PollInterval,
		Timeout:         c.Video.PollTimeout,
		MaxPollFailures: c.Video.MaxPollFailures,
		SubmitRetry:     c.RetryPolicy(),
	}
}

func (c Config) GateConfig() gate.Config {
	return gate.Config{PollInterval: c.Gate.PollInterval}
}

func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		AnalysisAssignee:   c.Gate.AnalysisAssignee,
		BriefAssignee:      c.Gate.BriefAssignee,
		StatusPollInterval: c.Gate.StatusPollInterval,
	}
}

func (c Config) GenAIConfig() genai.Config {
	return genai.Config{Endpoint: c.GenAI.Endpoint, Model: c.GenAI.Model, Timeout: c.GenAI.Timeout}
}

func (c Config) VideoAPIConfig() videoapi.Config {
	return videoapi.Config{Endpoint: c.Video.Endpoint, Timeout: c.Video.Timeout}
}

func (c Config) ScrapeConfig() scrape.Config {
	return scrape.Config{Timeout: c.Scrape.Timeout, MaxChars: c.Scrape.MaxChars, Headless: true}
}

func (c Config) Render() domain.VideoConfig {
	return domain.VideoConfig{
		AspectRatio:    c.Video.AspectRatio,
		Resolution:     c.Video.Resolution,
		GenerateAudio:  c.Video.GenerateAudio,
		EnhancePrompt:  c.Video.EnhancePrompt,
		NegativePrompt: c.Video.NegativePrompt,
	}
}
