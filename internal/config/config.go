// Package config loads the service configuration from an optional YAML
// file and the environment. Environment variables win over the file.
package config

import (
	"fmt"
	"time"

	"github.com/grafana/regexp"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/getsentry/stacksampler/internal/calltree"
	"github.com/getsentry/stacksampler/internal/profiler"
	"github.com/getsentry/stacksampler/internal/storageprovider"
)

type (
	Config struct {
		Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT" env-default:"development"`
		SentryDSN   string `yaml:"sentry_dsn" env:"SENTRY_DSN"`
		LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
		Port        string `yaml:"port" env:"PORT" env-default:"8080"`

		Storage  Storage  `yaml:"storage"`
		Kafka    Kafka    `yaml:"kafka"`
		Profiler Profiler `yaml:"profiler"`
		Pipeline Pipeline `yaml:"pipeline"`
	}

	Storage struct {
		Backend  string `yaml:"backend" env:"STORAGE_BACKEND" env-default:"blob"`
		Location string `yaml:"location" env:"STORAGE_LOCATION" env-default:"mem://"`
		Endpoint string `yaml:"endpoint" env:"STORAGE_ENDPOINT"`
	}

	Kafka struct {
		Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
		Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"session-call-trees"`
	}

	// Profiler configures the profilers of trace replays. The clock is the
	// trace's, so there is no timer to choose.
	Profiler struct {
		Interval  time.Duration `yaml:"interval" env:"PROFILER_INTERVAL" env-default:"1ms"`
		AsyncMode string        `yaml:"async_mode" env:"PROFILER_ASYNC_MODE" env-default:"enabled"`
		Thread    string        `yaml:"thread" env:"PROFILER_THREAD" env-default:"MainThread"`
	}

	Pipeline struct {
		FilterThreshold   float64 `yaml:"filter_threshold" env:"PIPELINE_FILTER_THRESHOLD" env-default:"0.01"`
		GroupSignificance float64 `yaml:"group_significance" env:"PIPELINE_GROUP_SIGNIFICANCE" env-default:"0.1"`
		ShowRegex         string  `yaml:"show_regex" env:"PIPELINE_SHOW_REGEX"`
		HideRegex         string  `yaml:"hide_regex" env:"PIPELINE_HIDE_REGEX"`
		TrimStem          bool    `yaml:"trim_stem" env:"PIPELINE_TRIM_STEM" env-default:"true"`
	}
)

// Load reads path, when given, then the environment.
func Load(path string) (Config, error) {
	var c Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &c)
	} else {
		err = cleanenv.ReadEnv(&c)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case storageprovider.BackendBlob, storageprovider.BackendGcs:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if _, err := c.Profiler.Options(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Pipeline.Options(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (s Storage) Options() storageprovider.Options {
	return storageprovider.Options{
		Backend:  s.Backend,
		Location: s.Location,
		Endpoint: s.Endpoint,
	}
}

func (p Profiler) Options() (profiler.Options, error) {
	mode, err := profiler.ParseAsyncMode(p.AsyncMode)
	if err != nil {
		return profiler.Options{}, err
	}
	if p.Interval <= 0 {
		return profiler.Options{}, fmt.Errorf("profiler: interval must be positive, got %v", p.Interval)
	}
	return profiler.Options{
		Interval: p.Interval,
		Async:    mode,
	}, nil
}

// Options returns the call tree pipeline options. Regexes are compiled
// here; an invalid one is an error.
func (p Pipeline) Options() (calltree.Options, error) {
	opts := calltree.DefaultOptions()
	opts.FilterThreshold = p.FilterThreshold
	opts.GroupSignificance = p.GroupSignificance
	var err error
	if p.ShowRegex != "" {
		if opts.ShowRegex, err = regexp.Compile(p.ShowRegex); err != nil {
			return calltree.Options{}, fmt.Errorf("show regex: %w", err)
		}
	}
	if p.HideRegex != "" {
		if opts.HideRegex, err = regexp.Compile(p.HideRegex); err != nil {
			return calltree.Options{}, fmt.Errorf("hide regex: %w", err)
		}
	}
	return opts, nil
}
