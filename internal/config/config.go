// Package config loads process configuration from the environment and batch
// descriptions from YAML files.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/ballistic/internal/ballistics"
	"github.com/copyleftdev/ballistic/internal/errors"
)

// Observer kinds.
const (
	ObserverSynthetic = "synthetic"
	ObserverCommand   = "command"
)

// ObserverConfig selects and configures the observation source.
type ObserverConfig struct {
	Kind    string   `env:"KIND" envDefault:"synthetic" yaml:"kind"`
	Command string   `env:"COMMAND" yaml:"command"`
	Args    []string `env:"ARGS" envSeparator:" " yaml:"args"`
	// Timeout bounds a single experiment; zero disables it.
	Timeout              time.Duration `env:"TIMEOUT" envDefault:"30m" yaml:"timeout"`
	PenetrationThreshold float64       `env:"PENETRATION_THRESHOLD" envDefault:"10" yaml:"penetration_threshold"`
}

// SyntheticConfig is the ground truth of the synthetic observer.
type SyntheticConfig struct {
	Model       ballistics.ModelParams `yaml:",inline"`
	VBLPerMM    float64                `env:"VBL_PER_MM" yaml:"vbl_per_mm"`
	Noise       float64                `env:"NOISE" yaml:"noise"`
	FailureRate float64                `env:"FAILURE_RATE" yaml:"failure_rate"`
	Seed        uint64                 `env:"SEED" yaml:"seed"`
	Delay       time.Duration          `env:"DELAY" yaml:"delay"`
}

// Config is the process configuration.
type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Database struct {
		Type     string `env:"DB_TYPE" envDefault:"sqlite"`
		DSN      string `env:"DB_DSN"`
		MaxConns int    `env:"DB_MAX_CONNS" envDefault:"1"`
	}

	Search    ballistics.SearchParams `envPrefix:"SEARCH_"`
	Observer  ObserverConfig          `envPrefix:"OBSERVER_"`
	Synthetic SyntheticConfig         `envPrefix:"SYNTHETIC_"`

	WorkDir          string `env:"WORK_DIR" envDefault:"runs"`
	BatchParallelism int    `env:"BATCH_PARALLELISM" envDefault:"1"`
}

// DefaultSynthetic returns the synthetic ground truth used when nothing is configured.
func DefaultSynthetic() SyntheticConfig {
	return SyntheticConfig{
		Model: ballistics.ModelParams{A: 0.75, P: 2.2, VBL: 820},
		Noise: 2,
		Seed:  1,
	}
}

// Load reads the configuration from the environment. Search parameters and
// the synthetic model start from their defaults and are overridden field by
// field.
func Load() (*Config, error) {
	cfg := &Config{
		Search:    ballistics.DefaultSearchParams(),
		Synthetic: DefaultSynthetic(),
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment").
			WithOperation("Load").WithComponent(errors.ComponentConfig)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		}
	}

	if cfg.Database.DSN == "" && cfg.Database.Type == "sqlite" {
		cfg.Database.DSN = filepath.Join("data", "ballistic.db")
	}
	if cfg.Database.Type == "sqlite" {
		if dir := filepath.Dir(sqlitePath(cfg.Database.DSN)); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "create database directory").
					WithOperation("Load").WithComponent(errors.ComponentConfig)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sqlitePath strips the file: scheme and query string from a sqlite DSN.
func sqlitePath(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	return dsn
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return errors.Errorf(format, args...).WithOperation("Validate").WithComponent(errors.ComponentConfig)
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fail("invalid HTTP port %d", c.HTTP.Port)
	}
	if c.Database.Type != "sqlite" {
		return fail("unsupported database type %q", c.Database.Type)
	}
	if c.BatchParallelism < 1 {
		return fail("batch parallelism must be at least 1, got %d", c.BatchParallelism)
	}
	if err := c.Observer.Validate(); err != nil {
		return err
	}
	if err := c.Search.Validate(); err != nil {
		return errors.Wrap(err, "invalid search parameters").
			WithOperation("Validate").WithComponent(errors.ComponentConfig)
	}
	return nil
}

// Validate checks the observer selection.
func (o ObserverConfig) Validate() error {
	switch o.Kind {
	case ObserverSynthetic:
	case ObserverCommand:
		if o.Command == "" {
			return errors.New("observer kind command requires OBSERVER_COMMAND").
				WithOperation("Validate").WithComponent(errors.ComponentConfig)
		}
	default:
		return errors.Errorf("unknown observer kind %q", o.Kind).
			WithOperation("Validate").WithComponent(errors.ComponentConfig)
	}
	if o.Timeout < 0 {
		return errors.Errorf("observer timeout must not be negative, got %s", o.Timeout).
			WithOperation("Validate").WithComponent(errors.ComponentConfig)
	}
	return nil
}
