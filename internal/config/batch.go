package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/ballistic/internal/ballistics"
	"github.com/copyleftdev/ballistic/internal/errors"
)

// ConfigurationSpec is one target configuration in a batch file.
type ConfigurationSpec struct {
	Label       string    `yaml:"label" json:"label"`
	Thicknesses []float64 `yaml:"thicknesses" json:"thicknesses"`
}

// Batch describes a set of configurations solved with shared settings.
//
//	configurations:
//	  - label: baseline
//	    thicknesses: [2.0, 3.0]
//	search:
//	  initial_velocity: 400
//	observer:
//	  kind: command
//	  command: ./run_case.sh
//	  args: ["{velocity}", "{t1}", "{t2}", "{run_dir}"]
//	work_dir: runs
//	results_csv: runs/v50_results.csv
type Batch struct {
	Configurations []ConfigurationSpec     `yaml:"configurations"`
	Search         ballistics.SearchParams `yaml:"search"`
	Observer       ObserverConfig          `yaml:"observer"`
	Synthetic      SyntheticConfig         `yaml:"synthetic"`
	WorkDir        string                  `yaml:"work_dir"`
	ResultsCSV     string                  `yaml:"results_csv"`
	Parallelism    int                     `yaml:"parallelism"`
}

// NewBatch returns a batch inheriting the shared settings of cfg.
func NewBatch(cfg *Config) *Batch {
	return &Batch{
		Search:      cfg.Search,
		Observer:    cfg.Observer,
		Synthetic:   cfg.Synthetic,
		WorkDir:     cfg.WorkDir,
		Parallelism: cfg.BatchParallelism,
	}
}

// LoadBatch reads a batch file. Settings absent from the file keep the values
// of base.
func LoadBatch(path string, base *Config) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read batch file %s", path).
			WithOperation("LoadBatch").WithComponent(errors.ComponentConfig)
	}
	return ParseBatch(data, base)
}

// ParseBatch decodes and validates a batch description.
func ParseBatch(data []byte, base *Config) (*Batch, error) {
	b := NewBatch(base)
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, errors.Wrap(err, "decode batch file").
			WithOperation("ParseBatch").WithComponent(errors.ComponentConfig)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks the batch for consistency.
func (b *Batch) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return errors.Errorf(format, args...).WithOperation("Batch.Validate").WithComponent(errors.ComponentConfig)
	}

	if len(b.Configurations) == 0 {
		return fail("batch has no configurations")
	}
	for i, c := range b.Configurations {
		if len(c.Thicknesses) == 0 {
			return fail("configuration %d has no thicknesses", i+1)
		}
		for _, t := range c.Thicknesses {
			if !(t > 0) {
				return fail("configuration %d has non-positive thickness %v", i+1, t)
			}
		}
	}
	if b.Parallelism < 1 {
		b.Parallelism = 1
	}
	if err := b.Observer.Validate(); err != nil {
		return err
	}
	if err := b.Search.Validate(); err != nil {
		return errors.Wrap(err, "invalid search parameters").
			WithOperation("Batch.Validate").WithComponent(errors.ComponentConfig)
	}
	return nil
}

// Targets converts the configuration specs into target configurations.
func (b *Batch) Targets() []ballistics.TargetConfiguration {
	out := make([]ballistics.TargetConfiguration, len(b.Configurations))
	for i, c := range b.Configurations {
		out[i] = ballistics.NewTargetConfiguration(c.Label, c.Thicknesses...)
	}
	return out
}
