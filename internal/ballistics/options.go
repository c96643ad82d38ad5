package ballistics

import (
	"github.com/copyleftdev/ballistic/internal/logging"
	"github.com/copyleftdev/ballistic/internal/metrics"
)

type options struct {
	logger      *logging.Logger
	recorder    metrics.Recorder
	workDir     string
	parallelism int
}

// Option configures a Controller, Solver or Batch.
type Option func(*options)

// WithLogger sets the base logger. Solves derive a per-configuration scope from it.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder metrics.Recorder) Option {
	return func(o *options) {
		if recorder != nil {
			o.recorder = recorder
		}
	}
}

// WithWorkDir makes each solve write its log to <dir>/config_NN/solver.log.
func WithWorkDir(dir string) Option {
	return func(o *options) {
		o.workDir = dir
	}
}

// WithParallelism sets how many configurations a Batch solves at once.
// Values below 2 keep the batch sequential.
func WithParallelism(n int) Option {
	return func(o *options) {
		o.parallelism = n
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:      logging.Discard(),
		recorder:    metrics.Noop{},
		parallelism: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
