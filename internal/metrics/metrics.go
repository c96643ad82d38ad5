// Package metrics records search and fit activity for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives search and fit events. Implementations must be safe for
// concurrent use since configurations may be solved in parallel.
type Recorder interface {
	// ObserveTrial is called after each experiment.
	ObserveTrial(phase, outcome string, duration time.Duration)
	// ObserveSolve is called once per configuration with its terminal status.
	ObserveSolve(status, reason string, runs int)
	// ObserveFit is called after a successful fit.
	ObserveFit(rmse float64)
}

// Noop discards all events.
type Noop struct{}

func (Noop) ObserveTrial(string, string, time.Duration) {}
func (Noop) ObserveSolve(string, string, int)           {}
func (Noop) ObserveFit(float64)                         {}

// Prometheus exports events as Prometheus collectors.
type Prometheus struct {
	trials        *prometheus.CounterVec
	trialDuration *prometheus.HistogramVec
	solves        *prometheus.CounterVec
	solveRuns     prometheus.Histogram
	fitRMSE       prometheus.Histogram
}

// NewPrometheus creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ballistic",
			Name:      "trials_total",
			Help:      "Experiments issued to the observation source, by search phase and outcome.",
		}, []string{"phase", "outcome"}),
		trialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ballistic",
			Name:      "trial_duration_seconds",
			Help:      "Wall time of a single experiment.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"phase"}),
		solves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ballistic",
			Name:      "solves_total",
			Help:      "Completed configuration solves, by status and failure reason.",
		}, []string{"status", "reason"}),
		solveRuns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ballistic",
			Name:      "solve_runs",
			Help:      "Experiments used per configuration.",
			Buckets:   prometheus.LinearBuckets(2, 4, 10),
		}),
		fitRMSE: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ballistic",
			Name:      "fit_rmse",
			Help:      "RMSE of successful Lambert-Jonas fits (m/s).",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	for _, c := range []prometheus.Collector{p.trials, p.trialDuration, p.solves, p.solveRuns, p.fitRMSE} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ObserveTrial implements Recorder.
func (p *Prometheus) ObserveTrial(phase, outcome string, duration time.Duration) {
	p.trials.WithLabelValues(phase, outcome).Inc()
	p.trialDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObserveSolve implements Recorder.
func (p *Prometheus) ObserveSolve(status, reason string, runs int) {
	p.solves.WithLabelValues(status, reason).Inc()
	p.solveRuns.Observe(float64(runs))
}

// ObserveFit implements Recorder.
func (p *Prometheus) ObserveFit(rmse float64) {
	p.fitRMSE.Observe(rmse)
}
