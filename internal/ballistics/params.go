package ballistics

import (
	"fmt"
	"math"
)

// Range is a closed interval [Min, Max].
type Range struct {
	Min float64 `json:"min" yaml:"min" env:"MIN"`
	Max float64 `json:"max" yaml:"max" env:"MAX"`
}

// Contains reports whether v lies in the interval.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Clamp restricts v to the interval.
func (r Range) Clamp(v float64) float64 {
	return math.Max(r.Min, math.Min(v, r.Max))
}

// FitBounds holds the static parameter bounds of the Lambert-Jonas fit.
type FitBounds struct {
	A   Range `json:"a" yaml:"a" envPrefix:"A_"`
	P   Range `json:"p" yaml:"p" envPrefix:"P_"`
	VBL Range `json:"vbl" yaml:"vbl" envPrefix:"VBL_"`
}

// SearchParams configures one configuration's search and fit.
type SearchParams struct {
	// InitialVelocity is the first impact velocity tried (m/s)
	InitialVelocity float64 `json:"initial_velocity" yaml:"initial_velocity" env:"INITIAL_VELOCITY"`
	// GrowthFactor multiplies the velocity after a non-penetration; values <= 1 select linear stepping
	GrowthFactor float64 `json:"growth_factor" yaml:"growth_factor" env:"GROWTH_FACTOR"`
	// LinearStep is added to the velocity when no growth factor is configured,
	// and after a failed first trial. LinearStep/5 is the sampling increment.
	LinearStep float64 `json:"linear_step" yaml:"linear_step" env:"LINEAR_STEP"`
	// VelocityFloor is the initial lower end of the bracket
	VelocityFloor float64 `json:"velocity_floor" yaml:"velocity_floor" env:"VELOCITY_FLOOR"`

	ConvergenceTolerance   float64 `json:"convergence_tolerance" yaml:"convergence_tolerance" env:"CONVERGENCE_TOLERANCE"`
	MaxTotalRuns           int     `json:"max_total_runs" yaml:"max_total_runs" env:"MAX_TOTAL_RUNS"`
	MaxBisectionIterations int     `json:"max_bisection_iterations" yaml:"max_bisection_iterations" env:"MAX_BISECTION_ITERATIONS"`
	// MaxExpansionRetries bounds the linear-step retries after failed trials
	// that precede any successful trial
	MaxExpansionRetries int `json:"max_expansion_retries" yaml:"max_expansion_retries" env:"MAX_EXPANSION_RETRIES"`
	// ExtraSamples is the number of additional valid points sampled around the first penetration
	ExtraSamples int `json:"extra_samples" yaml:"extra_samples" env:"EXTRA_SAMPLES"`

	VRFilterThreshold float64     `json:"vr_filter_threshold" yaml:"vr_filter_threshold" env:"VR_FILTER_THRESHOLD"`
	MinPointsForFit   int         `json:"min_points_for_fit" yaml:"min_points_for_fit" env:"MIN_POINTS_FOR_FIT"`
	Bounds            FitBounds   `json:"bounds" yaml:"bounds" envPrefix:"BOUND_"`
	InitialGuess      ModelParams `json:"initial_guess" yaml:"initial_guess" envPrefix:"GUESS_"`
	// MaxFitEvaluations caps objective evaluations per optimizer start
	MaxFitEvaluations int `json:"max_fit_evaluations" yaml:"max_fit_evaluations" env:"MAX_FIT_EVALUATIONS"`
}

// DefaultSearchParams returns the parameters used when nothing is configured.
func DefaultSearchParams() SearchParams {
	return SearchParams{
		InitialVelocity:        300,
		GrowthFactor:           1.5,
		LinearStep:             150,
		VelocityFloor:          0,
		ConvergenceTolerance:   5,
		MaxTotalRuns:           30,
		MaxBisectionIterations: 20,
		MaxExpansionRetries:    1,
		ExtraSamples:           3,
		VRFilterThreshold:      400,
		MinPointsForFit:        4,
		Bounds: FitBounds{
			A:   Range{Min: 0.1, Max: 2.0},
			P:   Range{Min: 1.1, Max: 5.0},
			VBL: Range{Min: 50, Max: 2000},
		},
		InitialGuess:      ModelParams{A: 1.0, P: 2.0, VBL: 500},
		MaxFitEvaluations: 5000,
	}
}

// Validate checks the parameters for internal consistency.
func (p SearchParams) Validate() error {
	const op = "SearchParams.Validate"
	fail := func(format string, args ...interface{}) error {
		return newError(ReasonInvalidParams, op, fmt.Sprintf(format, args...), nil)
	}

	if !(p.InitialVelocity > 0) {
		return fail("initial_velocity must be positive, got %v", p.InitialVelocity)
	}
	if p.VelocityFloor < 0 || p.VelocityFloor >= p.InitialVelocity {
		return fail("velocity_floor must be in [0, initial_velocity), got %v", p.VelocityFloor)
	}
	if p.GrowthFactor <= 1 && !(p.LinearStep > 0) {
		return fail("either growth_factor > 1 or linear_step > 0 is required")
	}
	if p.LinearStep < 0 {
		return fail("linear_step must not be negative, got %v", p.LinearStep)
	}
	if !(p.ConvergenceTolerance > 0) {
		return fail("convergence_tolerance must be positive, got %v", p.ConvergenceTolerance)
	}
	if p.MaxTotalRuns < 1 {
		return fail("max_total_runs must be at least 1, got %d", p.MaxTotalRuns)
	}
	if p.MaxBisectionIterations < 0 || p.MaxExpansionRetries < 0 || p.ExtraSamples < 0 {
		return fail("iteration limits and sample counts must not be negative")
	}
	if !(p.VRFilterThreshold > 0) {
		return fail("vr_filter_threshold must be positive, got %v", p.VRFilterThreshold)
	}
	if p.MinPointsForFit < 1 {
		return fail("min_points_for_fit must be at least 1, got %d", p.MinPointsForFit)
	}
	for _, b := range []struct {
		name  string
		r     Range
		guess float64
	}{
		{"a", p.Bounds.A, p.InitialGuess.A},
		{"p", p.Bounds.P, p.InitialGuess.P},
		{"vbl", p.Bounds.VBL, p.InitialGuess.VBL},
	} {
		if !(b.r.Min > 0) || !(b.r.Max > b.r.Min) {
			return fail("bounds for %s must satisfy 0 < min < max, got [%v, %v]", b.name, b.r.Min, b.r.Max)
		}
		if !b.r.Contains(b.guess) {
			return fail("initial guess for %s (%v) is outside [%v, %v]", b.name, b.guess, b.r.Min, b.r.Max)
		}
	}
	return nil
}

// StepFunc advances the expansion velocity after a non-penetration.
type StepFunc func(v float64) float64

// Stepper selects the expansion step once: multiplicative when a growth
// factor above one is configured, additive otherwise.
func (p SearchParams) Stepper() StepFunc {
	if p.GrowthFactor > 1 {
		g := p.GrowthFactor
		return func(v float64) float64 { return v * g }
	}
	step := p.LinearStep
	return func(v float64) float64 { return v + step }
}

// SampleStep is the satellite sampling increment.
func (p SearchParams) SampleStep() float64 {
	return math.Max(1.0, p.LinearStep/5.0)
}
